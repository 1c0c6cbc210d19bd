// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package temporal

import (
	"testing"

	"github.com/antimetal/tracelens/pkg/trace/analysis"
	"github.com/antimetal/tracelens/pkg/trace/model"
	"github.com/antimetal/tracelens/pkg/trace/registry"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

// Scenario S3: thread (bx=0,tx=0) writes 7 at addr X from pc=A, then
// writes 7 at addr X from pc=B. pc_pairs[B][A][(7,AK)] must equal 1.
// A block_exit followed by re-entering and writing 7 again at pc=B must
// not increment the counter again.
func TestTemporalRedundancyWithinBlock(t *testing.T) {
	const cpuThread = 1
	const kernelID = 100
	const pcA, pcB = 0xA0, 0xB0
	const addrX = 0x4000
	thread := model.ThreadId{BlockX: 0, ThreadX: 0}
	kind := model.AccessKind{DataType: model.DataTypeInt, VecSize: 32, UnitSize: 32}

	a := New(registry.NewCubinTable(), logr.Discard(), analysis.Config{})
	require.NoError(t, a.AnalysisBegin(cpuThread, kernelID, 0, 1, 0, model.PatchTypeDefault))
	require.NoError(t, a.BlockEnter(cpuThread, kernelID, thread))

	write := func(pc uint64) {
		require.NoError(t, a.UnitAccess(cpuThread, kernelID, analysis.UnitAccess{
			Thread: thread, PCOffset: pc, Address: addrX, Value: 7, Kind: kind, Access: analysis.AccessWrite,
		}))
	}
	write(pcA)
	write(pcB)

	tr, ok := a.traces.Get(cpuThread, kernelID)
	require.True(t, ok)
	require.Equal(t, uint64(1), tr.Writes.pcPairs[pcB][pcA][pairKey{Value: 7, Kind: kind}])

	require.NoError(t, a.BlockExit(cpuThread, kernelID, thread))
	require.NoError(t, a.BlockEnter(cpuThread, kernelID, thread))
	write(pcB)

	require.Equal(t, uint64(1), tr.Writes.pcPairs[pcB][pcA][pairKey{Value: 7, Kind: kind}],
		"block_exit must clear per-thread last-access state so re-entering does not double count")
}

func TestReduceStreamEmitsOneRowPerRedundantPair(t *testing.T) {
	s := newStream()
	thread := model.ThreadId{}
	kind := model.AccessKind{DataType: model.DataTypeInt, VecSize: 32, UnitSize: 32}

	s.access(thread, 0x10, 0x1000, 1, kind)
	s.access(thread, 0x20, 0x1000, 1, kind) // redundant: same value as last at addr
	s.access(thread, 0x10, 0x1004, 2, kind)
	s.access(thread, 0x30, 0x1004, 2, kind) // redundant

	rows := reduceStream(s, 10, 10)
	require.Len(t, rows, 2)
	for _, r := range rows {
		require.Equal(t, uint64(1), r.redCount)
	}
}
