// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package liveness

import (
	"testing"

	"github.com/antimetal/tracelens/pkg/trace/analysis"
	"github.com/antimetal/tracelens/pkg/trace/model"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func access(a *Analyzer, cpuThread uint32, kernelID int32, mem *model.Memory, start, end uint64) {
	_ = a.UnitAccess(cpuThread, kernelID, analysis.UnitAccess{
		Memory:  mem,
		Kind:    model.AccessKind{UnitSize: uint32((end - start) * 8)},
		Address: start,
		Access:  analysis.AccessRead,
	})
}

// Scenario S4: object M len=100. K1 accesses [0,30) and [60,100): unused
// = {[30,60)}, sum=30, largest=30, fragmentation=0. K2 accesses [40,50):
// unused = {[30,40),[50,60)}, sum=20, largest=10 (capped at 30),
// fragmentation = 1 - 10/20 = 0.5.
func TestFragmentationAcrossKernels(t *testing.T) {
	const cpuThread = 1
	mem := &model.Memory{OpID: 1, Range: model.MemoryRange{Start: 0, End: 100}}

	a := New(logr.Discard(), analysis.Config{})
	require.NoError(t, a.OpCallback(model.NewMemoryAlloc(1, 1, mem.Range)))

	require.NoError(t, a.AnalysisBegin(cpuThread, 1, 0, 1, 0, model.PatchTypeAddress))
	access(a, cpuThread, 1, mem, 0, 30)
	access(a, cpuThread, 1, mem, 60, 100)
	require.NoError(t, a.AnalysisEnd(cpuThread, 1))

	require.Len(t, a.frags, 1)
	assert.Equal(t, uint64(30), a.frags[0].UnusedBytes)
	assert.Equal(t, uint64(30), a.frags[0].LargestChunk)
	assert.InDelta(t, 0.0, a.frags[0].Fragmentation, 1e-9)

	require.NoError(t, a.AnalysisBegin(cpuThread, 2, 0, 1, 0, model.PatchTypeAddress))
	access(a, cpuThread, 2, mem, 40, 50)
	require.NoError(t, a.AnalysisEnd(cpuThread, 2))

	require.Len(t, a.frags, 2)
	assert.Equal(t, uint64(20), a.frags[1].UnusedBytes)
	assert.Equal(t, uint64(10), a.frags[1].LargestChunk)
	assert.InDelta(t, 0.5, a.frags[1].Fragmentation, 1e-9)
}
