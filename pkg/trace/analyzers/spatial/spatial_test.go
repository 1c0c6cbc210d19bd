// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package spatial

import (
	"testing"

	"github.com/antimetal/tracelens/pkg/trace/analysis"
	"github.com/antimetal/tracelens/pkg/trace/model"
	"github.com/antimetal/tracelens/pkg/trace/registry"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

// Scenario S2: a write at pc=0xC0 stores the float32 bit pattern for 1.0
// to 32 distinct lanes of one object. The dominant value count at that pc
// must be 32 and local_rate must be 1.0.
func TestSpatialRedundancySingleValue(t *testing.T) {
	const cpuThread = 1
	const kernelID = 1
	const pc = 0xC0
	const floatOneBits = 0x3F800000

	kind := model.AccessKind{DataType: model.DataTypeFloat, VecSize: 32, UnitSize: 32}
	mem := &model.Memory{OpID: 9, Range: model.MemoryRange{Start: 0x1000, End: 0x1000 + 32*4}}

	a := New(registry.NewCubinTable(), logr.Discard(), analysis.Config{})
	require.NoError(t, a.AnalysisBegin(cpuThread, kernelID, 0, 1, 0, model.PatchTypeDefault))

	for lane := 0; lane < 32; lane++ {
		require.NoError(t, a.UnitAccess(cpuThread, kernelID, analysis.UnitAccess{
			PCOffset: pc,
			Memory:   mem,
			Kind:     kind,
			Address:  mem.Range.Start + uint64(lane*4),
			Value:    floatOneBits,
			Access:   analysis.AccessWrite,
		}))
	}

	tr, ok := a.traces.Get(cpuThread, kernelID)
	require.True(t, ok)

	key := objectKey{OpID: 9, Kind: kind}
	require.Equal(t, uint64(32), tr.Writes.counts[key][pc][floatOneBits])

	rows := reduceStream(tr.Writes, 10, 10)
	require.Len(t, rows, 1)
	require.Equal(t, uint64(32), rows[0].redCount)
	require.Equal(t, 1.0, rows[0].localRate)
}
