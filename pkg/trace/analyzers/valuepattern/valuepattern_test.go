// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package valuepattern

import (
	"math"
	"testing"

	"github.com/antimetal/tracelens/pkg/trace/analysis"
	"github.com/antimetal/tracelens/pkg/trace/model"
	"github.com/antimetal/tracelens/pkg/trace/registry"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario S5: a float32 array whose raw values differ only in the
// lowest mantissa bits is DENSE_VALUE at full precision but collapses to
// SINGLE_VALUE once quantized to f32_precision=13.
func TestValuePatternApproximateFiring(t *testing.T) {
	const cpuThread = 1
	const kernelID = 1
	kind := model.AccessKind{DataType: model.DataTypeFloat, VecSize: 32, UnitSize: 32}
	const arrayLen = 200
	mem := &model.Memory{OpID: 5, Range: model.MemoryRange{Start: 0, End: arrayLen * 4}}

	a := New(registry.NewCubinTable(), logr.Discard(), analysis.Config{})
	require.NoError(t, a.AnalysisBegin(cpuThread, kernelID, 0, 1, 0, model.PatchTypeDefault))

	base := math.Float32bits(1.0)
	for offset := 0; offset < arrayLen; offset++ {
		// Perturb bits [5,10): survives the exact pass's Valid-precision
		// mask (zeroes no bits) but is zeroed by the approximate pass's
		// f32_precision=13 mask (zeroes the lowest 10).
		bits := base ^ (uint32(offset%20) << 5)
		require.NoError(t, a.UnitAccess(cpuThread, kernelID, analysis.UnitAccess{
			PCOffset: 0x10,
			Memory:   mem,
			Kind:     kind,
			Address:  mem.Range.Start + uint64(offset*4),
			Value:    uint64(bits),
			Access:   analysis.AccessWrite,
		}))
	}

	tr, ok := a.traces.Get(cpuThread, kernelID)
	require.True(t, ok)
	key := distKey{OpID: 5, Kind: kind}
	dist := tr.Dist[key]
	require.NotNil(t, dist)

	exact, approx := classifyWithApproximation(key, dist, 13, model.F64PrecisionValid)

	assert.Contains(t, exact.Patterns, PatternDenseValue)
	assert.NotContains(t, exact.Patterns, PatternSingleValue)
	assert.Contains(t, approx, PatternSingleValue)
}
