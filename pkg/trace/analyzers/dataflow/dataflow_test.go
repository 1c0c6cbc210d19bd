// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package dataflow

import (
	"testing"

	"github.com/antimetal/tracelens/pkg/trace/analysis"
	"github.com/antimetal/tracelens/pkg/trace/model"
	"github.com/antimetal/tracelens/pkg/trace/registry"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario S1: two-kernel copy chain. Alloc A(ctx=1,op=100,len=64,zeros),
// alloc B(ctx=2,op=101,len=64,zeros), memcpy A->B(ctx=3,op=102), kernel
// K(ctx=4,op=103) reads B and writes A with bitwise-inverted bytes.
func TestDataFlowTwoKernelCopyChain(t *testing.T) {
	const cpuThread = 1
	const kernelID int32 = 103

	a := New(registry.NewOpNodeTable(), registry.NewMemoryTable(), logr.Discard(), analysis.Config{}, false)

	require.NoError(t, a.OpCallback(model.NewMemoryAlloc(100, 1, model.MemoryRange{Start: 0, End: 64})))
	require.NoError(t, a.OpCallback(model.NewMemoryAlloc(101, 2, model.MemoryRange{Start: 1000, End: 1064})))
	require.NoError(t, a.OpCallback(model.NewMemcpy(102, 3, 100, 0, 101, 0, 64)))

	require.NoError(t, a.OpCallback(model.NewKernel(103, 4, cpuThread, 1, 0, 0, 0)))
	require.NoError(t, a.AnalysisBegin(cpuThread, kernelID, 0, 1, 0, model.PatchTypeAddress))

	memA := a.objects[100].mem
	memB := a.objects[101].mem

	require.NoError(t, a.UnitAccess(cpuThread, kernelID, analysis.UnitAccess{
		Memory: memB, Kind: model.AccessKind{UnitSize: 512}, Address: memB.Range.Start, Access: analysis.AccessRead,
	}))
	require.NoError(t, a.UnitAccess(cpuThread, kernelID, analysis.UnitAccess{
		Memory: memA, Kind: model.AccessKind{UnitSize: 512}, Address: memA.Range.Start, Access: analysis.AccessWrite,
	}))
	require.NoError(t, a.AnalysisEnd(cpuThread, kernelID))

	inverted := make([]byte, 64)
	for i := range inverted {
		inverted[i] = 0xFF
	}
	dtoh := func(start, numBytes uint64) ([]byte, error) {
		return inverted[:numBytes], nil
	}
	require.NoError(t, a.FlushThread(cpuThread, dtoh, nil))

	edge := func(from, to, memCtx int32, kind EdgeKind) edgeData {
		e, ok := a.graph.Edge(edgeIndex{FromCtx: from, ToCtx: to, MemCtxID: memCtx, Kind: kind})
		require.True(t, ok, "missing edge %d->%d memid=%d kind=%v", from, to, memCtx, kind)
		return e
	}

	readAto3 := edge(1, 3, 1, EdgeRead)
	assert.Equal(t, uint64(64), readAto3.Bytes)

	orderBto3 := edge(2, 3, 2, EdgeOrder)
	assert.Equal(t, uint64(64), orderBto3.Bytes)
	assert.Equal(t, uint64(64), orderBto3.Redundancy, "zero-filled A copied into zero-filled B is fully redundant")

	readBto4 := edge(2, 4, 2, EdgeRead)
	assert.Equal(t, uint64(64), readBto4.Bytes)

	orderAto4 := edge(1, 4, 1, EdgeOrder)
	assert.Equal(t, uint64(64), orderAto4.Bytes)
	assert.Equal(t, uint64(0), orderAto4.Redundancy, "bitwise-inverted write over zeros is never redundant")
}
