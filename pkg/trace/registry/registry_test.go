// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package registry_test

import (
	"sync"
	"testing"

	tracelenserrors "github.com/antimetal/tracelens/pkg/errors"
	"github.com/antimetal/tracelens/pkg/trace/cubin"
	"github.com/antimetal/tracelens/pkg/trace/model"
	"github.com/antimetal/tracelens/pkg/trace/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCubinTableRegisterUnregisterRoundTrip(t *testing.T) {
	table := registry.NewCubinTable()
	c := cubin.NewCubin(1, "/tmp/a.cubin")

	require.NoError(t, table.Register(c))
	_, ok := table.Get(1)
	require.True(t, ok)

	err := table.Register(c)
	require.Error(t, err)
	assert.True(t, tracelenserrors.Has(err, tracelenserrors.Duplicate))

	require.NoError(t, table.Unregister(1))
	_, ok = table.Get(1)
	assert.False(t, ok, "unregister should return the table to its pre-registration state")

	err = table.Unregister(1)
	assert.True(t, tracelenserrors.Has(err, tracelenserrors.NotFound))
}

func TestMemoryTableDisjointRangesAndPrev(t *testing.T) {
	table := registry.NewMemoryTable()
	a := &model.Memory{OpID: 1, Range: model.MemoryRange{Start: 0, End: 64}}
	b := &model.Memory{OpID: 2, Range: model.MemoryRange{Start: 64, End: 128}}

	require.NoError(t, table.Insert(a))
	require.NoError(t, table.Insert(b))

	overlapping := &model.Memory{OpID: 3, Range: model.MemoryRange{Start: 32, End: 96}}
	err := table.Insert(overlapping)
	require.Error(t, err)
	assert.True(t, tracelenserrors.Has(err, tracelenserrors.Duplicate))

	m, ok := table.Lookup(0)
	require.True(t, ok)
	assert.Equal(t, uint64(1), m.OpID)

	// An address equal to a's End belongs to the next object.
	m, ok = table.Lookup(64)
	require.True(t, ok)
	assert.Equal(t, uint64(2), m.OpID)

	_, ok = table.Lookup(128)
	assert.False(t, ok)

	require.NoError(t, table.Remove(1))
	assert.Equal(t, 1, table.Len())
}

func TestOpNodeTableConcurrent(t *testing.T) {
	table := registry.NewOpNodeTable()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			table.Set(uint64(i), int32(i))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 64; i++ {
		ctxID, ok := table.Get(uint64(i))
		require.True(t, ok)
		assert.Equal(t, int32(i), ctxID)
	}
}

func TestKernelTraceTableLifecycle(t *testing.T) {
	table := registry.NewKernelTraceTable[*int]()

	created := 0
	newTrace := func() *int {
		created++
		v := created
		return &v
	}

	tr := table.GetOrCreate(1, 100, newTrace)
	assert.Equal(t, 1, *tr)

	tr2 := table.GetOrCreate(1, 100, newTrace)
	assert.Same(t, tr, tr2, "GetOrCreate must not recreate an existing trace")

	all := table.ForThread(1)
	assert.Len(t, all, 1)

	table.Remove(1, 100)
	_, ok := table.Get(1, 100)
	assert.False(t, ok)
}
