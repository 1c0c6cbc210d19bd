// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/tracelens/pkg/trace/analysis"
	"github.com/antimetal/tracelens/pkg/trace/cubin"
	"github.com/antimetal/tracelens/pkg/trace/model"
)

func TestNewRequiresLogger(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestNewBuildsOnlyEnabledAnalyzers(t *testing.T) {
	e, err := New(Options{
		Logger: logr.Discard(),
		Config: analysis.Config{Enabled: map[analysis.Type]bool{
			analysis.TypeDataFlow: true,
		}},
	})
	require.NoError(t, err)
	require.Len(t, e.Analyzers(), 1)
	assert.Equal(t, "data_flow", e.Analyzers()[0].Name())
}

func TestNewDefaultsEnableFiveAnalyzers(t *testing.T) {
	e, err := New(Options{Logger: logr.Discard()})
	require.NoError(t, err)
	assert.Len(t, e.Analyzers(), 5)
}

const loadStoreCubinJSON = `[
  {
    "index": 0,
    "address": 0,
    "blocks": [
      {
        "insts": [
          {"pc": 0, "op": "MEMORY.LOAD.32", "pred": -1, "dsts": [1], "srcs": []},
          {"pc": 8, "op": "MEMORY.STORE.32", "pred": -1, "dsts": [], "srcs": [
            {"id": 2, "assign_pcs": []},
            {"id": 1, "assign_pcs": [0]}
          ]}
        ]
      }
    ]
  }
]`

// TestEndToEndSmoke drives one alloc, one kernel launch with a read and a
// write record, kernel_end, and a full flush, confirming the engine wires
// registries, dispatcher, and analyzers into one working pipeline without
// any unresolved accesses.
func TestEndToEndSmoke(t *testing.T) {
	e, err := New(Options{Logger: logr.Discard()})
	require.NoError(t, err)

	symbols, graph, err := cubin.Parse(strings.NewReader(loadStoreCubinJSON))
	require.NoError(t, err)
	c := cubin.NewCubin(1, "test.cubin")
	c.Modules[0] = &cubin.Module{Symbols: symbols, Graph: graph}
	require.NoError(t, e.RegisterCubin(c))

	const cpuThread = uint32(0)
	memRange := model.MemoryRange{Start: 0, End: 64}
	require.NoError(t, e.HandleOperation(model.NewMemoryAlloc(1, 1, memRange)))
	require.NoError(t, e.HandleOperation(model.NewKernel(2, 2, cpuThread, 1, 0, 0, 0)))

	buf := model.Buffer{
		CPUThread: cpuThread,
		CubinID:   1,
		KernelID:  2,
		HostOpID:  2,
		Type:      model.PatchTypeDefault,
		Records: []model.Record{
			{Thread: model.ThreadId{}, PC: 0, Flags: model.PatchRead, Lanes: []model.Lane{{Addr: 0, Value: 7}}},
			{Thread: model.ThreadId{}, PC: 8, Flags: model.PatchWrite, Lanes: []model.Lane{{Addr: 0, Value: 9}}},
		},
	}
	require.NoError(t, e.Dispatch(buf))
	require.NoError(t, e.EndKernel(cpuThread, 2))

	assert.Zero(t, e.UnresolvedAccesses())

	dtoh := func(start, numBytes uint64) ([]byte, error) { return make([]byte, numBytes), nil }
	var records []analysis.RecordData
	emit := func(rd analysis.RecordData) { records = append(records, rd) }

	require.NoError(t, e.FlushThread(context.Background(), cpuThread, dtoh, emit))
	require.NoError(t, e.Flush(context.Background(), dtoh, emit))
}
