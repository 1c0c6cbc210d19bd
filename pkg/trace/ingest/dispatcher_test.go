// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ingest_test

import (
	"strings"
	"testing"

	"github.com/antimetal/tracelens/pkg/trace/analysis"
	"github.com/antimetal/tracelens/pkg/trace/cubin"
	"github.com/antimetal/tracelens/pkg/trace/ingest"
	"github.com/antimetal/tracelens/pkg/trace/model"
	"github.com/antimetal/tracelens/pkg/trace/registry"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingAnalyzer implements analysis.Analyzer, logging every call it
// receives so tests can assert on dispatch order and content.
type recordingAnalyzer struct {
	analysis.Base
	blockEnters  []model.ThreadId
	blockExits   []model.ThreadId
	unitAccesses []analysis.UnitAccess
	began        bool
	ended        bool
}

func newRecordingAnalyzer() *recordingAnalyzer {
	return &recordingAnalyzer{Base: analysis.NewBase("recording", logr.Discard(), analysis.Config{})}
}

func (r *recordingAnalyzer) AnalysisBegin(uint32, int32, uint64, uint32, uint32, model.PatchBufferType) error {
	r.began = true
	return nil
}

func (r *recordingAnalyzer) AnalysisEnd(uint32, int32) error {
	r.ended = true
	return nil
}

func (r *recordingAnalyzer) BlockEnter(cpuThread uint32, kernelID int32, thread model.ThreadId) error {
	r.blockEnters = append(r.blockEnters, thread)
	return nil
}

func (r *recordingAnalyzer) BlockExit(cpuThread uint32, kernelID int32, thread model.ThreadId) error {
	r.blockExits = append(r.blockExits, thread)
	return nil
}

func (r *recordingAnalyzer) UnitAccess(cpuThread uint32, kernelID int32, access analysis.UnitAccess) error {
	r.unitAccesses = append(r.unitAccesses, access)
	return nil
}

func (r *recordingAnalyzer) FlushThread(uint32, analysis.DtohCallback, analysis.RecordDataCallback) error {
	return nil
}

func (r *recordingAnalyzer) Flush(analysis.DtohCallback, analysis.RecordDataCallback) error {
	return nil
}

const loadInstJSON = `[
  {
    "index": 0,
    "address": 0,
    "blocks": [
      {
        "insts": [
          {"pc": 0, "op": "MEMORY.LOAD.32", "pred": -1, "dsts": [1], "srcs": []}
        ]
      }
    ]
  }
]`

func buildCubinTable(t *testing.T) *registry.CubinTable {
	t.Helper()
	symbols, graph, err := cubin.Parse(strings.NewReader(loadInstJSON))
	require.NoError(t, err)

	c := cubin.NewCubin(1, "/tmp/a.cubin")
	c.Modules[0] = &cubin.Module{Symbols: symbols, Graph: graph}

	table := registry.NewCubinTable()
	require.NoError(t, table.Register(c))
	return table
}

func TestDispatchFansUnitAccessToEveryAnalyzer(t *testing.T) {
	cubins := buildCubinTable(t)
	mem := registry.NewMemoryTable()
	require.NoError(t, mem.Insert(&model.Memory{OpID: 7, Range: model.MemoryRange{Start: 0x1000, End: 0x2000}}))

	a1 := newRecordingAnalyzer()
	a2 := newRecordingAnalyzer()
	d := ingest.NewDispatcher(cubins, mem, []analysis.Analyzer{a1, a2}, nil, logr.Discard())

	buf := model.Buffer{
		CPUThread: 1,
		CubinID:   1,
		ModID:     0,
		KernelID:  100,
		Type:      model.PatchTypeDefault,
		Records: []model.Record{
			{
				Thread: model.ThreadId{BlockX: 0, ThreadX: 0},
				PC:     0,
				Flags:  model.PatchRead,
				Lanes:  []model.Lane{{Addr: 0x1000, Value: 0xdeadbeef}},
			},
			{
				Thread: model.ThreadId{BlockX: 0, ThreadX: 1},
				PC:     0,
				Flags:  model.PatchRead,
				Lanes:  []model.Lane{{Addr: 0x1004, Value: 0xcafef00d}},
			},
			{
				Thread: model.ThreadId{BlockX: 1, ThreadX: 0},
				PC:     0,
				Flags:  model.PatchRead,
				Lanes:  []model.Lane{{Addr: 0x1008, Value: 0x1}},
			},
		},
	}

	require.NoError(t, d.Dispatch(buf))
	require.NoError(t, d.End(buf.CPUThread, buf.KernelID))

	for _, a := range []*recordingAnalyzer{a1, a2} {
		assert.True(t, a.began)
		assert.True(t, a.ended)
		require.Len(t, a.unitAccesses, 3)
		assert.Equal(t, uint64(7), a.unitAccesses[0].Memory.OpID)
		assert.Equal(t, model.DataTypeInt, a.unitAccesses[0].Kind.DataType)
		assert.Equal(t, uint32(32), a.unitAccesses[0].Kind.UnitSize)

		// Block boundary: BlockX changes from 0 (first two records) to 1
		// (third record), so exactly one enter/exit pair fires mid-stream,
		// plus the initial enter and the final exit at kernel_end.
		require.Len(t, a.blockEnters, 2)
		require.Len(t, a.blockExits, 2)
		assert.Equal(t, uint32(0), a.blockEnters[0].BlockX)
		assert.Equal(t, uint32(1), a.blockEnters[1].BlockX)
		assert.Equal(t, uint32(0), a.blockExits[0].BlockX)
		assert.Equal(t, uint32(1), a.blockExits[1].BlockX)
	}
}

func TestDispatchClassifiesUnmappedAddressAsPseudoMemory(t *testing.T) {
	cubins := buildCubinTable(t)
	mem := registry.NewMemoryTable()

	a := newRecordingAnalyzer()
	d := ingest.NewDispatcher(cubins, mem, []analysis.Analyzer{a}, nil, logr.Discard())

	buf := model.Buffer{
		CPUThread: 1,
		CubinID:   1,
		KernelID:  1,
		Records: []model.Record{
			{Thread: model.ThreadId{}, PC: 0, Flags: model.PatchRead, Lanes: []model.Lane{{Addr: 0x9999, Value: 1}}},
		},
	}

	require.NoError(t, d.Dispatch(buf))
	require.Len(t, a.unitAccesses, 1)
	assert.Equal(t, model.HostCtxID, a.unitAccesses[0].Memory.CtxID)
}

func TestDispatchSkipsUnresolvableAccessKind(t *testing.T) {
	cubins := registry.NewCubinTable() // no cubin registered for CubinID 1
	mem := registry.NewMemoryTable()

	a := newRecordingAnalyzer()
	d := ingest.NewDispatcher(cubins, mem, []analysis.Analyzer{a}, nil, logr.Discard())

	buf := model.Buffer{
		CPUThread: 1,
		CubinID:   1,
		KernelID:  1,
		Records: []model.Record{
			{Thread: model.ThreadId{}, PC: 0, Flags: model.PatchRead, Lanes: []model.Lane{{Addr: 0x1000, Value: 1}}},
		},
	}

	require.NoError(t, d.Dispatch(buf))
	assert.Empty(t, a.unitAccesses)
	assert.Equal(t, uint64(1), d.UnresolvedAccesses())
}
