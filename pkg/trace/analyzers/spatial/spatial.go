// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package spatial implements the spatial redundancy analyzer: it detects
// many lanes of a vector access writing (or reading) the same value to
// different addresses of one object at the same pc.
package spatial

import (
	"github.com/antimetal/tracelens/pkg/trace/analysis"
	"github.com/antimetal/tracelens/pkg/trace/model"
	"github.com/antimetal/tracelens/pkg/trace/registry"
	"github.com/go-logr/logr"
)

// objectKey groups a trace's spatial histogram by the memory object and
// the access kind it was read/written under.
type objectKey struct {
	OpID uint64
	Kind model.AccessKind
}

// stream is one read or write half of a trace's spatial histogram:
// spatial[(op_id,access_kind)][pc][value] -> count, plus a per-pc access
// counter for rate denominators.
type stream struct {
	counts    map[objectKey]map[uint64]map[uint64]uint64
	accessCnt map[uint64]uint64
}

func newStream() *stream {
	return &stream{
		counts:    make(map[objectKey]map[uint64]map[uint64]uint64),
		accessCnt: make(map[uint64]uint64),
	}
}

func (s *stream) access(key objectKey, pc, value uint64) {
	s.accessCnt[pc]++
	byPC, ok := s.counts[key]
	if !ok {
		byPC = make(map[uint64]map[uint64]uint64)
		s.counts[key] = byPC
	}
	byValue, ok := byPC[pc]
	if !ok {
		byValue = make(map[uint64]uint64)
		byPC[pc] = byValue
	}
	byValue[value]++
}

// Trace is the per-(cpu_thread, kernel_id) spatial-redundancy state.
type Trace struct {
	CubinID, ModID uint32
	Reads, Writes  *stream
}

func newTrace(cubinID, modID uint32) *Trace {
	return &Trace{CubinID: cubinID, ModID: modID, Reads: newStream(), Writes: newStream()}
}

// Analyzer is the spatial redundancy Analyzer.
type Analyzer struct {
	analysis.Base
	cubins *registry.CubinTable
	traces *registry.KernelTraceTable[*Trace]
}

// New builds a spatial redundancy Analyzer.
func New(cubins *registry.CubinTable, log logr.Logger, cfg analysis.Config) *Analyzer {
	return &Analyzer{
		Base:   analysis.NewBase("spatial_redundancy", log, cfg),
		cubins: cubins,
		traces: registry.NewKernelTraceTable[*Trace](),
	}
}

func (a *Analyzer) AnalysisBegin(cpuThread uint32, kernelID int32, hostOpID uint64, cubinID, modID uint32, bufType model.PatchBufferType) error {
	a.traces.GetOrCreate(cpuThread, kernelID, func() *Trace { return newTrace(cubinID, modID) })
	return nil
}

func (a *Analyzer) AnalysisEnd(uint32, int32) error { return nil }

// UnitAccess records one (memory.op_id, access_kind) -> pc -> value
// count, matching scenario S2: 32 lanes writing the same value to one pc
// of one object dominate that pc's histogram bucket.
func (a *Analyzer) UnitAccess(cpuThread uint32, kernelID int32, access analysis.UnitAccess) error {
	tr, ok := a.traces.Get(cpuThread, kernelID)
	if !ok || access.Memory == nil {
		return nil
	}
	s := tr.Reads
	if access.Access == analysis.AccessWrite {
		s = tr.Writes
	}
	key := objectKey{OpID: access.Memory.OpID, Kind: access.Kind}

	a.Lock()
	s.access(key, access.PCOffset, access.Value)
	a.Unlock()
	return nil
}
