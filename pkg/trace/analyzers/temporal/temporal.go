// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package temporal implements the temporal redundancy analyzer: it
// detects a thread reading or writing the same value to the same address
// from two program counters in succession (the same pc repeating also
// counts), within one thread block.
package temporal

import (
	"github.com/antimetal/tracelens/pkg/trace/analysis"
	"github.com/antimetal/tracelens/pkg/trace/model"
	"github.com/antimetal/tracelens/pkg/trace/registry"
	"github.com/go-logr/logr"
)

// pairKey is the (value, access_kind) half of one pc-pair histogram
// bucket: two accesses only count as redundant if both the value and the
// kind under which it was interpreted match.
type pairKey struct {
	Value uint64
	Kind  model.AccessKind
}

// addrEntry is the last (pc, value) a thread touched at one address.
type addrEntry struct {
	pc    uint64
	value uint64
}

// stream is one read or write half of a trace: per-thread last-access
// state, the pc-pair redundancy histogram, and a per-pc access counter
// used for rate denominators.
type stream struct {
	last      map[model.ThreadId]map[uint64]addrEntry
	pcPairs   map[uint64]map[uint64]map[pairKey]uint64 // to_pc -> from_pc -> (value,kind) -> count
	accessCnt map[uint64]uint64
}

func newStream() *stream {
	return &stream{
		last:      make(map[model.ThreadId]map[uint64]addrEntry),
		pcPairs:   make(map[uint64]map[uint64]map[pairKey]uint64),
		accessCnt: make(map[uint64]uint64),
	}
}

func (s *stream) access(thread model.ThreadId, pc, addr, value uint64, kind model.AccessKind) {
	s.accessCnt[pc]++

	byAddr, ok := s.last[thread]
	if !ok {
		byAddr = make(map[uint64]addrEntry)
		s.last[thread] = byAddr
	}
	if prev, ok := byAddr[addr]; ok && prev.value == value {
		fromPC, ok := s.pcPairs[pc]
		if !ok {
			fromPC = make(map[uint64]map[pairKey]uint64)
			s.pcPairs[pc] = fromPC
		}
		key := pairKey{Value: value, Kind: kind}
		values, ok := fromPC[prev.pc]
		if !ok {
			values = make(map[pairKey]uint64)
			fromPC[prev.pc] = values
		}
		values[key]++
	}
	byAddr[addr] = addrEntry{pc: pc, value: value}
}

func (s *stream) blockExit(thread model.ThreadId) {
	delete(s.last, thread)
}

// Trace is the per-(cpu_thread, kernel_id) temporal-redundancy state.
type Trace struct {
	CubinID, ModID uint32
	Reads, Writes  *stream
}

func newTrace(cubinID, modID uint32) *Trace {
	return &Trace{CubinID: cubinID, ModID: modID, Reads: newStream(), Writes: newStream()}
}

// Analyzer is the temporal redundancy Analyzer.
type Analyzer struct {
	analysis.Base
	cubins *registry.CubinTable
	traces *registry.KernelTraceTable[*Trace]
}

// New builds a temporal redundancy Analyzer backed by cubins for symbol
// resolution at flush.
func New(cubins *registry.CubinTable, log logr.Logger, cfg analysis.Config) *Analyzer {
	return &Analyzer{
		Base:   analysis.NewBase("temporal_redundancy", log, cfg),
		cubins: cubins,
		traces: registry.NewKernelTraceTable[*Trace](),
	}
}

func (a *Analyzer) AnalysisBegin(cpuThread uint32, kernelID int32, hostOpID uint64, cubinID, modID uint32, bufType model.PatchBufferType) error {
	a.traces.GetOrCreate(cpuThread, kernelID, func() *Trace { return newTrace(cubinID, modID) })
	return nil
}

func (a *Analyzer) AnalysisEnd(uint32, int32) error { return nil }

func (a *Analyzer) BlockEnter(uint32, int32, model.ThreadId) error { return nil }

// BlockExit erases the thread's last-access entry from both streams of
// the (cpuThread, kernelID) trace: intra-block-only temporal chains avoid
// cross-block false positives (spec.md §4.4, scenario S3).
func (a *Analyzer) BlockExit(cpuThread uint32, kernelID int32, thread model.ThreadId) error {
	tr, ok := a.traces.Get(cpuThread, kernelID)
	if !ok {
		return nil
	}
	a.Lock()
	defer a.Unlock()
	tr.Reads.blockExit(thread)
	tr.Writes.blockExit(thread)
	return nil
}

func (a *Analyzer) UnitAccess(cpuThread uint32, kernelID int32, access analysis.UnitAccess) error {
	tr, ok := a.traces.Get(cpuThread, kernelID)
	if !ok {
		return nil
	}
	s := tr.Reads
	if access.Access == analysis.AccessWrite {
		s = tr.Writes
	}
	a.Lock()
	s.access(access.Thread, access.PCOffset, access.Address, access.Value, access.Kind)
	a.Unlock()
	return nil
}
