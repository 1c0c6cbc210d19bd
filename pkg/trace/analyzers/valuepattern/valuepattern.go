// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package valuepattern implements the value-pattern analyzer: it
// classifies the distribution of values an array sees over a kernel
// (single-valued, densely-valued, over-wide integer types, floats with no
// fractional part) and re-runs the classification at reduced precision to
// surface approximation opportunities.
package valuepattern

import (
	"github.com/antimetal/tracelens/pkg/trace/analysis"
	"github.com/antimetal/tracelens/pkg/trace/model"
	"github.com/antimetal/tracelens/pkg/trace/registry"
	"github.com/go-logr/logr"
)

// Pattern is one finding of the §4.6 classification.
type Pattern string

const (
	PatternTypeOveruse        Pattern = "TYPE_OVERUSE"
	PatternInappropriateFloat Pattern = "INAPPROPRIATE_FLOAT"
	PatternSingleValue        Pattern = "SINGLE_VALUE"
	PatternRedundantZeros     Pattern = "REDUNDANT_ZEROS"
	PatternDenseValue         Pattern = "DENSE_VALUE"
	PatternNoPattern          Pattern = "NO_PATTERN"
	PatternApproximateValue   Pattern = "APPROXIMATE_VALUE"
	PatternSilentStore        Pattern = "SILENT_STORE"
	PatternSilentLoad         Pattern = "SILENT_LOAD"
	PatternStructuredPattern  Pattern = "STRUCTURED_PATTERN"
)

// distKey groups a trace's value distribution by the memory object and
// the access kind it was observed under.
type distKey struct {
	OpID uint64
	Kind model.AccessKind
}

// arrayDist is one (memory, access_kind) array's observed values, keyed
// by element offset, storing the raw unmasked bit pattern: masking to a
// given precision is applied at classification time so the same
// recorded data serves both the exact and the approximate pass.
//
// lastWrite/lastRead track, per offset, the most recently recorded value
// for that access type so UnitAccess can detect a store or load that
// repeats the value already seen there (Silent Store / Silent Load),
// since the offset->value->count histogram alone discards ordering.
type arrayDist struct {
	mem    *model.Memory
	offset map[int64]map[uint64]uint64

	lastWrite    map[int64]uint64
	lastWriteSet map[int64]bool
	lastRead     map[int64]uint64
	lastReadSet  map[int64]bool

	silentStores, writeAccesses uint64
	silentLoads, readAccesses  uint64
}

// Trace is the per-(cpu_thread, kernel_id) value-pattern state.
type Trace struct {
	CubinID, ModID uint32
	Dist           map[distKey]*arrayDist
}

func newTrace(cubinID, modID uint32) *Trace {
	return &Trace{CubinID: cubinID, ModID: modID, Dist: make(map[distKey]*arrayDist)}
}

// Analyzer is the value-pattern Analyzer.
type Analyzer struct {
	analysis.Base
	cubins *registry.CubinTable
	traces *registry.KernelTraceTable[*Trace]
}

// New builds a value-pattern Analyzer.
func New(cubins *registry.CubinTable, log logr.Logger, cfg analysis.Config) *Analyzer {
	return &Analyzer{
		Base:   analysis.NewBase("value_pattern", log, cfg),
		cubins: cubins,
		traces: registry.NewKernelTraceTable[*Trace](),
	}
}

func (a *Analyzer) AnalysisBegin(cpuThread uint32, kernelID int32, hostOpID uint64, cubinID, modID uint32, bufType model.PatchBufferType) error {
	a.traces.GetOrCreate(cpuThread, kernelID, func() *Trace { return newTrace(cubinID, modID) })
	return nil
}

func (a *Analyzer) AnalysisEnd(uint32, int32) error { return nil }

// UnitAccess records one raw value at its element offset within the
// owning object, keyed by (memory.op_id, access_kind).
func (a *Analyzer) UnitAccess(cpuThread uint32, kernelID int32, access analysis.UnitAccess) error {
	tr, ok := a.traces.Get(cpuThread, kernelID)
	if !ok || access.Memory == nil || access.Kind.UnitSize == 0 {
		return nil
	}
	unitBytes := uint64(access.Kind.UnitSize / 8)
	if unitBytes == 0 || access.Address < access.Memory.Range.Start {
		return nil
	}
	offset := int64((access.Address - access.Memory.Range.Start) / unitBytes)

	key := distKey{OpID: access.Memory.OpID, Kind: access.Kind}

	a.Lock()
	defer a.Unlock()

	dist, ok := tr.Dist[key]
	if !ok {
		dist = &arrayDist{
			mem:          access.Memory,
			offset:       make(map[int64]map[uint64]uint64),
			lastWrite:    make(map[int64]uint64),
			lastWriteSet: make(map[int64]bool),
			lastRead:     make(map[int64]uint64),
			lastReadSet:  make(map[int64]bool),
		}
		tr.Dist[key] = dist
	}
	byValue, ok := dist.offset[offset]
	if !ok {
		byValue = make(map[uint64]uint64)
		dist.offset[offset] = byValue
	}
	byValue[access.Value]++

	if access.Flags.Has(model.PatchWrite) {
		dist.writeAccesses++
		if dist.lastWriteSet[offset] && dist.lastWrite[offset] == access.Value {
			dist.silentStores++
		}
		dist.lastWrite[offset] = access.Value
		dist.lastWriteSet[offset] = true
	}
	if access.Flags.Has(model.PatchRead) {
		dist.readAccesses++
		if dist.lastReadSet[offset] && dist.lastRead[offset] == access.Value {
			dist.silentLoads++
		}
		dist.lastRead[offset] = access.Value
		dist.lastReadSet[offset] = true
	}
	return nil
}
