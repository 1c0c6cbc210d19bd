// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package ingest decodes trace buffers delivered by the instrumented
// runtime and fans each resolved memory-access unit out to every enabled
// analyzer, mirroring the teacher's buffer-decode-then-dispatch shape in
// internal/intake.
package ingest

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/antimetal/tracelens/pkg/trace/analysis"
	"github.com/antimetal/tracelens/pkg/trace/cubin"
	"github.com/antimetal/tracelens/pkg/trace/model"
	"github.com/antimetal/tracelens/pkg/trace/registry"
	"github.com/go-logr/logr"
)

// PseudoMemoryClassifier resolves an address that no live MemoryTable
// range contains to one of the reserved pseudo ctx_ids (SharedCtxID,
// LocalCtxID, ConstantCtxID, UVMCtxID), or HostCtxID if nothing matches.
// Per DESIGN.md's open-question resolution this is configuration, not a
// hardcoded address-space layout, since the GPU runtime's memory map is
// out of scope.
type PseudoMemoryClassifier func(addr uint64) int32

// DefaultPseudoMemoryClassifier classifies everything as host memory; it
// is the conservative default a caller overrides with address-space
// knowledge for their target runtime.
func DefaultPseudoMemoryClassifier(uint64) int32 {
	return model.HostCtxID
}

// kernelKey identifies one (cpu_thread, kernel_id) trace for
// block-boundary tracking.
type kernelKey struct {
	cpuThread uint32
	kernelID  int32
}

type blockState struct {
	hasPrev bool
	prev    model.ThreadId
}

// Dispatcher decodes trace buffers and drives every enabled Analyzer
// through AnalysisBegin/BlockEnter/UnitAccess/BlockExit/AnalysisEnd.
type Dispatcher struct {
	Cubins     *registry.CubinTable
	Memory     *registry.MemoryTable
	Classify   PseudoMemoryClassifier
	Analyzers  []analysis.Analyzer
	Log        logr.Logger

	mu     sync.Mutex
	blocks map[kernelKey]*blockState

	unresolved atomic.Uint64 // accesses whose AccessKind could not be resolved
}

// NewDispatcher builds a Dispatcher wired to the given registries and
// analyzer set. classify may be nil, in which case
// DefaultPseudoMemoryClassifier is used.
func NewDispatcher(cubins *registry.CubinTable, mem *registry.MemoryTable, analyzers []analysis.Analyzer, classify PseudoMemoryClassifier, log logr.Logger) *Dispatcher {
	if classify == nil {
		classify = DefaultPseudoMemoryClassifier
	}
	return &Dispatcher{
		Cubins:    cubins,
		Memory:    mem,
		Classify:  classify,
		Analyzers: analyzers,
		Log:       log.WithName("dispatcher"),
		blocks:    make(map[kernelKey]*blockState),
	}
}

// UnresolvedAccesses returns the running count of accesses whose
// AccessKind could not be resolved and were skipped, per spec.md §4.9's
// error-semantics requirement that these be reported at flush rather than
// aborting the buffer.
func (d *Dispatcher) UnresolvedAccesses() uint64 {
	return d.unresolved.Load()
}

// Dispatch decodes one trace buffer and fans its records out to every
// analyzer. Ordering within the buffer follows delivery order; block_exit
// is invoked strictly before the next block's first unit_access.
func (d *Dispatcher) Dispatch(buf model.Buffer) error {
	for _, a := range d.Analyzers {
		if err := a.AnalysisBegin(buf.CPUThread, buf.KernelID, buf.HostOpID, buf.CubinID, buf.ModID, buf.Type); err != nil {
			return fmt.Errorf("analysis_begin: analyzer %s: %w", a.Name(), err)
		}
	}

	var graph *cubin.InstructionGraph
	if c, ok := d.Cubins.Get(buf.CubinID); ok {
		if m, ok := c.Module(buf.ModID); ok {
			graph = m.Graph
		}
	}

	key := kernelKey{buf.CPUThread, buf.KernelID}
	d.mu.Lock()
	st, ok := d.blocks[key]
	if !ok {
		st = &blockState{}
		d.blocks[key] = st
	}
	d.mu.Unlock()

	for _, rec := range buf.Records {
		if st.hasPrev && st.prev.BlockX != rec.Thread.BlockX {
			for _, a := range d.Analyzers {
				if err := a.BlockExit(buf.CPUThread, buf.KernelID, st.prev); err != nil {
					return fmt.Errorf("block_exit: analyzer %s: %w", a.Name(), err)
				}
			}
			st.hasPrev = false
		}
		if !st.hasPrev {
			for _, a := range d.Analyzers {
				if err := a.BlockEnter(buf.CPUThread, buf.KernelID, rec.Thread); err != nil {
					return fmt.Errorf("block_enter: analyzer %s: %w", a.Name(), err)
				}
			}
			st.hasPrev = true
			st.prev = rec.Thread
		} else {
			st.prev = rec.Thread
		}

		if err := d.dispatchRecord(buf, graph, rec); err != nil {
			return err
		}
	}

	return nil
}

// End signals the runtime's kernel_end for (cpuThread, kernelID),
// invoking AnalysisEnd on every analyzer and dropping the block-tracking
// state for that trace.
func (d *Dispatcher) End(cpuThread uint32, kernelID int32) error {
	key := kernelKey{cpuThread, kernelID}

	d.mu.Lock()
	st, ok := d.blocks[key]
	d.mu.Unlock()

	if ok && st.hasPrev {
		for _, a := range d.Analyzers {
			if err := a.BlockExit(cpuThread, kernelID, st.prev); err != nil {
				return fmt.Errorf("block_exit at kernel_end: analyzer %s: %w", a.Name(), err)
			}
		}
	}

	for _, a := range d.Analyzers {
		if err := a.AnalysisEnd(cpuThread, kernelID); err != nil {
			return fmt.Errorf("analysis_end: analyzer %s: %w", a.Name(), err)
		}
	}

	d.mu.Lock()
	delete(d.blocks, key)
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) dispatchRecord(buf model.Buffer, graph *cubin.InstructionGraph, rec model.Record) error {
	accessType := analysis.AccessRead
	if rec.Flags.Has(model.PatchWrite) {
		accessType = analysis.AccessWrite
	}

	var kind model.AccessKind
	if graph != nil {
		kind = cubin.Infer(graph, rec.PC, model.DataTypeInt)
	}
	if !kind.Inferred() {
		d.unresolved.Add(uint64(len(rec.Lanes)))
		return nil
	}

	for _, lane := range rec.Lanes {
		mem := d.resolveMemory(lane.Addr)
		value := kind.ExtractUnit(lane.Value)

		access := analysis.UnitAccess{
			Thread:   rec.Thread,
			PCOffset: rec.PC,
			Memory:   mem,
			Kind:     kind,
			Address:  lane.Addr,
			Value:    value,
			Flags:    rec.Flags,
			Access:   accessType,
		}

		for _, a := range d.Analyzers {
			if err := a.UnitAccess(buf.CPUThread, buf.KernelID, access); err != nil {
				return fmt.Errorf("unit_access: analyzer %s: %w", a.Name(), err)
			}
		}
	}
	return nil
}

func (d *Dispatcher) resolveMemory(addr uint64) *model.Memory {
	if m, ok := d.Memory.Lookup(addr); ok {
		return m
	}
	ctxID := d.Classify(addr)
	pseudo := model.PseudoMemory(uint64(ctxID), ctxID)
	return &pseudo
}
