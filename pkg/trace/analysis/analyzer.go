// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package analysis

import (
	"sync"

	"github.com/antimetal/tracelens/pkg/trace/model"
	"github.com/go-logr/logr"
)

// Analyzer is the contract every concrete analysis implements. The engine
// drives every Analyzer through the same lifecycle for every kernel
// launch: a coarse OpCallback for every operation (kernel launches,
// allocs, frees, memcpy/memset) that an analyzer needs to keep its registries in
// sync, then AnalysisBegin/AnalysisEnd bracketing a stream of per-unit
// UnitAccess calls, and finally FlushThread/Flush to reduce accumulated
// per-kernel traces down to RecordData and emit them.
//
// Mirrors the Collector/ContinuousCollector split in the teacher's
// performance package: OpCallback is the point-in-time hook,
// AnalysisBegin/AnalysisEnd/UnitAccess is the continuous span, and
// Flush/FlushThread is the terminal reduction a ContinuousCollector
// performs on Stop.
type Analyzer interface {
	// Name identifies the analyzer in logs and RecordData.Type.
	Name() string

	// OpCallback is invoked for every operation the engine dispatches,
	// including kernel launches, in program order on the issuing CPU
	// thread. Analyzers that only need launch bookkeeping (e.g. data-flow
	// tracking the last writer of a memory object) do their work here.
	OpCallback(op model.Operation) error

	// AnalysisBegin opens a new kernel trace for (cpuThread, kernelID),
	// typically calling KernelTraceTable.GetOrCreate on an
	// analyzer-private Trace type.
	AnalysisBegin(cpuThread uint32, kernelID int32, hostOpID uint64, cubinID, modID uint32, bufType model.PatchBufferType) error

	// BlockEnter/BlockExit bracket one thread block's execution within the
	// kernel trace for (cpuThread, kernelID), letting analyzers (temporal
	// redundancy) reset per-block state such as the PC-pair history.
	BlockEnter(cpuThread uint32, kernelID int32, thread model.ThreadId) error
	BlockExit(cpuThread uint32, kernelID int32, thread model.ThreadId) error

	// UnitAccess delivers one resolved memory-access unit. cpuThread and
	// kernelID identify the open trace UnitAccess accumulates into.
	UnitAccess(cpuThread uint32, kernelID int32, access UnitAccess) error

	// AnalysisEnd closes the kernel trace opened by AnalysisBegin. The
	// trace itself is retained in the KernelTraceTable until FlushThread.
	AnalysisEnd(cpuThread uint32, kernelID int32) error

	// FlushThread reduces and emits every trace still open for cpuThread,
	// then removes them from the KernelTraceTable. Called when the host
	// signals a CPU thread is exiting.
	FlushThread(cpuThread uint32, dtoh DtohCallback, emit RecordDataCallback) error

	// Flush reduces and emits everything remaining across all threads,
	// called once at shutdown after every FlushThread.
	Flush(dtoh DtohCallback, emit RecordDataCallback) error
}

// Base implements the bookkeeping every analyzer shares: its name, a
// logger scoped to it, and the Config it was constructed with. Concrete
// analyzers embed Base and override only the methods that need access to
// analyzer-specific trace state, the same shape as the teacher's
// BaseCollector embedding pattern.
type Base struct {
	name   string
	log    logr.Logger
	Config Config

	mu sync.Mutex
}

// NewBase builds a Base for an analyzer named name, scoping log to that
// name the way BaseCollector scopes its logger to the collector name.
func NewBase(name string, log logr.Logger, cfg Config) Base {
	return Base{name: name, log: log.WithName(name), Config: cfg}
}

func (b *Base) Name() string { return b.name }

// Log returns the analyzer-scoped logger.
func (b *Base) Log() logr.Logger { return b.log }

// Lock/Unlock expose Base's mutex so embedding analyzers can guard trace
// maps shared between the ingesting goroutine and a concurrent Flush
// without each declaring their own mutex.
func (b *Base) Lock()   { b.mu.Lock() }
func (b *Base) Unlock() { b.mu.Unlock() }

// OpCallback, BlockEnter and BlockExit default to no-ops: most analyzers
// care only about UnitAccess and the begin/end brackets. Embedding
// analyzers override selectively.
func (b *Base) OpCallback(model.Operation) error                           { return nil }
func (b *Base) BlockEnter(uint32, int32, model.ThreadId) error             { return nil }
func (b *Base) BlockExit(uint32, int32, model.ThreadId) error              { return nil }
