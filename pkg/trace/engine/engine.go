// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package engine wires the shared registries, the analyzer set selected
// by analysis.Config, and the ingest.Dispatcher into one orchestrator,
// the way the teacher's pkg/performance.Manager wires
// CollectionConfig/CollectorRegistry for the host-metrics collectors.
package engine

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"

	"github.com/antimetal/tracelens/pkg/trace/analysis"
	"github.com/antimetal/tracelens/pkg/trace/analyzers/dataflow"
	"github.com/antimetal/tracelens/pkg/trace/analyzers/liveness"
	"github.com/antimetal/tracelens/pkg/trace/analyzers/spatial"
	"github.com/antimetal/tracelens/pkg/trace/analyzers/temporal"
	"github.com/antimetal/tracelens/pkg/trace/analyzers/valuepattern"
	"github.com/antimetal/tracelens/pkg/trace/cubin"
	"github.com/antimetal/tracelens/pkg/trace/ingest"
	"github.com/antimetal/tracelens/pkg/trace/model"
	"github.com/antimetal/tracelens/pkg/trace/registry"
)

// Engine owns every shared registry, the enabled analyzer set, and the
// Dispatcher that routes trace buffers to them.
type Engine struct {
	Cubins  *registry.CubinTable
	Memory  *registry.MemoryTable
	OpNodes *registry.OpNodeTable

	config     analysis.Config
	log        logr.Logger
	analyzers  []analysis.Analyzer
	dispatcher *ingest.Dispatcher
}

// Options configures New.
type Options struct {
	Config     analysis.Config
	Logger     logr.Logger
	Classify   ingest.PseudoMemoryClassifier
	HashWrites bool // enables data-flow's post-write content hashing
}

// New builds an Engine with one analyzer instance per analysis.Type
// enabled in opts.Config, after ApplyDefaults fills in the rest.
func New(opts Options) (*Engine, error) {
	if opts.Logger.GetSink() == nil {
		return nil, fmt.Errorf("logger is required")
	}

	cfg := opts.Config
	cfg.ApplyDefaults()
	log := opts.Logger.WithName("trace-engine")

	e := &Engine{
		Cubins:  registry.NewCubinTable(),
		Memory:  registry.NewMemoryTable(),
		OpNodes: registry.NewOpNodeTable(),
		config:  cfg,
		log:     log,
	}

	if cfg.IsEnabled(analysis.TypeTemporalRedundancy) {
		e.analyzers = append(e.analyzers, temporal.New(e.Cubins, log, cfg))
	}
	if cfg.IsEnabled(analysis.TypeSpatialRedundancy) {
		e.analyzers = append(e.analyzers, spatial.New(e.Cubins, log, cfg))
	}
	if cfg.IsEnabled(analysis.TypeValuePattern) {
		e.analyzers = append(e.analyzers, valuepattern.New(e.Cubins, log, cfg))
	}
	if cfg.IsEnabled(analysis.TypeDataFlow) {
		e.analyzers = append(e.analyzers, dataflow.New(e.OpNodes, e.Memory, log, cfg, opts.HashWrites))
	}
	if cfg.IsEnabled(analysis.TypeMemoryLiveness) {
		e.analyzers = append(e.analyzers, liveness.New(log, cfg))
	}

	e.dispatcher = ingest.NewDispatcher(e.Cubins, e.Memory, e.analyzers, opts.Classify, log)
	return e, nil
}

// Analyzers returns the enabled analyzer set, in construction order.
func (e *Engine) Analyzers() []analysis.Analyzer { return e.analyzers }

// RegisterCubin makes a parsed binary's symbol table and instruction
// graph available to access-kind inference for every subsequent buffer
// naming c.CubinID.
func (e *Engine) RegisterCubin(c *cubin.Cubin) error {
	return e.Cubins.Register(c)
}

// HandleOperation fans a lifecycle event (alloc, free, memcpy, memset,
// kernel launch) out to every analyzer's OpCallback, in construction
// order, matching the engine-wide program order the runtime delivers
// operations in.
func (e *Engine) HandleOperation(op model.Operation) error {
	for _, a := range e.analyzers {
		if err := a.OpCallback(op); err != nil {
			return fmt.Errorf("op_callback: analyzer %s: %w", a.Name(), err)
		}
	}
	return nil
}

// Dispatch decodes and fans out one trace buffer.
func (e *Engine) Dispatch(buf model.Buffer) error {
	return e.dispatcher.Dispatch(buf)
}

// EndKernel signals kernel_end for (cpuThread, kernelID).
func (e *Engine) EndKernel(cpuThread uint32, kernelID int32) error {
	return e.dispatcher.End(cpuThread, kernelID)
}

// UnresolvedAccesses returns the running count of accesses the
// dispatcher could not resolve an AccessKind for.
func (e *Engine) UnresolvedAccesses() uint64 {
	return e.dispatcher.UnresolvedAccesses()
}

// FlushThread drains every analyzer's per-thread state for cpuThread,
// retrying each analyzer's flush with exponential backoff the way the
// teacher's intake worker retries a failed batch send.
func (e *Engine) FlushThread(ctx context.Context, cpuThread uint32, dtoh analysis.DtohCallback, emit analysis.RecordDataCallback) error {
	for _, a := range e.analyzers {
		a := a
		_, err := backoff.Retry(ctx, func() (bool, error) {
			return true, a.FlushThread(cpuThread, dtoh, emit)
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()))
		if err != nil {
			return fmt.Errorf("flush_thread: analyzer %s: %w", a.Name(), err)
		}
	}
	return nil
}

// Flush drains every analyzer's remaining whole-run state, called once
// at shutdown after every thread has been flushed.
func (e *Engine) Flush(ctx context.Context, dtoh analysis.DtohCallback, emit analysis.RecordDataCallback) error {
	for _, a := range e.analyzers {
		a := a
		_, err := backoff.Retry(ctx, func() (bool, error) {
			return true, a.Flush(dtoh, emit)
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()))
		if err != nil {
			return fmt.Errorf("flush: analyzer %s: %w", a.Name(), err)
		}
	}
	return nil
}
