// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package dataflow implements the data-flow analyzer: it maintains a
// directed multigraph over calling contexts (allocations, memsets,
// memcpys, kernels) whose edges record how bytes move, how much of a
// write was redundant, and how much of an object a kernel actually
// touched.
package dataflow

import (
	"sync"

	"github.com/antimetal/tracelens/pkg/trace/analysis"
	"github.com/antimetal/tracelens/pkg/trace/digraph"
	"github.com/antimetal/tracelens/pkg/trace/interval"
	"github.com/antimetal/tracelens/pkg/trace/model"
	"github.com/antimetal/tracelens/pkg/trace/registry"
	"github.com/go-logr/logr"
)

// EdgeKind discriminates a data-flow edge's meaning.
type EdgeKind int

const (
	EdgeOrder EdgeKind = iota
	EdgeRead
	EdgeSink
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeRead:
		return "READ"
	case EdgeSink:
		return "SINK"
	default:
		return "ORDER"
	}
}

// edgeIndex keys one data-flow edge: the endpoints, the memory object it
// concerns, and its kind, matching spec.md §3's EdgeIndex tuple. Multiple
// edges can exist between the same (from,to) for different objects or
// kinds, which is why digraph.Graph is a multigraph.
type edgeIndex struct {
	FromCtx  int32
	ToCtx    int32
	MemCtxID int32
	Kind     EdgeKind
}

// edgeData accumulates one edge's byte-level counters: Bytes is the
// total number of bytes the edge represents (written for ORDER/SINK,
// read for READ), and Redundancy is how many of those bytes matched the
// previously observed content.
type edgeData struct {
	Redundancy uint64
	Bytes      uint64
}

// nodeInfo is one calling-context node's metadata.
type nodeInfo struct {
	Type   string
	Visits int
	Hashes map[string]bool
}

// objectState is the analyzer's private bookkeeping for one live memory
// object: its *model.Memory, whose Shadow/Cache byte buffers are used for
// bytewise redundancy comparisons. The last writer ctx is kept only in
// the shared OpNodeTable.
type objectState struct {
	mem *model.Memory
}

// Trace is the per-(cpu_thread, kernel_id) data-flow state: merged
// read/write address ranges per accessed object, built via the interval
// package's three-phase absorb-then-insert algorithm.
type Trace struct {
	CtxID   int32
	CubinID uint32
	Reads   map[uint64]*interval.Set
	Writes  map[uint64]*interval.Set
}

func newTrace() *Trace {
	return &Trace{Reads: make(map[uint64]*interval.Set), Writes: make(map[uint64]*interval.Set)}
}

// Analyzer is the data-flow Analyzer.
type Analyzer struct {
	analysis.Base
	opNode *registry.OpNodeTable
	memory *registry.MemoryTable
	traces *registry.KernelTraceTable[*Trace]

	mu         sync.Mutex
	graph      *digraph.Graph[int32, nodeInfo, edgeIndex, edgeData]
	objects    map[uint64]*objectState // op_id -> state, live allocations only
	kernelCtx  map[int32]int32         // kernel_id -> ctx_id, set by OpCallback
	kernelCubn map[int32]uint32        // kernel_id -> cubin_id

	hashOnWrite bool // enables post-state content hashing for duplicate analysis
}

// New builds a data-flow Analyzer sharing opNode/memory with the rest of
// the engine.
func New(opNode *registry.OpNodeTable, memory *registry.MemoryTable, log logr.Logger, cfg analysis.Config, hashOnWrite bool) *Analyzer {
	a := &Analyzer{
		Base:        analysis.NewBase("data_flow", log, cfg),
		opNode:      opNode,
		memory:      memory,
		traces:      registry.NewKernelTraceTable[*Trace](),
		graph:       digraph.New[int32, nodeInfo, edgeIndex, edgeData](),
		objects:     make(map[uint64]*objectState),
		kernelCtx:   make(map[int32]int32),
		kernelCubn:  make(map[int32]uint32),
		hashOnWrite: hashOnWrite,
	}
	for ctx, name := range map[int32]string{
		model.SharedCtxID:   "SHARED",
		model.ConstantCtxID: "CONSTANT",
		model.UVMCtxID:      "UVM",
		model.HostCtxID:     "HOST",
		model.LocalCtxID:    "LOCAL",
	} {
		a.graph.AddNode(ctx, nodeInfo{Type: name, Hashes: make(map[string]bool)})
	}
	return a
}

func (a *Analyzer) ensureNode(ctx int32, nodeType string) {
	if a.graph.HasNode(ctx) {
		n, _ := a.graph.Node(ctx)
		n.Visits++
		a.graph.AddNode(ctx, n)
		return
	}
	a.graph.AddNode(ctx, nodeInfo{Type: nodeType, Visits: 1, Hashes: make(map[string]bool)})
}

func (a *Analyzer) addEdge(from, to int32, memCtxID int32, kind EdgeKind, redundancy, bytes uint64) {
	idx := edgeIndex{FromCtx: from, ToCtx: to, MemCtxID: memCtxID, Kind: kind}
	e, _ := a.graph.Edge(idx)
	e.Redundancy += redundancy
	e.Bytes += bytes
	a.graph.AddEdge(from, to, idx, e)
}

func (a *Analyzer) AnalysisBegin(cpuThread uint32, kernelID int32, hostOpID uint64, cubinID, modID uint32, bufType model.PatchBufferType) error {
	a.traces.GetOrCreate(cpuThread, kernelID, newTrace)
	a.mu.Lock()
	if tr, ok := a.traces.Get(cpuThread, kernelID); ok {
		tr.CubinID = cubinID
		if ctx, ok := a.kernelCtx[kernelID]; ok {
			tr.CtxID = ctx
		}
	}
	a.mu.Unlock()
	return nil
}

// AnalysisEnd is a no-op: the trace is retained and settled at
// FlushThread, where the dtoh callback needed to refresh shadow memory
// becomes available.
func (a *Analyzer) AnalysisEnd(uint32, int32) error { return nil }

func (a *Analyzer) UnitAccess(cpuThread uint32, kernelID int32, access analysis.UnitAccess) error {
	tr, ok := a.traces.Get(cpuThread, kernelID)
	if !ok || access.Memory == nil || access.Kind.UnitSize == 0 {
		return nil
	}
	length := uint64(access.Kind.UnitSize / 8)
	if length == 0 {
		return nil
	}
	r := interval.Range{Start: access.Address, End: access.Address + length}

	a.Lock()
	defer a.Unlock()

	if access.Access == analysis.AccessWrite {
		set, ok := tr.Writes[access.Memory.OpID]
		if !ok {
			set = interval.New()
			tr.Writes[access.Memory.OpID] = set
		}
		set.Insert(r)
		return nil
	}

	set, ok := tr.Reads[access.Memory.OpID]
	if !ok {
		set = interval.New()
		tr.Reads[access.Memory.OpID] = set
	}
	if a.Config.ReadTraceIgnore && set.Len() > 0 {
		return nil
	}
	set.Insert(r)
	return nil
}
