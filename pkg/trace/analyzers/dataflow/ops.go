// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package dataflow

import (
	"github.com/antimetal/tracelens/pkg/trace/model"
)

// OpCallback handles the lifecycle events allocation, memset, memcpy,
// and free. A kernel event only binds its kernel_id to its ctx_id and
// cubin_id here; the kernel is settled later, in FlushThread's
// settleKernel, once its full read/write range set is known
// (AnalysisEnd does nothing).
func (a *Analyzer) OpCallback(op model.Operation) error {
	switch op.Type {
	case model.OperationKernel:
		a.mu.Lock()
		a.kernelCtx[int32(op.OpID)] = op.CtxID
		a.kernelCubn[int32(op.OpID)] = op.CubinID
		a.mu.Unlock()
		a.ensureNode(op.CtxID, "KERNEL")
		return nil

	case model.OperationMemory:
		return a.onAlloc(op)

	case model.OperationMemset:
		return a.onMemset(op)

	case model.OperationMemcpy:
		return a.onMemcpy(op)

	case model.OperationMemfree:
		return a.onFree(op)
	}
	return nil
}

func (a *Analyzer) onAlloc(op model.Operation) error {
	a.ensureNode(op.CtxID, "ALLOC")

	mem := &model.Memory{
		OpID:   op.OpID,
		CtxID:  op.CtxID,
		Range:  op.Range,
		Shadow: make([]byte, op.Range.Len()),
		Cache:  make([]byte, op.Range.Len()),
	}

	a.mu.Lock()
	a.objects[op.OpID] = &objectState{mem: mem}
	a.mu.Unlock()

	if a.memory != nil {
		_ = a.memory.Insert(mem)
	}
	a.opNode.Set(op.OpID, op.CtxID)
	return nil
}

func (a *Analyzer) onFree(op model.Operation) error {
	a.mu.Lock()
	delete(a.objects, op.OpID)
	a.mu.Unlock()

	if a.memory != nil {
		_ = a.memory.Remove(op.OpID)
	}
	a.ensureNode(op.CtxID, "FREE")

	from, _ := a.opNode.Get(op.OpID)
	a.addEdge(from, op.CtxID, op.CtxID, EdgeOrder, 0, op.Len)
	return nil
}

// onMemset computes how many of the Len bytes being set already hold
// value, treating that overlap as redundant work, then updates the
// object's shadow and records the writer.
func (a *Analyzer) onMemset(op model.Operation) error {
	a.mu.Lock()
	obj, ok := a.objects[op.MemoryOpID]
	a.mu.Unlock()
	if !ok {
		return nil
	}

	a.Lock()
	defer a.Unlock()

	start := op.ShadowStart
	end := start + op.Len
	var redundant uint64
	if end <= uint64(len(obj.mem.Shadow)) {
		for i := start; i < end; i++ {
			if obj.mem.Shadow[i] == op.Value {
				redundant++
			}
			obj.mem.Shadow[i] = op.Value
		}
	}

	a.ensureNode(op.CtxID, "MEMSET")
	from, _ := a.opNode.Get(op.MemoryOpID)
	a.addEdge(from, op.CtxID, obj.mem.CtxID, EdgeOrder, redundant, op.Len)
	a.opNode.Set(op.MemoryOpID, op.CtxID)
	return nil
}

// onMemcpy computes bytewise redundancy between the bytes about to be
// written and the destination's current shadow, copies the source
// shadow bytes into the destination shadow (when both objects are
// tracked), and adds a READ edge from the source object's own ctx_id
// plus either a SINK edge (destination is host/UVM, terminal for the
// data) or an ORDER edge from the destination's last writer (destination
// is a tracked device object) to the kernel/operation ctx. READ edges
// always originate from an object's own ctx_id: they identify where the
// data lives, not who most recently wrote it, which is what the
// OpNodeTable's writer chain tracks for ORDER edges.
func (a *Analyzer) onMemcpy(op model.Operation) error {
	a.mu.Lock()
	src, srcOK := a.objects[op.SrcOpID]
	dst, dstOK := a.objects[op.DstOpID]
	a.mu.Unlock()

	a.Lock()
	defer a.Unlock()

	var redundant uint64
	var srcBytes []byte
	if srcOK {
		s, e := op.SrcShadowStart, op.SrcShadowStart+op.Len
		if e <= uint64(len(src.mem.Shadow)) {
			srcBytes = src.mem.Shadow[s:e]
		}
		a.ensureNode(src.mem.CtxID, "ALLOC")
		a.addEdge(src.mem.CtxID, op.CtxID, src.mem.CtxID, EdgeRead, 0, op.Len)
	}

	if dstOK {
		s, e := op.DstShadowStart, op.DstShadowStart+op.Len
		if e <= uint64(len(dst.mem.Shadow)) {
			if srcBytes != nil {
				for i, b := range srcBytes {
					if dst.mem.Shadow[int(s)+i] == b {
						redundant++
					}
					dst.mem.Shadow[int(s)+i] = b
				}
			}
		}
		from, _ := a.opNode.Get(op.DstOpID)
		a.addEdge(from, op.CtxID, dst.mem.CtxID, EdgeOrder, redundant, op.Len)
		a.opNode.Set(op.DstOpID, op.CtxID)
	} else {
		a.ensureNode(model.HostCtxID, "HOST")
		a.addEdge(op.CtxID, model.HostCtxID, model.HostCtxID, EdgeSink, redundant, op.Len)
	}
	return nil
}

// bytewiseEqual counts the indices where a and b agree, used by
// kernel_end's shadow/cache comparison over merged dirty ranges.
func bytewiseEqual(a, b []byte) uint64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var eq uint64
	for i := 0; i < n; i++ {
		if a[i] == b[i] {
			eq++
		}
	}
	return eq
}
