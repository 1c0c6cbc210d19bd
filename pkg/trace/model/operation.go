// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package model

// OperationType discriminates the Operation tagged variant.
type OperationType int

const (
	OperationKernel OperationType = iota
	OperationMemory
	OperationMemcpy
	OperationMemset
	OperationMemfree
)

func (t OperationType) String() string {
	switch t {
	case OperationKernel:
		return "KERNEL"
	case OperationMemory:
		return "MEMORY"
	case OperationMemcpy:
		return "MEMCPY"
	case OperationMemset:
		return "MEMSET"
	case OperationMemfree:
		return "MEMFREE"
	default:
		return "UNKNOWN"
	}
}

// MemoryOperationKind enumerates the per-object lifecycle events the
// liveness/fragmentation analyzer records against an op_id, supplemented
// from the original instrumentation's memory_operation_t (the PyTorch
// sub-allocation pair, REDSHOW_SUBMEMORY_ALLOC/FREE, is out of scope: this
// module carries no caching-allocator integration).
type MemoryOperationKind int

const (
	MemOpAlloc MemoryOperationKind = iota
	MemOpSet
	MemOpCopyTo
	MemOpCopyFrom
	MemOpAccess
	MemOpFree
)

// Operation is the tagged record emitted by operation_register for one
// lifecycle event. Every variant shares OpID/CtxID/Type; variant-specific
// fields are populated only for the matching Type, mirroring the single
// tagged-variant design spec.md prescribes in place of a class hierarchy.
type Operation struct {
	OpID  uint64
	CtxID int32
	Type  OperationType

	// Kernel
	CPUThread uint32
	StreamID  uint64
	CubinID   uint32
	ModID     uint32
	FuncIndex uint32
	FuncAddr  uint64

	// Memory (alloc)
	Range MemoryRange

	// Memcpy
	SrcOpID        uint64
	SrcShadowStart uint64
	DstOpID        uint64
	DstShadowStart uint64
	Len            uint64

	// Memset
	MemoryOpID  uint64
	ShadowStart uint64
	Value       byte

	// Memfree reuses Range and Len above.
}

// NewKernel builds a Kernel operation envelope.
func NewKernel(opID uint64, ctxID int32, cpuThread uint32, cubinID, modID, funcIndex uint32, funcAddr uint64) Operation {
	return Operation{
		OpID: opID, CtxID: ctxID, Type: OperationKernel,
		CPUThread: cpuThread, CubinID: cubinID, ModID: modID,
		FuncIndex: funcIndex, FuncAddr: funcAddr,
	}
}

// NewMemoryAlloc builds a Memory (alloc) operation envelope.
func NewMemoryAlloc(opID uint64, ctxID int32, r MemoryRange) Operation {
	return Operation{OpID: opID, CtxID: ctxID, Type: OperationMemory, Range: r}
}

// NewMemcpy builds a Memcpy operation envelope.
func NewMemcpy(opID uint64, ctxID int32, srcOpID uint64, srcStart uint64, dstOpID uint64, dstStart uint64, length uint64) Operation {
	return Operation{
		OpID: opID, CtxID: ctxID, Type: OperationMemcpy,
		SrcOpID: srcOpID, SrcShadowStart: srcStart,
		DstOpID: dstOpID, DstShadowStart: dstStart, Len: length,
	}
}

// NewMemset builds a Memset operation envelope.
func NewMemset(opID uint64, ctxID int32, memoryOpID uint64, shadowStart uint64, value byte, length uint64) Operation {
	return Operation{
		OpID: opID, CtxID: ctxID, Type: OperationMemset,
		MemoryOpID: memoryOpID, ShadowStart: shadowStart, Value: value, Len: length,
	}
}

// NewMemfree builds a Memfree operation envelope.
func NewMemfree(opID uint64, ctxID int32, r MemoryRange) Operation {
	return Operation{OpID: opID, CtxID: ctxID, Type: OperationMemfree, Range: r, Len: r.Len()}
}
