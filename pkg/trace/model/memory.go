// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package model

// Reserved pseudo ctx_ids / op_ids for memory the runtime never registers
// explicitly (shared, local, constant, UVM, host). Application calling
// contexts must stay below SharedCtxID.
const (
	SharedCtxID   int32 = 1 << 30
	ConstantCtxID int32 = (1 << 30) + 1
	UVMCtxID      int32 = (1 << 30) + 2
	HostCtxID     int32 = (1 << 30) + 3
	LocalCtxID    int32 = (1 << 30) + 4
)

// MemoryRange is a half-open interval [Start, End). Invariant: Start < End.
type MemoryRange struct {
	Start, End uint64
}

// Len returns the number of bytes the range spans.
func (r MemoryRange) Len() uint64 {
	return r.End - r.Start
}

// Contains reports whether addr falls in [Start, End).
func (r MemoryRange) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// Overlaps reports whether r and o share any byte.
func (r MemoryRange) Overlaps(o MemoryRange) bool {
	return r.Start < o.End && o.Start < r.End
}

// Memory is a GPU memory object's registration record: its allocation
// lifetime, address range, and (optionally) host-resident shadow buffers
// used for byte-level redundancy scans.
type Memory struct {
	OpID  uint64
	CtxID int32
	Range MemoryRange

	// Shadow mirrors the device bytes as of the last dtoh sync or
	// analyzer-applied write. Cache holds the previous shadow snapshot so
	// redundancy can be computed as a bytewise comparison between the two.
	Shadow []byte
	Cache  []byte
}

// Len returns the object's byte length.
func (m Memory) Len() uint64 {
	return m.Range.Len()
}

// PseudoMemory builds a Memory value for one of the reserved pseudo op_ids;
// it never participates in MemoryTable range lookups.
func PseudoMemory(opID uint64, ctxID int32) Memory {
	return Memory{OpID: opID, CtxID: ctxID}
}
