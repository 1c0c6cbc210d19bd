// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package model

// PatchFlags is the bitset carried by a default access record's header.
type PatchFlags uint32

const (
	PatchRead PatchFlags = 1 << iota
	PatchWrite
	PatchBlockEnter
	PatchBlockExit
)

func (f PatchFlags) Has(bit PatchFlags) bool {
	return f&bit != 0
}

// PatchBufferType distinguishes the two record layouts the runtime may
// deliver in one gpu_patch_buffer.
type PatchBufferType int

const (
	// PatchTypeDefault carries a value payload per lane; used by
	// redundancy/value-pattern analyzers.
	PatchTypeDefault PatchBufferType = iota
	// PatchTypeAddress carries no value payload; used by data-flow,
	// liveness, heatmap and fragmentation, which never inspect value bits.
	PatchTypeAddress
)

// MaxLanes bounds the vector-access payload: up to 32 lanes per record.
const MaxLanes = 32

// Lane is one unit of a (possibly vector) memory access: its own address
// and, for PatchTypeDefault buffers, its own value.
type Lane struct {
	Addr  uint64
	Value uint64
}

// Record is one decoded trace-buffer entry: one thread's memory access at
// one pc, carrying up to MaxLanes already-resolved (address, value) pairs.
// Per the dispatcher's resolved lane semantics (DESIGN.md open question
// #2), lanes are the units: each lane already carries the address/value of
// one access-kind unit, so the dispatcher never re-derives addresses from
// a shared base.
type Record struct {
	Thread ThreadId
	PC     uint64
	Flags  PatchFlags
	Lanes  []Lane
}

// Buffer is a decoded gpu_patch_buffer: the kernel-launch context plus its
// records, in runtime delivery order.
type Buffer struct {
	CPUThread uint32
	CubinID   uint32
	ModID     uint32
	KernelID  int32
	HostOpID  uint64
	Type      PatchBufferType
	Records   []Record
}
