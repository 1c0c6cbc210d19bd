// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package analysis

import "github.com/antimetal/tracelens/pkg/trace/model"

// RecordView is one row of a reduced, top-K analysis output: a program
// counter (or memory object) paired with the metric the analyzer ranked it
// by, plus a human-readable secondary value.
type RecordView struct {
	PC          uint64
	Count       uint64
	Secondary   string
}

// RecordData is one analyzer's complete flush output for a kernel: an
// analysis type tag, the redundancy/metric rate in [0,1], and the top-K
// views the analyzer reduced down to. The engine fans RecordData out to
// the host's RecordDataCallback the way the teacher's MetricsStore fans
// out collected points to its sinks.
type RecordData struct {
	Type      Type
	KernelID  int32
	CubinID   uint32
	Access    AccessType
	Rate      float64
	Views     []RecordView
}

// RecordDataCallback receives one RecordData per analyzer per flush.
type RecordDataCallback func(RecordData)

// DtohCallback reads numBytes from the device-side shadow copy of the
// memory range [start, start+numBytes) into host memory, returning it as a
// byte slice. Analyzers needing the last-known values at kernel exit
// (e.g. data-flow's kernel-end shadow/cache comparison) call through
// this instead of touching the accelerator directly.
type DtohCallback func(start uint64, numBytes uint64) ([]byte, error)

// UnitAccess is the fine-grained per-memory-transaction callback
// delivered between AnalysisBegin/AnalysisEnd, one per (thread, memory
// unit) pair in a load/store's access pattern.
type UnitAccess struct {
	Thread     model.ThreadId
	PCOffset   uint64
	Memory     *model.Memory
	Kind       model.AccessKind
	Address    uint64
	Value      uint64
	Flags      model.PatchFlags
	Access     AccessType
}
