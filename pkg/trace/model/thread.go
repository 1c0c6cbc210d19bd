// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package model holds the data types shared by every tracelens component:
// thread identity, access kinds, memory ranges/objects, and the tagged
// operation envelope emitted by the instrumented runtime.
package model

// ThreadId locates a single GPU lane within a kernel's 3-D launch grid.
// It is totally ordered lexicographically by (block, thread) so it can key
// an ordered map without a custom comparator.
//
// The wire format only ever carries a flattened (block, thread) pair (see
// DecodeThreadId); the X coordinates below are populated from that pair on the
// ingestion path, while the Y/Z coordinates are only ever non-zero when a
// test or analyzer constructs a ThreadId directly.
type ThreadId struct {
	BlockX, BlockY, BlockZ    uint32
	ThreadX, ThreadY, ThreadZ uint32
}

// Less implements the lexicographic total order over the six coordinates.
func (t ThreadId) Less(o ThreadId) bool {
	if t.BlockX != o.BlockX {
		return t.BlockX < o.BlockX
	}
	if t.BlockY != o.BlockY {
		return t.BlockY < o.BlockY
	}
	if t.BlockZ != o.BlockZ {
		return t.BlockZ < o.BlockZ
	}
	if t.ThreadX != o.ThreadX {
		return t.ThreadX < o.ThreadX
	}
	if t.ThreadY != o.ThreadY {
		return t.ThreadY < o.ThreadY
	}
	return t.ThreadZ < o.ThreadZ
}

// FlatThreadId is the (block, thread) pair actually carried by a trace
// record header. DecodeThreadId promotes it to the canonical ThreadId.
type FlatThreadId struct {
	FlatBlockId  uint32
	FlatThreadId uint32
}

// DecodeThreadId populates the X coordinates from the wire pair, leaving
// Y/Z at zero. See the Open Question resolution in DESIGN.md: the original
// instrumentation only ever carries this flat pair.
func DecodeThreadId(flat FlatThreadId) ThreadId {
	return ThreadId{
		BlockX:  flat.FlatBlockId,
		ThreadX: flat.FlatThreadId,
	}
}
