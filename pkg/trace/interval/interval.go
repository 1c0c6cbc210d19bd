// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package interval implements an ordered set of disjoint half-open
// intervals, the accumulator the data-flow and fragmentation analyzers use
// to merge access ranges and track unused memory.
package interval

import "sort"

// Range is a half-open interval [Start, End).
type Range struct {
	Start, End uint64
}

// Len returns the number of units the range spans.
func (r Range) Len() uint64 {
	return r.End - r.Start
}

// Set is an ordered, non-overlapping collection of Ranges kept sorted by
// Start. It is not safe for concurrent use; callers needing concurrency
// guard it externally (analyzer traces are single-writer per kernel).
type Set struct {
	ranges []Range
}

// New builds an empty interval Set.
func New() *Set {
	return &Set{}
}

// Len returns the number of disjoint ranges currently held.
func (s *Set) Len() int {
	return len(s.ranges)
}

// Ranges returns the disjoint ranges in ascending order. The slice is
// owned by the caller; mutating it does not affect the Set.
func (s *Set) Ranges() []Range {
	out := make([]Range, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// TotalLen sums the length of every disjoint range.
func (s *Set) TotalLen() uint64 {
	var total uint64
	for _, r := range s.ranges {
		total += r.Len()
	}
	return total
}

// prevIndex returns the index of the last range whose Start <= start, or -1.
func (s *Set) prevIndex(start uint64) int {
	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].Start > start
	})
	return i - 1
}

// Insert merges r into the set via the three-phase absorb-then-insert
// algorithm: absorb a predecessor whose end reaches r.Start, then
// repeatedly absorb successors whose start precedes r.End, then insert the
// widened interval. This is the merge primitive the data-flow read/write
// range tracker and the liveness per-kernel touched set use; the
// fragmentation unused-range set is narrowed with Subtract instead.
func (s *Set) Insert(r Range) {
	if r.Start >= r.End {
		return
	}

	start, end := r.Start, r.End

	idx := s.prevIndex(start)
	if idx >= 0 {
		pred := s.ranges[idx]
		if pred.End >= start {
			if pred.End < end {
				// Overlap, not fully covered: absorb and widen.
				start = pred.Start
				s.ranges = append(s.ranges[:idx], s.ranges[idx+1:]...)
			} else {
				// Fully covered by predecessor.
				return
			}
		} else {
			idx++
		}
	} else {
		idx = 0
	}

	// idx now points at the first range that might overlap [start, end).
	for idx < len(s.ranges) {
		cur := s.ranges[idx]
		if cur.Start > end {
			break
		}
		if cur.End < end {
			// Fully covered by the new range: absorb and continue.
			s.ranges = append(s.ranges[:idx], s.ranges[idx+1:]...)
			continue
		}
		if cur.Start == start {
			// Fully covered by an existing, wider range.
			return
		}
		// Partial cover: widen end to the existing range's end, absorb it.
		end = cur.End
		s.ranges = append(s.ranges[:idx], s.ranges[idx+1:]...)
		break
	}

	merged := Range{Start: start, End: end}
	insertAt := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].Start >= merged.Start
	})
	s.ranges = append(s.ranges, Range{})
	copy(s.ranges[insertAt+1:], s.ranges[insertAt:])
	s.ranges[insertAt] = merged
}

// Subtract removes r from the set, splitting or trimming any range it
// overlaps. Used by the fragmentation analyzer to narrow the unused-range
// set as sub-ranges of an object are accessed.
func (s *Set) Subtract(r Range) {
	if r.Start >= r.End || len(s.ranges) == 0 {
		return
	}

	var out []Range
	for _, cur := range s.ranges {
		if !cur.Overlaps(r) {
			out = append(out, cur)
			continue
		}
		if cur.Start < r.Start {
			out = append(out, Range{Start: cur.Start, End: r.Start})
		}
		if cur.End > r.End {
			out = append(out, Range{Start: r.End, End: cur.End})
		}
	}
	s.ranges = out
}

// Overlaps reports whether r and o share any unit.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

// LargestChunk returns the length of the widest disjoint range currently
// held, or 0 if the set is empty.
func (s *Set) LargestChunk() uint64 {
	var largest uint64
	for _, r := range s.ranges {
		if l := r.Len(); l > largest {
			largest = l
		}
	}
	return largest
}
