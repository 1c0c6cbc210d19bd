// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package registry

import (
	"sort"
	"sync"

	tracelenserrors "github.com/antimetal/tracelens/pkg/errors"
	"github.com/antimetal/tracelens/pkg/trace/model"
)

// MemoryTable is an ordered sequence of live Memory objects keyed by
// range start, supporting Prev(addr) in O(log n). Ranges must stay
// disjoint while live; an overlapping insert fails with Duplicate.
type MemoryTable struct {
	mu      sync.RWMutex
	entries []*model.Memory // sorted by Range.Start
}

// NewMemoryTable builds an empty MemoryTable.
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{}
}

// Insert registers m, failing with Duplicate if its range overlaps an
// existing live range.
func (t *MemoryTable) Insert(m *model.Memory) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].Range.Start >= m.Range.Start
	})

	if idx > 0 && t.entries[idx-1].Range.Overlaps(m.Range) {
		return tracelenserrors.NewKind(tracelenserrors.Duplicate, "MemoryTable.Insert", nil)
	}
	if idx < len(t.entries) && t.entries[idx].Range.Overlaps(m.Range) {
		return tracelenserrors.NewKind(tracelenserrors.Duplicate, "MemoryTable.Insert", nil)
	}

	t.entries = append(t.entries, nil)
	copy(t.entries[idx+1:], t.entries[idx:])
	t.entries[idx] = m
	return nil
}

// Remove deletes the live entry for opID, failing with NotFound if absent.
func (t *MemoryTable) Remove(opID uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, e := range t.entries {
		if e.OpID == opID {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return nil
		}
	}
	return tracelenserrors.NewKind(tracelenserrors.NotFound, "MemoryTable.Remove", nil)
}

// Prev returns the entry whose range might contain addr: the live range
// with the greatest Start <= addr. The caller must still check
// Range.Contains(addr) since the returned entry's range may end before
// addr (the half-open-interval boundary case in spec.md §8).
func (t *MemoryTable) Prev(addr uint64) (*model.Memory, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	idx := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].Range.Start > addr
	})
	if idx == 0 {
		return nil, false
	}
	return t.entries[idx-1], true
}

// Lookup resolves addr to its owning live Memory, applying the
// half-open-interval rule: an address equal to a range's End belongs to
// the next object, not this one.
func (t *MemoryTable) Lookup(addr uint64) (*model.Memory, bool) {
	m, ok := t.Prev(addr)
	if !ok || !m.Range.Contains(addr) {
		return nil, false
	}
	return m, true
}

// Len returns the number of live entries.
func (t *MemoryTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
