// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package registry

import "sync"

// OpNodeTable maps an op_id to the ctx_id of its most recent writer
// operation, consulted by the data-flow analyzer to link ORDER edges
// between successive writers of the same memory object.
type OpNodeTable struct {
	mu    sync.RWMutex
	nodes map[uint64]int32
}

// NewOpNodeTable builds an empty OpNodeTable.
func NewOpNodeTable() *OpNodeTable {
	return &OpNodeTable{nodes: make(map[uint64]int32)}
}

// Get returns the last-writer ctx_id recorded for opID.
func (t *OpNodeTable) Get(opID uint64) (int32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ctxID, ok := t.nodes[opID]
	return ctxID, ok
}

// Set records ctxID as opID's most recent writer.
func (t *OpNodeTable) Set(opID uint64, ctxID int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[opID] = ctxID
}
