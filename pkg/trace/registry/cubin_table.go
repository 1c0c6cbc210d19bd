// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package registry holds the thread-safe shared stores the ingestion
// dispatcher and analyzers consult concurrently: the cubin table, the
// address-ordered memory table, the op-id to last-writer table, and the
// per-(cpu_thread, kernel_id) trace table.
package registry

import (
	"sync"

	tracelenserrors "github.com/antimetal/tracelens/pkg/errors"
	"github.com/antimetal/tracelens/pkg/trace/cubin"
)

// CubinTable maps cubin_id to its parsed Cubin. Unlike the teacher's
// CollectorRegistry this table is guarded by a mutex: spec.md §4.2
// requires shared-lock reads and exclusive-lock mutation since many CPU
// worker threads register kernels concurrently.
type CubinTable struct {
	mu     sync.RWMutex
	cubins map[uint32]*cubin.Cubin
}

// NewCubinTable builds an empty CubinTable.
func NewCubinTable() *CubinTable {
	return &CubinTable{cubins: make(map[uint32]*cubin.Cubin)}
}

// Register inserts c, failing with Duplicate if cubin_id already exists.
func (t *CubinTable) Register(c *cubin.Cubin) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.cubins[c.CubinID]; exists {
		return tracelenserrors.NewKind(tracelenserrors.Duplicate, "CubinTable.Register", nil)
	}
	t.cubins[c.CubinID] = c
	return nil
}

// Unregister removes cubinID, failing with NotFound if absent.
func (t *CubinTable) Unregister(cubinID uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.cubins[cubinID]; !exists {
		return tracelenserrors.NewKind(tracelenserrors.NotFound, "CubinTable.Unregister", nil)
	}
	delete(t.cubins, cubinID)
	return nil
}

// Get returns the Cubin registered under cubinID.
func (t *CubinTable) Get(cubinID uint32) (*cubin.Cubin, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.cubins[cubinID]
	return c, ok
}
