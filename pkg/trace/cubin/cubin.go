// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package cubin

// Module holds one loaded module's symbol table and instruction
// dependency graph, keyed by mod_id within a Cubin.
type Module struct {
	Symbols *SymbolVector
	Graph   *InstructionGraph
}

// Cubin is an immutable-after-registration record for one compiled GPU
// binary unit: its path and the modules parsed from it.
type Cubin struct {
	CubinID uint32
	Path    string
	Modules map[uint32]*Module
}

// NewCubin builds an empty Cubin ready to receive parsed modules.
func NewCubin(cubinID uint32, path string) *Cubin {
	return &Cubin{CubinID: cubinID, Path: path, Modules: make(map[uint32]*Module)}
}

// Module returns the module registered under modID, if any.
func (c *Cubin) Module(modID uint32) (*Module, bool) {
	m, ok := c.Modules[modID]
	return m, ok
}
