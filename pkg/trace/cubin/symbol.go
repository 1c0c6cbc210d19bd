// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package cubin

import "sort"

// Symbol anchors one function's entry point: its index within the cubin,
// its byte offset in the binary, and the runtime pc it was loaded at.
type Symbol struct {
	FunctionIndex uint32
	BinaryOffset  uint64
	RuntimePC     uint64
}

// ResolvedPC is the result of SymbolVector.TransformPC: a runtime pc
// decomposed into the owning function and its offset within that
// function.
type ResolvedPC struct {
	FunctionIndex uint32
	BinaryOffset  uint64
	PCOffset      uint64
}

// SymbolVector is a cubin's function table, kept sorted by RuntimePC so
// TransformPC can resolve a runtime pc in O(log n).
type SymbolVector struct {
	symbols []Symbol
}

// NewSymbolVector builds a SymbolVector, sorting by RuntimePC.
func NewSymbolVector(symbols []Symbol) *SymbolVector {
	sorted := make([]Symbol, len(symbols))
	copy(sorted, symbols)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RuntimePC < sorted[j].RuntimePC })
	return &SymbolVector{symbols: sorted}
}

// TransformPC resolves runtimePC to (function_index, binary_offset,
// pc_offset_within_function) via upper-bound lookup followed by a
// decrement to the owning function's entry.
func (v *SymbolVector) TransformPC(runtimePC uint64) (ResolvedPC, bool) {
	if len(v.symbols) == 0 {
		return ResolvedPC{}, false
	}
	idx := sort.Search(len(v.symbols), func(i int) bool {
		return v.symbols[i].RuntimePC > runtimePC
	})
	if idx == 0 {
		return ResolvedPC{}, false
	}
	sym := v.symbols[idx-1]
	return ResolvedPC{
		FunctionIndex: sym.FunctionIndex,
		BinaryOffset:  sym.BinaryOffset,
		PCOffset:      runtimePC - sym.RuntimePC,
	}, true
}

// Len returns the number of symbols.
func (v *SymbolVector) Len() int {
	return len(v.symbols)
}
