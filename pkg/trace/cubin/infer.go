// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package cubin

import (
	"strings"

	"github.com/antimetal/tracelens/pkg/trace/model"
)

// sizeHints maps an opcode-tag size token to its bit width, checked in
// this order so the first (largest) match wins when a tag carries more
// than one numeric token.
var sizeHints = []struct {
	token string
	bits  uint32
}{
	{".128", 128},
	{".64", 64},
	{".32", 32},
	{".16", 16},
	{".8", 8},
}

func sizeHint(tag string) (uint32, bool) {
	for _, h := range sizeHints {
		if strings.Contains(tag, h.token) {
			return h.bits, true
		}
	}
	return 0, false
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// DefaultAccessKind resolves the fields Infer left unset: vec_size
// defaults from the instruction's own opcode hint else 32; unit_size
// defaults to vec_size; data_type defaults to defaultDataType (normally
// INT unless the engine is configured otherwise).
func DefaultAccessKind(inst *Instruction, defaultDataType model.DataType) model.AccessKind {
	ak := model.AccessKind{}
	if inst.accessKind != nil {
		ak = *inst.accessKind
	}
	if ak.VecSize == 0 {
		if hint, ok := sizeHint(inst.OpcodeTag); ok {
			ak.VecSize = hint
		} else {
			ak.VecSize = 32
		}
	}
	if ak.UnitSize == 0 {
		ak.UnitSize = ak.VecSize
	}
	if ak.DataType == model.DataTypeUnknown {
		ak.DataType = defaultDataType
	}
	return ak
}

// walkState carries the bounded-depth, visited-set-guarded walk's
// accumulator: the fields discovered so far.
type walkState struct {
	dataType model.DataType
	vecSize  uint32
	unitSize uint32
}

func (w *walkState) setSize(bits uint32) {
	if w.unitSize == 0 {
		if w.vecSize != 0 {
			w.unitSize = min32(bits, w.vecSize)
		} else {
			w.unitSize = bits
		}
	}
	if w.vecSize == 0 {
		w.vecSize = bits
	}
}

// maxWalkDepth bounds the dependency-graph walk so a malformed or
// pathological instruction graph cannot loop the inference pass; the
// visited set already makes the walk acyclic, this is a defense-in-depth
// cap matching the bounded-depth contract in spec.md §4.1.
const maxWalkDepth = 64

// Infer computes the AccessKind for the memory instruction at pc within
// graph, caching the result on the instruction so repeated calls are
// idempotent (round-trip property in spec.md §8). isLoad selects the walk
// direction: LOAD explores consumers (outgoing edges), STORE explores
// producers (incoming edges).
func Infer(graph *InstructionGraph, pc uint64, defaultDataType model.DataType) model.AccessKind {
	inst, ok := graph.Instruction(pc)
	if !ok {
		return model.AccessKind{DataType: defaultDataType, VecSize: 32, UnitSize: 32}
	}
	if inst.accessKind != nil {
		return *inst.accessKind
	}

	w := &walkState{}
	if hint, ok := sizeHint(inst.OpcodeTag); ok {
		w.setSize(hint)
	}

	isLoad := inst.IsLoad()
	visited := map[uint64]bool{pc: true}
	neighbors := graph.Consumers(pc)
	if !isLoad {
		neighbors = graph.Producers(pc)
	}

	for _, n := range neighbors {
		walkNeighbor(graph, n, isLoad, w, visited, 0)
	}

	result := model.AccessKind{DataType: w.dataType, VecSize: w.vecSize, UnitSize: w.unitSize}
	if !result.Inferred() {
		result = DefaultAccessKind(inst, defaultDataType)
	}
	inst.accessKind = &result
	return result
}

func walkNeighbor(graph *InstructionGraph, pc uint64, isLoad bool, w *walkState, visited map[uint64]bool, depth int) {
	if depth >= maxWalkDepth || visited[pc] {
		return
	}
	visited[pc] = true

	inst, ok := graph.Instruction(pc)
	if !ok {
		return
	}
	tag := inst.OpcodeTag

	if hint, ok := sizeHint(tag); ok {
		w.setSize(hint)
	}

	switch {
	case hasToken(tag, "MOVE"):
		// Transit node: recurse without caching an AccessKind on it.
		next := graph.Consumers(pc)
		if !isLoad {
			next = graph.Producers(pc)
		}
		for _, n := range next {
			walkNeighbor(graph, n, isLoad, w, visited, depth+1)
		}
		return
	case hasToken(tag, "MEMORY"):
		// Back-infer the neighbor's own AccessKind (reversing direction)
		// and copy data_type/unit_size up; its result is cached normally
		// since it is itself a memory instruction.
		neighborAK := Infer(graph, pc, model.DataTypeUnknown)
		if w.dataType == model.DataTypeUnknown {
			w.dataType = neighborAK.DataType
		}
		w.setSize(neighborAK.UnitSize)
		return
	case hasToken(tag, "CONVERT"):
		// Single immediate hop: a convert's type contribution is read and
		// the walk stops, matching init_access_kind's one-hop rule for
		// anything other than MOVE/MEMORY.
		applyConvert(tag, isLoad, w)
		return
	case hasToken(tag, "INTEGER"), hasToken(tag, "UNIFORM"):
		if w.dataType == model.DataTypeUnknown {
			w.dataType = model.DataTypeInt
		}
		return
	case hasToken(tag, "FLOAT"):
		if w.dataType == model.DataTypeUnknown {
			w.dataType = model.DataTypeFloat
		}
		return
	default:
		if w.dataType == model.DataTypeUnknown {
			w.dataType = model.DataTypeInt
		}
		return
	}
}

// applyConvert resolves a CONVERT opcode's type contribution. For a LOAD
// walk (moving toward consumers) the destination type of the convert is
// what the loaded value becomes; for a STORE walk (moving toward
// producers) the source type is what was stored.
func applyConvert(tag string, isLoad bool, w *walkState) {
	if w.dataType != model.DataTypeUnknown {
		return
	}
	switch {
	case strings.Contains(tag, ".I2F"):
		if isLoad {
			w.dataType = model.DataTypeFloat
		} else {
			w.dataType = model.DataTypeInt
		}
	case strings.Contains(tag, ".F2I"):
		if isLoad {
			w.dataType = model.DataTypeInt
		} else {
			w.dataType = model.DataTypeFloat
		}
	case strings.Contains(tag, ".F2F"):
		w.dataType = model.DataTypeFloat
	case strings.Contains(tag, ".I2I"):
		w.dataType = model.DataTypeInt
	}
}
