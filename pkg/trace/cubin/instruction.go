// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package cubin implements the binary model: instructions, their
// dependency graph, access-kind inference, and symbol resolution for a
// registered GPU binary unit.
package cubin

import (
	"strings"

	"github.com/antimetal/tracelens/pkg/trace/digraph"
	"github.com/antimetal/tracelens/pkg/trace/model"
)

// Src is one source operand: its register id and the pcs of the
// instructions that produce the value currently in that register.
type Src struct {
	ID         int64
	AssignPCs  []uint64
}

// Instruction is one decoded instruction from a cubin's disassembly.
// OpcodeTag is a dotted textual classification ("MEMORY.STORE.SHARED",
// "INTEGER.IMAD.MOVE", "CONVERT.F2I") carrying no further structure beyond
// its tokens, which §4.1 inference switches on.
type Instruction struct {
	PC        uint64
	OpcodeTag string
	Predicate int64
	Dsts      []int64
	Srcs      []Src
	UDsts     []int64
	USrcs     []Src

	// AccessKind is lazily computed by Infer and cached here so each
	// memory instruction is inferred at most once.
	accessKind *model.AccessKind
}

// IsMemory reports whether the opcode tag carries a MEMORY token.
func (i *Instruction) IsMemory() bool {
	return hasToken(i.OpcodeTag, "MEMORY")
}

// IsLoad reports whether the opcode tag carries a LOAD token.
func (i *Instruction) IsLoad() bool {
	return hasToken(i.OpcodeTag, "LOAD")
}

// IsStore reports whether the opcode tag carries a STORE token.
func (i *Instruction) IsStore() bool {
	return hasToken(i.OpcodeTag, "STORE")
}

// IsShared reports whether the opcode tag addresses shared memory.
func (i *Instruction) IsShared() bool {
	return hasToken(i.OpcodeTag, "SHARED")
}

// IsLocal reports whether the opcode tag addresses local memory.
func (i *Instruction) IsLocal() bool {
	return hasToken(i.OpcodeTag, "LOCAL")
}

func hasToken(tag, token string) bool {
	for _, t := range strings.Split(tag, ".") {
		if t == token {
			return true
		}
	}
	return false
}

// edgeIndex keys InstructionGraph edges; the graph only ever has
// one kind (producer -> consumer) but a struct key keeps digraph.Graph's
// multigraph contract uniform across packages.
type edgeIndex struct {
	Producer, Consumer uint64
}

type instructionEdge struct{}

// InstructionGraph is the dependency graph derived from assign_pcs: nodes
// keyed by pc, edges by (producer_pc, consumer_pc). Immutable after Parse.
type InstructionGraph struct {
	insts *digraph.Graph[uint64, *Instruction, edgeIndex, instructionEdge]
}

// NewInstructionGraph builds an empty graph.
func NewInstructionGraph() *InstructionGraph {
	return &InstructionGraph{insts: digraph.New[uint64, *Instruction, edgeIndex, instructionEdge]()}
}

// AddInstruction registers inst as a node keyed by its pc.
func (g *InstructionGraph) AddInstruction(inst *Instruction) {
	g.insts.AddNode(inst.PC, inst)
}

// AddDependency adds an edge producerPC -> consumerPC. Both endpoints must
// already exist as nodes (spec.md §3 invariant).
func (g *InstructionGraph) AddDependency(producerPC, consumerPC uint64) {
	g.insts.AddEdge(producerPC, consumerPC, edgeIndex{Producer: producerPC, Consumer: consumerPC}, instructionEdge{})
}

// Instruction returns the instruction at pc, if any.
func (g *InstructionGraph) Instruction(pc uint64) (*Instruction, bool) {
	return g.insts.Node(pc)
}

// Producers returns the pcs of instructions producing a value consumed at
// consumerPC (incoming edges).
func (g *InstructionGraph) Producers(consumerPC uint64) []uint64 {
	edges := g.insts.IncomingEdges(consumerPC)
	out := make([]uint64, len(edges))
	for i, e := range edges {
		out[i] = e.Producer
	}
	return out
}

// Consumers returns the pcs of instructions consuming the value produced
// at producerPC (outgoing edges).
func (g *InstructionGraph) Consumers(producerPC uint64) []uint64 {
	edges := g.insts.OutgoingEdges(producerPC)
	out := make([]uint64, len(edges))
	for i, e := range edges {
		out[i] = e.Consumer
	}
	return out
}
