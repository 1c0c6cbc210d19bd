// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package cubin

import (
	"encoding/json"
	"io"

	tracelenserrors "github.com/antimetal/tracelens/pkg/errors"
)

// jsonSrc and jsonInst mirror the cubin JSON schema (spec.md §6): a
// top-level array of functions, each with a flat list of instructions
// across its basic blocks.
type jsonSrc struct {
	ID         int64    `json:"id"`
	AssignPCs  []uint64 `json:"assign_pcs"`
}

type jsonInst struct {
	PC        uint64    `json:"pc"`
	Op        string    `json:"op"`
	Pred      int64     `json:"pred"`
	Dsts      []int64   `json:"dsts"`
	Srcs      []jsonSrc `json:"srcs"`
	UDsts     []int64   `json:"udsts"`
	USrcs     []jsonSrc `json:"usrcs"`
}

type jsonBlock struct {
	Insts []jsonInst `json:"insts"`
}

type jsonFunction struct {
	Index   uint32      `json:"index"`
	Address uint64      `json:"address"`
	Blocks  []jsonBlock `json:"blocks"`
}

// Parse consumes the cubin JSON schema from r and materializes a
// SymbolVector and InstructionGraph. Absolute pc = the instruction's JSON
// pc plus its owning function's address (cubin offset). For STORE
// instructions, the address-computation source operands are excluded from
// dependency edges: the first source when it addresses SHARED/LOCAL
// memory, otherwise the first two, since they influence the target
// address rather than the stored value.
func Parse(r io.Reader) (*SymbolVector, *InstructionGraph, error) {
	var functions []jsonFunction
	if err := json.NewDecoder(r).Decode(&functions); err != nil {
		return nil, nil, tracelenserrors.NewKind(tracelenserrors.CubinParseFailed, "cubin.Parse", err)
	}

	graph := NewInstructionGraph()
	var symbols []Symbol

	// First pass: register every instruction as a graph node so
	// dependency edges (added in the second pass) always find both
	// endpoints, honoring the InstructionGraph invariant in spec.md §3.
	for _, fn := range functions {
		symbols = append(symbols, Symbol{
			FunctionIndex: fn.Index,
			BinaryOffset:  fn.Address,
			RuntimePC:     fn.Address,
		})
		for _, block := range fn.Blocks {
			for _, ji := range block.Insts {
				absPC := ji.PC + fn.Address
				inst := &Instruction{
					PC:        absPC,
					OpcodeTag: ji.Op,
					Predicate: ji.Pred,
					Dsts:      ji.Dsts,
					UDsts:     ji.UDsts,
				}
				inst.Srcs = translateSrcs(ji.Srcs, fn.Address)
				inst.USrcs = translateSrcs(ji.USrcs, fn.Address)
				graph.AddInstruction(inst)
			}
		}
	}

	for _, fn := range functions {
		for _, block := range fn.Blocks {
			for _, ji := range block.Insts {
				absPC := ji.PC + fn.Address
				inst, ok := graph.Instruction(absPC)
				if !ok {
					continue
				}
				skip := 0
				if inst.IsStore() {
					if inst.IsShared() || inst.IsLocal() {
						skip = 1
					} else {
						skip = 2
					}
				}
				for i, src := range inst.Srcs {
					if i < skip {
						continue
					}
					for _, producerPC := range src.AssignPCs {
						if _, ok := graph.Instruction(producerPC); ok {
							graph.AddDependency(producerPC, absPC)
						}
					}
				}
			}
		}
	}

	return NewSymbolVector(symbols), graph, nil
}

func translateSrcs(srcs []jsonSrc, funcAddr uint64) []Src {
	out := make([]Src, len(srcs))
	for i, s := range srcs {
		pcs := make([]uint64, len(s.AssignPCs))
		for j, pc := range s.AssignPCs {
			pcs[j] = pc + funcAddr
		}
		out[i] = Src{ID: s.ID, AssignPCs: pcs}
	}
	return out
}
