// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package cubin_test

import (
	"strings"
	"testing"

	"github.com/antimetal/tracelens/pkg/trace/cubin"
	"github.com/antimetal/tracelens/pkg/trace/model"
	"github.com/stretchr/testify/require"
)

const sampleCubinJSON = `[
  {
    "index": 0,
    "address": 1000,
    "blocks": [
      {
        "insts": [
          {"pc": 0, "op": "FLOAT.FADD", "pred": -1, "dsts": [1], "srcs": []},
          {"pc": 8, "op": "MEMORY.STORE.64", "pred": -1, "dsts": [], "srcs": [
            {"id": 2, "assign_pcs": [0]},
            {"id": 1, "assign_pcs": [0]}
          ]}
        ]
      }
    ]
  }
]`

func TestParseBuildsGraphAndSymbols(t *testing.T) {
	symbols, graph, err := cubin.Parse(strings.NewReader(sampleCubinJSON))
	require.NoError(t, err)
	require.Equal(t, 1, symbols.Len())

	resolved, ok := symbols.TransformPC(1008)
	require.True(t, ok)
	require.Equal(t, uint64(8), resolved.PCOffset)
	require.Equal(t, uint32(0), resolved.FunctionIndex)

	storeInst, ok := graph.Instruction(1008)
	require.True(t, ok)
	require.True(t, storeInst.IsStore())

	// STORE.64 is not SHARED/LOCAL: skip first two srcs per the
	// address-computation exclusion rule, so no dependency edge is wired
	// from the value-producing FADD in this two-src example.
	require.Empty(t, graph.Producers(1008))
}

// Scenario S6: STORE.64 whose src-value register has assign_pcs pointing
// to a FLOAT opcode producer infers (FLOAT, vec=64, unit=64).
const storeWithThirdSrcJSON = `[
  {
    "index": 0,
    "address": 0,
    "blocks": [
      {
        "insts": [
          {"pc": 0, "op": "FLOAT.FADD", "pred": -1, "dsts": [3], "srcs": []},
          {"pc": 8, "op": "MEMORY.STORE.64", "pred": -1, "dsts": [], "srcs": [
            {"id": 1, "assign_pcs": []},
            {"id": 2, "assign_pcs": []},
            {"id": 3, "assign_pcs": [0]}
          ]}
        ]
      }
    ]
  }
]`

func TestInferStoreFloat64(t *testing.T) {
	_, graph, err := cubin.Parse(strings.NewReader(storeWithThirdSrcJSON))
	require.NoError(t, err)

	ak := cubin.Infer(graph, 8, model.DataTypeInt)
	require.Equal(t, model.DataTypeFloat, ak.DataType)
	require.Equal(t, uint32(64), ak.VecSize)
	require.Equal(t, uint32(64), ak.UnitSize)
}

func TestInferIsIdempotent(t *testing.T) {
	_, graph, err := cubin.Parse(strings.NewReader(storeWithThirdSrcJSON))
	require.NoError(t, err)

	first := cubin.Infer(graph, 8, model.DataTypeInt)
	second := cubin.Infer(graph, 8, model.DataTypeInt)
	require.Equal(t, first, second)
}

func TestInferDefaultsWhenInconclusive(t *testing.T) {
	src := `[{"index":0,"address":0,"blocks":[{"insts":[
	  {"pc":0,"op":"MEMORY.LOAD.32","pred":-1,"dsts":[1],"srcs":[]}
	]}]}]`
	_, graph, err := cubin.Parse(strings.NewReader(src))
	require.NoError(t, err)

	ak := cubin.Infer(graph, 0, model.DataTypeInt)
	require.Equal(t, model.DataTypeInt, ak.DataType)
	require.Equal(t, uint32(32), ak.VecSize)
	require.Equal(t, uint32(32), ak.UnitSize)
}

func TestParseRejectsInvalidJSON(t *testing.T) {
	_, _, err := cubin.Parse(strings.NewReader("not json"))
	require.Error(t, err)
}
