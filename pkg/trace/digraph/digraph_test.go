// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package digraph_test

import (
	"testing"

	"github.com/antimetal/tracelens/pkg/trace/digraph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type edgeIndex struct {
	From, To int32
	Kind     string
}

type edge struct {
	Count int
}

func TestGraphNodesAndEdges(t *testing.T) {
	g := digraph.New[int32, string, edgeIndex, edge]()

	assert.False(t, g.HasNode(1))
	g.AddNode(1, "a")
	g.AddNode(2, "b")
	require.True(t, g.HasNode(1))
	require.True(t, g.HasNode(2))
	assert.Equal(t, 2, g.NodeCount())

	idx := edgeIndex{From: 1, To: 2, Kind: "ORDER"}
	g.AddEdge(1, 2, idx, edge{Count: 1})
	require.True(t, g.HasEdge(idx))

	e, ok := g.Edge(idx)
	require.True(t, ok)
	assert.Equal(t, 1, e.Count)

	e.Count += 5
	g.SetEdge(idx, e)
	e2, _ := g.Edge(idx)
	assert.Equal(t, 6, e2.Count)

	assert.Equal(t, []edgeIndex{idx}, g.OutgoingEdges(1))
	assert.Equal(t, []edgeIndex{idx}, g.IncomingEdges(2))
	assert.Equal(t, 1, g.EdgeCount())
}

func TestGraphMultiEdge(t *testing.T) {
	g := digraph.New[int32, string, edgeIndex, edge]()
	g.AddNode(1, "a")
	g.AddNode(2, "b")

	orderIdx := edgeIndex{From: 1, To: 2, Kind: "ORDER"}
	readIdx := edgeIndex{From: 1, To: 2, Kind: "READ"}
	g.AddEdge(1, 2, orderIdx, edge{Count: 1})
	g.AddEdge(1, 2, readIdx, edge{Count: 2})

	assert.Equal(t, 2, g.EdgeCount())
	assert.ElementsMatch(t, []edgeIndex{orderIdx, readIdx}, g.OutgoingEdges(1))
}
