package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopologicalSortLinear(t *testing.T) {
	g := New()
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")

	order, valid := g.TopologicalSort()
	require.True(t, valid)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, "a", order[0])
	assert.Equal(t, "c", order[2])
}

func TestTopologicalSortIsPermutation(t *testing.T) {
	g := New()
	g.AddEdge("a", "b")
	g.AddEdge("a", "c")
	g.AddEdge("b", "d")
	g.AddEdge("c", "d")

	order, valid := g.TopologicalSort()
	require.True(t, valid)
	assert.Len(t, order, 4)
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, order)
}

func TestTopologicalSortCycle(t *testing.T) {
	g := New()
	g.AddEdge("x", "y")
	g.AddEdge("y", "x")

	residual, valid := g.TopologicalSort()
	require.False(t, valid)
	assert.ElementsMatch(t, []string{"x", "y"}, residual)
}

func TestTraversalListLinearChain(t *testing.T) {
	g := New()
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")

	list := g.TraversalList([]string{"c"})
	assert.Equal(t, map[string]int{"a": 0, "b": 1, "c": 1}, list)
}

func TestTraversalListIsAncestorClosure(t *testing.T) {
	g := New()
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")
	g.AddEdge("x", "y") // unrelated branch

	list := g.TraversalList([]string{"c"})
	_, hasX := list["x"]
	_, hasY := list["y"]
	assert.False(t, hasX)
	assert.False(t, hasY)
	assert.Len(t, list, 3)
}

func TestTraversalListIgnoresParentsOutsideSet(t *testing.T) {
	// diamond: a -> b, a -> c, b -> d, c -> d; goal is just b (not d).
	g := New()
	g.AddEdge("a", "b")
	g.AddEdge("a", "c")
	g.AddEdge("b", "d")
	g.AddEdge("c", "d")

	list := g.TraversalList([]string{"b"})
	// d is not in the traversal at all.
	_, hasD := list["d"]
	assert.False(t, hasD)
	// b's only parent within the set is a.
	assert.Equal(t, 1, list["b"])
	assert.Equal(t, 0, list["a"])
}

func TestReadyNodesAndNodeComplete(t *testing.T) {
	g := New()
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")

	list := g.TraversalList([]string{"c"})

	ready := ReadyNodes(list)
	assert.Equal(t, []string{"a"}, ready)
	_, stillThere := list["a"]
	assert.False(t, stillThere)

	g.NodeComplete("a", list)
	ready = ReadyNodes(list)
	assert.Equal(t, []string{"b"}, ready)

	g.NodeComplete("b", list)
	ready = ReadyNodes(list)
	assert.Equal(t, []string{"c"}, ready)

	assert.Empty(t, list)
}

func TestDiamondTraversal(t *testing.T) {
	g := New()
	g.AddEdge("a", "b")
	g.AddEdge("a", "c")
	g.AddEdge("b", "d")
	g.AddEdge("c", "d")

	list := g.TraversalList([]string{"d"})
	assert.Equal(t, map[string]int{"a": 0, "b": 1, "c": 1, "d": 2}, list)

	ready := ReadyNodes(list)
	assert.Equal(t, []string{"a"}, ready)
	g.NodeComplete("a", list)

	ready = ReadyNodes(list)
	assert.Equal(t, []string{"b", "c"}, ready)
	g.NodeComplete("b", list)
	g.NodeComplete("c", list)

	ready = ReadyNodes(list)
	assert.Equal(t, []string{"d"}, ready)
}

func TestIsolatedGoalSingleElementTraversal(t *testing.T) {
	g := New()
	g.AddNode("solo")

	list := g.TraversalList([]string{"solo"})
	assert.Equal(t, map[string]int{"solo": 0}, list)
}

func TestEmptyGoalsYieldsEmptyTraversal(t *testing.T) {
	g := New()
	g.AddEdge("a", "b")

	list := g.TraversalList(nil)
	assert.Empty(t, list)
}

func TestDuplicateEdgesIncrementCounter(t *testing.T) {
	g := New()
	g.AddEdge("a", "b")
	g.AddEdge("a", "b")

	list := g.TraversalList([]string{"b"})
	assert.Equal(t, 2, list["b"])
}
