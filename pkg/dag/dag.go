// Package dag implements the directed graph of action ids that the
// scheduler runs: construction from dependency edges, Kahn's-algorithm
// topological sort (cycle detection), and the bounded ancestor traversal
// used to run a user-selected subset of a larger graph.
package dag

import (
	"sort"
)

// DAG is a directed graph over string node ids, held as forward (children)
// and reverse (parents) adjacency maps.
type DAG struct {
	children map[string][]string
	parents  map[string][]string
	// order records first-insertion order of nodes, so iteration over the
	// graph (topological sort seeding, traversal layering) is deterministic
	// instead of at the mercy of Go's randomized map order.
	order []string
}

// New returns an empty DAG.
func New() *DAG {
	return &DAG{
		children: map[string][]string{},
		parents:  map[string][]string{},
	}
}

// AddNode adds node id to the graph if it is not already present. Idempotent.
func (d *DAG) AddNode(id string) {
	if _, ok := d.children[id]; ok {
		return
	}
	d.children[id] = nil
	d.parents[id] = nil
	d.order = append(d.order, id)
}

// AddEdge records a dependency edge parent -> child, adding either node if
// missing first. Duplicate edges are tolerated: each call appends another
// copy, which costs the child one extra pending-parent count in
// TraversalList, consistently with how the count is derived (len of the
// parents slice, not a deduplicated set).
func (d *DAG) AddEdge(parent, child string) {
	d.AddNode(parent)
	d.AddNode(child)
	d.children[parent] = append(d.children[parent], child)
	d.parents[child] = append(d.parents[child], parent)
}

// Nodes returns all node ids in insertion order.
func (d *DAG) Nodes() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Children returns the direct downstream nodes of id.
func (d *DAG) Children(id string) []string {
	return d.children[id]
}

// Parents returns the direct upstream nodes of id.
func (d *DAG) Parents(id string) []string {
	return d.parents[id]
}

// TopologicalSort runs Kahn's algorithm. On success it returns every node in
// dependency order and valid=true. If the graph contains a cycle, the
// residual slice holds every node whose in-degree never reached zero (sorted
// for a deterministic error message) and valid is false.
func (d *DAG) TopologicalSort() (order []string, valid bool) {
	inDegree := make(map[string]int, len(d.order))
	for _, n := range d.order {
		inDegree[n] = len(d.parents[n])
	}

	queue := make([]string, 0, len(d.order))
	for _, n := range d.order {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	sorted := make([]string, 0, len(d.order))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		sorted = append(sorted, n)

		for _, child := range d.children[n] {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if len(sorted) == len(d.order) {
		return sorted, true
	}

	var residual []string
	for _, n := range d.order {
		if inDegree[n] > 0 {
			residual = append(residual, n)
		}
	}
	sort.Strings(residual)
	return residual, false
}

// TraversalTo performs a BFS against reverse adjacency starting from goals,
// collecting one visited-set "layer" per BFS round, then removes every
// earlier occurrence of a node that recurs in a later layer (keeping only
// its latest appearance). The result is returned in topological
// (ancestors-first) order.
func (d *DAG) TraversalTo(goals []string) [][]string {
	if len(goals) == 0 {
		return nil
	}

	var layers [][]string
	current := append([]string(nil), goals...)

	for len(current) > 0 {
		visited := map[string]bool{}
		var visitedOrder []string
		var next []string

		for _, n := range current {
			if !visited[n] {
				visited[n] = true
				visitedOrder = append(visitedOrder, n)
			}
			next = append(next, d.parents[n]...)
		}

		layers = append(layers, visitedOrder)
		current = next
	}

	// layers is innermost-goal-first; dedupe keeping the *latest* (closest
	// to root, i.e. highest index) appearance of each node.
	for i := len(layers) - 1; i >= 0; i-- {
		for _, id := range layers[i] {
			for j := 0; j < i; j++ {
				layers[j] = removeString(layers[j], id)
			}
		}
	}

	// Reverse so ancestors come first.
	out := make([][]string, len(layers))
	for i, l := range layers {
		out[len(layers)-1-i] = l
	}
	return out
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// TraversalList flattens TraversalTo(goals) into a single node set and, for
// each node, initializes its pending-parent counter to the number of its
// parents *within that set*. Parents outside the traversal must not gate
// it, since they will never run and therefore never call NodeComplete.
func (d *DAG) TraversalList(goals []string) map[string]int {
	layers := d.TraversalTo(goals)

	inSet := map[string]bool{}
	for _, layer := range layers {
		for _, id := range layer {
			inSet[id] = true
		}
	}

	list := map[string]int{}
	for id := range inSet {
		count := 0
		for _, p := range d.parents[id] {
			if inSet[p] {
				count++
			}
		}
		list[id] = count
	}
	return list
}

// ReadyNodes removes and returns every node in list whose pending-parent
// counter is zero, sorted by id so that submission order is stable.
func ReadyNodes(list map[string]int) []string {
	var ready []string
	for id, count := range list {
		if count == 0 {
			ready = append(ready, id)
		}
	}
	for _, id := range ready {
		delete(list, id)
	}
	sort.Strings(ready)
	return ready
}

// NodeComplete decrements the pending-parent counter of every downstream
// child of node that is still present in list.
func (d *DAG) NodeComplete(node string, list map[string]int) {
	for _, child := range d.children[node] {
		if _, ok := list[child]; ok {
			list[child]--
		}
	}
}
