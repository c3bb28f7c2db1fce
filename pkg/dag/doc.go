/*
Package dag is the smallest of the four core components: a directed graph of
action ids with Kahn's-algorithm topological sort (used only to detect
cycles; the scheduler's actual run order falls out of the traversal list,
not the sort) and the bounded ancestor traversal that lets a caller run a
goal subset of a larger graph without re-running everything upstream of it.

	g := dag.New()
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")
	list := g.TraversalList([]string{"c"}) // {"a": 0, "b": 1, "c": 1}
	ready := dag.ReadyNodes(list)          // ["a"]
	g.NodeComplete("a", list)              // b's counter drops to 0

TraversalList is the one place the package deviates from naively counting
every parent a node has: the counter only reflects parents *inside the
requested traversal*, so a goal whose ancestor lies outside the selected
subset is never blocked waiting on work that will never run.
*/
package dag
