package dag

import "sync"

// Graph is a collection of nodes and their dependencies, representing a DAG.
// Nodes and edges keep their insertion order so every traversal is
// deterministic. All operations on the graph are concurrency-safe.
type Graph struct {
	mutex sync.RWMutex
	// nodes stores all nodes in the graph, keyed by their unique ID.
	nodes map[string]*node
	// order lists node IDs in the order they were added.
	order []string
}

// node represents a single vertex in the graph.
type node struct {
	id    string
	index int
	// deps holds the IDs this node depends on, in edge insertion order.
	deps []string
	// dependents holds the IDs that depend on this node, in edge insertion order.
	dependents []string
}

// CycleError reports a dependency cycle. Path starts and ends with the
// same node.
type CycleError struct {
	Path []string
}
