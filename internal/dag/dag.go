package dag

import (
	"fmt"
	"slices"
	"strings"
)

// New creates and returns an initialized, empty Graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]*node),
	}
}

// AddNode adds a new node with the given ID to the graph. If a node with
// the same ID already exists, the function does nothing.
func (g *Graph) AddNode(id string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if _, ok := g.nodes[id]; ok {
		return
	}
	g.nodes[id] = &node{id: id, index: len(g.order)}
	g.order = append(g.order, id)
}

// Has reports whether the graph contains id.
func (g *Graph) Has(id string) bool {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// AddEdge creates a directed edge from the `fromID` node to the `toID` node.
// This signifies that `toID` has a dependency on `fromID`. An error is returned
// if either node does not exist or if the edge would create a self-reference.
// Adding an existing edge again is a no-op.
func (g *Graph) AddEdge(fromID, toID string) error {
	if fromID == toID {
		return fmt.Errorf("self-referential edge not allowed: %s -> %s", fromID, fromID)
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()

	fromNode, ok := g.nodes[fromID]
	if !ok {
		return fmt.Errorf("source node not found: %s", fromID)
	}
	toNode, ok := g.nodes[toID]
	if !ok {
		return fmt.Errorf("destination node not found: %s", toID)
	}

	if slices.Contains(toNode.deps, fromID) {
		return nil
	}
	toNode.deps = append(toNode.deps, fromID)
	fromNode.dependents = append(fromNode.dependents, toID)
	return nil
}

// TopoSort returns the nodes in dependency order using Kahn's algorithm.
// Ties are broken by insertion order. If the graph has a cycle a
// *CycleError naming one cycle path is returned.
func (g *Graph) TopoSort() ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	inDegree := make(map[string]int, len(g.nodes))
	var ready []string
	for _, id := range g.order {
		inDegree[id] = len(g.nodes[id].deps)
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	sorted := make([]string, 0, len(g.order))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		sorted = append(sorted, id)

		var released []string
		for _, dependent := range g.nodes[id].dependents {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				released = append(released, dependent)
			}
		}
		ready = append(ready, released...)
		slices.SortFunc(ready, func(a, b string) int { return g.nodes[a].index - g.nodes[b].index })
	}

	if len(sorted) == len(g.order) {
		return sorted, nil
	}
	return nil, &CycleError{Path: g.findCyclePath(inDegree)}
}

// DetectCycles returns a *CycleError naming one cycle path if the graph
// has a cycle.
func (g *Graph) DetectCycles() error {
	_, err := g.TopoSort()
	return err
}

// findCyclePath walks dependency edges from the nodes Kahn's algorithm
// could not release until it revisits a node on the current path.
func (g *Graph) findCyclePath(inDegree map[string]int) []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.nodes))
	parent := make(map[string]string)
	var path []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, dep := range g.nodes[id].deps {
			switch color[dep] {
			case gray:
				path = []string{dep}
				for cur := id; cur != dep; cur = parent[cur] {
					path = append(path, cur)
				}
				path = append(path, dep)
				slices.Reverse(path)
				return true
			case white:
				parent[dep] = id
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for _, id := range g.order {
		if inDegree[id] > 0 && color[id] == white && visit(id) {
			return path
		}
	}
	return nil
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return "cycle detected"
	}
	return fmt.Sprintf("cycle detected: %s", strings.Join(e.Path, " -> "))
}
