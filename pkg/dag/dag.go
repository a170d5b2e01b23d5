// Package dag builds the stage dependency graph and schedules stages
// with bounded parallelism and failure propagation.
package dag

import (
	"fmt"
	"sort"
	"strings"

	"github.com/conveyorci/conveyor/pkg/cierr"
)

// Node is one schedulable stage.
type Node struct {
	Name      string
	DependsOn []string
}

// Graph is a validated stage dependency graph.
type Graph struct {
	nodes map[string]Node
	order []string // topological order
	deps  map[string]map[string]bool
	// dependents is the reverse adjacency used for failure cascade.
	dependents map[string][]string
}

// Build validates the node list and returns a graph. Unknown dependency
// names yield dag-unresolved; cycles yield dag-cycle with the cycle
// reported.
func Build(nodes []Node) (*Graph, error) {
	g := &Graph{
		nodes:      make(map[string]Node, len(nodes)),
		deps:       make(map[string]map[string]bool, len(nodes)),
		dependents: make(map[string][]string),
	}
	for _, n := range nodes {
		g.nodes[n.Name] = n
		g.deps[n.Name] = make(map[string]bool, len(n.DependsOn))
	}
	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return nil, cierr.New(cierr.KindDAGUnresolved,
					"stage %q depends on unknown stage %q", n.Name, dep)
			}
			g.deps[n.Name][dep] = true
			g.dependents[dep] = append(g.dependents[dep], n.Name)
		}
	}

	order, err := topoSort(nodes, g.deps)
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// topoSort runs Kahn's algorithm. Ties break by declaration order so
// the result is deterministic.
func topoSort(nodes []Node, deps map[string]map[string]bool) ([]string, error) {
	indegree := make(map[string]int, len(nodes))
	for name, d := range deps {
		indegree[name] = len(d)
	}

	var ready []string
	for _, n := range nodes {
		if indegree[n.Name] == 0 {
			ready = append(ready, n.Name)
		}
	}

	dependents := make(map[string][]string)
	for name, d := range deps {
		for dep := range d {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	declared := make(map[string]int, len(nodes))
	for i, n := range nodes {
		declared[n.Name] = i
	}

	var order []string
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return declared[ready[i]] < declared[ready[j]] })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, dependent := range dependents[next] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(nodes) {
		var cyclic []string
		for _, n := range nodes {
			if indegree[n.Name] > 0 {
				cyclic = append(cyclic, n.Name)
			}
		}
		sort.Strings(cyclic)
		return nil, cierr.New(cierr.KindDAGCycle,
			"dependency cycle among stages: %s", strings.Join(cyclic, " -> "))
	}
	return order, nil
}

// Order returns the topological order.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Ready computes the ready set: stages whose dependencies are all in
// completed and which are not themselves completed or excluded.
func (g *Graph) Ready(completed map[string]bool, excluded map[string]bool) []string {
	var ready []string
	for _, name := range g.order {
		if completed[name] || excluded[name] {
			continue
		}
		ok := true
		for dep := range g.deps[name] {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, name)
		}
	}
	return ready
}

// Descendants returns every transitive dependent of name.
func (g *Graph) Descendants(name string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(n string) {
		for _, dependent := range g.dependents[n] {
			if !seen[dependent] {
				seen[dependent] = true
				walk(dependent)
			}
		}
	}
	walk(name)
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Len returns the node count.
func (g *Graph) Len() int { return len(g.nodes) }

// String renders the graph for logs.
func (g *Graph) String() string {
	return fmt.Sprintf("dag(%d stages)", len(g.nodes))
}
