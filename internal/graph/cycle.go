package graph

import (
	"errors"
	"slices"
	"strings"
)

// CycleError reports a circular dependency. No valid schedule exists for a
// batch whose graph contains one.
type CycleError struct {
	// Cycle lists the ids along the cycle in edge order; the first id is
	// repeated at the end: ["T1", "T3", "T1"].
	Cycle []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return "circular dependency: " + strings.Join(e.Cycle, " → ")
}

// IsCycleError returns true if err is a circular dependency error.
// Uses errors.As to handle wrapped errors.
func IsCycleError(err error) bool {
	var ce *CycleError
	return errors.As(err, &ce)
}

const (
	white = iota // unvisited
	gray         // on the DFS stack
	black        // finished
)

// DetectCycles runs a depth-first search over the graph and returns a
// *CycleError for the first cycle found, or nil if the graph is acyclic.
//
// Nodes and successors are visited in sorted order, so the reported cycle
// is the same for the same graph.
func (g *Graph) DetectCycles() error {
	color := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(n string) []string
	visit = func(n string) []string {
		color[n] = gray
		stack = append(stack, n)
		for _, next := range g.Successors(n) {
			switch color[next] {
			case gray:
				start := slices.Index(stack, next)
				cycle := slices.Clone(stack[start:])
				return append(cycle, next)
			case white:
				if c := visit(next); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return nil
	}

	for _, n := range g.sortedNodes() {
		if color[n] != white {
			continue
		}
		if c := visit(n); c != nil {
			return &CycleError{Cycle: c}
		}
	}
	return nil
}

// IndependentSets levels the graph topologically.
//
// Level 0 holds every node without incoming edges; level k+1 holds the
// nodes whose remaining in-edges all come from levels ≤ k. Each level is
// sorted by id. No path exists between two members of the same level, so
// a level is the unit of parallel execution.
//
// Returns the cycle error if the graph is not acyclic.
func (g *Graph) IndependentSets() ([][]string, error) {
	indeg := make(map[string]int, len(g.nodes))
	for _, n := range g.nodes {
		indeg[n] = len(g.pred[n])
	}

	var current []string
	for _, n := range g.nodes {
		if indeg[n] == 0 {
			current = append(current, n)
		}
	}

	var levels [][]string
	placed := 0
	for len(current) > 0 {
		slices.Sort(current)
		levels = append(levels, current)
		placed += len(current)

		var next []string
		for _, n := range current {
			for s := range g.succ[n] {
				indeg[s]--
				if indeg[s] == 0 {
					next = append(next, s)
				}
			}
		}
		current = next
	}

	if placed != len(g.nodes) {
		if err := g.DetectCycles(); err != nil {
			return nil, err
		}
		return nil, errors.New("graph leveling did not place every node")
	}
	return levels, nil
}

// TopologicalOrder flattens IndependentSets into one order.
func (g *Graph) TopologicalOrder() ([]string, error) {
	levels, err := g.IndependentSets()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(g.nodes))
	for _, l := range levels {
		out = append(out, l...)
	}
	return out, nil
}
