// Package graph builds the per-batch dependency graph between transactions.
//
// An edge A → B means A must execute before B. Edges come from two sources:
//
//   - explicit: B lists A in DependsOn
//   - conflict: A and B touch a common resource and at least one writes it
//
// A conflict edge follows the explicit ordering when DependsOn already
// orders the pair (transitively); otherwise the lexicographically smaller id
// goes first. Direction therefore never depends on submission order, map
// iteration or timing: the same batch always yields the same graph.
//
// Conflict edges alone can never form a cycle (they follow a total order).
// Cycles come from explicit constraints that contradict each other or the
// lexicographic order of a conflicting pair, and are fatal.
package graph

import (
	"fmt"
	"slices"

	"github.com/diotec-barros/diotec360-sub008/internal/txn"
)

// EdgeKind records why an edge exists.
type EdgeKind string

const (
	// EdgeExplicit comes from a DependsOn declaration.
	EdgeExplicit EdgeKind = "explicit"
	// EdgeConflict comes from a read/write overlap.
	EdgeConflict EdgeKind = "conflict"
)

// Edge is a directed ordering constraint.
type Edge struct {
	From      string   `json:"from"`
	To        string   `json:"to"`
	Explicit  bool     `json:"explicit"`
	Resources []string `json:"resources,omitempty"` // shared resources, sorted
}

// Graph is a directed graph over transaction ids. It is built fresh for
// each batch and discarded afterwards; it is not safe for concurrent
// mutation.
type Graph struct {
	nodes []string // submission order
	index map[string]int
	succ  map[string]map[string]*Edge
	pred  map[string]map[string]bool

	// explicitReach[a][b] is true when DependsOn orders a before b,
	// directly or transitively.
	explicitReach map[string]map[string]bool
}

// New creates a graph with the given nodes and no edges.
// Duplicate ids are rejected.
func New(ids []string) (*Graph, error) {
	g := &Graph{
		nodes:         make([]string, 0, len(ids)),
		index:         make(map[string]int, len(ids)),
		succ:          make(map[string]map[string]*Edge, len(ids)),
		pred:          make(map[string]map[string]bool, len(ids)),
		explicitReach: make(map[string]map[string]bool),
	}
	var dups []string
	for _, id := range ids {
		if _, ok := g.index[id]; ok {
			dups = append(dups, id)
			continue
		}
		g.index[id] = len(g.nodes)
		g.nodes = append(g.nodes, id)
		g.succ[id] = make(map[string]*Edge)
		g.pred[id] = make(map[string]bool)
	}
	if len(dups) > 0 {
		slices.Sort(dups)
		return nil, &txn.InvalidBatchError{Reason: "duplicate transaction ids", TxnIDs: slices.Compact(dups)}
	}
	return g, nil
}

// Build constructs the dependency graph for a batch.
//
// Complexity is O(n + Σ k_r²) where k_r is the number of transactions
// touching resource r; unrelated transactions are never compared.
func Build(txns []*txn.Transaction) (*Graph, error) {
	ids := make([]string, len(txns))
	for i, t := range txns {
		ids[i] = t.ID
	}
	g, err := New(ids)
	if err != nil {
		return nil, err
	}

	for _, t := range txns {
		for _, dep := range t.DependsOn {
			if err := g.AddEdge(dep, t.ID, EdgeExplicit, ""); err != nil {
				return nil, fmt.Errorf("depends_on of %s: %w", t.ID, err)
			}
		}
	}
	g.computeExplicitReach()

	type access struct {
		id     string
		writes bool
	}
	byResource := make(map[string][]access)
	for _, t := range txns {
		for _, r := range t.Resources() {
			byResource[r] = append(byResource[r], access{id: t.ID, writes: t.Writes(r)})
		}
	}

	resources := make([]string, 0, len(byResource))
	for r := range byResource {
		resources = append(resources, r)
	}
	slices.Sort(resources)

	for _, r := range resources {
		accs := byResource[r]
		for i := 0; i < len(accs); i++ {
			for j := i + 1; j < len(accs); j++ {
				if !accs[i].writes && !accs[j].writes {
					continue
				}
				from, to := g.Orient(accs[i].id, accs[j].id)
				if err := g.AddEdge(from, to, EdgeConflict, r); err != nil {
					return nil, err
				}
			}
		}
	}
	return g, nil
}

// Orient returns the pair in execution order: explicit ordering first,
// lexicographic id order otherwise.
func (g *Graph) Orient(a, b string) (first, second string) {
	switch {
	case g.explicitReach[a][b]:
		return a, b
	case g.explicitReach[b][a]:
		return b, a
	case a < b:
		return a, b
	default:
		return b, a
	}
}

// AddEdge adds from → to, merging with an existing edge. An explicit edge
// stays explicit when a conflict is later recorded on it. resource may be
// empty.
func (g *Graph) AddEdge(from, to string, kind EdgeKind, resource string) error {
	if _, ok := g.index[from]; !ok {
		return fmt.Errorf("unknown transaction %q", from)
	}
	if _, ok := g.index[to]; !ok {
		return fmt.Errorf("unknown transaction %q", to)
	}
	if from == to {
		return fmt.Errorf("self edge on %q", from)
	}

	e, ok := g.succ[from][to]
	if !ok {
		e = &Edge{From: from, To: to}
		g.succ[from][to] = e
		g.pred[to][from] = true
	}
	if kind == EdgeExplicit {
		e.Explicit = true
	}
	if resource != "" {
		if i, found := slices.BinarySearch(e.Resources, resource); !found {
			e.Resources = slices.Insert(e.Resources, i, resource)
		}
	}
	return nil
}

// computeExplicitReach fills the transitive closure of explicit edges.
func (g *Graph) computeExplicitReach() {
	for _, start := range g.nodes {
		seen := make(map[string]bool)
		stack := []string{start}
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for next, e := range g.succ[n] {
				if e.Explicit && !seen[next] {
					seen[next] = true
					stack = append(stack, next)
				}
			}
		}
		if len(seen) > 0 {
			g.explicitReach[start] = seen
		}
	}
}

// Explicit reports whether DependsOn orders a before b (transitively).
func (g *Graph) Explicit(a, b string) bool {
	return g.explicitReach[a][b]
}

// Nodes returns ids in submission order.
func (g *Graph) Nodes() []string {
	return slices.Clone(g.nodes)
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// HasEdge reports whether from → to exists.
func (g *Graph) HasEdge(from, to string) bool {
	_, ok := g.succ[from][to]
	return ok
}

// Successors returns the sorted direct successors of id.
func (g *Graph) Successors(id string) []string {
	return sortedKeys(g.succ[id])
}

// Predecessors returns the sorted direct predecessors of id.
func (g *Graph) Predecessors(id string) []string {
	return sortedKeys(g.pred[id])
}

// Edges returns all edges sorted by (From, To).
func (g *Graph) Edges() []Edge {
	var out []Edge
	for _, from := range g.sortedNodes() {
		for _, to := range g.Successors(from) {
			e := g.succ[from][to]
			out = append(out, Edge{From: e.From, To: e.To, Explicit: e.Explicit, Resources: slices.Clone(e.Resources)})
		}
	}
	return out
}

// Reachable reports whether there is a path from a to b.
func (g *Graph) Reachable(a, b string) bool {
	if a == b {
		return false
	}
	seen := map[string]bool{a: true}
	queue := []string{a}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for next := range g.succ[n] {
			if next == b {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

func (g *Graph) sortedNodes() []string {
	out := slices.Clone(g.nodes)
	slices.Sort(out)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
