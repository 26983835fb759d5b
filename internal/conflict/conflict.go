// Package conflict classifies read/write hazards between transactions and
// derives a deterministic resolution order from them.
package conflict

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/diotec-barros/diotec360-sub008/internal/graph"
	"github.com/diotec-barros/diotec360-sub008/internal/txn"
)

// Type is a hazard class.
type Type string

const (
	// RAW: B reads a resource A writes.
	RAW Type = "RAW"
	// WAW: both write the resource.
	WAW Type = "WAW"
	// WAR: B writes a resource A reads.
	WAR Type = "WAR"
)

// Conflict is one hazard between two transactions on one resource.
// A is ordered before B by the dependency graph.
type Conflict struct {
	Type     Type   `json:"type"`
	Resource string `json:"resource"`
	A        string `json:"a"`
	B        string `json:"b"`
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s(%s: %s→%s)", c.Type, c.Resource, c.A, c.B)
}

// ResolutionStrategy is the deterministic outcome of Resolve.
type ResolutionStrategy struct {
	// ExecutionOrder is the lexicographic order of every transaction
	// involved in at least one conflict.
	ExecutionOrder []string `json:"execution_order"`

	// ConflictGroups maps each contended resource to its sorted members.
	ConflictGroups map[string][]string `json:"conflict_groups"`

	// Conflicts are the records the strategy was derived from, sorted.
	Conflicts []Conflict `json:"conflicts"`
}

// Position returns the index of id in ExecutionOrder, or -1.
func (s *ResolutionStrategy) Position(id string) int {
	if i, ok := slices.BinarySearch(s.ExecutionOrder, id); ok {
		return i
	}
	return -1
}

// DetectConflicts returns every hazard between pairs of transactions with
// overlapping sets, oriented by g. Pairs with disjoint sets produce
// nothing. One pair on one resource can yield several records; e.g. two
// read-modify-write transactions on X produce RAW, WAW and WAR.
//
// The result is sorted by (resource, A, B, type).
func DetectConflicts(txns []*txn.Transaction, g *graph.Graph) []Conflict {
	byID := make(map[string]*txn.Transaction, len(txns))
	byResource := make(map[string][]string)
	for _, t := range txns {
		byID[t.ID] = t
		for _, r := range t.Resources() {
			byResource[r] = append(byResource[r], t.ID)
		}
	}

	var out []Conflict
	for r, ids := range byResource {
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				a, b := order(g, ids[i], ids[j])
				out = append(out, classify(r, byID[a], byID[b])...)
			}
		}
	}

	slices.SortFunc(out, compare)
	return out
}

// order orients a pair the way the graph does: by reachability, falling
// back to the graph's own pair orientation.
func order(g *graph.Graph, a, b string) (string, string) {
	switch {
	case g == nil:
		return min(a, b), max(a, b)
	case g.Reachable(a, b):
		return a, b
	case g.Reachable(b, a):
		return b, a
	default:
		return g.Orient(a, b)
	}
}

func classify(r string, a, b *txn.Transaction) []Conflict {
	var out []Conflict
	if a.Writes(r) && b.Reads(r) {
		out = append(out, Conflict{Type: RAW, Resource: r, A: a.ID, B: b.ID})
	}
	if a.Writes(r) && b.Writes(r) {
		out = append(out, Conflict{Type: WAW, Resource: r, A: a.ID, B: b.ID})
	}
	if a.Reads(r) && b.Writes(r) {
		out = append(out, Conflict{Type: WAR, Resource: r, A: a.ID, B: b.ID})
	}
	return out
}

func compare(x, y Conflict) int {
	return cmp.Or(
		cmp.Compare(x.Resource, y.Resource),
		cmp.Compare(x.A, y.A),
		cmp.Compare(x.B, y.B),
		cmp.Compare(x.Type, y.Type),
	)
}

// Resolve derives the resolution strategy for a set of conflicts. It is a
// pure function of the set: input order and duplicates do not matter.
// Multi-party conflicts on one resource are resolved by the same sort, so
// the order is transitive.
func Resolve(conflicts []Conflict) *ResolutionStrategy {
	s := &ResolutionStrategy{
		ExecutionOrder: []string{},
		ConflictGroups: make(map[string][]string),
		Conflicts:      []Conflict{},
	}

	seen := make(map[string]bool)
	for _, c := range conflicts {
		s.ConflictGroups[c.Resource] = append(s.ConflictGroups[c.Resource], c.A, c.B)
		for _, id := range []string{c.A, c.B} {
			if !seen[id] {
				seen[id] = true
				s.ExecutionOrder = append(s.ExecutionOrder, id)
			}
		}
	}
	slices.Sort(s.ExecutionOrder)
	for r, members := range s.ConflictGroups {
		slices.Sort(members)
		s.ConflictGroups[r] = slices.Compact(members)
	}

	s.Conflicts = append(s.Conflicts, conflicts...)
	slices.SortFunc(s.Conflicts, compare)
	s.Conflicts = slices.Compact(s.Conflicts)
	return s
}

// ResolutionError reports a conflict the graph orders against the
// resolution strategy. It indicates a bug in graph construction, never bad
// input.
type ResolutionError struct {
	Conflict Conflict
	Reason   string
}

// Error implements the error interface.
func (e *ResolutionError) Error() string {
	return fmt.Sprintf("conflict resolution failure on %s: %s", e.Conflict, e.Reason)
}

// IsResolutionError returns true if err is a conflict resolution failure.
func IsResolutionError(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}

// Reconcile checks that the graph realizes the strategy: every conflict
// must be ordered by a path in g, and unless an explicit dependency forces
// the pair, that path must agree with ExecutionOrder.
func Reconcile(s *ResolutionStrategy, g *graph.Graph) error {
	for _, c := range s.Conflicts {
		if !g.Reachable(c.A, c.B) {
			return &ResolutionError{Conflict: c, Reason: "graph does not order the pair"}
		}
		if g.Explicit(c.A, c.B) {
			continue
		}
		pa, pb := s.Position(c.A), s.Position(c.B)
		if pa < 0 || pb < 0 {
			return &ResolutionError{Conflict: c, Reason: "transaction missing from execution order"}
		}
		if pa > pb {
			return &ResolutionError{
				Conflict: c,
				Reason:   fmt.Sprintf("graph runs %s before %s against the resolution order", c.A, c.B),
			}
		}
	}
	return nil
}
