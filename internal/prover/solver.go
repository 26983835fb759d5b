package prover

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/anishathalye/porcupine"
	"github.com/golang/groupcache/lru"

	"github.com/diotec-barros/diotec360-sub008/internal/txn"
)

// Verdict is a solver's answer: either a witness serial order (Sat) or a
// counterexample.
type Verdict struct {
	Sat            bool            `json:"sat"`
	Witness        []string        `json:"witness,omitempty"`
	Counterexample *Counterexample `json:"counterexample,omitempty"`
}

// Counterexample pins down where the parallel execution and the serial
// witness disagree: on Resource, B observed or produced Actual where the
// serial order (with A the preceding writer, if any) gives Expected.
type Counterexample struct {
	Resource string `json:"resource"`
	A        string `json:"a"`
	B        string `json:"b"`
	Expected int64  `json:"expected"`
	Actual   int64  `json:"actual"`
}

func (c *Counterexample) String() string {
	return fmt.Sprintf("resource %s: %s after %s expected %d, got %d", c.Resource, c.B, c.A, c.Expected, c.Actual)
}

// Solver decides a proof obligation.
type Solver interface {
	Solve(ctx context.Context, f *Formula) (Verdict, error)
}

// ErrUnknown is returned when a solver gives up without a verdict.
var ErrUnknown = errors.New("solver returned unknown")

// PorcupineSolver checks the formula's history for linearizability with
// porcupine, then confirms the witness candidate by serial replay.
type PorcupineSolver struct {
	// Timeout bounds the porcupine search. Zero means no bound.
	Timeout time.Duration
}

// Solve implements Solver.
func (s PorcupineSolver) Solve(ctx context.Context, f *Formula) (Verdict, error) {
	byID := make(map[string]*txn.Transaction, len(f.Transactions))
	for _, t := range f.Transactions {
		byID[t.ID] = t
	}

	ids := slices.Sorted(maps.Keys(f.Observations))
	history := make([]porcupine.Operation, 0, len(ids))
	for _, id := range ids {
		o := f.Observations[id]
		t := byID[id]
		if t == nil {
			return Verdict{}, fmt.Errorf("observation for unknown transaction %q", id)
		}
		history = append(history, porcupine.Operation{
			ClientId: o.Thread,
			Input:    t,
			Call:     o.Call,
			Output:   o,
			Return:   o.Return,
		})
	}

	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	result := porcupine.CheckOperationsTimeout(ledgerModel(f.Initial), history, s.Timeout)

	witness := f.WitnessCandidate()
	switch result {
	case porcupine.Unknown:
		return Verdict{}, fmt.Errorf("porcupine: %w after %s", ErrUnknown, s.Timeout)
	case porcupine.Ok:
		return verifyWitness(ctx, f, witness)
	default:
		v, err := verifyWitness(ctx, f, witness)
		if err != nil {
			return Verdict{}, err
		}
		if v.Sat {
			return Verdict{}, errors.New("porcupine rejected a history whose witness replays cleanly")
		}
		return v, nil
	}
}

// verifyWitness replays order and compares every observation and the
// final state with the recorded execution.
func verifyWitness(ctx context.Context, f *Formula, order []string) (Verdict, error) {
	rep, err := Replay(ctx, f.Transactions, order, f.Initial)
	if err != nil {
		return Verdict{}, fmt.Errorf("replay witness: %w", err)
	}

	writer := make(map[string]string)
	for _, id := range order {
		serial := rep.Observations[id]
		actual := f.Observations[id]
		if actual == nil {
			return Verdict{}, fmt.Errorf("no observation for %s", id)
		}
		if ce := diverge(serial.Reads, actual.Reads, writer, id); ce != nil {
			return Verdict{Counterexample: ce}, nil
		}
		if ce := diverge(serial.Writes, actual.Writes, writer, id); ce != nil {
			return Verdict{Counterexample: ce}, nil
		}
		for r := range serial.Writes {
			writer[r] = id
		}
	}

	resources := slices.Sorted(maps.Keys(unionKeys(rep.Final, f.Final)))
	for _, r := range resources {
		if rep.Final[r] != f.Final[r] {
			return Verdict{Counterexample: &Counterexample{
				Resource: r,
				A:        rep.LastWriter[r],
				B:        lastRecordedWriter(f, r),
				Expected: rep.Final[r],
				Actual:   f.Final[r],
			}}, nil
		}
	}
	return Verdict{Sat: true, Witness: slices.Clone(order)}, nil
}

func diverge(serial, actual map[string]int64, writer map[string]string, id string) *Counterexample {
	keys := slices.Sorted(maps.Keys(unionKeys(serial, actual)))
	for _, r := range keys {
		sv, sok := serial[r]
		av, aok := actual[r]
		if sok != aok || sv != av {
			return &Counterexample{Resource: r, A: writer[r], B: id, Expected: sv, Actual: av}
		}
	}
	return nil
}

func lastRecordedWriter(f *Formula, resource string) string {
	var last string
	var seq int64 = -1
	for id, o := range f.Observations {
		if _, ok := o.Writes[resource]; ok && o.Return > seq {
			last, seq = id, o.Return
		}
	}
	return last
}

func unionKeys(a, b map[string]int64) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}

// ledgerModel is the sequential specification: a resource map on which a
// transaction, run to completion, must read and write exactly what it was
// observed to read and write.
func ledgerModel(initial map[string]int64) porcupine.Model {
	return porcupine.Model{
		Partition: partitionByResource,
		Init: func() interface{} {
			return txn.MapState(maps.Clone(initial))
		},
		Step: func(state, input, output interface{}) (bool, interface{}) {
			t := input.(*txn.Transaction)
			want := output.(*Observation)

			next := state.(txn.MapState).Clone()
			rec := newRecorder()
			if err := t.Run(context.Background(), next, rec, nil); err != nil {
				return false, state
			}
			if !maps.Equal(rec.reads, want.Reads) || !maps.Equal(rec.writes, want.Writes) {
				return false, state
			}
			return true, next
		},
		Equal: func(a, b interface{}) bool {
			return maps.Equal(a.(txn.MapState), b.(txn.MapState))
		},
		DescribeOperation: func(input, output interface{}) string {
			o := output.(*Observation)
			return fmt.Sprintf("%s reads=%s writes=%s", o.TxnID, describe(o.Reads), describe(o.Writes))
		},
	}
}

// partitionByResource splits the history into groups of transactions
// connected through shared resources. Groups are independent and checked
// separately.
func partitionByResource(history []porcupine.Operation) [][]porcupine.Operation {
	parent := make(map[string]string)
	var find func(string) string
	find = func(x string) string {
		if parent[x] == x {
			return x
		}
		parent[x] = find(parent[x])
		return parent[x]
	}
	union := func(a, b string) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[max(ra, rb)] = min(ra, rb)
		}
	}

	// Resource keys and the per-transaction node share one namespace.
	node := func(op porcupine.Operation) string {
		return "txn\x00" + op.Input.(*txn.Transaction).ID
	}
	for _, op := range history {
		n := node(op)
		parent[n] = n
		for _, r := range op.Input.(*txn.Transaction).Resources() {
			if _, ok := parent[r]; !ok {
				parent[r] = r
			}
		}
	}
	for _, op := range history {
		n := node(op)
		for _, r := range op.Input.(*txn.Transaction).Resources() {
			union(n, r)
		}
	}

	groups := make(map[string][]porcupine.Operation)
	var roots []string
	for _, op := range history {
		root := find(node(op))
		if _, ok := groups[root]; !ok {
			roots = append(roots, root)
		}
		groups[root] = append(groups[root], op)
	}
	out := make([][]porcupine.Operation, len(roots))
	for i, root := range roots {
		out[i] = groups[root]
	}
	return out
}

func describe(m map[string]int64) string {
	keys := slices.Sorted(maps.Keys(m))
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s:%d", k, m[k])
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// DefaultCacheSize is the default number of memoized verdicts.
const DefaultCacheSize = 256

// CachedSolver memoizes verdicts of an inner solver by formula hash. The
// hash covers the whole formula, so a hit is always exact. Errors are not
// cached.
type CachedSolver struct {
	inner Solver

	mu     sync.Mutex
	cache  *lru.Cache
	hits   int
	misses int
}

// NewCachedSolver wraps inner with an LRU holding size verdicts. A size of
// zero or less disables the cache: every Solve reaches inner and counts as
// a miss.
func NewCachedSolver(inner Solver, size int) *CachedSolver {
	c := &CachedSolver{inner: inner}
	if size > 0 {
		c.cache = lru.New(size)
	}
	return c
}

// Solve implements Solver.
func (c *CachedSolver) Solve(ctx context.Context, f *Formula) (Verdict, error) {
	key, err := f.Hash()
	if err != nil {
		return Verdict{}, fmt.Errorf("hash formula: %w", err)
	}

	c.mu.Lock()
	if c.cache != nil {
		if v, ok := c.cache.Get(key); ok {
			c.hits++
			c.mu.Unlock()
			return v.(Verdict), nil
		}
	}
	c.misses++
	c.mu.Unlock()

	v, err := c.inner.Solve(ctx, f)
	if err != nil {
		return Verdict{}, err
	}

	if c.cache != nil {
		c.mu.Lock()
		c.cache.Add(key, v)
		c.mu.Unlock()
	}
	return v, nil
}

// Stats returns cache hits and misses.
func (c *CachedSolver) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
