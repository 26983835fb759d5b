// Package prover checks that a parallel execution is equivalent to a serial
// one.
//
// The executor's trace is turned into a Formula: what each transaction
// observed, when it ran (logical START/COMMIT sequence numbers), the
// dependency edges, the initial state and the recorded final state. A
// Solver decides whether some serial order of the transactions, consistent
// with real-time order, reproduces every observation, and produces a
// witness order that also reproduces the final state.
//
// The default solver checks linearizability with porcupine. Any other
// backend can be plugged in through the Solver interface.
package prover

import (
	"fmt"
	"maps"
	"slices"

	"github.com/diotec-barros/diotec360-sub008/internal/canon"
	"github.com/diotec-barros/diotec360-sub008/internal/executor"
	"github.com/diotec-barros/diotec360-sub008/internal/graph"
	"github.com/diotec-barros/diotec360-sub008/internal/txn"
)

// Observation is what one transaction saw and did, reconstructed from the
// trace.
type Observation struct {
	TxnID  string           `json:"txn_id"`
	Thread int              `json:"thread"`
	Call   int64            `json:"call"`   // seq of START
	Return int64            `json:"return"` // seq of COMMIT
	Reads  map[string]int64 `json:"reads"`
	Writes map[string]int64 `json:"writes"`
}

// Formula is the proof obligation for one batch.
type Formula struct {
	Transactions []*txn.Transaction
	Edges        []graph.Edge
	Levels       [][]string
	Initial      map[string]int64
	Final        map[string]int64
	Observations map[string]*Observation
}

// NewFormula builds the formula for a successful execution.
func NewFormula(res *executor.Result, txns []*txn.Transaction, g *graph.Graph) (*Formula, error) {
	obs, err := Observe(res.Trace)
	if err != nil {
		return nil, err
	}
	for _, t := range txns {
		if _, ok := obs[t.ID]; !ok {
			return nil, fmt.Errorf("transaction %s has no committed execution in the trace", t.ID)
		}
	}
	return &Formula{
		Transactions: txns,
		Edges:        g.Edges(),
		Levels:       res.ParallelGroups,
		Initial:      maps.Clone(res.Initial),
		Final:        maps.Clone(res.FinalStates),
		Observations: obs,
	}, nil
}

// Observe reconstructs per-transaction observations from a trace. Only
// transactions with a COMMIT event are returned.
func Observe(trace []executor.Event) (map[string]*Observation, error) {
	open := make(map[string]*Observation)
	out := make(map[string]*Observation)

	for _, ev := range trace {
		switch ev.Kind {
		case executor.EventStart:
			if _, dup := open[ev.TxnID]; dup {
				return nil, fmt.Errorf("trace: transaction %s started twice", ev.TxnID)
			}
			open[ev.TxnID] = &Observation{
				TxnID:  ev.TxnID,
				Thread: ev.ThreadID,
				Call:   ev.Seq,
				Reads:  map[string]int64{},
				Writes: map[string]int64{},
			}
		case executor.EventRead:
			o := open[ev.TxnID]
			if o == nil {
				return nil, fmt.Errorf("trace: read by %s outside START/COMMIT", ev.TxnID)
			}
			if _, own := o.Writes[ev.Resource]; own {
				continue
			}
			if _, seen := o.Reads[ev.Resource]; !seen {
				o.Reads[ev.Resource] = ev.Value
			}
		case executor.EventWrite:
			o := open[ev.TxnID]
			if o == nil {
				return nil, fmt.Errorf("trace: write by %s outside START/COMMIT", ev.TxnID)
			}
			o.Writes[ev.Resource] = ev.Value
		case executor.EventCommit:
			o := open[ev.TxnID]
			if o == nil {
				return nil, fmt.Errorf("trace: commit of %s without START", ev.TxnID)
			}
			o.Return = ev.Seq
			out[ev.TxnID] = o
			delete(open, ev.TxnID)
		default:
			return nil, fmt.Errorf("trace: unknown event kind %q", ev.Kind)
		}
	}
	return out, nil
}

// WitnessCandidate is the order the executor's levels imply: level by
// level, ids sorted within a level.
func (f *Formula) WitnessCandidate() []string {
	var out []string
	for _, l := range f.Levels {
		out = append(out, l...)
	}
	return out
}

// Hash returns the content hash of the whole formula. Two formulas with the
// same hash are the same proof obligation.
func (f *Formula) Hash() (string, error) {
	return canon.Hash(canon.DomainProof, f.canonical())
}

func (f *Formula) canonical() map[string]any {
	txns := make([]any, len(f.Transactions))
	for i, t := range f.Transactions {
		txns[i] = canonicalTxn(t)
	}

	edges := make([]any, len(f.Edges))
	for i, e := range f.Edges {
		edges[i] = map[string]any{
			"from":      e.From,
			"to":        e.To,
			"explicit":  e.Explicit,
			"resources": e.Resources,
		}
	}

	ids := slices.Sorted(maps.Keys(f.Observations))
	obs := make([]any, len(ids))
	for i, id := range ids {
		o := f.Observations[id]
		obs[i] = map[string]any{
			"txn":    o.TxnID,
			"call":   o.Call,
			"return": o.Return,
			"reads":  o.Reads,
			"writes": o.Writes,
		}
	}

	levels := f.Levels
	if levels == nil {
		levels = [][]string{}
	}
	return map[string]any{
		"transactions": txns,
		"edges":        edges,
		"levels":       levels,
		"initial":      nonNil(f.Initial),
		"final":        nonNil(f.Final),
		"observations": obs,
	}
}

func canonicalTxn(t *txn.Transaction) map[string]any {
	ops := make([]any, len(t.Ops))
	for i, op := range t.Ops {
		m := map[string]any{
			"kind":     string(op.Kind),
			"resource": op.Resource,
			"amount":   op.Amount,
		}
		if op.To != "" {
			m["to"] = op.To
		}
		if g := op.Guard; g != nil {
			gm := map[string]any{"resource": g.Resource}
			if g.Min != nil {
				gm["min"] = *g.Min
			}
			if g.Max != nil {
				gm["max"] = *g.Max
			}
			m["guard"] = gm
		}
		ops[i] = m
	}

	m := map[string]any{
		"id":         t.ID,
		"ops":        ops,
		"read_set":   t.ReadSet,
		"write_set":  t.WriteSet,
		"deltas":     nonNil(t.Deltas),
		"depends_on": t.DependsOn,
	}
	if t.Conversion != nil {
		m["conversion"] = t.Conversion.Pair
	}
	return m
}

func nonNil(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}
