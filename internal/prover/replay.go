package prover

import (
	"context"
	"fmt"
	"maps"

	"github.com/diotec-barros/diotec360-sub008/internal/txn"
)

// ReplayResult is the outcome of a serial re-execution.
type ReplayResult struct {
	Final        map[string]int64
	Observations map[string]*Observation
	// LastWriter maps each written resource to the last transaction that
	// wrote it.
	LastWriter map[string]string
}

// Replay executes txns one at a time in order, starting from initial.
// Every id in order must name a transaction of txns and appear once.
func Replay(ctx context.Context, txns []*txn.Transaction, order []string, initial map[string]int64) (*ReplayResult, error) {
	byID := make(map[string]*txn.Transaction, len(txns))
	for _, t := range txns {
		byID[t.ID] = t
	}

	state := txn.MapState(maps.Clone(initial))
	if state == nil {
		state = txn.MapState{}
	}
	out := &ReplayResult{
		Observations: make(map[string]*Observation, len(order)),
		LastWriter:   make(map[string]string),
	}

	for i, id := range order {
		t := byID[id]
		if t == nil {
			return nil, fmt.Errorf("replay: unknown transaction %q", id)
		}
		if _, dup := out.Observations[id]; dup {
			return nil, fmt.Errorf("replay: transaction %q appears twice", id)
		}
		rec := newRecorder()
		if err := t.Run(ctx, state, rec, nil); err != nil {
			return nil, fmt.Errorf("replay step %d: %w", i, err)
		}
		out.Observations[id] = &Observation{TxnID: id, Reads: rec.reads, Writes: rec.writes}
		for r := range rec.writes {
			out.LastWriter[r] = id
		}
	}
	out.Final = map[string]int64(state)
	return out, nil
}

// recorder captures the first read of each resource before the
// transaction's own write to it, and the last write.
type recorder struct {
	reads  map[string]int64
	writes map[string]int64
}

func newRecorder() *recorder {
	return &recorder{reads: map[string]int64{}, writes: map[string]int64{}}
}

func (r *recorder) OnRead(resource string, value int64) {
	if _, own := r.writes[resource]; own {
		return
	}
	if _, seen := r.reads[resource]; !seen {
		r.reads[resource] = value
	}
}

func (r *recorder) OnWrite(resource string, value int64) {
	r.writes[resource] = value
}
