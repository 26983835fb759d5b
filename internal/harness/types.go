package harness

import (
	"fmt"
	"maps"
	"slices"

	"github.com/diotec-barros/diotec360-sub008/internal/engine"
	"github.com/diotec-barros/diotec360-sub008/internal/executor"
	"github.com/diotec-barros/diotec360-sub008/internal/fixedpoint"
	"github.com/diotec-barros/diotec360-sub008/internal/store"
)

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool

	// Errors contains assertion failure messages.
	Errors []string

	// Batch is the engine result. Err is the error Process returned.
	Batch *engine.Result
	Err   error

	// Scale is the decimal scale of the batch amounts.
	Scale int32

	// Persisted is the store's resource table after the run.
	Persisted map[string]int64

	// Records are the batch rows the store holds after the run.
	Records []store.BatchRecord

	// Events groups the execution trace by transaction, each list in
	// sequence order.
	Events map[string][]executor.Event
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Errors: []string{},
		Events: make(map[string][]executor.Event),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// groupEvents splits a trace by transaction.
func groupEvents(trace []executor.Event) map[string][]executor.Event {
	out := make(map[string][]executor.Event)
	for _, ev := range trace {
		out[ev.TxnID] = append(out[ev.TxnID], ev)
	}
	for id := range out {
		slices.SortFunc(out[id], func(a, b executor.Event) int {
			return int(a.Seq - b.Seq)
		})
	}
	return out
}

// Snapshot is the scheduling-independent part of a Result, the form kept
// in golden files. Trace sequence numbers, thread ids and timings are
// left out; per-transaction event lists are kept.
type Snapshot struct {
	Scenario string
	Result   *Result
}

// toCanonicalMap converts the snapshot to a map[string]any for canonical
// JSON serialization.
func (s *Snapshot) toCanonicalMap() map[string]any {
	r := s.Result
	b := r.Batch

	out := map[string]any{
		"scenario":  s.Scenario,
		"persisted": formatState(r.Persisted, r.Scale),
	}

	records := make([]any, len(r.Records))
	for i, rec := range r.Records {
		m := map[string]any{
			"id":     rec.ID,
			"status": rec.Status,
		}
		if rec.Code != "" {
			m["code"] = rec.Code
		}
		records[i] = m
	}
	out["records"] = records

	events := make(map[string]any, len(r.Events))
	for id, evs := range r.Events {
		lines := make([]any, len(evs))
		for i, ev := range evs {
			lines[i] = formatEvent(ev, r.Scale)
		}
		events[id] = lines
	}
	out["events"] = events

	if b == nil {
		return out
	}

	batch := map[string]any{
		"id":          b.BatchID,
		"status":      b.Status,
		"rolled_back": stringsOrEmpty(b.RolledBack),
	}
	if b.Code != "" {
		batch["code"] = string(b.Code)
		batch["stage"] = string(b.Stage)
		batch["txn_ids"] = stringsOrEmpty(b.TxnIDs)
	}
	if b.Resource != "" {
		batch["resource"] = b.Resource
	}
	if b.ViolationAmount != 0 {
		batch["violation_amount"] = fixedpoint.Format(b.ViolationAmount, r.Scale)
	}
	if len(b.OracleReasons) > 0 {
		reasons := make([]string, len(b.OracleReasons))
		for i, reason := range b.OracleReasons {
			reasons[i] = string(reason)
		}
		batch["oracle_reasons"] = reasons
	}
	if b.Analysis != nil {
		levels := make([]any, len(b.Analysis.Levels))
		for i, l := range b.Analysis.Levels {
			levels[i] = stringsOrEmpty(l)
		}
		batch["levels"] = levels
		if b.Analysis.Resolution != nil {
			batch["execution_order"] = stringsOrEmpty(b.Analysis.Resolution.ExecutionOrder)
		}
	}
	if b.Proof != nil {
		batch["proof_valid"] = b.Proof.Valid
		batch["witness"] = stringsOrEmpty(b.Proof.Witness)
	}
	if b.Commit != nil {
		history := make([]string, len(b.Commit.History))
		for i, st := range b.Commit.History {
			history[i] = string(st)
		}
		batch["history"] = history
	}
	if b.FinalStates != nil {
		batch["final_states"] = formatState(b.FinalStates, r.Scale)
	}
	out["batch"] = batch
	return out
}

func formatEvent(ev executor.Event, scale int32) string {
	switch ev.Kind {
	case executor.EventRead, executor.EventWrite:
		return fmt.Sprintf("%s %s=%s", ev.Kind, ev.Resource, fixedpoint.Format(ev.Value, scale))
	default:
		return string(ev.Kind)
	}
}

func formatState(state map[string]int64, scale int32) map[string]string {
	out := make(map[string]string, len(state))
	for _, k := range slices.Sorted(maps.Keys(state)) {
		out[k] = fixedpoint.Format(state[k], scale)
	}
	return out
}

func stringsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
