package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/diotec-barros/diotec360-sub008/internal/engine"
	"github.com/diotec-barros/diotec360-sub008/internal/fixedpoint"
	"github.com/diotec-barros/diotec360-sub008/internal/store"
)

// BatchView is the printable form of an engine result. Amounts are
// rendered at the batch scale.
type BatchView struct {
	BatchID string `json:"batch_id"`
	Name    string `json:"name,omitempty"`
	Status  string `json:"status"`

	Stage           string              `json:"stage,omitempty"`
	Code            string              `json:"code,omitempty"`
	Message         string              `json:"message,omitempty"`
	TxnIDs          []string            `json:"txn_ids,omitempty"`
	Resource        string              `json:"resource,omitempty"`
	ViolationAmount string              `json:"violation_amount,omitempty"`
	OracleReasons   []string            `json:"oracle_reasons,omitempty"`
	Counterexample  *CounterexampleView `json:"counterexample,omitempty"`
	RolledBack      []string            `json:"rolled_back,omitempty"`

	Levels      [][]string        `json:"levels,omitempty"`
	Witness     []string          `json:"witness,omitempty"`
	History     []string          `json:"history,omitempty"`
	FinalStates map[string]string `json:"final_states,omitempty"`
	Summary     SummaryView       `json:"summary"`
}

// CounterexampleView is a linearizability counterexample with formatted
// amounts.
type CounterexampleView struct {
	Resource string `json:"resource"`
	A        string `json:"a"`
	B        string `json:"b"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// SummaryView holds the performance figures of a batch.
type SummaryView struct {
	Transactions  int     `json:"transactions"`
	Levels        int     `json:"levels"`
	ThreadCount   int     `json:"thread_count"`
	ExecutionTime string  `json:"execution_time"`
	SerialTime    string  `json:"serial_time"`
	Parallelism   float64 `json:"parallelism"`
	Throughput    float64 `json:"throughput"`
}

// newBatchView converts r, formatting minor units at scale.
func newBatchView(r *engine.Result, scale int32) BatchView {
	v := BatchView{
		BatchID:    r.BatchID,
		Name:       r.Name,
		Status:     r.Status,
		Stage:      string(r.Stage),
		Code:       string(r.Code),
		Message:    r.Message,
		TxnIDs:     r.TxnIDs,
		Resource:   r.Resource,
		RolledBack: r.RolledBack,
		Summary: SummaryView{
			Transactions:  r.Summary.Transactions,
			Levels:        r.Summary.Levels,
			ThreadCount:   r.Summary.ThreadCount,
			ExecutionTime: r.Summary.ExecutionTime.String(),
			SerialTime:    r.Summary.SerialTime.String(),
			Parallelism:   r.Summary.Parallelism,
			Throughput:    r.Summary.Throughput,
		},
	}
	if r.ViolationAmount != 0 {
		v.ViolationAmount = fixedpoint.Format(r.ViolationAmount, scale)
	}
	for _, reason := range r.OracleReasons {
		v.OracleReasons = append(v.OracleReasons, string(reason))
	}
	if c := r.Counterexample; c != nil {
		v.Counterexample = &CounterexampleView{
			Resource: c.Resource,
			A:        c.A,
			B:        c.B,
			Expected: fixedpoint.Format(c.Expected, scale),
			Actual:   fixedpoint.Format(c.Actual, scale),
		}
	}
	if r.Analysis != nil {
		v.Levels = r.Analysis.Levels
	}
	if r.Proof != nil {
		v.Witness = r.Proof.Witness
	}
	if r.Commit != nil {
		for _, st := range r.Commit.History {
			v.History = append(v.History, string(st))
		}
	}
	if r.FinalStates != nil {
		v.FinalStates = formatValues(r.FinalStates, scale)
	}
	return v
}

// writeText prints v for humans.
func (v BatchView) writeText(w io.Writer) {
	fmt.Fprintf(w, "Batch %s: %s\n", v.BatchID, v.Status)
	if v.Name != "" {
		fmt.Fprintf(w, "  Name:         %s\n", v.Name)
	}
	if v.Code != "" {
		fmt.Fprintf(w, "  Stage:        %s\n", v.Stage)
		fmt.Fprintf(w, "  Code:         %s\n", v.Code)
		fmt.Fprintf(w, "  Message:      %s\n", v.Message)
	}
	if len(v.TxnIDs) > 0 {
		fmt.Fprintf(w, "  Transactions: %s\n", strings.Join(v.TxnIDs, " "))
	}
	if v.Resource != "" {
		fmt.Fprintf(w, "  Resource:     %s\n", v.Resource)
	}
	if v.ViolationAmount != "" {
		fmt.Fprintf(w, "  Imbalance:    %s\n", v.ViolationAmount)
	}
	if len(v.OracleReasons) > 0 {
		fmt.Fprintf(w, "  Oracle:       %s\n", strings.Join(v.OracleReasons, ", "))
	}
	if c := v.Counterexample; c != nil {
		fmt.Fprintf(w, "  Counterexample: %s after %s on %s expected %s, got %s\n", c.B, c.A, c.Resource, c.Expected, c.Actual)
	}
	if len(v.Levels) > 0 {
		parts := make([]string, len(v.Levels))
		for i, l := range v.Levels {
			parts[i] = "[" + strings.Join(l, " ") + "]"
		}
		fmt.Fprintf(w, "  Levels:       %d %s\n", len(v.Levels), strings.Join(parts, " "))
	}
	if len(v.Witness) > 0 {
		fmt.Fprintf(w, "  Witness:      %s\n", strings.Join(v.Witness, " "))
	}
	if len(v.RolledBack) > 0 {
		fmt.Fprintf(w, "  Rolled back:  %s\n", strings.Join(v.RolledBack, " "))
	}
	if len(v.History) > 0 {
		fmt.Fprintf(w, "  History:      %s\n", strings.Join(v.History, " → "))
	}
	if s := v.Summary; s.Transactions > 0 {
		fmt.Fprintf(w, "  Threads:      %d\n", s.ThreadCount)
		fmt.Fprintf(w, "  Exec time:    %s (serial %s, parallelism %.2fx)\n", s.ExecutionTime, s.SerialTime, s.Parallelism)
		fmt.Fprintf(w, "  Throughput:   %s txn/s\n", humanize.Comma(int64(s.Throughput)))
	}
	if len(v.FinalStates) > 0 {
		fmt.Fprintln(w, "Final states:")
		writeValues(w, v.FinalStates)
	}
}

// RecordView is a persisted batch row.
type RecordView struct {
	ID          string            `json:"id"`
	Name        string            `json:"name,omitempty"`
	Status      string            `json:"status"`
	Stage       string            `json:"stage,omitempty"`
	Code        string            `json:"code,omitempty"`
	Message     string            `json:"message,omitempty"`
	Txns        int               `json:"transactions"`
	Levels      [][]string        `json:"levels,omitempty"`
	Witness     []string          `json:"witness,omitempty"`
	PreState    map[string]string `json:"pre_state,omitempty"`
	FinalState  map[string]string `json:"final_state,omitempty"`
	ExecTime    string            `json:"exec_time"`
	ThreadCount int               `json:"thread_count"`
	RecordedAt  time.Time         `json:"recorded_at"`
}

func newRecordView(rec store.BatchRecord, scale int32) RecordView {
	return RecordView{
		ID:          rec.ID,
		Name:        rec.Name,
		Status:      rec.Status,
		Stage:       rec.Stage,
		Code:        rec.Code,
		Message:     rec.Message,
		Txns:        len(rec.Transactions),
		Levels:      rec.Levels,
		Witness:     rec.Witness,
		PreState:    formatValues(rec.PreState, scale),
		FinalState:  formatValues(rec.FinalState, scale),
		ExecTime:    rec.ExecTime.String(),
		ThreadCount: rec.ThreadCount,
		RecordedAt:  rec.RecordedAt,
	}
}

func formatValues(values map[string]int64, scale int32) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = fixedpoint.Format(v, scale)
	}
	return out
}

// writeValues prints one "resource = value" line per entry, sorted by
// resource.
func writeValues(w io.Writer, values map[string]string) {
	keys := slices.Sorted(maps.Keys(values))
	width := 0
	for _, k := range keys {
		width = max(width, len(k))
	}
	for _, k := range keys {
		fmt.Fprintf(w, "  %-*s = %s\n", width, k, values[k])
	}
}
