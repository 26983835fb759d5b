package cli

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/diotec-barros/diotec360-sub008/internal/executor"
	"github.com/diotec-barros/diotec360-sub008/internal/fixedpoint"
	"github.com/diotec-barros/diotec360-sub008/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Txn string // optional - filter to one transaction
}

// TraceEvent is one entry of the execution timeline.
type TraceEvent struct {
	Seq      int64  `json:"seq"`
	Kind     string `json:"kind"`
	TxnID    string `json:"txn_id"`
	ThreadID int    `json:"thread_id"`
	Resource string `json:"resource,omitempty"`
	Value    string `json:"value,omitempty"`
	At       string `json:"at"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	BatchID  string       `json:"batch_id"`
	Status   string       `json:"status"`
	Timeline []TraceEvent `json:"timeline"`
	Stats    TraceStats   `json:"stats"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	TotalEvents  int `json:"total_events"`
	Transactions int `json:"transactions"`
	Threads      int `json:"threads"`
	Reads        int `json:"reads"`
	Writes       int `json:"writes"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace <batch-id>",
		Short: "Show the execution trace of a batch",
		Long: `Show the recorded execution trace of a batch: every START, READ,
WRITE and COMMIT event in sequence order, with the worker that produced it.

Traces are kept for committed batches and for batches rolled back after
execution. Rejected batches never ran and have no trace.

Examples:
  synchrony trace 01928c4e-7f7a-7cc2-9d1e-4f0c2a1b3c4d
  synchrony trace 01928c4e-7f7a-7cc2-9d1e-4f0c2a1b3c4d --txn T1
  synchrony trace 01928c4e-7f7a-7cc2-9d1e-4f0c2a1b3c4d --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Txn, "txn", "", "show only events of this transaction")

	return cmd
}

func runTrace(opts *TraceOptions, batchID string, cmd *cobra.Command) error {
	logger := opts.logger(cmd)
	out := newFormatter(cmd, opts.RootOptions)
	ctx := cmd.Context()

	st, err := openStore(opts.RootOptions, logger)
	if err != nil {
		return err
	}
	defer closeStore(st, logger)

	rec, err := st.Batch(ctx, batchID)
	if errors.Is(err, store.ErrBatchNotFound) {
		return WrapExitError(ExitCommandError, "unknown batch", err)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read batch", err)
	}

	events, err := st.Trace(ctx, batchID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read trace", err)
	}
	if opts.Txn != "" {
		events = slices.DeleteFunc(events, func(ev executor.Event) bool {
			return ev.TxnID != opts.Txn
		})
	}

	result := buildTraceResult(rec, events, opts.Config.Scale)
	if out.JSON() {
		return out.Success(result)
	}
	writeTraceText(out.Writer, result, opts.Verbose)
	return nil
}

// buildTraceResult converts stored events to the timeline form.
func buildTraceResult(rec store.BatchRecord, events []executor.Event, scale int32) TraceResult {
	result := TraceResult{
		BatchID:  rec.ID,
		Status:   rec.Status,
		Timeline: make([]TraceEvent, 0, len(events)),
	}

	txns := make(map[string]struct{})
	threads := make(map[int]struct{})
	for _, ev := range events {
		te := TraceEvent{
			Seq:      ev.Seq,
			Kind:     string(ev.Kind),
			TxnID:    ev.TxnID,
			ThreadID: ev.ThreadID,
			Resource: ev.Resource,
			At:       ev.At.Format("15:04:05.000000"),
		}
		switch ev.Kind {
		case executor.EventRead:
			te.Value = fixedpoint.Format(ev.Value, scale)
			result.Stats.Reads++
		case executor.EventWrite:
			te.Value = fixedpoint.Format(ev.Value, scale)
			result.Stats.Writes++
		}
		result.Timeline = append(result.Timeline, te)
		txns[ev.TxnID] = struct{}{}
		threads[ev.ThreadID] = struct{}{}
	}

	result.Stats.TotalEvents = len(events)
	result.Stats.Transactions = len(txns)
	result.Stats.Threads = len(threads)
	return result
}

// writeTraceText outputs the trace result as text.
func writeTraceText(w io.Writer, result TraceResult, verbose bool) {
	fmt.Fprintf(w, "Trace for batch: %s\n", result.BatchID)
	fmt.Fprintf(w, "Status: %s\n", result.Status)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Timeline ===")
	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "  (no events)")
	}
	for _, ev := range result.Timeline {
		line := fmt.Sprintf("  [%d] t%d %-6s %s", ev.Seq, ev.ThreadID, ev.Kind, ev.TxnID)
		if ev.Resource != "" {
			line += fmt.Sprintf(" %s=%s", ev.Resource, ev.Value)
		}
		if verbose {
			line += "  @" + ev.At
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Total Events: %d\n", result.Stats.TotalEvents)
	fmt.Fprintf(w, "  Transactions: %d\n", result.Stats.Transactions)
	fmt.Fprintf(w, "  Threads:      %d\n", result.Stats.Threads)
	fmt.Fprintf(w, "  Reads:        %d\n", result.Stats.Reads)
	fmt.Fprintf(w, "  Writes:       %d\n", result.Stats.Writes)
}
