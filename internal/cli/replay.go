package cli

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/diotec-barros/diotec360-sub008/internal/commit"
	"github.com/diotec-barros/diotec360-sub008/internal/fixedpoint"
	"github.com/diotec-barros/diotec360-sub008/internal/prover"
	"github.com/diotec-barros/diotec360-sub008/internal/store"
)

// ReplayResult holds the outcome of re-executing a committed batch.
type ReplayResult struct {
	BatchID     string            `json:"batch_id"`
	Order       []string          `json:"order"`
	Resources   int               `json:"resources"`
	Matches     bool              `json:"matches"`
	Differences []ReplayDiff      `json:"differences,omitempty"`
	LastWriter  map[string]string `json:"last_writer,omitempty"`
}

// ReplayDiff is one resource whose serial value differs from the
// recorded one.
type ReplayDiff struct {
	Resource string `json:"resource"`
	Recorded string `json:"recorded"`
	Replayed string `json:"replayed"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <batch-id>",
		Short: "Re-execute a committed batch serially and verify its outcome",
		Long: `Re-execute a committed batch one transaction at a time, in the order of
its recorded serial witness, starting from its recorded pre-state. The
resulting values must equal the final values that were committed.

Exit codes:
  0 - Serial replay reproduces the committed state
  1 - Replay diverges from the committed state
  2 - Command error (unknown batch, batch not committed, etc.)

Examples:
  synchrony replay 01928c4e-7f7a-7cc2-9d1e-4f0c2a1b3c4d
  synchrony replay 01928c4e-7f7a-7cc2-9d1e-4f0c2a1b3c4d --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runReplay(opts *RootOptions, batchID string, cmd *cobra.Command) error {
	logger := opts.logger(cmd)
	out := newFormatter(cmd, opts)
	ctx := cmd.Context()

	st, err := openStore(opts, logger)
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
	if rec.Status != commit.StatusCommitted {
		return NewExitError(ExitCommandError,
			fmt.Sprintf("batch %s was not committed (status %s): nothing to replay", rec.ID, rec.Status))
	}

	order := replayOrder(rec)
	replayed, err := prover.Replay(ctx, rec.Transactions, order, rec.PreState)
	if err != nil {
		return WrapExitError(ExitFailure, "replay failed", err)
	}
	logger.Debug("batch replayed", "batch", rec.ID, "transactions", len(order))

	result := ReplayResult{
		BatchID:    rec.ID,
		Order:      order,
		LastWriter: replayed.LastWriter,
	}
	result.Differences, result.Resources = diffStates(rec, replayed.Final, opts.Config.Scale)
	result.Matches = len(result.Differences) == 0

	if out.JSON() {
		if result.Matches {
			return out.Success(result)
		}
		if err := out.Failure("E_REPLAY_MISMATCH", "serial replay diverges from committed state", result); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "serial replay diverges from committed state")
	}
	return writeReplayText(out.Writer, result)
}

// replayOrder is the recorded witness, or the levels flattened in order
// for records that carry none.
func replayOrder(rec store.BatchRecord) []string {
	if len(rec.Witness) > 0 {
		return rec.Witness
	}
	var order []string
	for _, level := range rec.Levels {
		order = append(order, level...)
	}
	return order
}

// diffStates compares replayed values against the committed ones. A
// resource missing on one side holds its pre-state value there.
func diffStates(rec store.BatchRecord, replayed map[string]int64, scale int32) ([]ReplayDiff, int) {
	keys := make(map[string]struct{})
	for k := range rec.FinalState {
		keys[k] = struct{}{}
	}
	for k := range replayed {
		keys[k] = struct{}{}
	}

	var diffs []ReplayDiff
	for _, k := range slices.Sorted(maps.Keys(keys)) {
		want, ok := rec.FinalState[k]
		if !ok {
			want = rec.PreState[k]
		}
		got, ok := replayed[k]
		if !ok {
			got = rec.PreState[k]
		}
		if want != got {
			diffs = append(diffs, ReplayDiff{
				Resource: k,
				Recorded: fixedpoint.Format(want, scale),
				Replayed: fixedpoint.Format(got, scale),
			})
		}
	}
	return diffs, len(keys)
}

// writeReplayText outputs the replay result as text.
func writeReplayText(w io.Writer, result ReplayResult) error {
	fmt.Fprintf(w, "Replay of batch: %s\n", result.BatchID)
	fmt.Fprintf(w, "  Order:     %s\n", strings.Join(result.Order, " "))
	fmt.Fprintf(w, "  Resources: %d\n", result.Resources)
	fmt.Fprintln(w)

	if result.Matches {
		fmt.Fprintln(w, "✓ Serial replay reproduces the committed state")
		return nil
	}

	for _, d := range result.Differences {
		fmt.Fprintf(w, "  %s: committed %s, replayed %s\n", d.Resource, d.Recorded, d.Replayed)
	}
	fmt.Fprintln(w, "✗ Serial replay diverges from the committed state")
	return NewExitError(ExitFailure, "serial replay diverges from committed state")
}
