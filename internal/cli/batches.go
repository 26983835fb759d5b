package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// BatchesOptions holds flags for the batches command.
type BatchesOptions struct {
	*RootOptions
	Limit int
}

// NewBatchesCommand creates the batches command.
func NewBatchesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BatchesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "batches",
		Short: "List recorded batches",
		Long: `List committed, rolled back and rejected batches, most recent first.

Examples:
  synchrony batches
  synchrony batches --limit 5 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatches(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of batches (0 for all)")

	return cmd
}

func runBatches(opts *BatchesOptions, cmd *cobra.Command) error {
	logger := opts.logger(cmd)
	out := newFormatter(cmd, opts.RootOptions)

	st, err := openStore(opts.RootOptions, logger)
	if err != nil {
		return err
	}
	defer closeStore(st, logger)

	records, err := st.Batches(cmd.Context(), opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list batches", err)
	}

	views := make([]RecordView, len(records))
	for i, rec := range records {
		views[i] = newRecordView(rec, opts.Config.Scale)
	}
	if out.JSON() {
		return out.Success(map[string]any{"batches": views})
	}

	if len(views) == 0 {
		fmt.Fprintln(out.Writer, "No batches recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(out.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tCODE\tTXNS\tTHREADS\tEXEC\tRECORDED")
	for _, v := range views {
		code := v.Code
		if code == "" {
			code = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			v.ID, v.Status, code, v.Txns, v.ThreadCount, v.ExecTime, humanize.Time(v.RecordedAt))
	}
	return tw.Flush()
}
