package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/diotec-barros/diotec360-sub008/internal/loader"
	"github.com/diotec-barros/diotec360-sub008/internal/oracle"
	"github.com/diotec-barros/diotec360-sub008/internal/telemetry"
)

// ProcessOptions holds flags for the process command.
type ProcessOptions struct {
	*RootOptions
	Quotes    string // oracle feed file
	SeedState bool   // seed the store with the batch file's state first
}

// NewProcessCommand creates the process command.
func NewProcessCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProcessOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "process <batch-file>",
		Short: "Execute, prove and commit a batch",
		Long: `Run a batch file through the full pipeline: validation, dependency
analysis, conflict resolution, parallel execution, linearizability proof,
conservation check and atomic commit.

Batch files are YAML, JSON or CUE, chosen by extension. Conversion
transactions need oracle quotes, given with --quotes as a feed file
written by "synchrony quote sign".

Exit codes:
  0 - Batch committed
  1 - Batch rejected or rolled back
  2 - Command error (unreadable batch file, database unavailable, etc.)

Examples:
  synchrony process batch.yaml
  synchrony process batch.yaml --seed-state --db /tmp/ledger.db
  synchrony process swaps.cue --quotes feed.yaml --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Quotes, "quotes", "", "oracle feed file for conversion transactions")
	cmd.Flags().BoolVar(&opts.SeedState, "seed-state", false, "seed the store with the batch file's state before processing")

	return cmd
}

func runProcess(opts *ProcessOptions, path string, cmd *cobra.Command) error {
	logger := opts.logger(cmd)
	out := newFormatter(cmd, opts.RootOptions)
	cfg := opts.Config

	loaded, err := loader.Load(path, cfg.Scale)
	if err != nil {
		return loadFailure(out, err)
	}

	var feed oracle.Feed
	if opts.Quotes != "" {
		sf, err := oracle.LoadFeed(opts.Quotes)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load quotes", err)
		}
		feed = sf
	}

	st, err := openStore(opts.RootOptions, logger)
	if err != nil {
		return err
	}
	defer closeStore(st, logger)

	ctx, stop := signalContext(cmd, logger)
	defer stop()

	if opts.SeedState {
		if err := st.Seed(ctx, loaded.State); err != nil {
			return WrapExitError(ExitCommandError, "failed to seed state", err)
		}
		logger.Debug("state seeded", "resources", len(loaded.State))
	}

	recorder := newRecorder(cfg)
	defer flushMetrics(recorder, cfg, logger)

	tracing, err := telemetry.SetupTracing(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up tracing", err)
	}
	defer shutdownTracing(tracing, logger)

	p, err := newProcessor(st, processorDeps{
		cfg:      cfg,
		logger:   logger,
		feed:     feed,
		recorder: recorder,
		tracing:  tracing,
	})
	if err != nil {
		return err
	}

	res, err := p.Process(ctx, loaded.Batch)
	if res == nil {
		return WrapExitError(ExitCommandError, "failed to process batch", err)
	}

	view := newBatchView(res, loaded.Scale)
	if res.Committed() {
		if out.JSON() {
			return out.Success(view)
		}
		view.writeText(out.Writer)
		return nil
	}

	if !out.JSON() {
		view.writeText(out.Writer)
	}
	if err := out.Failure(string(res.Code), res.Message, view); err != nil {
		return err
	}
	return WrapExitError(ExitFailure, fmt.Sprintf("batch %s %s", res.BatchID, res.Status), err)
}

// loadFailure reports a batch file error. Malformed files are command
// errors, not batch outcomes.
func loadFailure(out *OutputFormatter, err error) error {
	code := "E_LOAD"
	var le *loader.LoadError
	if errors.As(err, &le) {
		code = le.Code
	}
	if out.JSON() {
		if ferr := out.Error(code, err.Error(), nil); ferr != nil {
			return ferr
		}
	}
	return WrapExitError(ExitCommandError, "failed to load batch", err)
}
