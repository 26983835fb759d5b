package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/diotec-barros/diotec360-sub008/internal/config"
	"github.com/diotec-barros/diotec360-sub008/internal/conservation"
	"github.com/diotec-barros/diotec360-sub008/internal/engine"
	"github.com/diotec-barros/diotec360-sub008/internal/executor"
	"github.com/diotec-barros/diotec360-sub008/internal/metrics"
	"github.com/diotec-barros/diotec360-sub008/internal/oracle"
	"github.com/diotec-barros/diotec360-sub008/internal/prover"
	"github.com/diotec-barros/diotec360-sub008/internal/store"
	"github.com/diotec-barros/diotec360-sub008/internal/telemetry"
)

// openStore opens the configured database, creating it if needed.
func openStore(opts *RootOptions, logger *slog.Logger) (*store.Store, error) {
	logger.Debug("opening database", "path", opts.Config.DB)
	st, err := store.Open(opts.Config.DB)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// closeStore closes st, logging instead of failing the command.
func closeStore(st *store.Store, logger *slog.Logger) {
	if err := st.Close(); err != nil {
		logger.Error("error closing database", "error", err)
	}
}

// signalContext derives a context that is cancelled on SIGINT or SIGTERM.
// Cancellation during execution surfaces as an execution timeout and the
// batch is rolled back.
func signalContext(cmd *cobra.Command, logger *slog.Logger) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	logger.Debug("watching for interrupt")
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// processorDeps are the collaborators newProcessor wires from the config.
type processorDeps struct {
	cfg      config.Config
	logger   *slog.Logger
	feed     oracle.Feed         // nil disables conversion price checks
	recorder *metrics.Prometheus // nil records nothing
	tracing  *telemetry.Tracing  // nil leaves spans on the global provider
}

// newProcessor builds a processor over st from the resolved configuration.
func newProcessor(st *store.Store, d processorDeps) (*engine.Processor, error) {
	cfg := d.cfg

	exec := executor.New(
		executor.WithWorkers(cfg.Workers),
		executor.WithLevelTimeout(cfg.LevelTimeout),
		executor.WithLogger(d.logger),
	)

	solver := prover.NewCachedSolver(prover.PorcupineSolver{Timeout: cfg.SolverTimeout}, cfg.ProofCacheSize)
	pr := prover.New(prover.WithSolver(solver), prover.WithLogger(d.logger))

	validatorOpts := []conservation.Option{
		conservation.WithConversionTolerance(cfg.ConversionTolerance),
		conservation.WithLogger(d.logger),
	}
	if d.feed != nil {
		checker, err := newChecker(cfg)
		if err != nil {
			return nil, err
		}
		validatorOpts = append(validatorOpts, conservation.WithOracle(d.feed, checker))
	}

	engineOpts := []engine.Option{
		engine.WithExecutor(exec),
		engine.WithProver(pr),
		engine.WithValidator(conservation.New(validatorOpts...)),
		engine.WithLogger(d.logger),
	}
	if d.recorder != nil {
		engineOpts = append(engineOpts, engine.WithRecorder(d.recorder))
	}
	if tp := d.tracing.Provider(); tp != nil {
		engineOpts = append(engineOpts, engine.WithTracerProvider(tp))
	}
	return engine.New(st, st, engineOpts...), nil
}

// newChecker builds the oracle checker from the trusted sources and
// tolerances of cfg.
func newChecker(cfg config.Config) (*oracle.Checker, error) {
	keys, err := cfg.TrustedKeys()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid trusted sources", err)
	}
	slippage, err := cfg.Slippage()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid slippage tolerance", err)
	}
	checkerOpts := []oracle.CheckerOption{
		oracle.WithStalenessWindow(cfg.StalenessWindow),
		oracle.WithSlippageTolerance(slippage),
	}
	for source, key := range keys {
		checkerOpts = append(checkerOpts, oracle.WithTrustedSource(source, key))
	}
	return oracle.NewChecker(checkerOpts...), nil
}

// newRecorder returns a Prometheus recorder when a metrics textfile is
// configured, nil otherwise.
func newRecorder(cfg config.Config) *metrics.Prometheus {
	if cfg.MetricsFile == "" {
		return nil
	}
	return metrics.NewPrometheus()
}

// flushMetrics writes the recorder's metrics to the configured textfile.
// A failure is logged; it never changes the outcome of the command.
func flushMetrics(p *metrics.Prometheus, cfg config.Config, logger *slog.Logger) {
	if p == nil {
		return
	}
	if err := p.WriteTextfile(cfg.MetricsFile); err != nil {
		logger.Error("failed to write metrics", "error", err)
		return
	}
	logger.Debug("metrics written", "path", cfg.MetricsFile)
}

// traceFlushTimeout bounds how long a command waits for pending spans.
const traceFlushTimeout = 5 * time.Second

// shutdownTracing flushes pending spans. Like flushMetrics, a failure is
// logged and never changes the outcome of the command.
func shutdownTracing(t *telemetry.Tracing, logger *slog.Logger) {
	if t == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), traceFlushTimeout)
	defer cancel()
	if err := t.Shutdown(ctx); err != nil {
		logger.Error("failed to flush traces", "error", err)
	}
}
