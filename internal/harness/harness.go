package harness

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/diotec-barros/diotec360-sub008/internal/canon"
	"github.com/diotec-barros/diotec360-sub008/internal/conservation"
	"github.com/diotec-barros/diotec360-sub008/internal/engine"
	"github.com/diotec-barros/diotec360-sub008/internal/executor"
	"github.com/diotec-barros/diotec360-sub008/internal/fixedpoint"
	"github.com/diotec-barros/diotec360-sub008/internal/loader"
	"github.com/diotec-barros/diotec360-sub008/internal/oracle"
	"github.com/diotec-barros/diotec360-sub008/internal/prover"
	"github.com/diotec-barros/diotec360-sub008/internal/store"
	"github.com/diotec-barros/diotec360-sub008/internal/testutil"
	"github.com/diotec-barros/diotec360-sub008/internal/txn"
)

// Epoch is the instant the scenario clock is frozen at.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Harness runs scenarios with a frozen clock and fixed batch ids.
type Harness struct {
	logger   *slog.Logger
	storeDir string
	clock    *testutil.FakeClock
	runs     int
}

// Option configures a Harness.
type Option func(*Harness)

// WithLogger sets the logger handed to the engine. Logs are discarded by
// default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = l
	}
}

// WithStoreDir makes every run use a new SQLite file in dir instead of an
// in-memory database.
func WithStoreDir(dir string) Option {
	return func(h *Harness) {
		h.storeDir = dir
	}
}

// New creates a harness.
func New(opts ...Option) *Harness {
	h := &Harness{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:  testutil.NewFakeClock(Epoch, 0),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run executes a scenario with default options.
func Run(scenario *Scenario) (*Result, error) {
	return New().Run(context.Background(), scenario)
}

// Run executes a scenario and evaluates its assertions.
//
// Execution flow:
//  1. Open a fresh store and seed it with the batch state
//  2. Process the batch through the engine
//  3. Read back persisted resources and batch records
//  4. With Reorder, repeat 1-3 with the transactions reversed and compare
//  5. Evaluate assertions
//
// The returned error is for harness failures (bad scenario, store errors).
// A batch that is rolled back is a normal outcome, reported in the Result.
func (h *Harness) Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	loaded, err := scenario.Batch.Convert(scenario.Name, fixedpoint.DefaultScale)
	if err != nil {
		return nil, err
	}

	result, err := h.runOnce(ctx, scenario, loaded.Batch, loaded)
	if err != nil {
		return nil, err
	}

	if scenario.Reorder {
		reversed := loaded.Batch
		reversed.Transactions = slices.Clone(loaded.Batch.Transactions)
		slices.Reverse(reversed.Transactions)

		again, err := h.runOnce(ctx, scenario, reversed, loaded)
		if err != nil {
			return nil, err
		}
		a, err := SnapshotBytes(scenario.Name, result)
		if err != nil {
			return nil, err
		}
		b, err := SnapshotBytes(scenario.Name, again)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(a, b) {
			result.AddError(fmt.Sprintf("reordered submission changed the outcome:\n  forward:  %s\n  reversed: %s", a, b))
		}
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) runOnce(ctx context.Context, scenario *Scenario, batch txn.Batch, loaded *loader.Loaded) (*Result, error) {
	h.runs++
	path := ":memory:"
	if h.storeDir != "" {
		path = filepath.Join(h.storeDir, fmt.Sprintf("%s-%d.db", scenario.Name, h.runs))
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	if len(loaded.State) > 0 {
		if err := st.Seed(ctx, loaded.State); err != nil {
			return nil, fmt.Errorf("failed to seed state: %w", err)
		}
	}

	validator, err := h.validator(scenario.Oracle)
	if err != nil {
		return nil, err
	}

	execOpts := []executor.Option{executor.WithLogger(h.logger), executor.WithNow(h.clock.Now)}
	if scenario.Workers > 0 {
		execOpts = append(execOpts, executor.WithWorkers(scenario.Workers))
	}

	batchID := scenario.BatchID
	if batchID == "" {
		batchID = scenario.Name
	}

	p := engine.New(st, st,
		engine.WithExecutor(executor.New(execOpts...)),
		engine.WithProver(prover.New(prover.WithLogger(h.logger), prover.WithNow(h.clock.Now))),
		engine.WithValidator(validator),
		engine.WithIDGenerator(testutil.NewFixedIDGenerator(batchID)),
		engine.WithLogger(h.logger),
		engine.WithNow(h.clock.Now),
	)

	result := NewResult()
	result.Scale = loaded.Scale
	result.Batch, result.Err = p.Process(ctx, batch)
	if result.Batch == nil {
		return nil, fmt.Errorf("process batch: %w", result.Err)
	}
	if result.Batch.Execution != nil {
		result.Events = groupEvents(result.Batch.Execution.Trace)
	}

	if result.Persisted, err = st.Resources(ctx); err != nil {
		return nil, fmt.Errorf("read resources: %w", err)
	}
	if result.Records, err = st.Batches(ctx, 0); err != nil {
		return nil, fmt.Errorf("read batches: %w", err)
	}
	return result, nil
}

// validator builds the conservation validator, wiring a static feed of
// freshly signed quotes when the scenario configures an oracle.
func (h *Harness) validator(spec *OracleSpec) (*conservation.Validator, error) {
	opts := []conservation.Option{conservation.WithLogger(h.logger)}
	if spec == nil {
		return conservation.New(opts...), nil
	}

	seed, err := hex.DecodeString(spec.Seed)
	if err != nil {
		return nil, fmt.Errorf("oracle seed: %w", err)
	}
	signer, err := oracle.NewSigner(spec.Source, seed)
	if err != nil {
		return nil, err
	}

	feed := oracle.NewStaticFeed()
	for _, qs := range spec.Quotes {
		q, err := signer.Sign(qs.Pair, qs.Price, h.clock.Peek().Add(-qs.Age))
		if err != nil {
			return nil, err
		}
		feed.SetQuote(q)
		ref := qs.Price
		if r, ok := spec.References[qs.Pair]; ok {
			ref = r
		}
		if err := feed.SetReference(qs.Pair, ref); err != nil {
			return nil, err
		}
	}

	checkerOpts := []oracle.CheckerOption{oracle.WithNow(h.clock.Now)}
	if !spec.Untrusted {
		checkerOpts = append(checkerOpts, oracle.WithTrustedSource(spec.Source, signer.PublicKey()))
	}
	if spec.StalenessWindow > 0 {
		checkerOpts = append(checkerOpts, oracle.WithStalenessWindow(spec.StalenessWindow))
	}
	if spec.Slippage != "" {
		d, err := fixedpoint.ParseDecimal(spec.Slippage)
		if err != nil {
			return nil, fmt.Errorf("oracle slippage: %w", err)
		}
		checkerOpts = append(checkerOpts, oracle.WithSlippageTolerance(d))
	}

	opts = append(opts, conservation.WithOracle(feed, oracle.NewChecker(checkerOpts...)))
	return conservation.New(opts...), nil
}

// SnapshotBytes renders the golden form of a result: canonical JSON of
// everything in it that does not depend on thread scheduling.
func SnapshotBytes(name string, r *Result) ([]byte, error) {
	snap := Snapshot{Scenario: name, Result: r}
	return canon.Marshal(snap.toCanonicalMap())
}
