package prover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/diotec-barros/diotec360-sub008/internal/executor"
	"github.com/diotec-barros/diotec360-sub008/internal/graph"
	"github.com/diotec-barros/diotec360-sub008/internal/txn"
)

// Proof is the result of Prove.
type Proof struct {
	Valid          bool            `json:"valid"`
	Witness        []string        `json:"witness,omitempty"`
	Counterexample *Counterexample `json:"counterexample,omitempty"`
	FormulaHash    string          `json:"formula_hash"`
	Duration       time.Duration   `json:"duration"`
}

// Violation is returned when no serial order explains the execution.
type Violation struct {
	Counterexample *Counterexample
}

// Error implements the error interface.
func (v *Violation) Error() string {
	if v.Counterexample == nil {
		return "linearizability violation"
	}
	return "linearizability violation: " + v.Counterexample.String()
}

// IsViolation returns true if err is a linearizability violation.
// Uses errors.As to handle wrapped errors.
func IsViolation(err error) bool {
	var v *Violation
	return errors.As(err, &v)
}

// Prover turns executions into proof obligations and hands them to a
// Solver.
type Prover struct {
	solver Solver
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Prover.
type Option func(*Prover)

// WithSolver replaces the default porcupine solver.
func WithSolver(s Solver) Option {
	return func(p *Prover) {
		p.solver = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Prover) {
		p.logger = l
	}
}

// WithNow sets the wall clock used to time proofs.
func WithNow(now func() time.Time) Option {
	return func(p *Prover) {
		p.now = now
	}
}

// New creates a prover. The default solver is a PorcupineSolver without a
// timeout.
func New(opts ...Option) *Prover {
	p := &Prover{
		solver: PorcupineSolver{},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Prove checks that res is equivalent to a serial execution of txns that
// respects g. A failed check returns the proof together with a *Violation;
// solver failures (including an unknown verdict) are returned as plain
// errors and never count as a pass.
func (p *Prover) Prove(ctx context.Context, res *executor.Result, txns []*txn.Transaction, g *graph.Graph) (*Proof, error) {
	start := p.now()

	f, err := NewFormula(res, txns, g)
	if err != nil {
		return nil, fmt.Errorf("build formula: %w", err)
	}
	hash, err := f.Hash()
	if err != nil {
		return nil, fmt.Errorf("hash formula: %w", err)
	}

	v, err := p.solver.Solve(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("solve: %w", err)
	}

	proof := &Proof{
		Valid:          v.Sat,
		Witness:        v.Witness,
		Counterexample: v.Counterexample,
		FormulaHash:    hash,
		Duration:       p.now().Sub(start),
	}
	if !v.Sat {
		p.logger.Info("linearizability violation", "counterexample", v.Counterexample)
		return proof, &Violation{Counterexample: v.Counterexample}
	}

	p.logger.Debug("execution linearizable", "witness", len(v.Witness), "hash", hash[:12])
	return proof, nil
}
