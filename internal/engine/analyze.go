package engine

import (
	"context"

	"github.com/diotec-barros/diotec360-sub008/internal/conflict"
	"github.com/diotec-barros/diotec360-sub008/internal/graph"
	"github.com/diotec-barros/diotec360-sub008/internal/txn"
)

// Analysis is the static schedule of a batch: everything that can be
// decided without running it.
type Analysis struct {
	Graph      *graph.Graph                 `json:"-"`
	Edges      []graph.Edge                 `json:"edges"`
	Levels     [][]string                   `json:"levels"`
	Conflicts  []conflict.Conflict          `json:"conflicts"`
	Resolution *conflict.ResolutionStrategy `json:"resolution"`
}

// Analyze runs the validate, graph and conflicts stages. A failure is
// returned as a *BatchError.
func (p *Processor) Analyze(ctx context.Context, b txn.Batch) (*Analysis, error) {
	a := &Analysis{}

	if err := p.stage(ctx, StageValidate, func(context.Context) error {
		return b.Validate()
	}); err != nil {
		return nil, classify(StageValidate, err, b.Transactions)
	}

	if err := p.stage(ctx, StageGraph, func(context.Context) error {
		g, err := graph.Build(b.Transactions)
		if err != nil {
			return err
		}
		if err := g.DetectCycles(); err != nil {
			return err
		}
		levels, err := g.IndependentSets()
		if err != nil {
			return err
		}
		a.Graph, a.Edges, a.Levels = g, g.Edges(), levels
		return nil
	}); err != nil {
		return nil, classify(StageGraph, err, b.Transactions)
	}

	if err := p.stage(ctx, StageConflicts, func(context.Context) error {
		a.Conflicts = conflict.DetectConflicts(b.Transactions, a.Graph)
		a.Resolution = conflict.Resolve(a.Conflicts)
		return conflict.Reconcile(a.Resolution, a.Graph)
	}); err != nil {
		return a, classify(StageConflicts, err, b.Transactions)
	}

	return a, nil
}
