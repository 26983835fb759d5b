package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/diotec-barros/diotec360-sub008/internal/conflict"
	"github.com/diotec-barros/diotec360-sub008/internal/engine"
	"github.com/diotec-barros/diotec360-sub008/internal/graph"
	"github.com/diotec-barros/diotec360-sub008/internal/loader"
)

// AnalyzeResult is the static schedule of a batch.
type AnalyzeResult struct {
	Transactions   int                 `json:"transactions"`
	Levels         [][]string          `json:"levels"`
	Edges          []graph.Edge        `json:"edges"`
	Conflicts      []conflict.Conflict `json:"conflicts"`
	ExecutionOrder []string            `json:"execution_order"`
	ConflictGroups map[string][]string `json:"conflict_groups,omitempty"`
}

// NewAnalyzeCommand creates the analyze command.
func NewAnalyzeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze <batch-file>",
		Short: "Show the dependency levels and conflicts of a batch",
		Long: `Validate a batch file and compute its dependency graph, parallel
levels, conflicts and conflict resolution order without executing it or
touching the database.

Exit codes:
  0 - Batch is schedulable
  1 - Batch would be rejected (invalid, circular dependency, unresolvable conflicts)
  2 - Command error (unreadable batch file)

Examples:
  synchrony analyze batch.yaml
  synchrony analyze batch.yaml --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runAnalyze(opts *RootOptions, path string, cmd *cobra.Command) error {
	logger := opts.logger(cmd)
	out := newFormatter(cmd, opts)

	loaded, err := loader.Load(path, opts.Config.Scale)
	if err != nil {
		return loadFailure(out, err)
	}

	p := engine.New(engine.NewMemoryState(nil), nil, engine.WithLogger(logger))
	a, err := p.Analyze(cmd.Context(), loaded.Batch)
	if err != nil {
		be, ok := engine.AsBatchError(err)
		if !ok {
			return WrapExitError(ExitCommandError, "failed to analyze batch", err)
		}
		if err := out.Error(string(be.Code), be.Message, be.TxnIDs); err != nil {
			return err
		}
		return WrapExitError(ExitFailure, "batch would be rejected", err)
	}

	result := AnalyzeResult{
		Transactions:   len(loaded.Batch.Transactions),
		Levels:         a.Levels,
		Edges:          a.Edges,
		Conflicts:      a.Conflicts,
		ExecutionOrder: a.Resolution.ExecutionOrder,
		ConflictGroups: a.Resolution.ConflictGroups,
	}
	if out.JSON() {
		return out.Success(result)
	}
	writeAnalyzeText(out.Writer, result)
	return nil
}

func writeAnalyzeText(w io.Writer, r AnalyzeResult) {
	fmt.Fprintf(w, "Transactions: %d\n", r.Transactions)
	fmt.Fprintf(w, "Levels: %d\n", len(r.Levels))
	for i, l := range r.Levels {
		fmt.Fprintf(w, "  %d: %s\n", i, strings.Join(l, " "))
	}

	fmt.Fprintf(w, "Edges: %d\n", len(r.Edges))
	for _, e := range r.Edges {
		why := strings.Join(e.Resources, ",")
		if e.Explicit {
			why = "depends_on"
		}
		fmt.Fprintf(w, "  %s → %s (%s)\n", e.From, e.To, why)
	}

	fmt.Fprintf(w, "Conflicts: %d\n", len(r.Conflicts))
	for _, c := range r.Conflicts {
		fmt.Fprintf(w, "  %s\n", c)
	}
	if len(r.ExecutionOrder) > 0 {
		fmt.Fprintf(w, "Resolution order: %s\n", strings.Join(r.ExecutionOrder, " "))
	}
}
