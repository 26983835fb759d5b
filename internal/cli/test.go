package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/diotec-barros/diotec360-sub008/internal/harness"
)

const goldenDir = "golden"

// Golden comparison outcomes.
const (
	goldenMatched = "matched"
	goldenUpdated = "updated"
	goldenAbsent  = "absent"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // glob on scenario file names, without extension
}

// ScenarioResult is the verdict for one scenario file.
type ScenarioResult struct {
	Name        string   `json:"name"`
	File        string   `json:"file"`
	BatchStatus string   `json:"batch_status,omitempty"`
	Golden      string   `json:"golden,omitempty"`
	Pass        bool     `json:"pass"`
	Errors      []string `json:"errors,omitempty"`
}

// TestResult aggregates a scenario suite.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

func (r *TestResult) add(s ScenarioResult) {
	r.Scenarios = append(r.Scenarios, s)
	r.Total++
	if s.Pass {
		r.Passed++
	} else {
		r.Failed++
	}
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run conformance scenarios",
		Long: `Run every scenario file under a directory through the harness.

Each scenario file holds a batch, an optional oracle setup and assertions
on the outcome. Every scenario runs against a fresh in-memory store with a
frozen clock, so its snapshot is reproducible and is compared against
<scenarios-dir>/golden/<name>.golden when that file exists.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (missing directory, bad filter, etc.)

Examples:
  synchrony test ./scenarios
  synchrony test ./scenarios --filter "scenario_c*"
  synchrony test ./scenarios --update
  synchrony test ./scenarios --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "only run scenarios whose file name matches this glob")

	return cmd
}

func runTests(opts *TestOptions, dir string, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", dir))
	}
	if opts.Filter != "" {
		if _, err := filepath.Match(opts.Filter, ""); err != nil {
			return WrapExitError(ExitCommandError, "invalid filter pattern", err)
		}
	}

	files, err := scenarioFiles(dir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	h := harness.New(harness.WithLogger(opts.logger(cmd)))
	result := TestResult{Scenarios: make([]ScenarioResult, 0, len(files))}
	for _, file := range files {
		s := runScenario(cmd, h, file, opts)
		if !out.JSON() {
			writeScenarioLine(out.Writer, s)
		}
		result.add(s)
	}

	if out.JSON() {
		if result.Failed == 0 {
			return out.Success(result)
		}
		if err := out.Failure("E_TEST_FAILED", fmt.Sprintf("%d scenario(s) failed", result.Failed), result); err != nil {
			return err
		}
	} else {
		writeTestSummary(out.Writer, result)
	}

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	return nil
}

// scenarioFiles lists the YAML files under dir in lexical order. Golden
// directories are not descended into.
func scenarioFiles(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && d.Name() == goldenDir {
				return filepath.SkipDir
			}
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			ok, err := filepath.Match(filter, strings.TrimSuffix(d.Name(), ext))
			if err != nil || !ok {
				return err
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

func runScenario(cmd *cobra.Command, h *harness.Harness, file string, opts *TestOptions) ScenarioResult {
	res := ScenarioResult{Name: filepath.Base(file), File: file}

	scenario, err := harness.LoadScenario(file)
	if err != nil {
		res.Errors = []string{fmt.Sprintf("failed to load scenario: %v", err)}
		return res
	}
	res.Name = scenario.Name

	run, err := h.Run(cmd.Context(), scenario)
	if err != nil {
		res.Errors = []string{fmt.Sprintf("execution failed: %v", err)}
		return res
	}
	if run.Batch != nil {
		res.BatchStatus = run.Batch.Status
	}
	res.Errors = append(res.Errors, run.Errors...)

	snapshot, err := harness.SnapshotBytes(scenario.Name, run)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("snapshot failed: %v", err))
		return res
	}

	golden := goldenPath(file)
	if opts.Update {
		if err := writeGolden(golden, snapshot); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("failed to update golden file: %v", err))
		} else {
			res.Golden = goldenUpdated
		}
	} else {
		res.Golden, err = compareGolden(golden, snapshot, opts.Verbose)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
		}
	}

	res.Pass = len(res.Errors) == 0
	return res
}

// compareGolden checks snapshot against the golden file. A scenario
// without a golden file is judged on its assertions alone.
func compareGolden(path string, snapshot []byte, verbose bool) (string, error) {
	want, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return goldenAbsent, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read golden file: %w", err)
	}
	want, got := bytes.TrimSpace(want), bytes.TrimSpace(snapshot)
	if bytes.Equal(want, got) {
		return goldenMatched, nil
	}
	msg := "snapshot does not match golden file (run with --update to regenerate)"
	if verbose {
		msg += fmt.Sprintf("\n    golden: %s\n    actual: %s", want, got)
	}
	return "", errors.New(msg)
}

// goldenPath maps dir/name.yaml to dir/golden/name.golden.
func goldenPath(scenarioFile string) string {
	base := filepath.Base(scenarioFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(scenarioFile), goldenDir, name+".golden")
}

func writeGolden(path string, snapshot []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create golden directory: %w", err)
	}
	if err := os.WriteFile(path, snapshot, 0o644); err != nil {
		return fmt.Errorf("write golden file: %w", err)
	}
	return nil
}

func writeScenarioLine(w io.Writer, s ScenarioResult) {
	if !s.Pass {
		fmt.Fprintf(w, "✗ %s\n", s.Name)
		for _, e := range s.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
		return
	}
	if s.Golden == goldenUpdated {
		fmt.Fprintf(w, "✓ %s (golden updated)\n", s.Name)
		return
	}
	fmt.Fprintf(w, "✓ %s\n", s.Name)
}

func writeTestSummary(w io.Writer, r TestResult) {
	if r.Total == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Test Summary: %d passed, %d failed, %d total\n", r.Passed, r.Failed, r.Total)
	if r.Failed == 0 {
		fmt.Fprintln(w, "✓ All scenarios passed")
	}
}
