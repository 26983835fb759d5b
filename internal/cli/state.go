package cli

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/diotec-barros/diotec360-sub008/internal/fixedpoint"
	"github.com/diotec-barros/diotec360-sub008/internal/loader"
)

// SeedOptions holds flags for the seed command.
type SeedOptions struct {
	*RootOptions
	File string // YAML or JSON map of resource to amount
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SeedOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "seed [resource=amount...]",
		Short: "Set resource values outside of any batch",
		Long: `Set resource values directly, overwriting existing ones. Values come
from resource=amount arguments, a state file given with --file, or both;
arguments win over the file.

Amounts are decimals with at most --scale fractional digits. Integers in a
state file are whole units.

Examples:
  synchrony seed alice=100.00 bob=0
  synchrony seed --file state.yaml --db /tmp/ledger.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.File, "file", "", "state file mapping resources to amounts")

	return cmd
}

func runSeed(opts *SeedOptions, args []string, cmd *cobra.Command) error {
	logger := opts.logger(cmd)
	out := newFormatter(cmd, opts.RootOptions)
	scale := opts.Config.Scale

	values := make(map[string]int64)
	if opts.File != "" {
		fromFile, err := readStateFile(opts.File, scale)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read state file", err)
		}
		for k, v := range fromFile {
			values[k] = v
		}
	}
	for _, arg := range args {
		resource, amount, ok := strings.Cut(arg, "=")
		if !ok || resource == "" {
			return NewExitError(ExitCommandError, fmt.Sprintf("invalid assignment %q: want resource=amount", arg))
		}
		units, err := fixedpoint.Parse(amount, scale)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("invalid amount for %s", resource), err)
		}
		values[resource] = units
	}
	if len(values) == 0 {
		return NewExitError(ExitCommandError, "nothing to seed: pass resource=amount arguments or --file")
	}

	st, err := openStore(opts.RootOptions, logger)
	if err != nil {
		return err
	}
	defer closeStore(st, logger)

	if err := st.Seed(cmd.Context(), values); err != nil {
		return WrapExitError(ExitCommandError, "failed to seed state", err)
	}
	logger.Debug("state seeded", "resources", len(values))

	formatted := formatValues(values, scale)
	if out.JSON() {
		return out.Success(map[string]any{"seeded": formatted})
	}
	fmt.Fprintf(out.Writer, "Seeded %d resource(s):\n", len(values))
	writeValues(out.Writer, formatted)
	return nil
}

// readStateFile decodes a map of resource to amount. JSON is a subset of
// YAML, so one decoder reads both.
func readStateFile(path string, scale int32) (map[string]int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]loader.Amount
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make(map[string]int64, len(raw))
	for k, a := range raw {
		units, err := a.Units(scale)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = units
	}
	return out, nil
}

// NewStateCommand creates the state command.
func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state [resource...]",
		Short: "Show stored resource values",
		Long: `Print the current value of the named resources, or of every stored
resource when none are named. Unknown resources read as zero.

Examples:
  synchrony state
  synchrony state alice bob --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runState(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runState(opts *RootOptions, resources []string, cmd *cobra.Command) error {
	logger := opts.logger(cmd)
	out := newFormatter(cmd, opts)

	st, err := openStore(opts, logger)
	if err != nil {
		return err
	}
	defer closeStore(st, logger)

	var values map[string]int64
	if len(resources) == 0 {
		values, err = st.Resources(cmd.Context())
	} else {
		values, err = st.Load(cmd.Context(), slices.Compact(slices.Sorted(slices.Values(resources))))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read state", err)
	}

	formatted := formatValues(values, opts.Config.Scale)
	if formatted == nil {
		formatted = map[string]string{}
	}
	if out.JSON() {
		return out.Success(map[string]any{"state": formatted})
	}
	if len(formatted) == 0 {
		fmt.Fprintln(out.Writer, "No resources stored.")
		return nil
	}
	writeValues(out.Writer, formatted)
	return nil
}
