package harness

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diotec-barros/diotec360-sub008/internal/engine"
)

// ============================================================================
// Conformance scenarios
// ============================================================================

func TestScenarios_Golden(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.Len(t, paths, 4)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)
			require.Equal(t, name, scenario.Name, "scenario name must match its file name")

			result := RunWithGolden(t, scenario)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestScenarioA_BothTransfersCommit(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/scenario_a_independent_pair.yaml")
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	require.NoError(t, result.Err)
	assert.True(t, result.Batch.Committed())
	assert.Equal(t, map[string]int64{"X": 9000, "Y": 1000, "Z": 4500, "W": 500}, result.Persisted)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "committed", result.Records[0].Status)
}

func TestScenarioC_NothingPersisted(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/scenario_c_conservation_failure.yaml")
	require.NoError(t, err)

	result, err := New(WithStoreDir(t.TempDir())).Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.True(t, engine.IsConservationViolation(result.Err))
	assert.Equal(t, map[string]int64{"A": 10000, "B": 0, "C": 10000, "D": 0, "E": 5000, "F": 0}, result.Persisted)
	assert.Equal(t, int64(-100), result.Batch.ViolationAmount)
}

func TestScenarioD_OracleFailure(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/scenario_d_stale_oracle.yaml")
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, engine.IsOracleValidationFailure(result.Err))
	assert.True(t, result.Batch.Proof.Valid)
}

func TestRun_FreshQuoteCommits(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/scenario_d_stale_oracle.yaml")
	require.NoError(t, err)
	scenario.Oracle.Quotes[0].Age = 0
	scenario.Assertions = []Assertion{{Type: AssertStatus, Status: "committed"}}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_UntrustedSource(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/scenario_d_stale_oracle.yaml")
	require.NoError(t, err)
	scenario.Oracle.Quotes[0].Age = 0
	scenario.Oracle.Untrusted = true
	scenario.Assertions = []Assertion{{Type: AssertOracleReasons, IDs: []string{"ATTESTATION"}}}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

// ============================================================================
// Assertions
// ============================================================================

func TestRun_FailedAssertionsAreReported(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/scenario_a_independent_pair.yaml")
	require.NoError(t, err)
	scenario.Assertions = []Assertion{
		{Type: AssertStatus, Status: "rolled_back"},
		{Type: AssertPersistedState, State: mustState(t, "X: \"1.00\"")},
		{Type: AssertTraceCount, Txn: "T1", Kind: "READ", Count: 5},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "Expected: rolled_back")
	assert.Contains(t, result.Errors[1], "X = 1.00")
	assert.Contains(t, result.Errors[1], "X = 90.00")
	assert.Contains(t, result.Errors[2], "2 occurrences")
	assert.Contains(t, result.Errors[2], "Trace by transaction")
}

func TestRun_MissingResourceInState(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/scenario_a_independent_pair.yaml")
	require.NoError(t, err)
	scenario.Assertions = []Assertion{{Type: AssertPersistedState, State: mustState(t, "Q: 1")}}

	result, err := Run(scenario)
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "resource not present")
}

func TestRun_InvalidAmountIsHarnessError(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/scenario_a_independent_pair.yaml")
	require.NoError(t, err)
	scenario.Batch.State["X"] = mustState(t, "X: \"1.001\"")["X"]

	_, err = Run(scenario)
	require.Error(t, err)
}

// ============================================================================
// Scenario loading
// ============================================================================

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_RejectsUnknownFields(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: typo
description: d
assertion: []
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Validation(t *testing.T) {
	base := `
name: n
description: d
batch:
  transactions:
    - id: T1
      ops: [{kind: set, resource: X, amount: 1}]
`
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no name", strings.Replace(base, "name: n", "name: \"\"", 1) + "assertions: [{type: status, status: committed}]", "name is required"},
		{"no assertions", base, "assertions list is required"},
		{"unknown type", base + "assertions: [{type: bogus}]", `unknown assertion type "bogus"`},
		{"status without value", base + "assertions: [{type: status}]", "status is required"},
		{"empty state", base + "assertions: [{type: persisted_state}]", "state is required"},
		{"trace without txn", base + "assertions: [{type: trace_count, count: 1}]", "txn is required"},
		{"bad seed", base + "oracle: {source: s, seed: abc, quotes: []}\nassertions: [{type: status, status: committed}]", "oracle.seed"},
		{"no transactions", "name: n\ndescription: d\nassertions: [{type: status, status: committed}]", "batch.transactions is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseScenario_Durations(t *testing.T) {
	data, err := os.ReadFile("testdata/scenarios/scenario_d_stale_oracle.yaml")
	require.NoError(t, err)

	s, err := ParseScenario(data)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, s.Oracle.StalenessWindow)
	assert.Equal(t, 2*time.Minute, s.Oracle.Quotes[0].Age)
}
