package harness

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/diotec-barros/diotec360-sub008/internal/loader"
)

// Scenario defines a conformance test scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// BatchID is the fixed batch id. Defaults to the scenario name.
	BatchID string `yaml:"batch_id,omitempty"`

	// Workers is the executor pool size. Zero keeps the default.
	Workers int `yaml:"workers,omitempty"`

	// Reorder also runs the batch with its transactions reversed and
	// requires the same outcome.
	Reorder bool `yaml:"reorder,omitempty"`

	// Batch is the batch under test. Its state seeds the store.
	Batch loader.File `yaml:"batch"`

	// Oracle configures quotes for conversion transactions.
	Oracle *OracleSpec `yaml:"oracle,omitempty"`

	// Assertions validate the outcome.
	Assertions []Assertion `yaml:"assertions"`
}

// OracleSpec describes a single trusted source and the quotes it signed.
type OracleSpec struct {
	Source string `yaml:"source"`

	// Seed is the hex encoded 32-byte ed25519 seed of the source.
	Seed string `yaml:"seed"`

	// Untrusted quotes are signed but the source key is not configured.
	Untrusted bool `yaml:"untrusted,omitempty"`

	StalenessWindow time.Duration `yaml:"staleness_window,omitempty"`
	Slippage        string        `yaml:"slippage,omitempty"`

	Quotes     []QuoteSpec       `yaml:"quotes"`
	References map[string]string `yaml:"references,omitempty"`
}

// QuoteSpec is a quote signed Age before the scenario clock.
type QuoteSpec struct {
	Pair  string        `yaml:"pair"`
	Price string        `yaml:"price"`
	Age   time.Duration `yaml:"age,omitempty"`
}

// Assertion validates one aspect of the outcome.
type Assertion struct {
	// Type selects the assertion, see the Assert* constants.
	Type string `yaml:"type"`

	// Status is the expected batch status (status).
	Status string `yaml:"status,omitempty"`

	// Code is the expected error code (error_code).
	Code string `yaml:"code,omitempty"`

	// State maps resources to expected values (final_state,
	// persisted_state). Subset match.
	State map[string]loader.Amount `yaml:"state,omitempty"`

	// Levels is the expected level schedule (levels).
	Levels [][]string `yaml:"levels,omitempty"`

	// IDs is an expected ordered list of transaction ids (witness,
	// rolled_back, txn_ids, oracle_reasons).
	IDs []string `yaml:"ids,omitempty"`

	// Txn, Kind, Resource and Value select trace events (trace_contains,
	// trace_count). Empty fields match anything.
	Txn      string         `yaml:"txn,omitempty"`
	Kind     string         `yaml:"kind,omitempty"`
	Resource string         `yaml:"resource,omitempty"`
	Value    *loader.Amount `yaml:"value,omitempty"`

	// Count is the expected number of matching events (trace_count).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertStatus         = "status"
	AssertErrorCode      = "error_code"
	AssertFinalState     = "final_state"
	AssertPersistedState = "persisted_state"
	AssertLevels         = "levels"
	AssertWitness        = "witness"
	AssertRolledBack     = "rolled_back"
	AssertTxnIDs         = "txn_ids"
	AssertOracleReasons  = "oracle_reasons"
	AssertTraceContains  = "trace_contains"
	AssertTraceCount     = "trace_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // catches "assertion:" vs "assertions:"
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Batch.Transactions) == 0 {
		return fmt.Errorf("batch.transactions is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.Workers < 0 {
		return fmt.Errorf("workers must be non-negative")
	}

	if o := s.Oracle; o != nil {
		if o.Source == "" {
			return fmt.Errorf("oracle.source is required")
		}
		seed, err := hex.DecodeString(o.Seed)
		if err != nil || len(seed) != 32 {
			return fmt.Errorf("oracle.seed must be 64 hex characters")
		}
		for i, q := range o.Quotes {
			if q.Pair == "" || q.Price == "" {
				return fmt.Errorf("oracle.quotes[%d]: pair and price are required", i)
			}
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertStatus:
		if a.Status == "" {
			return fmt.Errorf("assertions[%d]: status is required for status", index)
		}
	case AssertErrorCode:
		if a.Code == "" {
			return fmt.Errorf("assertions[%d]: code is required for error_code", index)
		}
	case AssertFinalState, AssertPersistedState:
		if len(a.State) == 0 {
			return fmt.Errorf("assertions[%d]: state is required for %s", index, a.Type)
		}
	case AssertLevels:
		if len(a.Levels) == 0 {
			return fmt.Errorf("assertions[%d]: levels is required for levels", index)
		}
	case AssertWitness, AssertRolledBack, AssertTxnIDs, AssertOracleReasons:
		// An empty list is a valid expectation.
	case AssertTraceContains:
		if a.Txn == "" {
			return fmt.Errorf("assertions[%d]: txn is required for trace_contains", index)
		}
	case AssertTraceCount:
		if a.Txn == "" {
			return fmt.Errorf("assertions[%d]: txn is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
