package harness

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/diotec-barros/diotec360-sub008/internal/fixedpoint"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
	Detail   string // Batch diagnostics for context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if e.Detail != "" {
		fmt.Fprintf(&buf, "\n%s\n", e.Detail)
	}
	return buf.String()
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %s", i, err))
		}
	}
	return errs
}

func evaluate(r *Result, a Assertion) error {
	b := r.Batch
	switch a.Type {
	case AssertStatus:
		return expectEqual(r, a.Type, a.Status, b.Status)
	case AssertErrorCode:
		return expectEqual(r, a.Type, a.Code, string(b.Code))
	case AssertFinalState:
		return assertState(r, a, b.FinalStates)
	case AssertPersistedState:
		return assertState(r, a, r.Persisted)
	case AssertLevels:
		var levels [][]string
		if b.Analysis != nil {
			levels = b.Analysis.Levels
		}
		return expectEqual(r, a.Type, fmt.Sprint(a.Levels), fmt.Sprint(levels))
	case AssertWitness:
		var witness []string
		if b.Proof != nil {
			witness = b.Proof.Witness
		}
		return expectList(r, a.Type, a.IDs, witness)
	case AssertRolledBack:
		return expectList(r, a.Type, a.IDs, b.RolledBack)
	case AssertTxnIDs:
		return expectList(r, a.Type, a.IDs, b.TxnIDs)
	case AssertOracleReasons:
		reasons := make([]string, len(b.OracleReasons))
		for i, reason := range b.OracleReasons {
			reasons[i] = string(reason)
		}
		return expectList(r, a.Type, a.IDs, reasons)
	case AssertTraceContains:
		n, err := countEvents(r, a)
		if err != nil {
			return err
		}
		if n == 0 {
			return &AssertionError{
				Type:     a.Type,
				Expected: describeEvent(a),
				Actual:   "not found in trace",
				Detail:   traceDetail(r),
			}
		}
		return nil
	case AssertTraceCount:
		n, err := countEvents(r, a)
		if err != nil {
			return err
		}
		if n != a.Count {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%d occurrences of %s", a.Count, describeEvent(a)),
				Actual:   fmt.Sprintf("%d occurrences", n),
				Detail:   traceDetail(r),
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func expectEqual(r *Result, typ, want, got string) error {
	if want == got {
		return nil
	}
	return &AssertionError{Type: typ, Expected: want, Actual: got, Detail: batchDetail(r)}
}

func expectList(r *Result, typ string, want, got []string) error {
	if slices.Equal(want, got) {
		return nil
	}
	return &AssertionError{Type: typ, Expected: fmt.Sprint(want), Actual: fmt.Sprint(got), Detail: batchDetail(r)}
}

// assertState checks expected values with subset semantics. Expected
// amounts are converted at the batch scale.
func assertState(r *Result, a Assertion, actual map[string]int64) error {
	for _, res := range slices.Sorted(maps.Keys(a.State)) {
		want, err := a.State[res].Units(r.Scale)
		if err != nil {
			return fmt.Errorf("%s %s: %w", a.Type, res, err)
		}
		got, ok := actual[res]
		if !ok {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%s = %s", res, fixedpoint.Format(want, r.Scale)),
				Actual:   "resource not present",
				Detail:   batchDetail(r),
			}
		}
		if got != want {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%s = %s", res, fixedpoint.Format(want, r.Scale)),
				Actual:   fmt.Sprintf("%s = %s", res, fixedpoint.Format(got, r.Scale)),
				Detail:   batchDetail(r),
			}
		}
	}
	return nil
}

// countEvents counts trace events of a.Txn matching the optional kind,
// resource and value.
func countEvents(r *Result, a Assertion) (int, error) {
	var value *int64
	if a.Value != nil {
		v, err := a.Value.Units(r.Scale)
		if err != nil {
			return 0, fmt.Errorf("%s value: %w", a.Type, err)
		}
		value = &v
	}

	n := 0
	for _, ev := range r.Events[a.Txn] {
		if a.Kind != "" && string(ev.Kind) != a.Kind {
			continue
		}
		if a.Resource != "" && ev.Resource != a.Resource {
			continue
		}
		if value != nil && ev.Value != *value {
			continue
		}
		n++
	}
	return n, nil
}

func describeEvent(a Assertion) string {
	parts := []string{a.Txn}
	if a.Kind != "" {
		parts = append(parts, a.Kind)
	}
	if a.Resource != "" {
		parts = append(parts, a.Resource)
	}
	if a.Value != nil {
		parts = append(parts, "= "+a.Value.String())
	}
	return strings.Join(parts, " ")
}

func batchDetail(r *Result) string {
	b := r.Batch
	detail := fmt.Sprintf("Batch %s: status=%s", b.BatchID, b.Status)
	if b.Code != "" {
		detail += fmt.Sprintf(" stage=%s code=%s message=%q", b.Stage, b.Code, b.Message)
	}
	return detail
}

func traceDetail(r *Result) string {
	var buf strings.Builder
	buf.WriteString("Trace by transaction:\n")
	for _, id := range slices.Sorted(maps.Keys(r.Events)) {
		lines := make([]string, len(r.Events[id]))
		for i, ev := range r.Events[id] {
			lines[i] = formatEvent(ev, r.Scale)
		}
		fmt.Fprintf(&buf, "  %s: %s\n", id, strings.Join(lines, ", "))
	}
	return buf.String()
}
