package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/diotec-barros/diotec360-sub008/internal/commit"
	"github.com/diotec-barros/diotec360-sub008/internal/conflict"
	"github.com/diotec-barros/diotec360-sub008/internal/conservation"
	"github.com/diotec-barros/diotec360-sub008/internal/executor"
	"github.com/diotec-barros/diotec360-sub008/internal/graph"
	"github.com/diotec-barros/diotec360-sub008/internal/oracle"
	"github.com/diotec-barros/diotec360-sub008/internal/prover"
	"github.com/diotec-barros/diotec360-sub008/internal/txn"
)

// Stage names a step of the pipeline.
type Stage string

const (
	StageValidate  Stage = "validate"
	StageGraph     Stage = "graph"
	StageConflicts Stage = "conflicts"
	StageLoad      Stage = "load"
	StageExecute   Stage = "execute"
	StageProve     Stage = "prove"
	StageConserve  Stage = "conserve"
	StageCommit    Stage = "commit"
)

// Code categorizes batch failures.
type Code string

const (
	// ErrCodeInvalidBatch indicates a malformed batch: duplicate ids,
	// unknown dependencies or a structurally invalid transaction.
	ErrCodeInvalidBatch Code = "INVALID_BATCH"

	// ErrCodeCircularDependency indicates the dependency graph has a cycle.
	ErrCodeCircularDependency Code = "CIRCULAR_DEPENDENCY"

	// ErrCodeConflictResolution indicates the graph and the resolution
	// strategy disagree. This is an internal invariant violation.
	ErrCodeConflictResolution Code = "CONFLICT_RESOLUTION_FAILURE"

	// ErrCodeExecutionTimeout indicates a level did not finish in time or
	// the batch context was cancelled during execution.
	ErrCodeExecutionTimeout Code = "EXECUTION_TIMEOUT"

	// ErrCodeTransactionFailed indicates a transaction aborted: failed
	// guard, undeclared access or an injected fault.
	ErrCodeTransactionFailed Code = "TRANSACTION_FAILED"

	// ErrCodeLinearizability indicates no serial order explains the
	// execution, or the prover could not decide.
	ErrCodeLinearizability Code = "LINEARIZABILITY_VIOLATION"

	// ErrCodeConservation indicates value was created or destroyed.
	ErrCodeConservation Code = "CONSERVATION_VIOLATION"

	// ErrCodeOracleValidation indicates a quote was stale, unattested,
	// outside the slippage tolerance or unavailable.
	ErrCodeOracleValidation Code = "ORACLE_VALIDATION_FAILURE"

	// ErrCodeAtomicCommit indicates persistence failed during commit.
	ErrCodeAtomicCommit Code = "ATOMIC_COMMIT_FAILURE"
)

// BatchError is the structured failure of one batch.
type BatchError struct {
	Code    Code
	Stage   Stage
	Message string

	// TxnIDs are the offending transactions. For a cycle they follow the
	// cycle path; otherwise they are sorted.
	TxnIDs []string

	// Resource is the resource involved, if any.
	Resource string

	// Counterexample is set for linearizability violations.
	Counterexample *prover.Counterexample

	// Amount is the violation amount for conservation failures.
	Amount int64

	// Err is the underlying stage error.
	Err error
}

// Error implements the error interface.
func (e *BatchError) Error() string {
	if len(e.TxnIDs) > 0 {
		return fmt.Sprintf("%s: %s (stage=%s, txns=%s)", e.Code, e.Message, e.Stage, strings.Join(e.TxnIDs, ","))
	}
	return fmt.Sprintf("%s: %s (stage=%s)", e.Code, e.Message, e.Stage)
}

// Unwrap returns the underlying stage error.
func (e *BatchError) Unwrap() error {
	return e.Err
}

// Rejected reports whether the batch failed before execution started.
func (e *BatchError) Rejected() bool {
	switch e.Stage {
	case StageValidate, StageGraph, StageConflicts:
		return true
	}
	return false
}

// AsBatchError returns the *BatchError in err's chain, if any.
func AsBatchError(err error) (*BatchError, bool) {
	var be *BatchError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// HasCode returns true if err carries a *BatchError with the given code.
// Uses errors.As to handle wrapped errors.
func HasCode(err error, code Code) bool {
	be, ok := AsBatchError(err)
	return ok && be.Code == code
}

// IsCircularDependency returns true if err is a rejected cyclic batch.
func IsCircularDependency(err error) bool { return HasCode(err, ErrCodeCircularDependency) }

// IsExecutionTimeout returns true if err is a level timeout.
func IsExecutionTimeout(err error) bool { return HasCode(err, ErrCodeExecutionTimeout) }

// IsLinearizabilityViolation returns true if err is a failed proof.
func IsLinearizabilityViolation(err error) bool { return HasCode(err, ErrCodeLinearizability) }

// IsConservationViolation returns true if err is a conservation failure.
func IsConservationViolation(err error) bool { return HasCode(err, ErrCodeConservation) }

// IsOracleValidationFailure returns true if err is a rejected quote.
func IsOracleValidationFailure(err error) bool { return HasCode(err, ErrCodeOracleValidation) }

// IsAtomicCommitFailure returns true if err is a persistence failure at
// commit.
func IsAtomicCommitFailure(err error) bool { return HasCode(err, ErrCodeAtomicCommit) }

// classify maps a stage error onto the taxonomy. txns is the batch, used to
// name the transactions behind an oracle pair.
func classify(stage Stage, err error, txns []*txn.Transaction) *BatchError {
	if be, ok := AsBatchError(err); ok {
		return be
	}
	be := &BatchError{Stage: stage, Message: err.Error(), Err: err}

	var (
		cycle   *graph.CycleError
		invalid *txn.InvalidBatchError
		opErr   *txn.OpError
		resErr  *conflict.ResolutionError
		timeout *executor.TimeoutError
		failed  *executor.TxnError
		linViol *prover.Violation
		consErr *conservation.Violation
		quote   *oracle.ValidationError
		atomic  *commit.AtomicCommitError
	)

	switch {
	case errors.As(err, &cycle):
		be.Code = ErrCodeCircularDependency
		be.TxnIDs = cyclePath(cycle.Cycle)

	case errors.As(err, &invalid):
		be.Code = ErrCodeInvalidBatch
		be.TxnIDs = slices.Clone(invalid.TxnIDs)

	case errors.As(err, &resErr):
		be.Code = ErrCodeConflictResolution
		be.TxnIDs = []string{resErr.Conflict.A, resErr.Conflict.B}
		be.Resource = resErr.Conflict.Resource

	case errors.As(err, &timeout):
		be.Code = ErrCodeExecutionTimeout
		be.TxnIDs = slices.Clone(timeout.Pending)

	case errors.As(err, &failed):
		be.Code = ErrCodeTransactionFailed
		be.TxnIDs = slices.Clone(failed.Failed)
		if errors.As(err, &opErr) {
			be.Resource = opErr.Resource
		}

	case stage == StageExecute && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)):
		be.Code = ErrCodeExecutionTimeout

	case errors.As(err, &linViol):
		be.Code = ErrCodeLinearizability
		if ce := linViol.Counterexample; ce != nil {
			be.Counterexample = ce
			be.Resource = ce.Resource
			be.TxnIDs = nonEmptySorted(ce.A, ce.B)
		}

	case errors.As(err, &consErr):
		be.Code = ErrCodeConservation
		be.TxnIDs = slices.Clone(consErr.TxnIDs)
		be.Resource = consErr.Resource
		be.Amount = consErr.Amount

	case errors.As(err, &quote):
		be.Code = ErrCodeOracleValidation
		be.TxnIDs = conversionTxns(txns, quote.Pair)

	case errors.Is(err, oracle.ErrUnavailable):
		be.Code = ErrCodeOracleValidation
		be.TxnIDs = conversionTxns(txns, "")

	case errors.As(err, &atomic):
		be.Code = ErrCodeAtomicCommit

	case errors.As(err, &opErr):
		// Structural problems with a single transaction surface during
		// validation.
		be.Code = ErrCodeInvalidBatch
		if opErr.TxnID != "" {
			be.TxnIDs = []string{opErr.TxnID}
		}
		be.Resource = opErr.Resource

	default:
		be.Code = fallbackCode(stage)
	}
	return be
}

// fallbackCode is the code for an unrecognized error from a stage.
func fallbackCode(stage Stage) Code {
	switch stage {
	case StageValidate:
		return ErrCodeInvalidBatch
	case StageGraph:
		return ErrCodeInvalidBatch
	case StageConflicts:
		return ErrCodeConflictResolution
	case StageExecute:
		return ErrCodeTransactionFailed
	case StageProve:
		return ErrCodeLinearizability
	case StageConserve:
		return ErrCodeConservation
	default:
		return ErrCodeAtomicCommit
	}
}

// cyclePath drops the repeated closing id of a cycle.
func cyclePath(cycle []string) []string {
	if n := len(cycle); n > 1 && cycle[0] == cycle[n-1] {
		return slices.Clone(cycle[:n-1])
	}
	return slices.Clone(cycle)
}

func nonEmptySorted(ids ...string) []string {
	var out []string
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// conversionTxns returns the sorted ids of transactions converting pair,
// or of every conversion when pair is empty.
func conversionTxns(txns []*txn.Transaction, pair string) []string {
	var out []string
	for _, t := range txns {
		if t.Conversion == nil {
			continue
		}
		if pair == "" || t.Conversion.Pair == pair {
			out = append(out, t.ID)
		}
	}
	slices.Sort(out)
	return out
}
