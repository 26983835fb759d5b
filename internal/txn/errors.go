package txn

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode categorizes transaction-level failures.
type ErrorCode string

const (
	// ErrCodeInvalidOperation indicates a structurally invalid operation.
	ErrCodeInvalidOperation ErrorCode = "INVALID_OPERATION"

	// ErrCodeUndeclaredAccess indicates an operation touched a resource
	// outside the declared read/write sets.
	ErrCodeUndeclaredAccess ErrorCode = "UNDECLARED_ACCESS"

	// ErrCodeGuardFailed indicates an operation's guard did not hold.
	ErrCodeGuardFailed ErrorCode = "GUARD_FAILED"

	// ErrCodeOverflow indicates an operation would move a value outside
	// the int64 range of minor units.
	ErrCodeOverflow ErrorCode = "AMOUNT_OVERFLOW"
)

// OpError describes a failure of one operation of one transaction.
type OpError struct {
	Code     ErrorCode
	TxnID    string
	Index    int // operation index, -1 for transaction-level problems
	Resource string
	Message  string
}

// Error implements the error interface.
func (e *OpError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("%s: %s (txn=%s, op=%d, resource=%s)", e.Code, e.Message, e.TxnID, e.Index, e.Resource)
	}
	return fmt.Sprintf("%s: %s (txn=%s)", e.Code, e.Message, e.TxnID)
}

// IsGuardError returns true if err is a failed guard.
// Uses errors.As to handle wrapped errors.
func IsGuardError(err error) bool {
	var oe *OpError
	return errors.As(err, &oe) && oe.Code == ErrCodeGuardFailed
}

// InvalidBatchError is returned when a batch cannot be accepted at all.
type InvalidBatchError struct {
	Reason string
	TxnIDs []string
}

// Error implements the error interface.
func (e *InvalidBatchError) Error() string {
	if len(e.TxnIDs) == 0 {
		return "invalid batch: " + e.Reason
	}
	return fmt.Sprintf("invalid batch: %s [%s]", e.Reason, strings.Join(e.TxnIDs, ", "))
}
