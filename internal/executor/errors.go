package executor

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimeoutError is returned when a level does not finish within the level
// timeout. None of the level's writes are merged.
type TimeoutError struct {
	Level   int
	Timeout time.Duration
	Pending []string // transactions that had not finished, sorted
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("level %d exceeded %s (pending: %s)", e.Level, e.Timeout, strings.Join(e.Pending, ", "))
}

// IsTimeoutError returns true if err is a level timeout.
// Uses errors.As to handle wrapped errors.
func IsTimeoutError(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// TxnError is returned when one or more transactions of a level fail.
// Err is the failure of TxnID, the lexicographically first failed
// transaction.
type TxnError struct {
	TxnID  string
	Level  int
	Failed []string
	Err    error
}

// Error implements the error interface.
func (e *TxnError) Error() string {
	if len(e.Failed) > 1 {
		return fmt.Sprintf("transaction %s failed in level %d (%d failures): %v", e.TxnID, e.Level, len(e.Failed), e.Err)
	}
	return fmt.Sprintf("transaction %s failed in level %d: %v", e.TxnID, e.Level, e.Err)
}

// Unwrap returns the underlying transaction failure.
func (e *TxnError) Unwrap() error {
	return e.Err
}

// IsTxnError returns true if err is a transaction failure.
func IsTxnError(err error) bool {
	var te *TxnError
	return errors.As(err, &te)
}
