package txn

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Validate checks the structural well-formedness of a transaction and
// normalizes its read and write sets (sorted, deduplicated).
func (t *Transaction) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return &OpError{Code: ErrCodeInvalidOperation, Index: -1, Message: "transaction id is required"}
	}
	t.ReadSet = normalizeSet(t.ReadSet)
	t.WriteSet = normalizeSet(t.WriteSet)

	for i, op := range t.Ops {
		if err := t.validateOp(i, op); err != nil {
			return err
		}
	}
	if t.Conversion != nil && (t.Conversion.Base() == "" || t.Conversion.Quote() == "") {
		return &OpError{
			Code:    ErrCodeInvalidOperation,
			TxnID:   t.ID,
			Index:   -1,
			Message: fmt.Sprintf("conversion pair %q must be BASE/QUOTE", t.Conversion.Pair),
		}
	}
	return nil
}

func (t *Transaction) validateOp(i int, op Operation) error {
	invalid := func(msg string) error {
		return &OpError{Code: ErrCodeInvalidOperation, TxnID: t.ID, Index: i, Resource: op.Resource, Message: msg}
	}
	undeclared := func(resource, set string) error {
		return &OpError{
			Code:     ErrCodeUndeclaredAccess,
			TxnID:    t.ID,
			Index:    i,
			Resource: resource,
			Message:  fmt.Sprintf("resource not in declared %s set", set),
		}
	}

	if !ValidOpKinds[op.Kind] {
		return invalid(fmt.Sprintf("unknown operation kind %q", op.Kind))
	}
	if op.Resource == "" {
		return invalid("resource is required")
	}
	if op.Amount < 0 {
		return invalid("amount must not be negative")
	}
	if op.Guard != nil {
		if op.Guard.Resource == "" {
			return invalid("guard resource is required")
		}
		if !t.Reads(op.Guard.Resource) {
			return undeclared(op.Guard.Resource, "read")
		}
	}

	switch op.Kind {
	case OpRead:
		if !t.Reads(op.Resource) {
			return undeclared(op.Resource, "read")
		}
	case OpSet:
		if !t.Writes(op.Resource) {
			return undeclared(op.Resource, "write")
		}
	case OpCredit, OpDebit:
		if !t.Reads(op.Resource) {
			return undeclared(op.Resource, "read")
		}
		if !t.Writes(op.Resource) {
			return undeclared(op.Resource, "write")
		}
	case OpTransfer:
		if op.To == "" || op.To == op.Resource {
			return invalid("transfer needs a distinct target")
		}
		for _, r := range []string{op.Resource, op.To} {
			if !t.Reads(r) {
				return undeclared(r, "read")
			}
			if !t.Writes(r) {
				return undeclared(r, "write")
			}
		}
	}
	return nil
}

// Validate checks batch construction rules: every transaction is well
// formed, ids are unique within the batch and every DependsOn reference
// names another transaction of the batch.
//
// Duplicate ids are reported all at once, sorted, so the same bad batch
// always yields the same error.
func (b Batch) Validate() error {
	seen := make(map[string]bool, len(b.Transactions))
	var dups []string
	for _, t := range b.Transactions {
		if t == nil {
			return &InvalidBatchError{Reason: "nil transaction"}
		}
		if err := t.Validate(); err != nil {
			return fmt.Errorf("transaction %q: %w", t.ID, err)
		}
		if seen[t.ID] {
			dups = append(dups, t.ID)
		}
		seen[t.ID] = true
	}
	if len(dups) > 0 {
		slices.Sort(dups)
		return &InvalidBatchError{Reason: "duplicate transaction ids", TxnIDs: slices.Compact(dups)}
	}

	for _, t := range b.Transactions {
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return &InvalidBatchError{Reason: "transaction depends on itself", TxnIDs: []string{t.ID}}
			}
			if !seen[dep] {
				return &InvalidBatchError{
					Reason: fmt.Sprintf("unknown dependency %q", dep),
					TxnIDs: []string{t.ID},
				}
			}
		}
	}
	return nil
}

// IsInvalidBatch returns true if err is a batch construction error.
func IsInvalidBatch(err error) bool {
	var ib *InvalidBatchError
	return errors.As(err, &ib)
}
