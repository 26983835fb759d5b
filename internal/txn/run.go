package txn

import (
	"context"
	"fmt"

	"github.com/diotec-barros/diotec360-sub008/internal/fixedpoint"
)

// State is the view of resource values a transaction runs against.
// Missing resources read as zero.
type State interface {
	Get(resource string) int64
	Set(resource string, value int64)
}

// Observer is told about every value a transaction reads or writes, in
// operation order.
type Observer interface {
	OnRead(resource string, value int64)
	OnWrite(resource string, value int64)
}

// OpHook runs before each operation. A non-nil error aborts the
// transaction. Used for fault injection in tests.
type OpHook func(ctx context.Context, txnID string, index int, op Operation) error

// Run applies the transaction's operations to s in order.
//
// Guards are evaluated first and observed as reads. Access outside the
// declared sets fails with ErrCodeUndeclaredAccess even if Validate was
// skipped. obs and hook may be nil.
//
// Run stops at the first failing operation; the caller owns s and must
// discard it on error.
func (t *Transaction) Run(ctx context.Context, s State, obs Observer, hook OpHook) error {
	if obs == nil {
		obs = nopObserver{}
	}

	read := func(i int, r string) (int64, error) {
		if !t.Reads(r) {
			return 0, &OpError{Code: ErrCodeUndeclaredAccess, TxnID: t.ID, Index: i, Resource: r, Message: "read outside declared read set"}
		}
		v := s.Get(r)
		obs.OnRead(r, v)
		return v, nil
	}
	write := func(i int, r string, v int64) error {
		if !t.Writes(r) {
			return &OpError{Code: ErrCodeUndeclaredAccess, TxnID: t.ID, Index: i, Resource: r, Message: "write outside declared write set"}
		}
		s.Set(r, v)
		obs.OnWrite(r, v)
		return nil
	}
	overflow := func(i int, r string, err error) error {
		return &OpError{Code: ErrCodeOverflow, TxnID: t.ID, Index: i, Resource: r, Message: err.Error()}
	}

	for i, op := range t.Ops {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("transaction %s cancelled: %w", t.ID, err)
		}
		if hook != nil {
			if err := hook(ctx, t.ID, i, op); err != nil {
				return fmt.Errorf("transaction %s op %d: %w", t.ID, i, err)
			}
		}

		if g := op.Guard; g != nil {
			v, err := read(i, g.Resource)
			if err != nil {
				return err
			}
			if (g.Min != nil && v < *g.Min) || (g.Max != nil && v > *g.Max) {
				return &OpError{
					Code:     ErrCodeGuardFailed,
					TxnID:    t.ID,
					Index:    i,
					Resource: g.Resource,
					Message:  fmt.Sprintf("guard not satisfied by value %d", v),
				}
			}
		}

		switch op.Kind {
		case OpRead:
			if _, err := read(i, op.Resource); err != nil {
				return err
			}
		case OpSet:
			if err := write(i, op.Resource, op.Amount); err != nil {
				return err
			}
		case OpCredit, OpDebit:
			v, err := read(i, op.Resource)
			if err != nil {
				return err
			}
			if op.Kind == OpDebit {
				v, err = fixedpoint.Sub(v, op.Amount)
			} else {
				v, err = fixedpoint.Add(v, op.Amount)
			}
			if err != nil {
				return overflow(i, op.Resource, err)
			}
			if err := write(i, op.Resource, v); err != nil {
				return err
			}
		case OpTransfer:
			from, err := read(i, op.Resource)
			if err != nil {
				return err
			}
			to, err := read(i, op.To)
			if err != nil {
				return err
			}
			from, err = fixedpoint.Sub(from, op.Amount)
			if err != nil {
				return overflow(i, op.Resource, err)
			}
			to, err = fixedpoint.Add(to, op.Amount)
			if err != nil {
				return overflow(i, op.To, err)
			}
			if err := write(i, op.Resource, from); err != nil {
				return err
			}
			if err := write(i, op.To, to); err != nil {
				return err
			}
		default:
			return &OpError{Code: ErrCodeInvalidOperation, TxnID: t.ID, Index: i, Resource: op.Resource, Message: fmt.Sprintf("unknown operation kind %q", op.Kind)}
		}
	}
	return nil
}

type nopObserver struct{}

func (nopObserver) OnRead(string, int64)  {}
func (nopObserver) OnWrite(string, int64) {}

// MapState is a plain map-backed State used for serial re-execution.
type MapState map[string]int64

// Get implements State.
func (m MapState) Get(resource string) int64 { return m[resource] }

// Set implements State.
func (m MapState) Set(resource string, value int64) { m[resource] = value }

// Clone returns an independent copy.
func (m MapState) Clone() MapState {
	out := make(MapState, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
