package txn

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v int64) *int64 { return &v }

type recorder struct {
	reads  []string
	writes []string
}

func (r *recorder) OnRead(res string, _ int64)  { r.reads = append(r.reads, res) }
func (r *recorder) OnWrite(res string, _ int64) { r.writes = append(r.writes, res) }

func TestDeriveSets(t *testing.T) {
	reads, writes := DeriveSets([]Operation{
		{Kind: OpTransfer, Resource: "x", To: "y", Amount: 10},
		{Kind: OpRead, Resource: "a"},
		{Kind: OpSet, Resource: "z", Amount: 1, Guard: &Guard{Resource: "a", Min: ptr(0)}},
	})

	assert.Equal(t, []string{"a", "x", "y"}, reads)
	assert.Equal(t, []string{"x", "y", "z"}, writes)
}

func TestDeriveSets_Empty(t *testing.T) {
	reads, writes := DeriveSets(nil)
	assert.Equal(t, []string{}, reads)
	assert.Equal(t, []string{}, writes)
}

func TestRun_Transfer(t *testing.T) {
	tx := New("T1", Operation{Kind: OpTransfer, Resource: "x", To: "y", Amount: 10})
	state := MapState{"x": 100, "y": 5}
	rec := &recorder{}

	require.NoError(t, tx.Run(context.Background(), state, rec, nil))

	assert.Equal(t, int64(90), state["x"])
	assert.Equal(t, int64(15), state["y"])
	assert.Equal(t, []string{"x", "y"}, rec.reads)
	assert.Equal(t, []string{"x", "y"}, rec.writes)
}

func TestRun_CreditDebitSet(t *testing.T) {
	tx := New("T1",
		Operation{Kind: OpCredit, Resource: "a", Amount: 7},
		Operation{Kind: OpDebit, Resource: "b", Amount: 3},
		Operation{Kind: OpSet, Resource: "c", Amount: 42},
	)
	state := MapState{"a": 1, "b": 10}

	require.NoError(t, tx.Run(context.Background(), state, nil, nil))

	assert.Equal(t, MapState{"a": 8, "b": 7, "c": 42}, state)
}

func TestRun_GuardFailure(t *testing.T) {
	tx := New("T1", Operation{
		Kind:     OpDebit,
		Resource: "x",
		Amount:   50,
		Guard:    &Guard{Resource: "x", Min: ptr(50)},
	})
	err := tx.Run(context.Background(), MapState{"x": 49}, nil, nil)

	require.Error(t, err)
	assert.True(t, IsGuardError(err))
	var oe *OpError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, "T1", oe.TxnID)
	assert.Equal(t, "x", oe.Resource)
}

func TestRun_UndeclaredAccess(t *testing.T) {
	tx := &Transaction{
		ID:       "T1",
		Ops:      []Operation{{Kind: OpCredit, Resource: "x", Amount: 1}},
		ReadSet:  []string{"x"},
		WriteSet: []string{},
	}
	err := tx.Run(context.Background(), MapState{}, nil, nil)

	var oe *OpError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, ErrCodeUndeclaredAccess, oe.Code)
}

func TestRun_OverflowIsOpError(t *testing.T) {
	tests := []struct {
		name     string
		op       Operation
		state    MapState
		resource string
	}{
		{"credit past max", Operation{Kind: OpCredit, Resource: "x", Amount: math.MaxInt64}, MapState{"x": 1}, "x"},
		{"debit past min", Operation{Kind: OpDebit, Resource: "x", Amount: 1}, MapState{"x": math.MinInt64}, "x"},
		{"transfer into full account", Operation{Kind: OpTransfer, Resource: "x", To: "y", Amount: 2}, MapState{"x": 10, "y": math.MaxInt64 - 1}, "y"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.state.Clone()
			err := New("T1", tt.op).Run(context.Background(), tt.state, nil, nil)

			var oe *OpError
			require.ErrorAs(t, err, &oe)
			assert.Equal(t, ErrCodeOverflow, oe.Code)
			assert.Equal(t, tt.resource, oe.Resource)
			assert.Equal(t, before, tt.state, "nothing is written on overflow")
		})
	}
}

func TestRun_HookAborts(t *testing.T) {
	boom := errors.New("boom")
	tx := New("T1", Operation{Kind: OpCredit, Resource: "x", Amount: 1})
	hook := func(ctx context.Context, id string, i int, op Operation) error { return boom }

	err := tx.Run(context.Background(), MapState{}, nil, hook)
	assert.ErrorIs(t, err, boom)
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tx := New("T1", Operation{Kind: OpCredit, Resource: "x", Amount: 1})

	err := tx.Run(ctx, MapState{}, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestValidate_UndeclaredStatic(t *testing.T) {
	tx := &Transaction{
		ID:      "T1",
		Ops:     []Operation{{Kind: OpRead, Resource: "x"}},
		ReadSet: []string{"y"},
	}
	err := tx.Validate()

	var oe *OpError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, ErrCodeUndeclaredAccess, oe.Code)
	assert.Equal(t, 0, oe.Index)
}

func TestValidate_NormalizesSets(t *testing.T) {
	tx := &Transaction{ID: "T1", ReadSet: []string{"b", "a", "b"}, WriteSet: nil}
	require.NoError(t, tx.Validate())
	assert.Equal(t, []string{"a", "b"}, tx.ReadSet)
	assert.Equal(t, []string{}, tx.WriteSet)
}

func TestValidate_RejectsBadOps(t *testing.T) {
	tests := []struct {
		name string
		op   Operation
	}{
		{"unknown kind", Operation{Kind: "mint", Resource: "x"}},
		{"missing resource", Operation{Kind: OpRead}},
		{"negative amount", Operation{Kind: OpCredit, Resource: "x", Amount: -1}},
		{"self transfer", Operation{Kind: OpTransfer, Resource: "x", To: "x", Amount: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := New("T1", tt.op)
			assert.Error(t, tx.Validate())
		})
	}
}

func TestBatchValidate_DuplicateIDs(t *testing.T) {
	b := Batch{Transactions: []*Transaction{
		New("T2", Operation{Kind: OpRead, Resource: "x"}),
		New("T1", Operation{Kind: OpRead, Resource: "x"}),
		New("T2", Operation{Kind: OpRead, Resource: "y"}),
	}}
	err := b.Validate()

	require.Error(t, err)
	assert.True(t, IsInvalidBatch(err))
	var ib *InvalidBatchError
	require.True(t, errors.As(err, &ib))
	assert.Equal(t, []string{"T2"}, ib.TxnIDs)
}

func TestBatchValidate_UnknownDependency(t *testing.T) {
	b := Batch{Transactions: []*Transaction{
		New("T1", Operation{Kind: OpRead, Resource: "x"}).After("T9"),
	}}
	err := b.Validate()
	assert.True(t, IsInvalidBatch(err))
}

func TestBatchValidate_SelfDependency(t *testing.T) {
	b := Batch{Transactions: []*Transaction{
		New("T1", Operation{Kind: OpRead, Resource: "x"}).After("T1"),
	}}
	assert.True(t, IsInvalidBatch(b.Validate()))
}

func TestAsset(t *testing.T) {
	assert.Equal(t, "USD", Asset("alice:USD"))
	assert.Equal(t, DefaultAsset, Asset("alice"))
	assert.Equal(t, DefaultAsset, Asset("alice:"))
}

func TestConversionPair(t *testing.T) {
	c := Conversion{Pair: "ETH/USD"}
	assert.Equal(t, "ETH", c.Base())
	assert.Equal(t, "USD", c.Quote())
}

func TestMapStateClone(t *testing.T) {
	m := MapState{"x": 1}
	c := m.Clone()
	c["x"] = 2
	assert.Equal(t, int64(1), m["x"])
}
