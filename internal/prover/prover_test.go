package prover

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/anishathalye/porcupine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diotec-barros/diotec360-sub008/internal/executor"
	"github.com/diotec-barros/diotec360-sub008/internal/graph"
	"github.com/diotec-barros/diotec360-sub008/internal/txn"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	txns []*txn.Transaction
	g    *graph.Graph
	res  *executor.Result
}

func run(t *testing.T, initial map[string]int64, txns ...*txn.Transaction) fixture {
	t.Helper()
	g, err := graph.Build(txns)
	require.NoError(t, err)
	res, err := executor.New(executor.WithLogger(quietLogger())).Execute(context.Background(), txns, g, initial)
	require.NoError(t, err)
	return fixture{txns: txns, g: g, res: res}
}

func setThenCredit(t *testing.T) fixture {
	return run(t, map[string]int64{"X": 0, "Y": 10},
		txn.New("T1", txn.Operation{Kind: txn.OpSet, Resource: "X", Amount: 5}),
		txn.New("T2", txn.Operation{Kind: txn.OpCredit, Resource: "X", Amount: 1}),
		txn.New("T3", txn.Operation{Kind: txn.OpDebit, Resource: "Y", Amount: 3}),
	)
}

// =============================================================================
// Prove
// =============================================================================

func TestProve_ValidExecution(t *testing.T) {
	fx := setThenCredit(t)
	p := New(WithLogger(quietLogger()))

	proof, err := p.Prove(context.Background(), fx.res, fx.txns, fx.g)
	require.NoError(t, err)

	assert.True(t, proof.Valid)
	assert.Equal(t, []string{"T1", "T3", "T2"}, proof.Witness)
	assert.Nil(t, proof.Counterexample)
	assert.Len(t, proof.FormulaHash, 64)
}

func TestProve_TamperedReadIsViolation(t *testing.T) {
	fx := setThenCredit(t)
	for i, ev := range fx.res.Trace {
		if ev.TxnID == "T2" && ev.Kind == executor.EventRead {
			fx.res.Trace[i].Value = 0
		}
	}

	proof, err := New(WithLogger(quietLogger())).Prove(context.Background(), fx.res, fx.txns, fx.g)
	require.Error(t, err)
	assert.True(t, IsViolation(err))
	require.NotNil(t, proof)
	assert.False(t, proof.Valid)
	assert.Equal(t, &Counterexample{Resource: "X", A: "T1", B: "T2", Expected: 5, Actual: 0}, proof.Counterexample)
}

func TestProve_TamperedFinalStateIsViolation(t *testing.T) {
	fx := setThenCredit(t)
	fx.res.FinalStates["X"] = 999

	proof, err := New(WithLogger(quietLogger())).Prove(context.Background(), fx.res, fx.txns, fx.g)
	require.Error(t, err)

	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, &Counterexample{Resource: "X", A: "T2", B: "T2", Expected: 6, Actual: 999}, v.Counterexample)
	assert.Contains(t, err.Error(), "resource X")
	assert.False(t, proof.Valid)
}

type stubSolver struct {
	v     Verdict
	err   error
	calls int
}

func (s *stubSolver) Solve(context.Context, *Formula) (Verdict, error) {
	s.calls++
	return s.v, s.err
}

func TestProve_UnknownIsNeverAPass(t *testing.T) {
	fx := setThenCredit(t)
	p := New(WithLogger(quietLogger()), WithSolver(&stubSolver{err: ErrUnknown}))

	proof, err := p.Prove(context.Background(), fx.res, fx.txns, fx.g)
	require.Error(t, err)
	assert.Nil(t, proof)
	assert.ErrorIs(t, err, ErrUnknown)
	assert.False(t, IsViolation(err))
}

func TestProve_MissingCommitInTrace(t *testing.T) {
	fx := setThenCredit(t)
	var trimmed []executor.Event
	for _, ev := range fx.res.Trace {
		if !(ev.TxnID == "T3" && ev.Kind == executor.EventCommit) {
			trimmed = append(trimmed, ev)
		}
	}
	fx.res.Trace = trimmed

	_, err := New(WithLogger(quietLogger())).Prove(context.Background(), fx.res, fx.txns, fx.g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "T3")
}

// =============================================================================
// CachedSolver
// =============================================================================

func TestCachedSolver_MemoizesByFormula(t *testing.T) {
	fx := setThenCredit(t)
	inner := &stubSolver{v: Verdict{Sat: true, Witness: []string{"T1", "T3", "T2"}}}
	cached := NewCachedSolver(inner, 4)

	f, err := NewFormula(fx.res, fx.txns, fx.g)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		v, err := cached.Solve(context.Background(), f)
		require.NoError(t, err)
		assert.True(t, v.Sat)
	}
	assert.Equal(t, 1, inner.calls)
	hits, misses := cached.Stats()
	assert.Equal(t, 2, hits)
	assert.Equal(t, 1, misses)

	// A different final state is a different obligation.
	f.Final = map[string]int64{"X": 1}
	_, err = cached.Solve(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestCachedSolver_ErrorsNotCached(t *testing.T) {
	fx := setThenCredit(t)
	inner := &stubSolver{err: errors.New("backend down")}
	cached := NewCachedSolver(inner, 4)

	f, err := NewFormula(fx.res, fx.txns, fx.g)
	require.NoError(t, err)

	_, err = cached.Solve(context.Background(), f)
	require.Error(t, err)
	_, err = cached.Solve(context.Background(), f)
	require.Error(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestCachedSolver_ZeroSizeDisablesCache(t *testing.T) {
	fx := setThenCredit(t)
	f, err := NewFormula(fx.res, fx.txns, fx.g)
	require.NoError(t, err)

	for _, size := range []int{0, -1} {
		inner := &stubSolver{v: Verdict{Sat: true}}
		cached := NewCachedSolver(inner, size)
		for i := 0; i < 3; i++ {
			_, err := cached.Solve(context.Background(), f)
			require.NoError(t, err)
		}
		assert.Equal(t, 3, inner.calls, "size %d", size)
		hits, misses := cached.Stats()
		assert.Zero(t, hits)
		assert.Equal(t, 3, misses)
	}
}

func TestFormula_HashStable(t *testing.T) {
	build := func() *Formula {
		txns := []*txn.Transaction{
			txn.New("T1", txn.Operation{Kind: txn.OpSet, Resource: "X", Amount: 5}),
			txn.New("T2", txn.Operation{Kind: txn.OpCredit, Resource: "X", Amount: 1}),
			txn.New("T3", txn.Operation{Kind: txn.OpDebit, Resource: "Y", Amount: 3}),
		}
		g, err := graph.Build(txns)
		require.NoError(t, err)
		// One worker makes the logical seqs deterministic.
		ex := executor.New(executor.WithWorkers(1), executor.WithLogger(quietLogger()))
		res, err := ex.Execute(context.Background(), txns, g, map[string]int64{"Y": 10})
		require.NoError(t, err)
		f, err := NewFormula(res, txns, g)
		require.NoError(t, err)
		return f
	}

	fa, fb := build(), build()
	for _, o := range fb.Observations {
		o.Thread = 99
	}
	ha, err := fa.Hash()
	require.NoError(t, err)
	hb, err := fb.Hash()
	require.NoError(t, err)
	assert.Equal(t, ha, hb, "hash must not depend on thread ids")

	fb.Initial["Y"] = 11
	hc, err := fb.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}

// =============================================================================
// Observe / Replay / partitions
// =============================================================================

func TestObserve_FirstReadBeforeOwnWrite(t *testing.T) {
	trace := []executor.Event{
		{Seq: 1, Kind: executor.EventStart, TxnID: "T1"},
		{Seq: 2, Kind: executor.EventRead, TxnID: "T1", Resource: "x", Value: 4},
		{Seq: 3, Kind: executor.EventWrite, TxnID: "T1", Resource: "x", Value: 5},
		{Seq: 4, Kind: executor.EventRead, TxnID: "T1", Resource: "x", Value: 5},
		{Seq: 5, Kind: executor.EventWrite, TxnID: "T1", Resource: "x", Value: 6},
		{Seq: 6, Kind: executor.EventCommit, TxnID: "T1"},
		{Seq: 7, Kind: executor.EventStart, TxnID: "T2"},
	}
	obs, err := Observe(trace)
	require.NoError(t, err)

	require.Len(t, obs, 1, "uncommitted transactions are dropped")
	o := obs["T1"]
	assert.Equal(t, map[string]int64{"x": 4}, o.Reads)
	assert.Equal(t, map[string]int64{"x": 6}, o.Writes)
	assert.Equal(t, int64(1), o.Call)
	assert.Equal(t, int64(6), o.Return)
}

func TestObserve_Malformed(t *testing.T) {
	_, err := Observe([]executor.Event{{Seq: 1, Kind: executor.EventRead, TxnID: "T1", Resource: "x"}})
	assert.Error(t, err)

	_, err = Observe([]executor.Event{
		{Seq: 1, Kind: executor.EventStart, TxnID: "T1"},
		{Seq: 2, Kind: executor.EventStart, TxnID: "T1"},
	})
	assert.Error(t, err)
}

func TestReplay_Serial(t *testing.T) {
	txns := []*txn.Transaction{
		txn.New("A", txn.Operation{Kind: txn.OpTransfer, Resource: "x", To: "y", Amount: 3}),
		txn.New("B", txn.Operation{Kind: txn.OpSet, Resource: "x", Amount: 1}),
	}
	rep, err := Replay(context.Background(), txns, []string{"A", "B"}, map[string]int64{"x": 10})
	require.NoError(t, err)

	assert.Equal(t, map[string]int64{"x": 1, "y": 3}, rep.Final)
	assert.Equal(t, "B", rep.LastWriter["x"])
	assert.Equal(t, "A", rep.LastWriter["y"])
	assert.Equal(t, map[string]int64{"x": 10, "y": 0}, rep.Observations["A"].Reads)
}

func TestReplay_Errors(t *testing.T) {
	txns := []*txn.Transaction{txn.New("A", txn.Operation{Kind: txn.OpSet, Resource: "x", Amount: 1})}

	_, err := Replay(context.Background(), txns, []string{"Z"}, nil)
	assert.Error(t, err)

	_, err = Replay(context.Background(), txns, []string{"A", "A"}, nil)
	assert.Error(t, err)
}

func TestPartitionByResource(t *testing.T) {
	op := func(t *txn.Transaction) porcupine.Operation { return porcupine.Operation{Input: t} }
	history := []porcupine.Operation{
		op(txn.New("A", txn.Operation{Kind: txn.OpSet, Resource: "x", Amount: 1})),
		op(txn.New("B", txn.Operation{Kind: txn.OpSet, Resource: "z", Amount: 1})),
		op(txn.New("C", txn.Operation{Kind: txn.OpTransfer, Resource: "x", To: "y", Amount: 1})),
		op(txn.New("D", txn.Operation{Kind: txn.OpRead, Resource: "y"})),
	}

	parts := partitionByResource(history)
	require.Len(t, parts, 2)

	ids := func(ops []porcupine.Operation) []string {
		var out []string
		for _, o := range ops {
			out = append(out, o.Input.(*txn.Transaction).ID)
		}
		return out
	}
	assert.Equal(t, []string{"A", "C", "D"}, ids(parts[0]))
	assert.Equal(t, []string{"B"}, ids(parts[1]))
}
