package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diotec-barros/diotec360-sub008/internal/graph"
	"github.com/diotec-barros/diotec360-sub008/internal/txn"
)

func ptr(v int64) *int64 { return &v }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func execute(t *testing.T, ex *Executor, initial map[string]int64, txns ...*txn.Transaction) (*Result, error) {
	t.Helper()
	g, err := graph.Build(txns)
	require.NoError(t, err)
	return ex.Execute(context.Background(), txns, g, initial)
}

func transfer(id, from, to string, amount int64) *txn.Transaction {
	return txn.New(id, txn.Operation{Kind: txn.OpTransfer, Resource: from, To: to, Amount: amount})
}

// serial runs txns one by one in the given order on a plain map.
func serial(t *testing.T, initial map[string]int64, order []string, txns ...*txn.Transaction) map[string]int64 {
	t.Helper()
	byID := map[string]*txn.Transaction{}
	for _, tx := range txns {
		byID[tx.ID] = tx
	}
	state := txn.MapState(copyValues(initial))
	for _, id := range order {
		require.NoError(t, byID[id].Run(context.Background(), state, nil, nil))
	}
	return state
}

// =============================================================================
// Execution
// =============================================================================

func TestExecute_IndependentPairRunsInOneLevel(t *testing.T) {
	ex := New(WithLogger(quietLogger()))
	res, err := execute(t, ex,
		map[string]int64{"X": 100, "Y": 0, "Z": 50, "W": 0},
		transfer("T1", "X", "Y", 10),
		transfer("T2", "Z", "W", 5),
	)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"T1", "T2"}}, res.ParallelGroups)
	assert.Equal(t, map[string]int64{"X": 90, "Y": 10, "Z": 45, "W": 5}, res.FinalStates)
	assert.Equal(t, 2, res.ThreadCount)
	assert.Equal(t, []string{"T1", "T2"}, res.Completed)
	assert.Equal(t, map[string]int64{"X": -10, "Y": 10}, res.Outcomes["T1"].Effects)
	assert.Equal(t, map[string]int64{"X": 100, "Y": 0}, res.Outcomes["T1"].Reads)
}

func TestExecute_WAWLastWriterFollowsResolvedOrder(t *testing.T) {
	for i := 0; i < 10; i++ {
		res, err := execute(t, New(WithLogger(quietLogger())), nil,
			txn.New("T2", txn.Operation{Kind: txn.OpSet, Resource: "X", Amount: 200}),
			txn.New("T1", txn.Operation{Kind: txn.OpSet, Resource: "X", Amount: 100}),
		)
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"T1"}, {"T2"}}, res.ParallelGroups)
		assert.Equal(t, int64(200), res.FinalStates["X"])
	}
}

func TestExecute_EquivalentToSerialTopologicalOrder(t *testing.T) {
	txns := []*txn.Transaction{
		transfer("A", "x", "y", 5),
		transfer("B", "y", "z", 3),
		txn.New("C", txn.Operation{Kind: txn.OpCredit, Resource: "x", Amount: 7}),
		transfer("D", "p", "q", 1),
		txn.New("E", txn.Operation{Kind: txn.OpRead, Resource: "z"}, txn.Operation{Kind: txn.OpSet, Resource: "r", Amount: 9}),
	}
	initial := map[string]int64{"x": 10, "y": 10, "z": 10, "p": 1, "q": 0}

	g, err := graph.Build(txns)
	require.NoError(t, err)
	order, err := g.TopologicalOrder()
	require.NoError(t, err)

	res, err := New(WithWorkers(3), WithLogger(quietLogger())).Execute(context.Background(), txns, g, initial)
	require.NoError(t, err)

	assert.Equal(t, serial(t, initial, order, txns...), res.FinalStates)
	assert.Equal(t, initial, res.Initial)
}

func TestExecute_WorkerPoolBounded(t *testing.T) {
	var txns []*txn.Transaction
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		txns = append(txns, txn.New(id, txn.Operation{Kind: txn.OpSet, Resource: "r-" + id, Amount: 1}))
	}
	res, err := execute(t, New(WithWorkers(2), WithLogger(quietLogger())), nil, txns...)
	require.NoError(t, err)

	assert.Equal(t, 2, res.ThreadCount)
	for _, ev := range res.Trace {
		assert.Less(t, ev.ThreadID, 2)
	}
}

func TestExecute_Empty(t *testing.T) {
	res, err := execute(t, New(), map[string]int64{"x": 1})
	require.NoError(t, err)
	assert.Empty(t, res.ParallelGroups)
	assert.Equal(t, map[string]int64{"x": 1}, res.FinalStates)
	assert.Zero(t, res.ThreadCount)
}

// =============================================================================
// Trace
// =============================================================================

func TestExecute_TraceShape(t *testing.T) {
	res, err := execute(t, New(WithLogger(quietLogger())),
		map[string]int64{"X": 100},
		transfer("T1", "X", "Y", 10),
		txn.New("T2", txn.Operation{Kind: txn.OpRead, Resource: "Y"}),
	)
	require.NoError(t, err)

	var seq int64
	perTxn := map[string][]EventKind{}
	for _, ev := range res.Trace {
		assert.Greater(t, ev.Seq, seq, "seq must strictly increase")
		seq = ev.Seq
		perTxn[ev.TxnID] = append(perTxn[ev.TxnID], ev.Kind)
	}

	assert.Equal(t, []EventKind{EventStart, EventRead, EventRead, EventWrite, EventWrite, EventCommit}, perTxn["T1"])
	assert.Equal(t, []EventKind{EventStart, EventRead, EventCommit}, perTxn["T2"])

	// T2 is in a later level, so all of its events follow T1's commit.
	last := res.Trace[len(res.Trace)-1]
	assert.Equal(t, "T2", last.TxnID)
	assert.Equal(t, EventCommit, last.Kind)
}

func TestExecute_SharedClockContinues(t *testing.T) {
	clock := NewClockAt(100)
	res, err := execute(t, New(WithClock(clock), WithLogger(quietLogger())), nil,
		txn.New("T1", txn.Operation{Kind: txn.OpSet, Resource: "X", Amount: 1}))
	require.NoError(t, err)
	assert.Equal(t, int64(101), res.Trace[0].Seq)
}

// =============================================================================
// Failures
// =============================================================================

func TestExecute_GuardFailureDropsContributionAndStops(t *testing.T) {
	res, err := execute(t, New(WithLogger(quietLogger())),
		map[string]int64{"A": 5, "B": 100},
		txn.New("T1", txn.Operation{Kind: txn.OpDebit, Resource: "A", Amount: 10, Guard: &txn.Guard{Resource: "A", Min: ptr(10)}}),
		txn.New("T2", txn.Operation{Kind: txn.OpDebit, Resource: "B", Amount: 10}),
		txn.New("T3", txn.Operation{Kind: txn.OpCredit, Resource: "B", Amount: 1}),
	)
	require.Error(t, err)
	assert.True(t, IsTxnError(err))
	assert.True(t, txn.IsGuardError(err))

	var te *TxnError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "T1", te.TxnID)
	assert.Equal(t, 0, te.Level)
	assert.Equal(t, []string{"T1"}, te.Failed)

	// T2 finished its level, T3 (next level) never ran.
	require.NotNil(t, res)
	assert.Equal(t, []string{"T2"}, res.Completed)
	assert.Equal(t, int64(5), res.FinalStates["A"])
	assert.Equal(t, int64(90), res.FinalStates["B"])
	for _, ev := range res.Trace {
		assert.NotEqual(t, "T3", ev.TxnID)
		if ev.TxnID == "T1" {
			assert.NotEqual(t, EventCommit, ev.Kind)
		}
	}
}

func TestExecute_EffectOverflowFailsTransaction(t *testing.T) {
	res, err := execute(t, New(WithLogger(quietLogger())),
		map[string]int64{"X": -1},
		txn.New("T1", txn.Operation{Kind: txn.OpSet, Resource: "X", Amount: math.MaxInt64}),
	)
	require.Error(t, err)

	var oe *txn.OpError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, txn.ErrCodeOverflow, oe.Code)
	assert.Equal(t, "X", oe.Resource)

	require.NotNil(t, res)
	assert.Empty(t, res.Completed)
	assert.Equal(t, int64(-1), res.FinalStates["X"])
	for _, ev := range res.Trace {
		assert.NotEqual(t, EventCommit, ev.Kind)
	}
}

func TestExecute_HookFailure(t *testing.T) {
	boom := errors.New("boom")
	ex := New(WithLogger(quietLogger()), WithOpHook(func(_ context.Context, id string, _ int, _ txn.Operation) error {
		if id == "T2" {
			return boom
		}
		return nil
	}))

	_, err := execute(t, ex, nil,
		txn.New("T1", txn.Operation{Kind: txn.OpSet, Resource: "a", Amount: 1}),
		txn.New("T2", txn.Operation{Kind: txn.OpSet, Resource: "b", Amount: 1}),
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestExecute_LevelTimeout(t *testing.T) {
	var started atomic.Int32
	ex := New(
		WithLogger(quietLogger()),
		WithLevelTimeout(50*time.Millisecond),
		WithOpHook(func(ctx context.Context, id string, _ int, _ txn.Operation) error {
			started.Add(1)
			if id == "slow" {
				<-ctx.Done()
				return ctx.Err()
			}
			return nil
		}),
	)

	res, err := execute(t, ex, map[string]int64{"a": 1},
		txn.New("fast", txn.Operation{Kind: txn.OpSet, Resource: "a", Amount: 2}),
		txn.New("slow", txn.Operation{Kind: txn.OpSet, Resource: "b", Amount: 2}),
	)
	require.Error(t, err)
	assert.True(t, IsTimeoutError(err))

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 0, te.Level)
	assert.Equal(t, []string{"slow"}, te.Pending)

	// Nothing of the timed-out level is merged.
	assert.Equal(t, map[string]int64{"a": 1}, res.FinalStates)
	assert.Empty(t, res.Completed)
}

func TestExecute_ParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	txns := []*txn.Transaction{txn.New("T1", txn.Operation{Kind: txn.OpSet, Resource: "a", Amount: 1})}
	g, err := graph.Build(txns)
	require.NoError(t, err)

	_, err = New(WithLogger(quietLogger())).Execute(ctx, txns, g, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsTimeoutError(err))
}

func TestExecute_CycleRejected(t *testing.T) {
	_, err := execute(t, New(), nil,
		txn.New("A", txn.Operation{Kind: txn.OpRead, Resource: "x"}).After("B"),
		txn.New("B", txn.Operation{Kind: txn.OpRead, Resource: "x"}).After("A"),
	)
	assert.True(t, graph.IsCycleError(err))
}
