package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diotec-barros/diotec360-sub008/internal/commit"
	"github.com/diotec-barros/diotec360-sub008/internal/executor"
)

// ============================================================================
// Open / schema
// ============================================================================

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	want := map[string]string{
		"journal_mode": "wal",
		"foreign_keys": "1",
		"busy_timeout": "5000",
		"user_version": "1",
	}
	for name, expected := range want {
		got, err := s.pragmaValue(name)
		require.NoError(t, err)
		assert.Equal(t, expected, got, name)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Seed(context.Background(), map[string]int64{"a": 5}))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Resources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"a": 5}, got)
}

func TestOpen_NewerSchemaRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.DB().Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}

// ============================================================================
// Resources
// ============================================================================

func TestLoad_MissingReadsZero(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Seed(ctx, map[string]int64{"a": 100}))

	got, err := s.Load(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"a": 100, "b": 0}, got)
}

func TestSeed_Overwrites(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Seed(ctx, map[string]int64{"a": 1, "b": 2}))
	require.NoError(t, s.Seed(ctx, map[string]int64{"a": 10}))

	got, err := s.Resources(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"a": 10, "b": 2}, got)
}

// ============================================================================
// CommitBatch
// ============================================================================

func TestCommitBatch_WritesEverything(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Seed(ctx, map[string]int64{"a": 100}))

	rec := createTestRecord("batch-1")
	require.NoError(t, s.CommitBatch(ctx, rec))

	got, err := s.Resources(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"a": 70, "b": 30}, got)

	b, err := s.Batch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, "transfer", b.Name)
	assert.Equal(t, commit.StatusCommitted, b.Status)
	assert.Equal(t, [][]string{{"t1"}}, b.Levels)
	assert.Equal(t, []string{"t1"}, b.Witness)
	assert.Equal(t, rec.Initial, b.PreState)
	assert.Equal(t, rec.Final, b.FinalState)
	assert.Equal(t, testTime, b.RecordedAt)
	require.Len(t, b.Transactions, 1)
	assert.Equal(t, rec.Transactions[0], b.Transactions[0])

	events, err := s.Trace(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Trace, events)
}

func TestCommitBatch_StaleStateWritesNothing(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Seed(ctx, map[string]int64{"a": 90}))

	err := s.CommitBatch(ctx, createTestRecord("batch-1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStaleState))

	got, err := s.Resources(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"a": 90}, got)

	_, err = s.Batch(ctx, "batch-1")
	assert.ErrorIs(t, err, ErrBatchNotFound)

	events, err := s.Trace(ctx, "batch-1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCommitBatch_DuplicateRejected(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Seed(ctx, map[string]int64{"a": 100}))
	require.NoError(t, s.CommitBatch(ctx, createTestRecord("batch-1")))

	// Restore the pre-state so only the duplicate id can fail.
	require.NoError(t, s.Seed(ctx, map[string]int64{"a": 100, "b": 0}))
	err := s.CommitBatch(ctx, createTestRecord("batch-1"))
	assert.ErrorIs(t, err, ErrDuplicateBatch)
}

func TestCommitBatch_RequiresCommittedStatus(t *testing.T) {
	s := createTestStore(t)
	rec := createTestRecord("batch-1")
	rec.Status = commit.StatusRolledBack

	err := s.CommitBatch(context.Background(), rec)
	require.Error(t, err)
}

// ============================================================================
// RecordRollback
// ============================================================================

func TestRecordRollback_LeavesResources(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Seed(ctx, map[string]int64{"a": 100}))

	rec := createTestRecord("batch-2")
	rec.Status = commit.StatusRolledBack
	rec.Failure = commit.Failure{Stage: "prove", Code: "LINEARIZABILITY_VIOLATION", Message: "counterexample"}
	require.NoError(t, s.RecordRollback(ctx, rec))

	got, err := s.Resources(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"a": 100}, got)

	b, err := s.Batch(ctx, "batch-2")
	require.NoError(t, err)
	assert.Equal(t, commit.StatusRolledBack, b.Status)
	assert.Equal(t, "prove", b.Stage)
	assert.Equal(t, "LINEARIZABILITY_VIOLATION", b.Code)
	assert.Empty(t, b.FinalState)

	events, err := s.Trace(ctx, "batch-2")
	require.NoError(t, err)
	assert.Len(t, events, 6)
}

func TestRecordRollback_RejectsCommittedStatus(t *testing.T) {
	s := createTestStore(t)
	err := s.RecordRollback(context.Background(), createTestRecord("batch-1"))
	require.Error(t, err)
}

func TestBatches_MostRecentFirst(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	older := createTestRecord("batch-a")
	older.Status = commit.StatusRejected
	older.Trace = nil
	newer := createTestRecord("batch-b")
	newer.Status = commit.StatusRolledBack
	newer.At = testTime.Add(1)

	require.NoError(t, s.RecordRollback(ctx, older))
	require.NoError(t, s.RecordRollback(ctx, newer))

	all, err := s.Batches(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "batch-b", all[0].ID)
	assert.Equal(t, "batch-a", all[1].ID)

	one, err := s.Batches(ctx, 1)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "batch-b", one[0].ID)
}

// ============================================================================
// Persister contract
// ============================================================================

func TestStore_ImplementsPersister(t *testing.T) {
	var _ commit.Persister = (*Store)(nil)
}

func TestTrace_EventKindsRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Seed(ctx, map[string]int64{"a": 100}))
	require.NoError(t, s.CommitBatch(ctx, createTestRecord("batch-1")))

	events, err := s.Trace(ctx, "batch-1")
	require.NoError(t, err)
	kinds := make([]executor.EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	assert.Equal(t, []executor.EventKind{
		executor.EventStart, executor.EventRead, executor.EventRead,
		executor.EventWrite, executor.EventWrite, executor.EventCommit,
	}, kinds)
}
