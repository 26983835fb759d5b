package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/diotec-barros/diotec360-sub008/internal/commit"
	"github.com/diotec-barros/diotec360-sub008/internal/executor"
	"github.com/diotec-barros/diotec360-sub008/internal/txn"
)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// createTestRecord creates a committed record transferring 30 from a to b.
func createTestRecord(batchID string) commit.Record {
	t1 := txn.New("t1", txn.Operation{Kind: txn.OpTransfer, Resource: "a", To: "b", Amount: 30}).
		WithDeltas(map[string]int64{"a": -30, "b": 30})
	return commit.Record{
		BatchID:      batchID,
		Name:         "transfer",
		Status:       commit.StatusCommitted,
		Transactions: []*txn.Transaction{t1},
		Levels:       [][]string{{"t1"}},
		Witness:      []string{"t1"},
		Initial:      map[string]int64{"a": 100, "b": 0},
		Final:        map[string]int64{"a": 70, "b": 30},
		Trace: []executor.Event{
			{Seq: 1, At: testTime, Kind: executor.EventStart, TxnID: "t1"},
			{Seq: 2, At: testTime, Kind: executor.EventRead, TxnID: "t1", Resource: "a", Value: 100},
			{Seq: 3, At: testTime, Kind: executor.EventRead, TxnID: "t1", Resource: "b", Value: 0},
			{Seq: 4, At: testTime, Kind: executor.EventWrite, TxnID: "t1", Resource: "a", Value: 70},
			{Seq: 5, At: testTime, Kind: executor.EventWrite, TxnID: "t1", Resource: "b", Value: 30},
			{Seq: 6, At: testTime, Kind: executor.EventCommit, TxnID: "t1"},
		},
		Summary: commit.Summary{Transactions: 1, Levels: 1, ThreadCount: 1, ExecutionTime: time.Millisecond, SerialTime: time.Millisecond},
		At:      testTime,
	}
}
