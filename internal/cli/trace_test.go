package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// processed runs batch through process and returns the database path and
// the batch id.
func processed(t *testing.T, batch string) (string, string) {
	t.Helper()
	db := ledger(t)
	path := writeFile(t, t.TempDir(), "batch.yaml", batch)
	out, _, _ := execute(t, "process", path, "--seed-state", "--db", db, "--format", "json")
	var view BatchView
	decodeResponse(t, out, &view)
	require.NotEmpty(t, view.BatchID, "output: %s", out)
	return db, view.BatchID
}

// =============================================================================
// trace
// =============================================================================

func TestTrace_JSON(t *testing.T) {
	db, id := processed(t, transferBatch)

	out, _, err := execute(t, "trace", id, "--db", db, "--format", "json")
	require.NoError(t, err)

	var result TraceResult
	resp := decodeResponse(t, out, &result)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, id, result.BatchID)
	assert.Equal(t, "committed", result.Status)
	assert.Equal(t, 3, result.Stats.Transactions)
	assert.Equal(t, len(result.Timeline), result.Stats.TotalEvents)
	assert.Positive(t, result.Stats.Writes)

	commits := map[string]bool{}
	for i, ev := range result.Timeline {
		if i > 0 {
			assert.Greater(t, ev.Seq, result.Timeline[i-1].Seq)
		}
		if ev.Kind == "COMMIT" {
			commits[ev.TxnID] = true
		}
	}
	assert.Equal(t, map[string]bool{"T1": true, "T2": true, "T3": true}, commits)
}

func TestTrace_FilterByTransaction(t *testing.T) {
	db, id := processed(t, transferBatch)

	out, _, err := execute(t, "trace", id, "--txn", "T2", "--db", db, "--format", "json")
	require.NoError(t, err)

	var result TraceResult
	decodeResponse(t, out, &result)
	require.NotEmpty(t, result.Timeline)
	for _, ev := range result.Timeline {
		assert.Equal(t, "T2", ev.TxnID)
	}
	assert.Equal(t, 1, result.Stats.Transactions)
}

func TestTrace_Text(t *testing.T) {
	db, id := processed(t, transferBatch)

	out, _, err := execute(t, "trace", id, "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Trace for batch: "+id)
	assert.Contains(t, out, "=== Timeline ===")
	assert.Contains(t, out, "COMMIT")
	assert.Contains(t, out, "  Transactions: 3")
}

func TestTrace_RolledBackBatchKeepsTrace(t *testing.T) {
	db, id := processed(t, unbalancedBatch)

	out, _, err := execute(t, "trace", id, "--db", db, "--format", "json")
	require.NoError(t, err)

	var result TraceResult
	decodeResponse(t, out, &result)
	assert.Equal(t, "rolled_back", result.Status)
	assert.NotEmpty(t, result.Timeline)
}

func TestTrace_UnknownBatch(t *testing.T) {
	_, _, err := execute(t, "trace", "no-such-batch", "--db", ledger(t))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "unknown batch")
}

// =============================================================================
// replay
// =============================================================================

func TestReplay_CommittedBatch(t *testing.T) {
	db, id := processed(t, transferBatch)

	out, _, err := execute(t, "replay", id, "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Replay of batch: "+id)
	assert.Contains(t, out, "  Order:     T1 T2 T3")
	assert.Contains(t, out, "✓ Serial replay reproduces the committed state")
}

func TestReplay_JSON(t *testing.T) {
	db, id := processed(t, transferBatch)

	out, _, err := execute(t, "replay", id, "--db", db, "--format", "json")
	require.NoError(t, err)

	var result ReplayResult
	resp := decodeResponse(t, out, &result)
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, result.Matches)
	assert.Empty(t, result.Differences)
	assert.Equal(t, []string{"T1", "T2", "T3"}, result.Order)
	assert.Equal(t, 4, result.Resources)
	assert.Equal(t, "T3", result.LastWriter["W"])
}

func TestReplay_RolledBackBatch(t *testing.T) {
	db, id := processed(t, unbalancedBatch)

	_, _, err := execute(t, "replay", id, "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "was not committed")
}

func TestReplay_UnknownBatch(t *testing.T) {
	_, _, err := execute(t, "replay", "no-such-batch", "--db", ledger(t))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
