package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/diotec-barros/diotec360-sub008/internal/commit"
)

// ErrStaleState is returned by CommitBatch when a resource no longer holds
// the value the batch executed against.
var ErrStaleState = errors.New("resource state changed since batch was loaded")

// ErrDuplicateBatch is returned when a batch id has already been recorded.
var ErrDuplicateBatch = errors.New("batch already recorded")

// Seed sets resource values outside of any batch. Existing resources are
// overwritten.
func (s *Store) Seed(ctx context.Context, values map[string]int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range sortedKeys(values) {
		if err := upsertResource(ctx, tx, id, values[id], ""); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CommitBatch writes the final resource values, the batch row and its trace
// in one SQL transaction. Before writing, every resource in rec.Initial must
// still hold its recorded value; otherwise ErrStaleState is returned and
// nothing is written.
func (s *Store) CommitBatch(ctx context.Context, rec commit.Record) error {
	if rec.Status != commit.StatusCommitted {
		return fmt.Errorf("commit batch %s: status %q is not %q", rec.BatchID, rec.Status, commit.StatusCommitted)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := checkPreState(ctx, tx, rec.Initial); err != nil {
		return err
	}
	if err := insertBatch(ctx, tx, rec); err != nil {
		return err
	}
	for _, id := range sortedKeys(rec.Final) {
		if err := upsertResource(ctx, tx, id, rec.Final[id], rec.BatchID); err != nil {
			return err
		}
	}
	if err := insertTrace(ctx, tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch %s: %w", rec.BatchID, err)
	}
	return nil
}

// RecordRollback writes the batch row and trace of a failed batch. The
// resources table is never modified.
func (s *Store) RecordRollback(ctx context.Context, rec commit.Record) error {
	if rec.Status == commit.StatusCommitted {
		return fmt.Errorf("record rollback %s: status is %q", rec.BatchID, rec.Status)
	}
	rec.Final = nil

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertBatch(ctx, tx, rec); err != nil {
		return err
	}
	if err := insertTrace(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func checkPreState(ctx context.Context, tx *sql.Tx, initial map[string]int64) error {
	for _, id := range sortedKeys(initial) {
		var current int64
		err := tx.QueryRowContext(ctx, `SELECT value FROM resources WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			current = 0
		} else if err != nil {
			return fmt.Errorf("read resource %s: %w", id, err)
		}
		if current != initial[id] {
			return fmt.Errorf("%w: %s is %d, batch expected %d", ErrStaleState, id, current, initial[id])
		}
	}
	return nil
}

func upsertResource(ctx context.Context, tx *sql.Tx, id string, value int64, batchID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO resources (id, value, updated_batch)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET value = excluded.value, updated_batch = excluded.updated_batch
	`, id, value, batchID)
	if err != nil {
		return fmt.Errorf("write resource %s: %w", id, err)
	}
	return nil
}

func insertBatch(ctx context.Context, tx *sql.Tx, rec commit.Record) error {
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM batches WHERE id = ?`, rec.BatchID).Scan(&exists)
	if err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicateBatch, rec.BatchID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check batch %s: %w", rec.BatchID, err)
	}

	txnsJSON, err := marshalTransactions(rec.Transactions)
	if err != nil {
		return err
	}
	levelsJSON, err := marshalLevels(rec.Levels)
	if err != nil {
		return err
	}
	witnessJSON, err := marshalIDs(rec.Witness)
	if err != nil {
		return err
	}
	preJSON, err := marshalState(rec.Initial)
	if err != nil {
		return err
	}
	finalJSON, err := marshalState(rec.Final)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batches (
			id, name, status, stage, code, message,
			transactions, levels, witness, pre_state, final_state,
			exec_nanos, serial_nanos, thread_count, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.BatchID, rec.Name, rec.Status, rec.Failure.Stage, rec.Failure.Code, rec.Failure.Message,
		txnsJSON, levelsJSON, witnessJSON, preJSON, finalJSON,
		int64(rec.Summary.ExecutionTime), int64(rec.Summary.SerialTime), rec.Summary.ThreadCount,
		rec.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert batch %s: %w", rec.BatchID, err)
	}
	return nil
}

func insertTrace(ctx context.Context, tx *sql.Tx, rec commit.Record) error {
	if len(rec.Trace) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trace_events (batch_id, seq, kind, txn_id, thread_id, resource, value, at_unix_nano)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare trace insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range rec.Trace {
		if _, err := stmt.ExecContext(ctx,
			rec.BatchID, ev.Seq, string(ev.Kind), ev.TxnID, ev.ThreadID, ev.Resource, ev.Value, ev.At.UnixNano(),
		); err != nil {
			return fmt.Errorf("insert trace event %d of %s: %w", ev.Seq, rec.BatchID, err)
		}
	}
	return nil
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
