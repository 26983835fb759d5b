package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/diotec-barros/diotec360-sub008/internal/executor"
	"github.com/diotec-barros/diotec360-sub008/internal/txn"
)

// ErrBatchNotFound is returned by Batch for an unknown id.
var ErrBatchNotFound = errors.New("batch not found")

// BatchRecord is a persisted batch as read back from the store.
type BatchRecord struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Status       string             `json:"status"`
	Stage        string             `json:"stage,omitempty"`
	Code         string             `json:"code,omitempty"`
	Message      string             `json:"message,omitempty"`
	Transactions []*txn.Transaction `json:"transactions"`
	Levels       [][]string         `json:"levels"`
	Witness      []string           `json:"witness"`
	PreState     map[string]int64   `json:"pre_state"`
	FinalState   map[string]int64   `json:"final_state"`
	ExecTime     time.Duration      `json:"exec_time"`
	SerialTime   time.Duration      `json:"serial_time"`
	ThreadCount  int                `json:"thread_count"`
	RecordedAt   time.Time          `json:"recorded_at"`
}

// Load returns the current values of the named resources. Unknown
// resources read as zero and are included in the result.
func (s *Store) Load(ctx context.Context, resources []string) (map[string]int64, error) {
	out := make(map[string]int64, len(resources))
	for _, id := range resources {
		var v int64
		err := s.db.QueryRowContext(ctx, `SELECT value FROM resources WHERE id = ?`, id).Scan(&v)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("load resource %s: %w", id, err)
		}
		out[id] = v
	}
	return out, nil
}

// Resources returns every stored resource value.
func (s *Store) Resources(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, value FROM resources ORDER BY id COLLATE BINARY`)
	if err != nil {
		return nil, fmt.Errorf("query resources: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var id string
		var v int64
		if err := rows.Scan(&id, &v); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		out[id] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resources: %w", err)
	}
	return out, nil
}

const batchColumns = `
	id, name, status, stage, code, message,
	transactions, levels, witness, pre_state, final_state,
	exec_nanos, serial_nanos, thread_count, recorded_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (BatchRecord, error) {
	var (
		b                                             BatchRecord
		txnsJSON, levelsJSON, witnessJSON, pre, final string
		execNanos, serialNanos, recordedAt            int64
	)
	if err := row.Scan(
		&b.ID, &b.Name, &b.Status, &b.Stage, &b.Code, &b.Message,
		&txnsJSON, &levelsJSON, &witnessJSON, &pre, &final,
		&execNanos, &serialNanos, &b.ThreadCount, &recordedAt,
	); err != nil {
		return BatchRecord{}, err
	}

	var err error
	if b.Transactions, err = unmarshalTransactions(txnsJSON); err != nil {
		return BatchRecord{}, err
	}
	if b.Levels, err = unmarshalLevels(levelsJSON); err != nil {
		return BatchRecord{}, err
	}
	if b.Witness, err = unmarshalIDs(witnessJSON); err != nil {
		return BatchRecord{}, err
	}
	if b.PreState, err = unmarshalState(pre); err != nil {
		return BatchRecord{}, err
	}
	if b.FinalState, err = unmarshalState(final); err != nil {
		return BatchRecord{}, err
	}
	b.ExecTime = time.Duration(execNanos)
	b.SerialTime = time.Duration(serialNanos)
	b.RecordedAt = time.Unix(0, recordedAt).UTC()
	return b, nil
}

// Batch returns the stored record of one batch.
func (s *Store) Batch(ctx context.Context, id string) (BatchRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return BatchRecord{}, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	if err != nil {
		return BatchRecord{}, fmt.Errorf("read batch %s: %w", id, err)
	}
	return b, nil
}

// Batches returns recorded batches, most recent first. A limit of zero or
// less returns all of them.
func (s *Store) Batches(ctx context.Context, limit int) ([]BatchRecord, error) {
	query := `SELECT ` + batchColumns + ` FROM batches ORDER BY recorded_at DESC, id COLLATE BINARY ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var out []BatchRecord
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return out, nil
}

// Trace returns the persisted trace of a batch in seq order.
func (s *Store) Trace(ctx context.Context, batchID string) ([]executor.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, kind, txn_id, thread_id, resource, value, at_unix_nano
		FROM trace_events
		WHERE batch_id = ?
		ORDER BY seq ASC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query trace of %s: %w", batchID, err)
	}
	defer rows.Close()

	var out []executor.Event
	for rows.Next() {
		var (
			ev   executor.Event
			kind string
			at   int64
		)
		if err := rows.Scan(&ev.Seq, &kind, &ev.TxnID, &ev.ThreadID, &ev.Resource, &ev.Value, &at); err != nil {
			return nil, fmt.Errorf("scan trace event: %w", err)
		}
		ev.Kind = executor.EventKind(kind)
		ev.At = time.Unix(0, at).UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace: %w", err)
	}
	return out, nil
}
