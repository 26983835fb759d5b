package commit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/diotec-barros/diotec360-sub008/internal/conservation"
	"github.com/diotec-barros/diotec360-sub008/internal/executor"
	"github.com/diotec-barros/diotec360-sub008/internal/metrics"
	"github.com/diotec-barros/diotec360-sub008/internal/prover"
	"github.com/diotec-barros/diotec360-sub008/internal/txn"
)

// Batch status strings as persisted and reported.
const (
	StatusCommitted  = "committed"
	StatusRolledBack = "rolled_back"
	StatusRejected   = "rejected"
)

// Summary holds performance figures for one batch. They are observational
// and never affect the commit decision.
type Summary struct {
	Transactions  int           `json:"transactions"`
	Levels        int           `json:"levels"`
	ThreadCount   int           `json:"thread_count"`
	ExecutionTime time.Duration `json:"execution_time"`
	SerialTime    time.Duration `json:"serial_time"`
	Parallelism   float64       `json:"parallelism"` // serial time / wall time
	Throughput    float64       `json:"throughput"`  // transactions per second
}

// Summarize computes the summary of an execution. A nil result yields a
// zero summary.
func Summarize(res *executor.Result) Summary {
	if res == nil {
		return Summary{}
	}
	s := Summary{
		Transactions:  len(res.Completed),
		Levels:        len(res.ParallelGroups),
		ThreadCount:   res.ThreadCount,
		ExecutionTime: res.ExecutionTime,
		SerialTime:    res.SerialTime,
	}
	if res.ExecutionTime > 0 {
		s.Parallelism = float64(res.SerialTime) / float64(res.ExecutionTime)
		s.Throughput = float64(s.Transactions) / res.ExecutionTime.Seconds()
	}
	return s
}

// Failure describes why a batch is not committed.
type Failure struct {
	Stage   string
	Code    string
	Message string
	// Rejected marks failures before execution started.
	Rejected bool
}

// Record is everything the persister stores for one batch.
type Record struct {
	BatchID      string
	Name         string
	Status       string
	Failure      Failure
	Transactions []*txn.Transaction
	Levels       [][]string
	Witness      []string
	Initial      map[string]int64
	Final        map[string]int64
	Trace        []executor.Event
	Summary      Summary
	At           time.Time
}

// Persister stores batch outcomes.
type Persister interface {
	// CommitBatch writes final states, the batch record and the trace in
	// one transaction. On error nothing is written.
	CommitBatch(ctx context.Context, rec Record) error

	// RecordRollback writes the batch record only. Resource state is never
	// touched.
	RecordRollback(ctx context.Context, rec Record) error
}

// Request is an executed batch awaiting a decision.
type Request struct {
	BatchID      string
	Name         string
	Transactions []*txn.Transaction
	Execution    *executor.Result
	Proof        *prover.Proof
	Conservation *conservation.Result
}

// Result is the outcome of Commit or Rollback.
type Result struct {
	BatchID string  `json:"batch_id"`
	State   State   `json:"state"`
	History []State `json:"history"`
	Summary Summary `json:"summary"`
}

// ErrNotValidated is returned by Commit when the request lacks a valid
// proof or conservation result.
var ErrNotValidated = errors.New("batch not validated")

// AtomicCommitError wraps a persistence failure during commit. The batch
// is rolled back.
type AtomicCommitError struct {
	BatchID string
	Err     error
}

// Error implements the error interface.
func (e *AtomicCommitError) Error() string {
	return fmt.Sprintf("atomic commit of batch %s failed: %v", e.BatchID, e.Err)
}

// Unwrap returns the persistence error.
func (e *AtomicCommitError) Unwrap() error {
	return e.Err
}

// IsAtomicCommitError returns true if err is a commit persistence failure.
// Uses errors.As to handle wrapped errors.
func IsAtomicCommitError(err error) bool {
	var ae *AtomicCommitError
	return errors.As(err, &ae)
}

// Manager drives the commit state machine.
type Manager struct {
	persister Persister
	recorder  metrics.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(m *Manager) {
		m.recorder = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithNow sets the clock used to stamp records.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a manager. A nil persister keeps outcomes in memory
// only.
func NewManager(p Persister, opts ...Option) *Manager {
	m := &Manager{
		persister: p,
		recorder:  metrics.Nop{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Commit validates req and persists it. If validation or persistence
// fails the batch ends ROLLED_BACK and an error is returned alongside the
// result: ErrNotValidated (wrapped) or *AtomicCommitError.
func (m *Manager) Commit(ctx context.Context, req Request) (*Result, error) {
	sm := NewMachine()
	summary := Summarize(req.Execution)
	res := func() *Result {
		return &Result{BatchID: req.BatchID, State: sm.State(), History: sm.History(), Summary: summary}
	}

	if err := sm.Transition(StateValidating); err != nil {
		return nil, err
	}

	if reason := validate(req); reason != "" {
		fail := Failure{Stage: "commit", Code: "ATOMIC_COMMIT_FAILURE", Message: reason}
		if err := m.rollback(ctx, sm, req, fail, summary); err != nil {
			return res(), err
		}
		return res(), fmt.Errorf("%w: %s", ErrNotValidated, reason)
	}

	rec := m.record(req, StatusCommitted, Failure{}, summary)
	if m.persister != nil {
		if err := m.persister.CommitBatch(ctx, rec); err != nil {
			commitErr := &AtomicCommitError{BatchID: req.BatchID, Err: err}
			fail := Failure{Stage: "commit", Code: "ATOMIC_COMMIT_FAILURE", Message: err.Error()}
			if rbErr := m.rollback(ctx, sm, req, fail, summary); rbErr != nil {
				m.logger.Error("rollback after failed commit", "batch", req.BatchID, "error", rbErr)
			}
			return res(), commitErr
		}
	}

	if err := sm.Transition(StateCommitted); err != nil {
		return res(), err
	}
	m.observe(StatusCommitted, "", req.Execution, summary)
	m.logger.Info("batch committed",
		"batch", req.BatchID,
		"transactions", summary.Transactions,
		"levels", summary.Levels,
		"parallelism", fmt.Sprintf("%.2f", summary.Parallelism))
	return res(), nil
}

// Rollback records a failed batch. Resource state is not touched.
func (m *Manager) Rollback(ctx context.Context, req Request, fail Failure) (*Result, error) {
	sm := NewMachine()
	summary := Summarize(req.Execution)
	if !fail.Rejected {
		if err := sm.Transition(StateValidating); err != nil {
			return nil, err
		}
	}
	err := m.rollback(ctx, sm, req, fail, summary)
	return &Result{BatchID: req.BatchID, State: sm.State(), History: sm.History(), Summary: summary}, err
}

func (m *Manager) rollback(ctx context.Context, sm *Machine, req Request, fail Failure, summary Summary) error {
	if err := sm.Transition(StateRolledBack); err != nil {
		return err
	}

	status := StatusRolledBack
	if fail.Rejected {
		status = StatusRejected
	}
	m.observe(status, fail.Code, req.Execution, summary)
	m.logger.Info("batch rolled back", "batch", req.BatchID, "status", status, "stage", fail.Stage, "code", fail.Code)

	if m.persister == nil {
		return nil
	}
	if err := m.persister.RecordRollback(ctx, m.record(req, status, fail, summary)); err != nil {
		return fmt.Errorf("record rollback of %s: %w", req.BatchID, err)
	}
	return nil
}

func (m *Manager) observe(status, code string, res *executor.Result, s Summary) {
	m.recorder.ObserveBatch(status, code)
	if res != nil {
		m.recorder.ObserveExecution(s.ExecutionTime, s.SerialTime, s.ThreadCount, s.Transactions)
	}
}

func (m *Manager) record(req Request, status string, fail Failure, summary Summary) Record {
	rec := Record{
		BatchID:      req.BatchID,
		Name:         req.Name,
		Status:       status,
		Failure:      fail,
		Transactions: req.Transactions,
		Summary:      summary,
		At:           m.now(),
	}
	if req.Execution != nil {
		rec.Levels = req.Execution.ParallelGroups
		rec.Initial = req.Execution.Initial
		rec.Trace = req.Execution.Trace
		if status == StatusCommitted {
			rec.Final = req.Execution.FinalStates
		}
	}
	if req.Proof != nil {
		rec.Witness = req.Proof.Witness
	}
	return rec
}

func validate(req Request) string {
	switch {
	case req.Execution == nil:
		return "no execution result"
	case req.Proof == nil || !req.Proof.Valid:
		return "linearizability proof missing or invalid"
	case req.Conservation == nil || !req.Conservation.Valid:
		return "conservation result missing or invalid"
	}
	return ""
}
