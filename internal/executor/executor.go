package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/diotec-barros/diotec360-sub008/internal/fixedpoint"
	"github.com/diotec-barros/diotec360-sub008/internal/graph"
	"github.com/diotec-barros/diotec360-sub008/internal/txn"
)

const (
	// DefaultWorkers is the default size of the per-level worker pool.
	DefaultWorkers = 8

	// DefaultLevelTimeout bounds the wait for one level.
	DefaultLevelTimeout = 30 * time.Second
)

// Outcome is what one committed transaction did.
type Outcome struct {
	TxnID    string           `json:"txn_id"`
	Level    int              `json:"level"`
	ThreadID int              `json:"thread_id"`
	Reads    map[string]int64 `json:"reads"`   // first value read, before own writes
	Writes   map[string]int64 `json:"writes"`  // last value written
	Effects  map[string]int64 `json:"effects"` // written value minus pre-level value
	Duration time.Duration    `json:"duration"`
}

// Result is the output of Execute.
type Result struct {
	// FinalStates holds every resource of the initial state plus every
	// resource written.
	FinalStates map[string]int64

	// Initial is the pre-state the batch started from.
	Initial map[string]int64

	Trace          []Event
	ParallelGroups [][]string

	// Completed lists committed transactions in merge order.
	Completed []string
	Outcomes  map[string]*Outcome

	ExecutionTime time.Duration
	SerialTime    time.Duration // sum of per-transaction durations
	ThreadCount   int
}

// Executor runs leveled batches. It holds configuration only and may be
// shared; each Execute call owns its state and trace.
type Executor struct {
	workers      int
	levelTimeout time.Duration
	logger       *slog.Logger
	clock        *Clock
	now          func() time.Time
	hook         txn.OpHook
}

// Option configures an Executor.
type Option func(*Executor)

// WithWorkers sets the maximum pool size per level. Values < 1 are ignored.
func WithWorkers(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithLevelTimeout sets the per-level timeout. Values <= 0 are ignored.
func WithLevelTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.levelTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = l
	}
}

// WithClock sets the logical clock used to sequence trace events. By
// default each Execute call starts a fresh clock at 0.
func WithClock(c *Clock) Option {
	return func(e *Executor) {
		e.clock = c
	}
}

// WithNow sets the wall clock.
func WithNow(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// WithOpHook installs a hook that runs before every operation.
func WithOpHook(h txn.OpHook) Option {
	return func(e *Executor) {
		e.hook = h
	}
}

// New creates an executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		workers:      DefaultWorkers,
		levelTimeout: DefaultLevelTimeout,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Workers returns the configured pool size.
func (e *Executor) Workers() int { return e.workers }

// Execute runs txns level by level according to g, starting from initial.
//
// On a transaction failure or timeout the returned Result is partial: it
// reflects the levels merged so far. Callers must not commit it.
func (e *Executor) Execute(ctx context.Context, txns []*txn.Transaction, g *graph.Graph, initial map[string]int64) (*Result, error) {
	levels, err := g.IndependentSets()
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*txn.Transaction, len(txns))
	for _, t := range txns {
		byID[t.ID] = t
	}
	for _, level := range levels {
		for _, id := range level {
			if byID[id] == nil {
				return nil, fmt.Errorf("graph node %q has no transaction", id)
			}
		}
	}

	clock := e.clock
	if clock == nil {
		clock = NewClock()
	}
	trace := NewTrace(clock, e.now)
	state := NewState(initial)

	res := &Result{
		Initial:        copyValues(initial),
		ParallelGroups: levels,
		Outcomes:       make(map[string]*Outcome, len(txns)),
	}
	start := e.now()
	finish := func() {
		res.FinalStates = state.Snapshot()
		res.Trace = trace.Events()
		res.ExecutionTime = e.now().Sub(start)
	}

	for li, level := range levels {
		if err := ctx.Err(); err != nil {
			finish()
			return res, fmt.Errorf("execution cancelled before level %d: %w", li, err)
		}

		threads := min(e.workers, len(level))
		res.ThreadCount = max(res.ThreadCount, threads)

		e.logger.Debug("executing level", "level", li, "size", len(level), "threads", threads)
		runs, err := e.runLevel(ctx, li, level, byID, state, trace, threads)
		if err != nil {
			finish()
			return res, err
		}

		failed, err := e.merge(li, level, runs, state, res)
		if err != nil {
			finish()
			return res, err
		}
		if len(failed) > 0 {
			finish()
			first := failed[0]
			e.logger.Info("transaction failed", "level", li, "txn", first.TxnID, "error", first.err)
			return res, &TxnError{TxnID: first.TxnID, Level: li, Failed: failedIDs(failed), Err: first.err}
		}
	}

	finish()
	e.logger.Debug("execution complete",
		"levels", len(levels),
		"transactions", len(res.Completed),
		"threads", res.ThreadCount,
		"duration", res.ExecutionTime)
	return res, nil
}

// run is one transaction's execution inside a level.
type run struct {
	*Outcome
	err error
}

type job struct {
	idx      int
	t        *txn.Transaction
	snapshot *State
}

func (e *Executor) runLevel(
	ctx context.Context,
	li int,
	level []string,
	byID map[string]*txn.Transaction,
	state *State,
	trace *Trace,
	threads int,
) ([]*run, error) {
	levelCtx, cancel := context.WithTimeout(ctx, e.levelTimeout)
	defer cancel()

	// Snapshots are cloned here, before any worker starts, because Clone
	// must not race with other clones of the same tree.
	jobs := make(chan job, len(level))
	for i, id := range level {
		jobs <- job{idx: i, t: byID[id], snapshot: state.Clone()}
	}
	close(jobs)

	runs := make([]*run, len(level))
	done := make([]atomic.Bool, len(level))

	var eg errgroup.Group
	for thread := 0; thread < threads; thread++ {
		eg.Go(func() error {
			for j := range jobs {
				runs[j.idx] = e.runOne(levelCtx, li, thread, j, state, trace)
				done[j.idx].Store(true)
			}
			return nil
		})
	}

	waited := make(chan error, 1)
	go func() { waited <- eg.Wait() }()

	select {
	case err := <-waited:
		if err != nil {
			return nil, err
		}
	case <-levelCtx.Done():
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("execution cancelled in level %d: %w", li, err)
	}

	var pending []string
	for i, id := range level {
		if !done[i].Load() {
			pending = append(pending, id)
			continue
		}
		if r := runs[i]; r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			pending = append(pending, id)
		}
	}
	if len(pending) > 0 {
		e.logger.Info("level timed out", "level", li, "pending", pending, "timeout", e.levelTimeout)
		return nil, &TimeoutError{Level: li, Timeout: e.levelTimeout, Pending: pending}
	}
	return runs, nil
}

func (e *Executor) runOne(ctx context.Context, li, thread int, j job, base *State, trace *Trace) *run {
	started := e.now()
	trace.Append(EventStart, j.t.ID, thread, "", 0)

	obs := newObserver(trace, j.t.ID, thread)
	if err := j.t.Run(ctx, j.snapshot, obs, e.hook); err != nil {
		return &run{Outcome: &Outcome{TxnID: j.t.ID, Level: li, ThreadID: thread}, err: err}
	}

	effects := make(map[string]int64, len(obs.writes))
	for _, r := range slices.Sorted(maps.Keys(obs.writes)) {
		d, err := fixedpoint.Sub(obs.writes[r], base.Get(r))
		if err != nil {
			err = &txn.OpError{Code: txn.ErrCodeOverflow, TxnID: j.t.ID, Index: -1, Resource: r, Message: "effect " + err.Error()}
			return &run{Outcome: &Outcome{TxnID: j.t.ID, Level: li, ThreadID: thread}, err: err}
		}
		effects[r] = d
	}
	trace.Append(EventCommit, j.t.ID, thread, "", 0)
	return &run{
		Outcome: &Outcome{
			TxnID:    j.t.ID,
			Level:    li,
			ThreadID: thread,
			Reads:    obs.reads,
			Writes:   obs.writes,
			Effects:  effects,
			Duration: e.now().Sub(started),
		},
	}
}

// merge applies the writes of successful runs in level order (the level
// is sorted by id). It returns the failed runs.
func (e *Executor) merge(li int, level []string, runs []*run, state *State, res *Result) ([]*run, error) {
	var failed []*run
	writer := make(map[string]string)
	for i, id := range level {
		r := runs[i]
		if r.err != nil {
			failed = append(failed, r)
			continue
		}
		for resource := range r.Writes {
			if prev, ok := writer[resource]; ok {
				return nil, fmt.Errorf("level %d: %s and %s both wrote %s", li, prev, id, resource)
			}
			writer[resource] = id
		}
		for resource, v := range r.Writes {
			state.Set(resource, v)
		}
		res.Outcomes[id] = r.Outcome
		res.Completed = append(res.Completed, id)
		res.SerialTime += r.Duration
	}
	return failed, nil
}

func failedIDs(runs []*run) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.TxnID
	}
	return ids
}
