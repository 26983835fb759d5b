package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/diotec-barros/diotec360-sub008/internal/commit"
	"github.com/diotec-barros/diotec360-sub008/internal/conservation"
	"github.com/diotec-barros/diotec360-sub008/internal/executor"
	"github.com/diotec-barros/diotec360-sub008/internal/metrics"
	"github.com/diotec-barros/diotec360-sub008/internal/oracle"
	"github.com/diotec-barros/diotec360-sub008/internal/prover"
	"github.com/diotec-barros/diotec360-sub008/internal/txn"
)

const tracerName = "github.com/diotec-barros/diotec360-sub008/internal/engine"

// Result is the single diagnostic object produced for a batch.
//
// On success Status is "committed" and FinalStates holds the persisted
// values. On failure Stage, Code and Message say what went wrong, TxnIDs
// and Resource say where, and RolledBack lists the transactions whose
// computed effects were discarded (empty for rejected batches).
type Result struct {
	BatchID string `json:"batch_id"`
	Name    string `json:"name,omitempty"`
	Status  string `json:"status"`

	Stage           Stage                  `json:"stage,omitempty"`
	Code            Code                   `json:"code,omitempty"`
	Message         string                 `json:"message,omitempty"`
	TxnIDs          []string               `json:"txn_ids,omitempty"`
	Resource        string                 `json:"resource,omitempty"`
	Counterexample  *prover.Counterexample `json:"counterexample,omitempty"`
	ViolationAmount int64                  `json:"violation_amount,omitempty"`
	OracleReasons   []oracle.Reason        `json:"oracle_reasons,omitempty"`
	RolledBack      []string               `json:"rolled_back,omitempty"`

	Analysis     *Analysis            `json:"analysis,omitempty"`
	FinalStates  map[string]int64     `json:"final_states,omitempty"`
	Proof        *prover.Proof        `json:"proof,omitempty"`
	Conservation *conservation.Result `json:"conservation,omitempty"`
	Commit       *commit.Result       `json:"commit,omitempty"`
	Summary      commit.Summary       `json:"summary"`

	// Execution is the raw executor output, partial on failure.
	Execution *executor.Result `json:"-"`
}

// Committed reports whether the batch was persisted.
func (r *Result) Committed() bool {
	return r.Status == commit.StatusCommitted
}

// Processor runs batches through the full pipeline. It holds configuration
// and collaborators only; concurrent Process calls are safe as long as the
// StateSource and Persister are.
type Processor struct {
	source    StateSource
	persister commit.Persister

	executor  *executor.Executor
	prover    *prover.Prover
	validator *conservation.Validator
	commits   *commit.Manager
	recorder  metrics.Recorder

	ids    IDGenerator
	tracer trace.Tracer
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithExecutor replaces the default executor.
func WithExecutor(e *executor.Executor) Option {
	return func(p *Processor) {
		p.executor = e
	}
}

// WithProver replaces the default prover.
func WithProver(pr *prover.Prover) Option {
	return func(p *Processor) {
		p.prover = pr
	}
}

// WithValidator replaces the default conservation validator.
func WithValidator(v *conservation.Validator) Option {
	return func(p *Processor) {
		p.validator = v
	}
}

// WithCommitManager replaces the default commit manager. The persister
// passed to New is then ignored.
func WithCommitManager(m *commit.Manager) Option {
	return func(p *Processor) {
		p.commits = m
	}
}

// WithRecorder sets the metrics recorder of the default commit manager.
func WithRecorder(r metrics.Recorder) Option {
	return func(p *Processor) {
		p.recorder = r
	}
}

// WithIDGenerator sets the batch id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(p *Processor) {
		p.ids = g
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider. The global
// provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Processor) {
		p.tracer = tp.Tracer(tracerName)
	}
}

// WithLogger sets the logger. It is also handed to default collaborators.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		p.logger = l
	}
}

// WithNow sets the wall clock used by default collaborators.
func WithNow(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

// New creates a processor reading initial values from src and persisting
// outcomes through persister. A nil persister keeps outcomes in memory.
func New(src StateSource, persister commit.Persister, opts ...Option) *Processor {
	p := &Processor{
		source:    src,
		persister: persister,
		recorder:  metrics.Nop{},
		ids:       UUIDv7Generator{},
		tracer:    otel.Tracer(tracerName),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.executor == nil {
		p.executor = executor.New(executor.WithLogger(p.logger), executor.WithNow(p.now))
	}
	if p.prover == nil {
		p.prover = prover.New(prover.WithLogger(p.logger), prover.WithNow(p.now))
	}
	if p.validator == nil {
		p.validator = conservation.New(conservation.WithLogger(p.logger))
	}
	if p.commits == nil {
		p.commits = commit.NewManager(persister,
			commit.WithRecorder(p.recorder),
			commit.WithLogger(p.logger),
			commit.WithNow(p.now))
	}
	return p
}

// Process runs b through every stage and returns its Result. When the
// batch is not committed the returned error is a *BatchError; the Result
// is returned as well and carries the same diagnostics.
//
// Errors that are not about the batch itself (the StateSource failing)
// are returned without a Result.
func (p *Processor) Process(ctx context.Context, b txn.Batch) (*Result, error) {
	batchID := p.ids.Generate()
	ctx, span := p.tracer.Start(ctx, "synchrony.batch", trace.WithAttributes(
		attribute.String("synchrony.batch.id", batchID),
		attribute.String("synchrony.batch.name", b.Name),
		attribute.Int("synchrony.batch.transactions", len(b.Transactions)),
	))
	defer span.End()

	logger := p.logger.With("batch", batchID)
	res := &Result{BatchID: batchID, Name: b.Name}
	req := commit.Request{BatchID: batchID, Name: b.Name, Transactions: b.Transactions}

	analysis, err := p.Analyze(ctx, b)
	res.Analysis = analysis
	if err != nil {
		return p.abort(ctx, span, res, req, err)
	}

	var initial map[string]int64
	if err := p.stage(ctx, StageLoad, func(ctx context.Context) error {
		var err error
		initial, err = p.source.Load(ctx, touched(b.Transactions))
		return err
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return nil, fmt.Errorf("load state for batch %s: %w", batchID, err)
	}

	if err := p.stage(ctx, StageExecute, func(ctx context.Context) error {
		exec, err := p.executor.Execute(ctx, b.Transactions, analysis.Graph, initial)
		req.Execution, res.Execution = exec, exec
		return err
	}); err != nil {
		return p.abort(ctx, span, res, req, classify(StageExecute, err, b.Transactions))
	}

	if err := p.stage(ctx, StageProve, func(ctx context.Context) error {
		proof, err := p.prover.Prove(ctx, req.Execution, b.Transactions, analysis.Graph)
		req.Proof, res.Proof = proof, proof
		return err
	}); err != nil {
		return p.abort(ctx, span, res, req, classify(StageProve, err, b.Transactions))
	}

	if err := p.stage(ctx, StageConserve, func(ctx context.Context) error {
		cons, err := p.validator.ValidateBatch(ctx, b.Transactions, req.Execution)
		req.Conservation, res.Conservation = cons, cons
		return err
	}); err != nil {
		return p.abort(ctx, span, res, req, classify(StageConserve, err, b.Transactions))
	}

	if err := p.stage(ctx, StageCommit, func(ctx context.Context) error {
		cr, err := p.commits.Commit(ctx, req)
		res.Commit = cr
		return err
	}); err != nil {
		// The manager has already rolled the batch back.
		be := classify(StageCommit, err, b.Transactions)
		p.describe(res, req, be)
		span.RecordError(be)
		span.SetStatus(codes.Error, string(be.Code))
		logger.Warn("batch not committed", "stage", be.Stage, "code", be.Code, "error", be.Err)
		return res, be
	}

	res.Status = commit.StatusCommitted
	res.FinalStates = req.Execution.FinalStates
	res.Summary = res.Commit.Summary
	span.SetAttributes(
		attribute.String("synchrony.batch.status", res.Status),
		attribute.Int("synchrony.batch.levels", res.Summary.Levels),
		attribute.Int("synchrony.batch.threads", res.Summary.ThreadCount),
	)
	span.SetStatus(codes.Ok, "")
	return res, nil
}

// abort records a rejected or rolled-back batch and fills in res.
func (p *Processor) abort(ctx context.Context, span trace.Span, res *Result, req commit.Request, err error) (*Result, error) {
	be, ok := AsBatchError(err)
	if !ok {
		be = classify(StageCommit, err, req.Transactions)
	}
	p.describe(res, req, be)
	span.RecordError(be)
	span.SetStatus(codes.Error, string(be.Code))
	span.SetAttributes(
		attribute.String("synchrony.batch.status", res.Status),
		attribute.String("synchrony.batch.code", string(be.Code)),
	)

	cr, rbErr := p.commits.Rollback(ctx, req, commit.Failure{
		Stage:    string(be.Stage),
		Code:     string(be.Code),
		Message:  be.Message,
		Rejected: be.Rejected(),
	})
	res.Commit = cr
	if cr != nil {
		res.Summary = cr.Summary
	}
	if rbErr != nil {
		p.logger.Error("failed to record batch failure", "batch", res.BatchID, "error", rbErr)
		return res, fmt.Errorf("%w (audit record failed: %v)", be, rbErr)
	}
	return res, be
}

// describe copies the diagnostics of be into res.
func (p *Processor) describe(res *Result, req commit.Request, be *BatchError) {
	res.Status = commit.StatusRolledBack
	if be.Rejected() {
		res.Status = commit.StatusRejected
	}
	res.Stage = be.Stage
	res.Code = be.Code
	res.Message = be.Message
	res.TxnIDs = be.TxnIDs
	res.Resource = be.Resource
	res.Counterexample = be.Counterexample
	res.ViolationAmount = be.Amount

	var ve *oracle.ValidationError
	if errors.As(be.Err, &ve) {
		res.OracleReasons = slices.Clone(ve.Reasons)
	}
	if req.Execution != nil && !be.Rejected() {
		res.RolledBack = slices.Clone(req.Execution.Completed)
	}
}

// stage runs fn inside a span named after st.
func (p *Processor) stage(ctx context.Context, st Stage, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "synchrony."+string(st), trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(st)+" failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	p.logger.Debug("stage finished", "stage", st, "duration", time.Since(start), "ok", err == nil)
	return err
}

// touched returns the sorted union of every resource the batch declares.
func touched(txns []*txn.Transaction) []string {
	var all []string
	for _, t := range txns {
		all = append(all, t.Resources()...)
	}
	slices.Sort(all)
	return slices.Compact(all)
}
