// Package orchestrator runs multi-step business transactions.
//
// A transaction is an ordered list of steps executed one at a time against a
// shared Transaction. Every lifecycle transition is appended to a durable log
// and mirrored on a transaction record:
//
//	BEGIN/PENDING -> PROCESS/PROCESSING -> COMMIT/COMMITTED
//	                                    -> ABORT/ABORTED
//
// The first failing step aborts the transaction; later steps never run and
// the step's own error is returned to the caller. Only creating the record is
// allowed to fail a transaction on the persistence side (FAILURE/FAILED).
// Every later log or status write is best-effort: failures are logged and
// counted but never change the outcome.
//
// Persistence writes and error hooks run on a context detached from the
// caller's cancellation, so a transaction that has begun always reaches a
// terminal state. Only step handlers see the caller's context as is.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jcmexdev/payment-orchestrator/internal/orchestrator/txlog"
)

const instrumentationName = "github.com/jcmexdev/payment-orchestrator/internal/orchestrator"

// Orchestrator executes transactions. It holds no per-transaction state, so
// one instance may run any number of transactions concurrently.
type Orchestrator struct {
	repo    txlog.Repository
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics
	newID   func() string
}

// Option configures an Orchestrator.
type Option func(*options)

type options struct {
	logger *slog.Logger
	tracer trace.Tracer
	meter  metric.Meter
	newID  func() string
}

// WithLogger sets the logger lifecycle events and write failures go to.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTracer sets the tracer used for transaction and step spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithMeter sets the meter the orchestrator's instruments are created from.
func WithMeter(m metric.Meter) Option {
	return func(o *options) { o.meter = m }
}

// WithIDGenerator replaces uuid.NewString for transaction and correlation IDs.
func WithIDGenerator(f func() string) Option {
	return func(o *options) { o.newID = f }
}

// New returns an Orchestrator persisting through repo.
func New(repo txlog.Repository, opts ...Option) *Orchestrator {
	o := options{
		logger: slog.Default(),
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}

	m, err := newMetrics(o.meter)
	if err != nil {
		o.logger.Warn("orchestrator: some instruments could not be created", "error", err)
	}

	return &Orchestrator{
		repo:    repo,
		logger:  o.logger,
		tracer:  o.tracer,
		metrics: m,
		newID:   o.newID,
	}
}

// Begin creates the transaction record in PENDING and logs BEGIN.
//
// When the record cannot be created a FAILURE event is logged and the
// repository's error is returned as is.
func (o *Orchestrator) Begin(ctx context.Context, cfg Config) (*Transaction, error) {
	tx := &Transaction{
		ID:            cfg.TransactionID,
		CorrelationID: cfg.CorrelationID,
		UserID:        cfg.UserID,
		Metadata:      cfg.Metadata.Clone(),
	}
	if tx.ID == "" {
		tx.ID = o.newID()
	}
	if tx.CorrelationID == "" {
		tx.CorrelationID = o.newID()
	}

	steps := cfg.stepNames()
	now := time.Now().UTC()
	rec := &txlog.Record{
		TransactionID: tx.ID,
		CorrelationID: tx.CorrelationID,
		UserID:        tx.UserID,
		Status:        txlog.StatusPending,
		Metadata:      tx.Metadata.Snapshot(),
		Steps:         steps,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := o.repo.CreateTransaction(context.WithoutCancel(ctx), rec); err != nil {
		o.logEvent(ctx, tx, txlog.EventFailure, txlog.StatusFailed, nil, err)
		return nil, err
	}

	o.logEvent(ctx, tx, txlog.EventBegin, txlog.StatusPending, stepsData(steps), nil)
	return tx, nil
}

// Execute begins the transaction described by cfg and runs its steps in
// order.
//
// On success the transaction is committed and returned. When a step fails
// its OnError hook runs, the transaction is aborted, and the step's error is
// returned together with the transaction so the caller can inspect the
// metadata written so far. If the hook fails too, the returned error is a
// *HookError wrapping both. A begin failure returns a nil transaction and
// the repository's error.
func (o *Orchestrator) Execute(ctx context.Context, cfg Config) (*Transaction, error) {
	started := time.Now()
	ctx, span := o.tracer.Start(ctx, "transaction.execute",
		trace.WithAttributes(attribute.Int("transaction.steps", len(cfg.Steps))))
	defer span.End()

	tx, err := o.Begin(ctx, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "begin failed")
		o.metrics.transactionDone(ctx, outcomeFailed, started)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("transaction.id", tx.ID),
		attribute.String("transaction.correlation_id", tx.CorrelationID),
	)

	detached := context.WithoutCancel(ctx)
	o.logEvent(detached, tx, txlog.EventProcess, txlog.StatusProcessing, nil, nil)
	o.updateStatus(detached, tx, txlog.StatusProcessing, "")

	for _, step := range cfg.Steps {
		stepErr := o.runStep(ctx, tx, step)
		if stepErr == nil {
			continue
		}

		surfaced := stepErr
		if step.OnError != nil {
			hookErr := invoke(step.Name, func() error { return step.OnError(detached, tx, stepErr) })
			if hookErr != nil {
				o.logger.ErrorContext(ctx, "error hook failed",
					"transaction_id", tx.ID, "step", step.Name, "error", hookErr)
				surfaced = &HookError{Step: step.Name, Err: stepErr, HookErr: hookErr}
			}
		}

		o.abort(detached, tx, stepErr, step.Name)
		span.RecordError(stepErr)
		span.SetStatus(otelcodes.Error, "aborted at step "+step.Name)
		o.metrics.transactionDone(ctx, outcomeAborted, started)
		return tx, surfaced
	}

	o.Commit(detached, tx)
	o.metrics.transactionDone(ctx, outcomeCommitted, started)
	return tx, nil
}

// Commit logs COMMIT and moves the record to COMMITTED. Execute calls it
// once all steps succeeded; calling it from anywhere else is unsupported.
func (o *Orchestrator) Commit(ctx context.Context, tx *Transaction) {
	o.logEvent(ctx, tx, txlog.EventCommit, txlog.StatusCommitted, tx.Metadata.Snapshot(), nil)
	o.updateStatus(ctx, tx, txlog.StatusCommitted, "")
}

// Abort logs ABORT with err and the metadata snapshot and moves the record
// to ABORTED, storing the error message. Execute calls it on the first failing step; calling it from
// anywhere else is unsupported.
func (o *Orchestrator) Abort(ctx context.Context, tx *Transaction, err error) {
	o.abort(ctx, tx, err, "")
}

func (o *Orchestrator) abort(ctx context.Context, tx *Transaction, err error, step string) {
	// The metadata snapshot records whatever effects the steps reported before
	// the failure, so they can be replayed from the log.
	data := &structpb.Struct{Fields: map[string]*structpb.Value{
		"metadata": structpb.NewStructValue(tx.Metadata.Snapshot()),
	}}
	if step != "" {
		data.Fields["step"] = structpb.NewStringValue(step)
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	o.logEvent(ctx, tx, txlog.EventAbort, txlog.StatusAborted, data, err)
	o.updateStatus(ctx, tx, txlog.StatusAborted, msg)
}

// Transaction returns the persisted record of a transaction.
func (o *Orchestrator) Transaction(ctx context.Context, transactionID string) (*txlog.Record, error) {
	return o.repo.GetTransaction(ctx, transactionID)
}

// Logs returns the audit trail of a transaction in append order.
func (o *Orchestrator) Logs(ctx context.Context, transactionID string) ([]*txlog.Entry, error) {
	return o.repo.ListEntries(ctx, transactionID)
}

// runStep invokes the handler and then OnSuccess, inside a step span.
func (o *Orchestrator) runStep(ctx context.Context, tx *Transaction, step Step) error {
	ctx, span := o.tracer.Start(ctx, "transaction.step "+step.Name,
		trace.WithAttributes(attribute.String("transaction.step", step.Name)))
	defer span.End()

	err := invoke(step.Name, func() error {
		if step.Handler == nil {
			return fmt.Errorf("orchestrator: step %q has no handler", step.Name)
		}
		return step.Handler(ctx, tx)
	})
	if err == nil && step.OnSuccess != nil {
		err = invoke(step.Name, func() error { return step.OnSuccess(ctx, tx) })
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		o.metrics.stepDone(ctx, step.Name, outcomeAborted)
		o.logger.WarnContext(ctx, "transaction step failed",
			"transaction_id", tx.ID, "correlation_id", tx.CorrelationID, "step", step.Name, "error", err)
		return err
	}
	o.metrics.stepDone(ctx, step.Name, outcomeSucceeded)
	return nil
}

// logEvent writes a log entry. Failures are reported and swallowed.
func (o *Orchestrator) logEvent(ctx context.Context, tx *Transaction, event txlog.Event, status txlog.Status, data *structpb.Struct, cause error) {
	entry := txlog.NewEntry(ctx, tx.ref(), event, status, data, cause)

	attrs := []any{
		"transaction_id", tx.ID,
		"correlation_id", tx.CorrelationID,
		"event", string(event),
		"status", string(status),
	}
	if cause != nil {
		o.logger.ErrorContext(ctx, "transaction event", append(attrs, "error", cause)...)
	} else {
		o.logger.InfoContext(ctx, "transaction event", attrs...)
	}

	if err := o.repo.Append(context.WithoutCancel(ctx), entry); err != nil {
		o.metrics.writeFailed(ctx, "append")
		o.logger.ErrorContext(ctx, "failed to write transaction log", append(attrs, "error", err)...)
	}
}

// updateStatus mirrors a transition on the record. Failures are reported and
// swallowed.
func (o *Orchestrator) updateStatus(ctx context.Context, tx *Transaction, status txlog.Status, errorMessage string) {
	if err := o.repo.UpdateStatus(context.WithoutCancel(ctx), tx.ID, status, errorMessage); err != nil {
		o.metrics.writeFailed(ctx, "update_status")
		o.logger.ErrorContext(ctx, "failed to update transaction status",
			"transaction_id", tx.ID, "status", string(status), "error", err)
	}
}

// invoke runs fn and turns a panic into a *PanicError.
func invoke(step string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Step: step, Value: r, Stack: string(debug.Stack())}
		}
	}()
	return fn()
}

func stepsData(steps []string) *structpb.Struct {
	list := make([]*structpb.Value, len(steps))
	for i, s := range steps {
		list[i] = structpb.NewStringValue(s)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"steps": structpb.NewListValue(&structpb.ListValue{Values: list}),
	}}
}
