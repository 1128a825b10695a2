package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	outcomeCommitted = "committed"
	outcomeAborted   = "aborted"
	outcomeFailed    = "failed"
	outcomeSucceeded = "succeeded"
)

type metrics struct {
	transactions  metric.Int64Counter
	steps         metric.Int64Counter
	duration      metric.Float64Histogram
	writeFailures metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	var m metrics
	var err, errs error

	m.transactions, err = meter.Int64Counter("payments_transactions_total",
		metric.WithDescription("Transactions by terminal outcome."))
	errs = errors.Join(errs, err)

	m.steps, err = meter.Int64Counter("payments_transaction_steps_total",
		metric.WithDescription("Executed transaction steps by name and outcome."))
	errs = errors.Join(errs, err)

	m.duration, err = meter.Float64Histogram("payments_transaction_duration_seconds",
		metric.WithDescription("Wall time of Execute, from begin to commit or abort."),
		metric.WithUnit("s"))
	errs = errors.Join(errs, err)

	m.writeFailures, err = meter.Int64Counter("payments_txlog_write_failures_total",
		metric.WithDescription("Best-effort transaction log or status writes that failed."))
	errs = errors.Join(errs, err)

	return &m, errs
}

func (m *metrics) transactionDone(ctx context.Context, outcome string, started time.Time) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.transactions.Add(ctx, 1, attrs)
	m.duration.Record(ctx, time.Since(started).Seconds(), attrs)
}

func (m *metrics) stepDone(ctx context.Context, step, outcome string) {
	m.steps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", step),
		attribute.String("outcome", outcome),
	))
}

func (m *metrics) writeFailed(ctx context.Context, op string) {
	m.writeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
