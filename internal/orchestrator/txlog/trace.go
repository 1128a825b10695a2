package txlog

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/types/known/structpb"
)

// TraceInfo holds the OTel identifiers extracted from a context.
type TraceInfo struct {
	// TraceID is the W3C trace ID (32 lowercase hex chars).
	// Empty string if no active span is found in the context.
	TraceID string

	// SpanID is the W3C span ID (16 lowercase hex chars).
	SpanID string
}

// ExtractTraceInfo reads the active OpenTelemetry span from ctx and returns
// its trace_id and span_id as hex strings. Both are empty when the context
// carries no valid span (e.g. in unit tests without a tracer provider).
func ExtractTraceInfo(ctx context.Context) TraceInfo {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return TraceInfo{}
	}
	return TraceInfo{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
	}
}

// Ref identifies the transaction an entry belongs to.
type Ref struct {
	TransactionID string
	CorrelationID string
	UserID        string
}

// stackTracer is implemented by errors that captured a stack when created,
// such as recovered step panics.
type stackTracer interface {
	StackTrace() string
}

// NewErrorDetail converts err into the form stored on log entries.
// It returns nil for a nil error.
func NewErrorDetail(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	d := &ErrorDetail{Message: err.Error()}
	var st stackTracer
	if errors.As(err, &st) {
		d.Stack = st.StackTrace()
	}
	return d
}

// NewEntry builds a log entry with the trace info automatically extracted
// from ctx.
//
//	entry := txlog.NewEntry(ctx, ref, txlog.EventAbort, txlog.StatusAborted, nil, err)
//	_ = repo.Append(ctx, entry)
func NewEntry(
	ctx context.Context,
	ref Ref,
	event Event,
	status Status,
	data *structpb.Struct,
	err error,
) *Entry {
	ti := ExtractTraceInfo(ctx)
	return &Entry{
		TransactionID: ref.TransactionID,
		CorrelationID: ref.CorrelationID,
		UserID:        ref.UserID,
		Event:         event,
		Status:        status,
		Data:          data,
		Error:         NewErrorDetail(err),
		TraceID:       ti.TraceID,
		SpanID:        ti.SpanID,
		CreatedAt:     time.Now().UTC(),
	}
}
