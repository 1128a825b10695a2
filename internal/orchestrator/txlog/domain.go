// Package txlog defines the durable side of a transaction: the mutable
// transaction record and the append-only log of lifecycle events.
//
// The record answers "where is transaction X now?". The log answers "how did
// it get there?" and is never updated or deleted, so it stays a faithful audit
// trail even when the record's status column is overwritten.
package txlog

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCommitted  Status = "COMMITTED"
	StatusAborted    Status = "ABORTED"
	// StatusFailed is only ever written to the log: it marks a transaction
	// whose record could not be created.
	StatusFailed Status = "FAILED"
)

// Terminal reports whether no further transition is expected from s.
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusAborted || s == StatusFailed
}

// Event names a lifecycle transition recorded in the log.
type Event string

const (
	EventBegin   Event = "BEGIN"
	EventProcess Event = "PROCESS"
	EventCommit  Event = "COMMIT"
	EventAbort   Event = "ABORT"
	EventFailure Event = "FAILURE"
)

// Record is the single row kept per transaction.
type Record struct {
	TransactionID string
	CorrelationID string
	UserID        string

	Status Status

	// Metadata is the snapshot of the context metadata at creation time.
	Metadata *structpb.Struct

	// Steps lists the step names in execution order, recorded at creation.
	Steps []string

	// ErrorMessage is set only when the transaction is aborted.
	ErrorMessage string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ErrorDetail is the error captured on an error-carrying event.
type ErrorDetail struct {
	Message string
	Stack   string
}

// Entry is a single row of the transaction log.
type Entry struct {
	// Seq is assigned by the repository on append and orders entries of the
	// same transaction.
	Seq int64

	TransactionID string
	CorrelationID string
	UserID        string

	Event  Event
	Status Status

	// Data is an optional free-form payload.
	Data *structpb.Struct

	// Error is set on ABORT and FAILURE events.
	Error *ErrorDetail

	// TraceID and SpanID link the entry to the OpenTelemetry span that was
	// active when it was written. Empty when no span was recording.
	TraceID string
	SpanID  string

	CreatedAt time.Time
}
