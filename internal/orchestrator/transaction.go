package orchestrator

import (
	"context"
	"fmt"

	"github.com/jcmexdev/payment-orchestrator/internal/orchestrator/txlog"
)

// Transaction is the mutable state shared by the steps of one execution.
//
// Steps run strictly one after another, so handlers may read and write
// Metadata without synchronisation.
type Transaction struct {
	ID            string
	CorrelationID string
	UserID        string
	Metadata      Metadata
}

func (t *Transaction) ref() txlog.Ref {
	return txlog.Ref{
		TransactionID: t.ID,
		CorrelationID: t.CorrelationID,
		UserID:        t.UserID,
	}
}

// HandlerFunc is the effect of a step.
type HandlerFunc func(ctx context.Context, tx *Transaction) error

// ErrorHookFunc runs when a step fails, before the transaction is aborted.
type ErrorHookFunc func(ctx context.Context, tx *Transaction, err error) error

// Step is a named unit of work.
type Step struct {
	// Name identifies the step in logs and in the persisted record. Names
	// should be unique within one Config; this is not enforced.
	Name string

	Handler HandlerFunc

	// OnSuccess runs right after Handler returns nil. Its failure is treated
	// as a failure of the step.
	OnSuccess HandlerFunc

	// OnError runs when Handler or OnSuccess fails.
	OnError ErrorHookFunc
}

// Config describes one transaction to run.
type Config struct {
	Steps []Step

	// Optional seeds. Empty IDs are generated.
	TransactionID string
	CorrelationID string
	UserID        string
	Metadata      Metadata
}

func (c Config) stepNames() []string {
	names := make([]string, len(c.Steps))
	for i, s := range c.Steps {
		names[i] = s.Name
	}
	return names
}

// HookError is returned by Execute when a step failed and its OnError hook
// failed too. The transaction was still aborted with the step error.
type HookError struct {
	Step    string
	Err     error
	HookErr error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("%v (error hook of step %q failed: %v)", e.Err, e.Step, e.HookErr)
}

// Unwrap exposes the step error first and the hook error second.
func (e *HookError) Unwrap() []error {
	return []error{e.Err, e.HookErr}
}

// PanicError is the error a step fails with when its handler or one of its
// hooks panics.
type PanicError struct {
	Step  string
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("step %q panicked: %v", e.Step, e.Value)
}

// StackTrace returns the goroutine stack captured at recovery.
func (e *PanicError) StackTrace() string {
	return e.Stack
}
