package payment

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when a session does not exist.
	ErrSessionNotFound = errors.New("payment: session not found")

	// ErrInvalidTransition is returned when an operation is not allowed from
	// the session's current status.
	ErrInvalidTransition = errors.New("payment: operation not allowed in current session status")

	// ErrInvalidAmount is returned for non-positive or excessive amounts.
	ErrInvalidAmount = errors.New("payment: invalid amount")

	// ErrInvalidStatus is returned when a provider reports an unknown status.
	ErrInvalidStatus = errors.New("payment: provider returned an unknown status")

	// ErrReconciliationRequired is returned for operations on a session whose
	// last provider effect was not persisted.
	ErrReconciliationRequired = errors.New("payment: session needs reconciliation")
)

// SessionRepository persists payment sessions.
type SessionRepository interface {
	CreateSession(ctx context.Context, s *Session) error
	// GetSession returns ErrSessionNotFound for unknown IDs.
	GetSession(ctx context.Context, id string) (*Session, error)
	// UpdateSession stores status, data, refunded amount and the
	// reconciliation flag of s.
	UpdateSession(ctx context.Context, s *Session) error
	// MarkForReconciliation flags the session with the transaction whose
	// provider effect it is missing. Nothing else is written.
	MarkForReconciliation(ctx context.Context, id, transactionID string) error
	DeleteSession(ctx context.Context, id string) error
}

// OperationError is returned by Service operations that ran a transaction
// and failed. Err is the error surfaced by the orchestrator.
type OperationError struct {
	Op            string
	SessionID     string
	TransactionID string
	Err           error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("payment: %s session %q (transaction %s): %v", e.Op, e.SessionID, e.TransactionID, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}
