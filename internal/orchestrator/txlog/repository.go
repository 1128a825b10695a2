package txlog

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a transaction record does not exist.
var ErrNotFound = errors.New("txlog: transaction not found")

// TransactionRepository persists transaction records.
type TransactionRepository interface {
	// CreateTransaction inserts a new record. It fails if a record with the
	// same transaction ID already exists.
	CreateTransaction(ctx context.Context, rec *Record) error

	// UpdateStatus sets the status of an existing record. errorMessage is
	// stored only when non-empty.
	UpdateStatus(ctx context.Context, transactionID string, status Status, errorMessage string) error

	// GetTransaction returns the record or ErrNotFound.
	GetTransaction(ctx context.Context, transactionID string) (*Record, error)
}

// LogRepository persists the append-only transaction log.
type LogRepository interface {
	// Append adds an entry and assigns its Seq. Entries are never updated.
	Append(ctx context.Context, entry *Entry) error

	// ListEntries returns every entry of a transaction in append order.
	ListEntries(ctx context.Context, transactionID string) ([]*Entry, error)
}

// Repository is what the orchestrator depends on. The sqlite package
// implements it for production and the memory package for tests.
type Repository interface {
	TransactionRepository
	LogRepository
}
