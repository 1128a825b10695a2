// Package memory provides an in-process txlog.Repository.
//
// It backs unit tests and local development. Failures can be injected per
// operation to exercise the orchestrator's error paths.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jcmexdev/payment-orchestrator/internal/orchestrator/txlog"
)

var _ txlog.Repository = (*Repository)(nil)

// Repository keeps records and log entries in maps guarded by a mutex.
type Repository struct {
	mu      sync.Mutex
	records map[string]*txlog.Record
	entries map[string][]*txlog.Entry
	seq     int64

	// CreateErr, when set, is returned by CreateTransaction.
	CreateErr error
	// UpdateErr, when set, is returned by UpdateStatus.
	UpdateErr error
	// AppendErr, when set, is consulted for every Append; a non-nil result
	// fails that append and the entry is not stored.
	AppendErr func(entry *txlog.Entry) error
}

// New returns an empty repository.
func New() *Repository {
	return &Repository{
		records: make(map[string]*txlog.Record),
		entries: make(map[string][]*txlog.Entry),
	}
}

func (r *Repository) CreateTransaction(_ context.Context, rec *txlog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.CreateErr != nil {
		return r.CreateErr
	}
	if _, exists := r.records[rec.TransactionID]; exists {
		return fmt.Errorf("memory: transaction %q already exists", rec.TransactionID)
	}
	r.records[rec.TransactionID] = cloneRecord(rec)
	return nil
}

func (r *Repository) UpdateStatus(_ context.Context, transactionID string, status txlog.Status, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.UpdateErr != nil {
		return r.UpdateErr
	}
	rec, ok := r.records[transactionID]
	if !ok {
		return fmt.Errorf("memory: transaction %q: %w", transactionID, txlog.ErrNotFound)
	}
	rec.Status = status
	if errorMessage != "" {
		rec.ErrorMessage = errorMessage
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *Repository) GetTransaction(_ context.Context, transactionID string) (*txlog.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[transactionID]
	if !ok {
		return nil, fmt.Errorf("memory: transaction %q: %w", transactionID, txlog.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

func (r *Repository) Append(_ context.Context, entry *txlog.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.AppendErr != nil {
		if err := r.AppendErr(entry); err != nil {
			return err
		}
	}
	r.seq++
	entry.Seq = r.seq
	stored := *entry
	r.entries[entry.TransactionID] = append(r.entries[entry.TransactionID], &stored)
	return nil
}

func (r *Repository) ListEntries(_ context.Context, transactionID string) ([]*txlog.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*txlog.Entry, 0, len(r.entries[transactionID]))
	for _, e := range r.entries[transactionID] {
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

func cloneRecord(rec *txlog.Record) *txlog.Record {
	c := *rec
	c.Steps = append([]string(nil), rec.Steps...)
	if rec.Metadata != nil {
		c.Metadata = proto.Clone(rec.Metadata).(*structpb.Struct)
	}
	return &c
}
