// Package memory provides an in-process payment.SessionRepository.
package memory

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jcmexdev/payment-orchestrator/internal/payment"
)

var _ payment.SessionRepository = (*Store)(nil)

// Store keeps sessions in a map guarded by a mutex.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*payment.Session

	// UpdateErr, when set, is returned by UpdateSession.
	UpdateErr error
	// CreateErr, when set, is returned by CreateSession.
	CreateErr error
	// DeleteErr, when set, is returned by DeleteSession.
	DeleteErr error
	// MarkErr, when set, is returned by MarkForReconciliation.
	MarkErr error
}

// New returns an empty store.
func New() *Store {
	return &Store{sessions: make(map[string]*payment.Session)}
}

func (s *Store) CreateSession(_ context.Context, session *payment.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.CreateErr != nil {
		return s.CreateErr
	}
	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("memory: session %q already exists", session.ID)
	}
	s.sessions[session.ID] = clone(session)
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (*payment.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("memory: session %q: %w", id, payment.ErrSessionNotFound)
	}
	return clone(session), nil
}

func (s *Store) UpdateSession(_ context.Context, session *payment.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.UpdateErr != nil {
		return s.UpdateErr
	}
	stored, ok := s.sessions[session.ID]
	if !ok {
		return fmt.Errorf("memory: session %q: %w", session.ID, payment.ErrSessionNotFound)
	}
	stored.Status = session.Status
	stored.RefundedAmount = session.RefundedAmount
	stored.Data = cloneStruct(session.Data)
	stored.ReconcileTransactionID = session.ReconcileTransactionID
	stored.UpdatedAt = session.UpdatedAt
	return nil
}

func (s *Store) MarkForReconciliation(_ context.Context, id, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.MarkErr != nil {
		return s.MarkErr
	}
	stored, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("memory: session %q: %w", id, payment.ErrSessionNotFound)
	}
	stored.ReconcileTransactionID = transactionID
	return nil
}

func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("memory: session %q: %w", id, payment.ErrSessionNotFound)
	}
	delete(s.sessions, id)
	return nil
}

func clone(session *payment.Session) *payment.Session {
	c := *session
	c.Data = cloneStruct(session.Data)
	return &c
}

func cloneStruct(s *structpb.Struct) *structpb.Struct {
	if s == nil {
		return nil
	}
	return proto.Clone(s).(*structpb.Struct)
}
