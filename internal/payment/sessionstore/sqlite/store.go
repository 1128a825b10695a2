// Package sqlite provides a SQLite-backed payment.SessionRepository.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jcmexdev/payment-orchestrator/internal/payment"
	"github.com/jcmexdev/payment-orchestrator/internal/pkg/sqlitedb"
)

const schema = `
CREATE TABLE IF NOT EXISTS payment_sessions (
    session_id       TEXT        PRIMARY KEY,
    provider_id      TEXT        NOT NULL,
    resource_id      TEXT        NOT NULL DEFAULT '',

    -- Minor currency units.
    amount           INTEGER     NOT NULL,
    currency_code    TEXT        NOT NULL,
    refunded_amount  INTEGER     NOT NULL DEFAULT 0,

    status           TEXT        NOT NULL,

    -- protojson provider payload.
    data             TEXT,

    -- Transaction whose provider effect is missing from this row.
    reconcile_transaction_id TEXT,

    created_at       TEXT        NOT NULL,
    updated_at       TEXT        NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_payment_sessions_resource_id ON payment_sessions(resource_id);
`

var _ payment.SessionRepository = (*Store)(nil)

// Store is the SQLite implementation of payment.SessionRepository.
type Store struct {
	db *sql.DB
}

// New applies the schema on db and returns a store using it.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if err := sqlitedb.ApplySchema(ctx, db, schema); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) CreateSession(ctx context.Context, session *payment.Session) error {
	data, err := marshalStruct(session.Data)
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO payment_sessions
			(session_id, provider_id, resource_id, amount, currency_code,
			 refunded_amount, status, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, q,
		session.ID,
		string(session.ProviderID),
		session.ResourceID,
		session.Amount,
		session.CurrencyCode,
		session.RefundedAmount,
		string(session.Status),
		data,
		sqlitedb.FormatTime(session.CreatedAt),
		sqlitedb.FormatTime(session.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create session %q: %w", session.ID, err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*payment.Session, error) {
	const q = `
		SELECT session_id, provider_id, resource_id, amount, currency_code,
		       refunded_amount, status, data, COALESCE(reconcile_transaction_id, ''),
		       created_at, updated_at
		FROM payment_sessions
		WHERE session_id = ?`

	var (
		session              payment.Session
		providerID, status   string
		data                 sql.NullString
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&session.ID,
		&providerID,
		&session.ResourceID,
		&session.Amount,
		&session.CurrencyCode,
		&session.RefundedAmount,
		&status,
		&data,
		&session.ReconcileTransactionID,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: session %q: %w", id, payment.ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get session %q: %w", id, err)
	}

	session.ProviderID = payment.ProviderID(providerID)
	session.Status = payment.SessionStatus(status)
	if session.Data, err = unmarshalStruct(data); err != nil {
		return nil, err
	}
	if session.CreatedAt, err = sqlitedb.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if session.UpdatedAt, err = sqlitedb.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Store) UpdateSession(ctx context.Context, session *payment.Session) error {
	data, err := marshalStruct(session.Data)
	if err != nil {
		return err
	}
	updatedAt := session.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	const q = `
		UPDATE payment_sessions
		SET status = ?, refunded_amount = ?, data = ?, reconcile_transaction_id = ?, updated_at = ?
		WHERE session_id = ?`

	res, err := s.db.ExecContext(ctx, q,
		string(session.Status),
		session.RefundedAmount,
		data,
		sqlitedb.NullableString(session.ReconcileTransactionID),
		sqlitedb.FormatTime(updatedAt),
		session.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update session %q: %w", session.ID, err)
	}
	return requireRow(res, session.ID)
}

func (s *Store) MarkForReconciliation(ctx context.Context, id, transactionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payment_sessions SET reconcile_transaction_id = ? WHERE session_id = ?`,
		transactionID, id)
	if err != nil {
		return fmt.Errorf("sqlite: mark session %q for reconciliation: %w", id, err)
	}
	return requireRow(res, id)
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM payment_sessions WHERE session_id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete session %q: %w", id, err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: session %q: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: session %q: %w", id, payment.ErrSessionNotFound)
	}
	return nil
}

func marshalStruct(s *structpb.Struct) (any, error) {
	if s == nil {
		return nil, nil
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("sqlite: marshal session data: %w", err)
	}
	return string(b), nil
}

func unmarshalStruct(ns sql.NullString) (*structpb.Struct, error) {
	if !ns.Valid {
		return nil, nil
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal([]byte(ns.String), s); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal session data: %w", err)
	}
	return s, nil
}
