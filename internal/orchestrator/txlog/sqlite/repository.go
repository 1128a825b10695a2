// Package sqlite provides a SQLite-backed implementation of txlog.Repository.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jcmexdev/payment-orchestrator/internal/orchestrator/txlog"
	"github.com/jcmexdev/payment-orchestrator/internal/pkg/sqlitedb"
)

// schema is the DDL executed once on startup.
//
// transaction_logs has no foreign key to transactions: a FAILURE entry is
// written precisely when the transaction row could not be inserted.
const schema = `
CREATE TABLE IF NOT EXISTS transactions (
    transaction_id  TEXT        PRIMARY KEY,
    correlation_id  TEXT        NOT NULL,
    user_id         TEXT        NOT NULL DEFAULT '',

    -- PENDING, PROCESSING, COMMITTED or ABORTED.
    status          TEXT        NOT NULL,

    -- protojson snapshot of the context metadata at creation.
    metadata        TEXT,

    -- JSON array of step names in execution order.
    steps           TEXT        NOT NULL DEFAULT '[]',

    -- Set only on abort.
    error_message   TEXT,

    created_at      TEXT        NOT NULL,
    updated_at      TEXT        NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_correlation_id ON transactions(correlation_id);

CREATE TABLE IF NOT EXISTS transaction_logs (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    transaction_id  TEXT        NOT NULL,
    correlation_id  TEXT        NOT NULL,
    user_id         TEXT        NOT NULL DEFAULT '',
    event           TEXT        NOT NULL,
    status          TEXT        NOT NULL,
    data            TEXT,
    error_message   TEXT,
    error_stack     TEXT,
    trace_id        TEXT        NOT NULL DEFAULT '',
    span_id         TEXT        NOT NULL DEFAULT '',
    created_at      TEXT        NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transaction_logs_transaction_id ON transaction_logs(transaction_id, seq);
CREATE INDEX IF NOT EXISTS idx_transaction_logs_trace_id ON transaction_logs(trace_id);
`

var _ txlog.Repository = (*Repository)(nil)

// Repository is the SQLite implementation of txlog.Repository.
type Repository struct {
	db *sql.DB
}

// New applies the schema on db and returns a repository using it.
// The caller owns db and closes it.
func New(ctx context.Context, db *sql.DB) (*Repository, error) {
	if err := sqlitedb.ApplySchema(ctx, db, schema); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

// CreateTransaction inserts a new transaction row.
func (r *Repository) CreateTransaction(ctx context.Context, rec *txlog.Record) error {
	const q = `
		INSERT INTO transactions
			(transaction_id, correlation_id, user_id, status, metadata, steps, error_message, created_at, updated_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?)`

	metadata, err := marshalStruct(rec.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: create transaction %q: %w", rec.TransactionID, err)
	}
	steps := rec.Steps
	if steps == nil {
		steps = []string{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("sqlite: create transaction %q: encode steps: %w", rec.TransactionID, err)
	}

	_, err = r.db.ExecContext(ctx, q,
		rec.TransactionID,
		rec.CorrelationID,
		rec.UserID,
		string(rec.Status),
		metadata,
		string(stepsJSON),
		sqlitedb.NullableString(rec.ErrorMessage),
		sqlitedb.FormatTime(rec.CreatedAt),
		sqlitedb.FormatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create transaction %q: %w", rec.TransactionID, err)
	}
	return nil
}

// UpdateStatus moves an existing row to status. An empty errorMessage keeps
// the stored one.
func (r *Repository) UpdateStatus(ctx context.Context, transactionID string, status txlog.Status, errorMessage string) error {
	const q = `
		UPDATE transactions
		SET    status = ?, error_message = COALESCE(?, error_message), updated_at = ?
		WHERE  transaction_id = ?`

	res, err := r.db.ExecContext(ctx, q,
		string(status),
		sqlitedb.NullableString(errorMessage),
		sqlitedb.FormatTime(time.Now()),
		transactionID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update transaction %q: %w", transactionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update transaction %q: %w", transactionID, err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: update transaction %q: %w", transactionID, txlog.ErrNotFound)
	}
	return nil
}

// GetTransaction returns the transaction row or txlog.ErrNotFound.
func (r *Repository) GetTransaction(ctx context.Context, transactionID string) (*txlog.Record, error) {
	const q = `
		SELECT transaction_id, correlation_id, user_id, status, COALESCE(metadata, ''), steps,
		       COALESCE(error_message, ''), created_at, updated_at
		FROM   transactions
		WHERE  transaction_id = ?`

	var (
		rec                  txlog.Record
		metadata, steps      string
		createdAt, updatedAt string
	)
	err := r.db.QueryRowContext(ctx, q, transactionID).Scan(
		&rec.TransactionID,
		&rec.CorrelationID,
		&rec.UserID,
		&rec.Status,
		&metadata,
		&steps,
		&rec.ErrorMessage,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: transaction %q: %w", transactionID, txlog.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get transaction %q: %w", transactionID, err)
	}

	if rec.Metadata, err = unmarshalStruct(metadata); err != nil {
		return nil, fmt.Errorf("sqlite: get transaction %q: %w", transactionID, err)
	}
	if err := json.Unmarshal([]byte(steps), &rec.Steps); err != nil {
		return nil, fmt.Errorf("sqlite: get transaction %q: decode steps: %w", transactionID, err)
	}
	if rec.CreatedAt, err = sqlitedb.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = sqlitedb.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Append inserts a log entry and sets entry.Seq. It is safe to call concurrently.
func (r *Repository) Append(ctx context.Context, entry *txlog.Entry) error {
	const q = `
		INSERT INTO transaction_logs
			(transaction_id, correlation_id, user_id, event, status, data, error_message, error_stack, trace_id, span_id, created_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	data, err := marshalStruct(entry.Data)
	if err != nil {
		return fmt.Errorf("sqlite: append log for %q: %w", entry.TransactionID, err)
	}
	// A present error keeps its message column non-NULL, even when empty.
	var errMsg, errStack any
	if entry.Error != nil {
		errMsg, errStack = entry.Error.Message, sqlitedb.NullableString(entry.Error.Stack)
	}

	res, err := r.db.ExecContext(ctx, q,
		entry.TransactionID,
		entry.CorrelationID,
		entry.UserID,
		string(entry.Event),
		string(entry.Status),
		data,
		errMsg,
		errStack,
		entry.TraceID,
		entry.SpanID,
		sqlitedb.FormatTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: append log for %q: %w", entry.TransactionID, err)
	}
	if entry.Seq, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("sqlite: append log for %q: %w", entry.TransactionID, err)
	}
	return nil
}

// ListEntries returns all log entries of a transaction in append order.
// A transaction with no entries yields an empty slice, not an error.
func (r *Repository) ListEntries(ctx context.Context, transactionID string) ([]*txlog.Entry, error) {
	const q = `
		SELECT seq, transaction_id, correlation_id, user_id, event, status, COALESCE(data, ''),
		       error_message, COALESCE(error_stack, ''), trace_id, span_id, created_at
		FROM   transaction_logs
		WHERE  transaction_id = ?
		ORDER  BY seq`

	rows, err := r.db.QueryContext(ctx, q, transactionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list logs for %q: %w", transactionID, err)
	}
	defer rows.Close()

	entries := []*txlog.Entry{}
	for rows.Next() {
		var (
			e              txlog.Entry
			data, errStack string
			errMsg         sql.NullString
			createdAt      string
		)
		if err := rows.Scan(
			&e.Seq,
			&e.TransactionID,
			&e.CorrelationID,
			&e.UserID,
			&e.Event,
			&e.Status,
			&data,
			&errMsg,
			&errStack,
			&e.TraceID,
			&e.SpanID,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan log for %q: %w", transactionID, err)
		}
		if e.Data, err = unmarshalStruct(data); err != nil {
			return nil, fmt.Errorf("sqlite: scan log for %q: %w", transactionID, err)
		}
		if errMsg.Valid {
			e.Error = &txlog.ErrorDetail{Message: errMsg.String, Stack: errStack}
		}
		if e.CreatedAt, err = sqlitedb.ParseTime(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list logs for %q: %w", transactionID, err)
	}
	return entries, nil
}

// marshalStruct returns nil for a nil struct so the column stays NULL.
func marshalStruct(s *structpb.Struct) (any, error) {
	if s == nil {
		return nil, nil
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode struct: %w", err)
	}
	return string(b), nil
}

func unmarshalStruct(s string) (*structpb.Struct, error) {
	if s == "" {
		return nil, nil
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal([]byte(s), out); err != nil {
		return nil, fmt.Errorf("decode struct: %w", err)
	}
	return out, nil
}
