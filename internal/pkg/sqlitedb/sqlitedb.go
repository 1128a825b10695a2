// Package sqlitedb opens the process-wide SQLite database shared by the
// transaction log and the payment session store.
//
// WAL mode is enabled on Open so that readers never block writers and vice
// versa: orchestrated transactions write while HTTP handlers read the audit
// trail.
package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// Pure-Go SQLite driver, no CGO required.
	_ "modernc.org/sqlite"
)

// timeLayout is the fixed-width RFC3339 layout used for every TEXT timestamp
// so that lexical ORDER BY matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Open opens (or creates) the SQLite database at the given path.
// Use ":memory:" only in tests, and only with a single connection.
//
//	db, err := sqlitedb.Open("./data/payments.db")
func Open(path string) (*sql.DB, error) {
	// The pure-Go driver uses _pragma query parameters to configure connection state.
	// busy_timeout waits for locks instead of failing immediately.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping %q: %w", path, err)
	}
	return db, nil
}

// ApplySchema runs DDL statements. Callers pass idempotent
// CREATE ... IF NOT EXISTS statements.
func ApplySchema(ctx context.Context, db *sql.DB, schema string) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return nil
}

// FormatTime renders t for storage in a TEXT column.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses the timestamp strings stored by FormatTime.
// SQLite has no native datetime type; we store RFC3339 TEXT.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", s, err)
	}
	return t, nil
}

// NullableString returns nil for empty strings so SQLite stores NULL instead
// of an empty TEXT.
func NullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
