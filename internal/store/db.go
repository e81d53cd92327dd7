package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Bounds for the buffer of mutations whose target has not arrived yet.
// Without a bound a server inconsistency would grow it forever.
const (
	DefaultPendingCap = 256
	DefaultPendingTTL = 24 * time.Hour
)

// DB wraps a SQLite database connection for the app-owned chatline.db.
type DB struct {
	*sql.DB

	pendingCap int
	pendingTTL time.Duration
}

// querier is satisfied by both *sql.DB and *sql.Tx so write helpers can run
// inside a transaction.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, pendingCap: DefaultPendingCap, pendingTTL: DefaultPendingTTL}, nil
}

// SetPendingLimits overrides the per-chat cap and TTL for buffered mutations.
func (db *DB) SetPendingLimits(maxPerChat int, ttl time.Duration) {
	if maxPerChat > 0 {
		db.pendingCap = maxPerChat
	}
	if ttl > 0 {
		db.pendingTTL = ttl
	}
}
