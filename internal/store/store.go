// Package store provides the embedded SQLite persistence layer for
// taskbridge: the mapping bridge table, poller cursors, the append-only
// audit log, routing rules, and the deal-context read-through cache.
//
// The database runs embedded with WAL mode for concurrent reads. All
// timestamps are stored as RFC3339 TEXT columns; mapping watermarks
// keep nanosecond precision.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Sentinel errors returned by store lookups and writes.
var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when an insert would violate the
	// one-mapping-per-remote-id uniqueness invariant.
	ErrConflict = errors.New("store: mapping conflict")
)

// Store wraps the SQLite connection with taskbridge-specific queries.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent
// reads. If it doesn't exist it is created; call InitSchema before
// first use. The caller must call Close when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent; safe to call on every startup.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_mappings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		crm_task_id INTEGER UNIQUE,
		list_task_id TEXT UNIQUE,
		crm_person_id INTEGER NOT NULL DEFAULT 0,
		crm_deal_id INTEGER NOT NULL DEFAULT 0,
		list_project_id TEXT NOT NULL DEFAULT '',
		list_section_id TEXT NOT NULL DEFAULT '',
		origin TEXT NOT NULL,
		sync_status TEXT NOT NULL,
		crm_updated_at TEXT,
		list_updated_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cursors (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		direction TEXT NOT NULL,
		action TEXT NOT NULL,
		crm_task_id INTEGER,
		list_task_id TEXT,
		deal_id INTEGER,
		details TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS routing_rules (
		pipeline_id INTEGER NOT NULL,
		stage_id INTEGER NOT NULL,
		list_project_id TEXT NOT NULL,
		PRIMARY KEY (pipeline_id, stage_id)
	);

	CREATE TABLE IF NOT EXISTS deal_cache (
		deal_id INTEGER PRIMARY KEY,
		pipeline_id INTEGER NOT NULL,
		stage_id INTEGER NOT NULL,
		person_id INTEGER NOT NULL DEFAULT 0,
		title TEXT NOT NULL DEFAULT '',
		fetched_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_mappings_status ON task_mappings(sync_status);
	CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);
	CREATE INDEX IF NOT EXISTS idx_audit_outcome ON audit_log(outcome);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint
// failure. The driver surfaces these as plain errors, so the message
// text is the stable signal.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// timeToNullString converts a time to a nullable RFC3339 string,
// treating the zero time as NULL. Watermarks keep full sub-second
// precision: the echo guard compares the stored value against remote
// updated_at timestamps with Equal, and any truncation here would make
// that comparison miss forever.
func timeToNullString(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

// nullStringToTime converts a nullable RFC3339 string to a time,
// returning the zero time for NULL or unparseable values.
func nullStringToTime(ns sql.NullString) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

// int64ToNull converts an id to a nullable SQL int, treating zero as
// NULL so the UNIQUE constraint only binds on real remote ids.
func int64ToNull(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

// stringToNull converts an id to a nullable SQL string, treating the
// empty string as NULL.
func stringToNull(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
