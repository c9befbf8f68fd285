package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/stefanvoss/taskbridge/internal/model"
)

// GetCursor returns the current cursor value for a key, or empty string
// when the poller has never run.
func (s *Store) GetCursor(ctx context.Context, key string) (string, error) {
	var value string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM cursors WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get cursor %q: %w", key, err)
	}
	return value, nil
}

// SetCursor persists a new cursor value for a key.
//
// Callers must only call this after the batch fetched with the previous
// value has been fully applied; advancing early drops changes that land
// between fetch and commit.
func (s *Store) SetCursor(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO cursors (key, value, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`

	_, err := s.conn.ExecContext(ctx, query, key, value,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to set cursor %q: %w", key, err)
	}
	return nil
}

// ListCursors returns all persisted cursors, for status reporting.
func (s *Store) ListCursors(ctx context.Context) ([]model.Cursor, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT key, value, updated_at FROM cursors ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	defer rows.Close()

	var cursors []model.Cursor
	for rows.Next() {
		var c model.Cursor
		var updatedAt string
		if err := rows.Scan(&c.Key, &c.Value, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
			c.UpdatedAt = t
		}
		cursors = append(cursors, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cursors: %w", err)
	}

	return cursors, nil
}
