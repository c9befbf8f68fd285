package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/stefanvoss/taskbridge/internal/model"
)

// AppendAudit records one entry in the append-only audit log.
// Entries are never updated or read back by the engine itself.
func (s *Store) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	query := `
	INSERT INTO audit_log (ts, direction, action, crm_task_id, list_task_id, deal_id, details, outcome)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.conn.ExecContext(ctx, query,
		ts.UTC().Format(time.RFC3339),
		string(e.Direction),
		string(e.Action),
		int64ToNull(e.CRMTaskID),
		stringToNull(e.ListTaskID),
		int64ToNull(e.DealID),
		e.Details,
		string(e.Outcome),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// RecentAudit returns the most recent audit entries, newest first.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
	SELECT id, ts, direction, action, crm_task_id, list_task_id, deal_id, details, outcome
	FROM audit_log
	ORDER BY id DESC
	LIMIT ?
	`

	rows, err := s.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var ts, direction, action, outcome string
		var crmTaskID, dealID sql.NullInt64
		var listTaskID sql.NullString

		err := rows.Scan(&e.ID, &ts, &direction, &action,
			&crmTaskID, &listTaskID, &dealID, &e.Details, &outcome)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}

		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			e.Timestamp = t
		}
		e.Direction = model.Direction(direction)
		e.Action = model.AuditAction(action)
		e.Outcome = model.AuditOutcome(outcome)
		if crmTaskID.Valid {
			e.CRMTaskID = crmTaskID.Int64
		}
		if listTaskID.Valid {
			e.ListTaskID = listTaskID.String
		}
		if dealID.Valid {
			e.DealID = dealID.Int64
		}

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// CountAuditByOutcome returns aggregate counters per outcome, for the
// operator-visible failure summary.
func (s *Store) CountAuditByOutcome(ctx context.Context) (map[model.AuditOutcome]int, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT outcome, COUNT(*) FROM audit_log GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("failed to count audit entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.AuditOutcome]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("failed to scan audit count: %w", err)
		}
		counts[model.AuditOutcome(outcome)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit counts: %w", err)
	}

	return counts, nil
}

// PruneAuditLog deletes audit entries older than the given cutoff and
// returns how many were removed. Run periodically by the scheduler so
// the append-only table doesn't grow without bound.
func (s *Store) PruneAuditLog(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM audit_log WHERE ts < ?`,
		olderThan.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit log: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read pruned count: %w", err)
	}
	return n, nil
}
