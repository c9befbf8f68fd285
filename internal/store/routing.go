package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/stefanvoss/taskbridge/internal/model"
)

// LookupRoutingRule returns the destination list project for a
// (pipeline, stage) pair. The absence of a rule is not an error: it
// returns ErrNotFound and callers fall back to the default destination.
func (s *Store) LookupRoutingRule(ctx context.Context, pipelineID, stageID int64) (string, error) {
	var projectID string
	err := s.conn.QueryRowContext(ctx,
		`SELECT list_project_id FROM routing_rules WHERE pipeline_id = ? AND stage_id = ?`,
		pipelineID, stageID).Scan(&projectID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up routing rule (%d, %d): %w", pipelineID, stageID, err)
	}
	return projectID, nil
}

// ListRoutingRules returns all routing rules, for status display.
func (s *Store) ListRoutingRules(ctx context.Context) ([]model.RoutingRule, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT pipeline_id, stage_id, list_project_id FROM routing_rules ORDER BY pipeline_id, stage_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list routing rules: %w", err)
	}
	defer rows.Close()

	var rules []model.RoutingRule
	for rows.Next() {
		var r model.RoutingRule
		if err := rows.Scan(&r.PipelineID, &r.StageID, &r.ListProjectID); err != nil {
			return nil, fmt.Errorf("failed to scan routing rule: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating routing rules: %w", err)
	}

	return rules, nil
}

// ReplaceRoutingRules swaps the full rule set in one transaction. Used
// by the rules-file reloader; the reconciliation path never writes here.
func (s *Store) ReplaceRoutingRules(ctx context.Context, rules []model.RoutingRule) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM routing_rules`); err != nil {
		return fmt.Errorf("failed to clear routing rules: %w", err)
	}

	for _, r := range rules {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO routing_rules (pipeline_id, stage_id, list_project_id) VALUES (?, ?, ?)`,
			r.PipelineID, r.StageID, r.ListProjectID)
		if err != nil {
			return fmt.Errorf("failed to insert routing rule (%d, %d): %w", r.PipelineID, r.StageID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit routing rules: %w", err)
	}
	return nil
}
