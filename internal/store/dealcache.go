package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/stefanvoss/taskbridge/internal/model"
)

// GetCachedDeal returns the cached context for a deal id.
// Returns ErrNotFound when the deal has never been cached.
func (s *Store) GetCachedDeal(ctx context.Context, dealID int64) (*model.DealContext, error) {
	var d model.DealContext
	var fetchedAt string

	err := s.conn.QueryRowContext(ctx,
		`SELECT deal_id, pipeline_id, stage_id, person_id, title, fetched_at
		 FROM deal_cache WHERE deal_id = ?`, dealID).
		Scan(&d.DealID, &d.PipelineID, &d.StageID, &d.PersonID, &d.Title, &fetchedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached deal %d: %w", dealID, err)
	}

	if t, err := time.Parse(time.RFC3339, fetchedAt); err == nil {
		d.FetchedAt = t
	}
	return &d, nil
}

// PutCachedDeal upserts a deal context into the cache.
func (s *Store) PutCachedDeal(ctx context.Context, d *model.DealContext) error {
	fetchedAt := d.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now()
	}

	query := `
	INSERT INTO deal_cache (deal_id, pipeline_id, stage_id, person_id, title, fetched_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(deal_id) DO UPDATE SET
		pipeline_id = excluded.pipeline_id,
		stage_id = excluded.stage_id,
		person_id = excluded.person_id,
		title = excluded.title,
		fetched_at = excluded.fetched_at
	`

	_, err := s.conn.ExecContext(ctx, query,
		d.DealID, d.PipelineID, d.StageID, d.PersonID, d.Title,
		fetchedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to cache deal %d: %w", d.DealID, err)
	}
	return nil
}

// ListCachedDealIDs returns every deal id present in the cache. The
// scheduler uses this to refresh stale entries on its own timer.
func (s *Store) ListCachedDealIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT deal_id FROM deal_cache ORDER BY deal_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cached deals: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan deal id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deal ids: %w", err)
	}

	return ids, nil
}
