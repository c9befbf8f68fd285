package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/stefanvoss/taskbridge/internal/model"
)

const mappingColumns = `id, crm_task_id, list_task_id, crm_person_id, crm_deal_id,
	list_project_id, list_section_id, origin, sync_status,
	crm_updated_at, list_updated_at, created_at, updated_at`

// CreateMapping inserts a new mapping row and returns its id.
//
// Returns ErrConflict when another mapping already claims the same
// crm_task_id or list_task_id. Callers treat that as an identity
// conflict, never as something to silently overwrite.
func (s *Store) CreateMapping(ctx context.Context, m *model.TaskMapping) (int64, error) {
	if err := m.Validate(); err != nil {
		return 0, fmt.Errorf("invalid mapping: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)

	query := `
	INSERT INTO task_mappings (
		crm_task_id, list_task_id, crm_person_id, crm_deal_id,
		list_project_id, list_section_id, origin, sync_status,
		crm_updated_at, list_updated_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := s.conn.ExecContext(ctx, query,
		int64ToNull(m.CRMTaskID),
		stringToNull(m.ListTaskID),
		m.CRMPersonID,
		m.CRMDealID,
		m.ListProjectID,
		m.ListSectionID,
		string(m.Origin),
		string(m.Status),
		timeToNullString(m.CRMUpdatedAt),
		timeToNullString(m.ListUpdatedAt),
		now,
		now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("mapping for crm=%d list=%q already exists: %w",
				m.CRMTaskID, m.ListTaskID, ErrConflict)
		}
		return 0, fmt.Errorf("failed to create mapping: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read mapping id: %w", err)
	}

	return id, nil
}

// FindMappingByCRMID looks up the mapping for a CRM task id.
// Returns ErrNotFound when no mapping exists.
func (s *Store) FindMappingByCRMID(ctx context.Context, crmTaskID int64) (*model.TaskMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM task_mappings WHERE crm_task_id = ?`
	return s.scanOneMapping(s.conn.QueryRowContext(ctx, query, crmTaskID))
}

// FindMappingByListID looks up the mapping for a list task id.
// Returns ErrNotFound when no mapping exists.
func (s *Store) FindMappingByListID(ctx context.Context, listTaskID string) (*model.TaskMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM task_mappings WHERE list_task_id = ?`
	return s.scanOneMapping(s.conn.QueryRowContext(ctx, query, listTaskID))
}

// GetMapping retrieves a mapping by its surrogate id.
func (s *Store) GetMapping(ctx context.Context, id int64) (*model.TaskMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM task_mappings WHERE id = ?`
	return s.scanOneMapping(s.conn.QueryRowContext(ctx, query, id))
}

// UpdateMapping applies a partial update to an existing mapping.
// Identity fields are not updatable; they are fixed at creation.
func (s *Store) UpdateMapping(ctx context.Context, id int64, upd model.MappingUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []interface{}{time.Now().UTC().Format(time.RFC3339)}

	if upd.ListProjectID != nil {
		sets = append(sets, "list_project_id = ?")
		args = append(args, *upd.ListProjectID)
	}
	if upd.ListSectionID != nil {
		sets = append(sets, "list_section_id = ?")
		args = append(args, *upd.ListSectionID)
	}
	if upd.Status != nil {
		sets = append(sets, "sync_status = ?")
		args = append(args, string(*upd.Status))
	}
	if upd.CRMUpdatedAt != nil {
		sets = append(sets, "crm_updated_at = ?")
		args = append(args, timeToNullString(*upd.CRMUpdatedAt))
	}
	if upd.ListUpdatedAt != nil {
		sets = append(sets, "list_updated_at = ?")
		args = append(args, timeToNullString(*upd.ListUpdatedAt))
	}

	query := `UPDATE task_mappings SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	args = append(args, id)

	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update mapping %d: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("mapping %d: %w", id, ErrNotFound)
	}

	return nil
}

// CountMappingsByStatus returns the number of mappings per sync status.
func (s *Store) CountMappingsByStatus(ctx context.Context) (map[model.SyncStatus]int, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT sync_status, COUNT(*) FROM task_mappings GROUP BY sync_status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count mappings: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.SyncStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan mapping count: %w", err)
		}
		counts[model.SyncStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mapping counts: %w", err)
	}

	return counts, nil
}

// scanOneMapping scans a single mapping row, translating sql.ErrNoRows
// into ErrNotFound.
func (s *Store) scanOneMapping(row *sql.Row) (*model.TaskMapping, error) {
	var m model.TaskMapping
	var crmTaskID sql.NullInt64
	var listTaskID sql.NullString
	var origin, status string
	var crmUpdated, listUpdated sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&m.ID,
		&crmTaskID,
		&listTaskID,
		&m.CRMPersonID,
		&m.CRMDealID,
		&m.ListProjectID,
		&m.ListSectionID,
		&origin,
		&status,
		&crmUpdated,
		&listUpdated,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan mapping: %w", err)
	}

	if crmTaskID.Valid {
		m.CRMTaskID = crmTaskID.Int64
	}
	if listTaskID.Valid {
		m.ListTaskID = listTaskID.String
	}
	m.Origin = model.Origin(origin)
	m.Status = model.SyncStatus(status)
	m.CRMUpdatedAt = nullStringToTime(crmUpdated)
	m.ListUpdatedAt = nullStringToTime(listUpdated)
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		m.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		m.UpdatedAt = t
	}

	return &m, nil
}
