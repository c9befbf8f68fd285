package model

import (
	"fmt"
	"time"
)

// Origin identifies which system a task originated in.
type Origin string

const (
	// OriginCRM marks tasks first created in the CRM.
	OriginCRM Origin = "crm"

	// OriginList marks tasks first created in the list manager.
	OriginList Origin = "list"
)

// SyncStatus is the lifecycle state of a mapping.
type SyncStatus string

const (
	StatusSynced        SyncStatus = "synced"
	StatusPendingToList SyncStatus = "pending_to_list"
	StatusPendingToCRM  SyncStatus = "pending_to_crm"
	StatusConflict      SyncStatus = "conflict"
	StatusError         SyncStatus = "error"
)

// Direction identifies which way a reconciliation pass flows.
type Direction string

const (
	// DirectionCRMToList is the pass driven by the CRM change poller.
	DirectionCRMToList Direction = "crm_to_list"

	// DirectionListToCRM is the pass driven by the list change poller.
	DirectionListToCRM Direction = "list_to_crm"
)

// TaskMapping is the bridge row correlating one CRM task with one list
// task. Identity fields (CRMTaskID, ListTaskID, Origin) never change
// after creation; only context, watermarks, and status mutate.
//
// CRMUpdatedAt and ListUpdatedAt are the last remote updated_at values
// this engine observed and successfully applied, not the current remote
// values. They are the echo-detection watermarks: a polled change whose
// updated_at equals the stored watermark for its side is a reflection
// of our own prior write and is skipped.
type TaskMapping struct {
	ID int64

	// CRMTaskID is zero when the CRM side has not been created yet.
	CRMTaskID int64

	// ListTaskID is empty when the list side has not been created yet.
	ListTaskID string

	CRMPersonID int64
	CRMDealID   int64

	ListProjectID string
	ListSectionID string

	Origin Origin
	Status SyncStatus

	CRMUpdatedAt  time.Time
	ListUpdatedAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the invariants a mapping must hold before it is
// persisted.
func (m *TaskMapping) Validate() error {
	if m.CRMTaskID == 0 && m.ListTaskID == "" {
		return fmt.Errorf("mapping must reference at least one side")
	}
	switch m.Origin {
	case OriginCRM, OriginList:
	default:
		return fmt.Errorf("invalid origin %q", m.Origin)
	}
	switch m.Status {
	case StatusSynced, StatusPendingToList, StatusPendingToCRM, StatusConflict, StatusError:
	default:
		return fmt.Errorf("invalid sync status %q", m.Status)
	}
	return nil
}

// MappingUpdate is a partial update applied to an existing mapping.
// Nil fields are left untouched. Identity fields are deliberately
// absent: they are fixed at creation.
type MappingUpdate struct {
	ListProjectID *string
	ListSectionID *string
	Status        *SyncStatus
	CRMUpdatedAt  *time.Time
	ListUpdatedAt *time.Time
}

// StatusPtr is a convenience for building MappingUpdate literals.
func StatusPtr(s SyncStatus) *SyncStatus { return &s }

// TimePtr is a convenience for building MappingUpdate literals.
func TimePtr(t time.Time) *time.Time { return &t }

// StringPtr is a convenience for building MappingUpdate literals.
func StringPtr(s string) *string { return &s }
