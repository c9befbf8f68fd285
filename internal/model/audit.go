package model

import "time"

// Cursor is a persisted poller watermark: an RFC3339 timestamp for the
// CRM poller, an opaque continuation token for the list poller. Exactly
// one current value exists per key.
type Cursor struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Cursor keys used by the pollers.
const (
	CursorCRMChangedSince = "crm_changed_since"
	CursorListSyncToken   = "list_sync_token"
)

// AuditAction categorizes a recorded sync action.
type AuditAction string

const (
	AuditActionCreate   AuditAction = "create"
	AuditActionUpdate   AuditAction = "update"
	AuditActionComplete AuditAction = "complete"
	AuditActionReopen   AuditAction = "reopen"
	AuditActionDelete   AuditAction = "delete"
	AuditActionSkip     AuditAction = "skip"
)

// AuditOutcome is the recorded result of a sync action.
type AuditOutcome string

const (
	AuditOK    AuditOutcome = "ok"
	AuditError AuditOutcome = "error"
)

// AuditEntry is one immutable row of the append-only sync audit log.
// Entries are written by the engine and consumed by observability
// tooling; the engine never reads them back to make decisions.
type AuditEntry struct {
	ID         int64
	Timestamp  time.Time
	Direction  Direction
	Action     AuditAction
	CRMTaskID  int64  // zero when not applicable
	ListTaskID string // empty when not applicable
	DealID     int64  // zero when not applicable
	Details    string
	Outcome    AuditOutcome
}

// RoutingRule maps a CRM (pipeline, stage) pair to a destination list
// project. Rules are loaded from the operator's rules file; the engine
// only reads them.
type RoutingRule struct {
	PipelineID    int64
	StageID       int64
	ListProjectID string
}
