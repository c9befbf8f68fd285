package model

import (
	"fmt"
	"time"
)

// ChangedItem is the poller output: one remote task observed to have
// changed since the poller's cursor. Exactly one of CRMTask/ListTask
// is set, matching Origin.
type ChangedItem struct {
	Origin Origin

	CRMTask  *CRMTask
	ListTask *ListTask

	// Tombstone marks a list-side deletion reported by incremental sync.
	// Tombstones carry only ListTask.ID.
	Tombstone bool
}

// Validate checks that the item is internally consistent.
func (c *ChangedItem) Validate() error {
	switch c.Origin {
	case OriginCRM:
		if c.CRMTask == nil || c.ListTask != nil {
			return fmt.Errorf("crm-origin item must carry exactly a CRM task")
		}
		if c.Tombstone {
			return fmt.Errorf("tombstones only occur on the list side")
		}
	case OriginList:
		if c.ListTask == nil || c.CRMTask != nil {
			return fmt.Errorf("list-origin item must carry exactly a list task")
		}
	default:
		return fmt.Errorf("invalid origin %q", c.Origin)
	}
	return nil
}

// UpdatedAt returns the remote modification timestamp of whichever
// side the item carries. Tombstones have no timestamp and return zero.
func (c *ChangedItem) UpdatedAt() time.Time {
	if c.CRMTask != nil {
		return c.CRMTask.UpdatedAt
	}
	if c.ListTask != nil {
		return c.ListTask.UpdatedAt
	}
	return time.Time{}
}

// CRMTask is the engine's view of a CRM activity. The CRM client maps
// its wire format into this shape.
type CRMTask struct {
	ID         int64
	Title      string
	Type       string
	Note       string
	DueDate    string // YYYY-MM-DD, empty when unset
	PersonID   int64
	PersonName string
	DealID     int64
	Done       bool
	UpdatedAt  time.Time
}

// ListTask is the engine's view of a list-manager item.
type ListTask struct {
	ID          string
	Content     string
	Description string
	DueDate     string // YYYY-MM-DD, empty when unset
	Priority    int    // 1 (lowest) .. 4 (highest)
	ProjectID   string
	SectionID   string
	Completed   bool
	UpdatedAt   time.Time
}

// DealContext is the sales-funnel context of a CRM deal, used to route
// newly created tasks to a destination list.
type DealContext struct {
	DealID     int64
	PipelineID int64
	StageID    int64
	PersonID   int64
	Title      string
	FetchedAt  time.Time
}
