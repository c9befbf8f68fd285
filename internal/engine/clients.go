package engine

import (
	"context"
	"time"

	"github.com/stefanvoss/taskbridge/internal/model"
)

// CRMClient is the engine's view of the CRM API. Implementations must
// retry rate limiting internally; errors that surface here are treated
// as unrecoverable for the current item or batch.
type CRMClient interface {
	// ListTasksChangedSince returns activities changed at or after the
	// given time. Redelivery of already-seen items is expected.
	ListTasksChangedSince(ctx context.Context, since time.Time) ([]model.CRMTask, error)

	GetTask(ctx context.Context, id int64) (*model.CRMTask, error)
	CreateTask(ctx context.Context, personID int64, fields model.NewCRMTask) (*model.CRMTask, error)
	UpdateTask(ctx context.Context, id int64, patch model.CRMTaskPatch) error
	CompleteTask(ctx context.Context, id int64) error
	ReopenTask(ctx context.Context, id int64) error

	// GetDeal returns the sales-funnel context used for routing.
	GetDeal(ctx context.Context, dealID int64) (*model.DealContext, error)
}

// ListClient is the engine's view of the list-manager API.
type ListClient interface {
	// IncrementalSync returns everything changed since the token, plus
	// the next token. The caller persists the token only after every
	// item in the page has been applied.
	IncrementalSync(ctx context.Context, token string) (*model.ListSyncPage, error)

	GetTask(ctx context.Context, id string) (*model.ListTask, error)
	CreateTask(ctx context.Context, fields model.NewListTask) (*model.ListTask, error)
	UpdateTask(ctx context.Context, id string, patch model.ListTaskPatch) error
	CloseTask(ctx context.Context, id string) error
	ReopenTask(ctx context.Context, id string) error
}

// Notifier receives engine events for broadcast to observers (the
// dashboard feed). Implementations must not block.
type Notifier interface {
	AuditRecorded(e model.AuditEntry)
	CycleFinished(direction model.Direction, synced int, duration time.Duration)
}

// nopNotifier is the default when no dashboard is attached.
type nopNotifier struct{}

func (nopNotifier) AuditRecorded(model.AuditEntry)                    {}
func (nopNotifier) CycleFinished(model.Direction, int, time.Duration) {}
