// Package engine implements the bidirectional reconciliation core:
// polling each system for changes, resolving or creating the bridge
// mapping per task, suppressing echoes of its own writes, and applying
// minimal diffs to the other side.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/stefanvoss/taskbridge/internal/model"
	"github.com/stefanvoss/taskbridge/internal/routing"
	"github.com/stefanvoss/taskbridge/internal/store"
)

// cursorEpsilon pads the max observed item timestamp when advancing the
// CRM watermark. CRM timestamps are second-granularity.
const cursorEpsilon = time.Second

// Config holds engine tuning knobs.
type Config struct {
	// ApplyTimeout bounds each per-item reconcile, covering all remote
	// calls it makes, so one stuck item cannot stall the loop.
	ApplyTimeout time.Duration

	// CRMWebBase is the CRM's browser-facing base URL, used for the
	// back-link embedded in created list items.
	CRMWebBase string

	// Logger for engine activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ApplyTimeout: 60 * time.Second,
		Logger:       log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Engine is the reconciliation core. All writes to the mapping store,
// cursor store, and audit log flow through it; no other writer exists.
type Engine struct {
	store  *store.Store
	crm    CRMClient
	list   ListClient
	routes *routing.Resolver

	cfg      *Config
	logger   *log.Logger
	notifier Notifier
	locks    *keyLock

	// now is replaceable for tests.
	now func() time.Time
}

// New creates an Engine. All collaborators are required except config
// (nil uses defaults) and notifier (set via SetNotifier).
func New(st *store.Store, crmClient CRMClient, listClient ListClient, routes *routing.Resolver, cfg *Config) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if crmClient == nil || listClient == nil {
		return nil, fmt.Errorf("both remote clients are required")
	}
	if routes == nil {
		return nil, fmt.Errorf("routing resolver cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if cfg.ApplyTimeout == 0 {
		cfg.ApplyTimeout = 60 * time.Second
	}

	return &Engine{
		store:    st,
		crm:      crmClient,
		list:     listClient,
		routes:   routes,
		cfg:      cfg,
		logger:   cfg.Logger,
		notifier: nopNotifier{},
		locks:    newKeyLock(),
		now:      time.Now,
	}, nil
}

// SetNotifier attaches an event sink (the dashboard feed). Must be
// called before the scheduler starts.
func (e *Engine) SetNotifier(n Notifier) {
	if n != nil {
		e.notifier = n
	}
}

// PollOnce runs one reconciliation pass in the given direction and
// returns the ids of tasks it synced. Used by both the continuous
// scheduler and the manual one-shot trigger.
//
// The cursor only advances after the whole batch has been processed;
// a fetch error leaves it untouched so the same window is retried on
// the next cycle. Individual item failures are logged, audited, and do
// not abort the rest of the batch.
//
// Cancelling ctx stops the batch between items and leaves the cursor
// untouched; the item currently being applied always runs to
// completion (see withApplyTimeout).
func (e *Engine) PollOnce(ctx context.Context, direction model.Direction) ([]string, error) {
	start := e.now()

	var synced []string
	var err error

	switch direction {
	case model.DirectionCRMToList:
		synced, err = e.pollCRM(ctx)
	case model.DirectionListToCRM:
		synced, err = e.pollList(ctx)
	default:
		return nil, fmt.Errorf("unknown direction %q", direction)
	}
	if err != nil {
		return nil, err
	}

	e.notifier.CycleFinished(direction, len(synced), e.now().Sub(start))
	return synced, nil
}

// pollCRM fetches CRM activities changed since the stored watermark and
// reconciles each into the list manager.
//
// The watermark written back is bounded by the wall-clock time captured
// before the query was issued, never "now" after receipt, and never
// later than the max observed item timestamp plus epsilon. Overlap
// across cycles is expected; the echo guard absorbs redelivery.
func (e *Engine) pollCRM(ctx context.Context) ([]string, error) {
	cursorVal, err := e.store.GetCursor(ctx, model.CursorCRMChangedSince)
	if err != nil {
		return nil, err
	}

	var since time.Time
	if cursorVal != "" {
		since, err = time.Parse(time.RFC3339, cursorVal)
		if err != nil {
			return nil, fmt.Errorf("corrupt CRM cursor %q: %w", cursorVal, err)
		}
	}

	beforeQuery := e.now()

	tasks, err := e.crm.ListTasksChangedSince(ctx, since)
	if err != nil {
		e.logger.Printf("CRM fetch failed, cursor stays at %q: %v", cursorVal, err)
		return nil, fmt.Errorf("failed to poll CRM changes: %w", err)
	}

	var synced []string
	var maxObserved time.Time

	for i := range tasks {
		if ctx.Err() != nil {
			return synced, ctx.Err()
		}

		item := model.ChangedItem{Origin: model.OriginCRM, CRMTask: &tasks[i]}
		if ts := item.UpdatedAt(); ts.After(maxObserved) {
			maxObserved = ts
		}

		if err := e.withApplyTimeout(func(ctx context.Context) error {
			return e.reconcileItem(ctx, &item)
		}); err != nil {
			e.logger.Printf("WARNING: failed to sync CRM task %d: %v", item.CRMTask.ID, err)
			continue
		}
		synced = append(synced, fmt.Sprintf("crm:%d", item.CRMTask.ID))
	}

	newCursor := beforeQuery
	if !maxObserved.IsZero() && maxObserved.Add(cursorEpsilon).Before(beforeQuery) {
		newCursor = maxObserved.Add(cursorEpsilon)
	}

	if err := e.store.SetCursor(ctx, model.CursorCRMChangedSince,
		newCursor.UTC().Format(time.RFC3339)); err != nil {
		return synced, err
	}

	return synced, nil
}

// pollList runs one incremental sync against the list manager and
// reconciles each changed item and deletion into the CRM. The new
// continuation token is persisted only after the entire page has been
// applied: a crash mid-batch re-fetches the same page instead of
// dropping the unprocessed remainder.
func (e *Engine) pollList(ctx context.Context) ([]string, error) {
	token, err := e.store.GetCursor(ctx, model.CursorListSyncToken)
	if err != nil {
		return nil, err
	}

	page, err := e.list.IncrementalSync(ctx, token)
	if err != nil {
		e.logger.Printf("list fetch failed, token stays at %q: %v", token, err)
		return nil, fmt.Errorf("failed to poll list changes: %w", err)
	}

	items := make([]model.ChangedItem, 0, len(page.Items)+len(page.Deletions))
	for i := range page.Items {
		items = append(items, model.ChangedItem{Origin: model.OriginList, ListTask: &page.Items[i]})
	}
	for _, deletedID := range page.Deletions {
		items = append(items, model.ChangedItem{
			Origin:    model.OriginList,
			ListTask:  &model.ListTask{ID: deletedID},
			Tombstone: true,
		})
	}

	var synced []string

	for i := range items {
		if ctx.Err() != nil {
			return synced, ctx.Err()
		}

		item := &items[i]
		if err := e.withApplyTimeout(func(ctx context.Context) error {
			return e.reconcileItem(ctx, item)
		}); err != nil {
			e.logger.Printf("WARNING: failed to sync list task %s: %v", item.ListTask.ID, err)
			continue
		}
		if !item.Tombstone {
			synced = append(synced, "list:"+item.ListTask.ID)
		}
	}

	if err := e.store.SetCursor(ctx, model.CursorListSyncToken, page.Token); err != nil {
		return synced, err
	}

	return synced, nil
}

// withApplyTimeout bounds one per-item reconcile. The apply context is
// detached from the poll context: a shutdown signal stops new items
// from starting but never aborts the one in flight, so its remote
// write, watermark update, and audit entry land together.
func (e *Engine) withApplyTimeout(fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ApplyTimeout)
	defer cancel()
	return fn(ctx)
}

// dealContext resolves a deal's routing context through the read-through
// cache: a cache hit is used as-is, a miss fetches from the CRM and
// caches the result. Refreshing existing entries is the scheduler's job,
// never this path's.
func (e *Engine) dealContext(ctx context.Context, dealID int64) (*model.DealContext, error) {
	if dealID == 0 {
		return nil, nil
	}

	cached, err := e.store.GetCachedDeal(ctx, dealID)
	if err == nil {
		return cached, nil
	}
	if err != store.ErrNotFound {
		return nil, err
	}

	deal, err := e.crm.GetDeal(ctx, dealID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve deal %d: %w", dealID, err)
	}

	if err := e.store.PutCachedDeal(ctx, deal); err != nil {
		e.logger.Printf("WARNING: failed to cache deal %d: %v", dealID, err)
	}

	return deal, nil
}

// audit records one entry and feeds the notifier. Audit failures are
// logged but never fail the sync action they describe.
func (e *Engine) audit(ctx context.Context, entry model.AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = e.now()
	}
	if err := e.store.AppendAudit(ctx, &entry); err != nil {
		e.logger.Printf("WARNING: failed to record audit entry: %v", err)
		return
	}
	e.notifier.AuditRecorded(entry)
}

// Status is the engine's operator-facing state snapshot.
type Status struct {
	Cursors       []model.Cursor             `json:"cursors"`
	MappingCounts map[model.SyncStatus]int   `json:"mapping_counts"`
	AuditOutcomes map[model.AuditOutcome]int `json:"audit_outcomes"`
	RecentAudit   []model.AuditEntry         `json:"recent_audit"`
}

// Status returns cursors, mapping counts per sync status, aggregate
// audit counters, and the most recent audit entries.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	cursors, err := e.store.ListCursors(ctx)
	if err != nil {
		return nil, err
	}

	counts, err := e.store.CountMappingsByStatus(ctx)
	if err != nil {
		return nil, err
	}

	outcomes, err := e.store.CountAuditByOutcome(ctx)
	if err != nil {
		return nil, err
	}

	recent, err := e.store.RecentAudit(ctx, 20)
	if err != nil {
		return nil, err
	}

	return &Status{
		Cursors:       cursors,
		MappingCounts: counts,
		AuditOutcomes: outcomes,
		RecentAudit:   recent,
	}, nil
}
