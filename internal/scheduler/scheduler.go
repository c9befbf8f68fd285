// Package scheduler drives the reconciliation engine on timers: a poll
// loop per direction, periodic deal-cache refresh, daily audit pruning,
// and live reload of the routing rules file. It owns graceful shutdown;
// a stop signal lets the item currently being applied finish, starts no
// new items, and only then returns, so a remote write is never left
// half-recorded and the apply-then-commit cursor ordering holds.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/stefanvoss/taskbridge/internal/engine"
	"github.com/stefanvoss/taskbridge/internal/model"
	"github.com/stefanvoss/taskbridge/internal/routing"
	"github.com/stefanvoss/taskbridge/internal/store"
)

// Config holds configuration for the scheduler.
type Config struct {
	// CRMPollInterval is how often the CRM side is polled for changes.
	CRMPollInterval time.Duration

	// ListPollInterval is how often the list side is polled. The two
	// intervals are independent.
	ListPollInterval time.Duration

	// DealRefreshInterval is how often cached deal contexts are
	// re-fetched from the CRM.
	DealRefreshInterval time.Duration

	// AuditRetention is how long audit entries are kept. Pruning runs
	// once a day.
	AuditRetention time.Duration

	// Logger for scheduler activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		CRMPollInterval:     30 * time.Second,
		ListPollInterval:    30 * time.Second,
		DealRefreshInterval: 15 * time.Minute,
		AuditRetention:      30 * 24 * time.Hour,
		Logger:              log.New(os.Stderr, "[scheduler] ", log.LstdFlags),
	}
}

// Scheduler runs the engine's poll cycles on independent timers.
type Scheduler struct {
	engine *engine.Engine
	store  *store.Store
	crm    engine.CRMClient
	rules  *routing.Reloader
	config *Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler. The rules reloader is optional; nil disables
// live rule reloading.
func New(eng *engine.Engine, st *store.Store, crm engine.CRMClient, rules *routing.Reloader, config *Config) (*Scheduler, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if crm == nil {
		return nil, fmt.Errorf("crm client cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[scheduler] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		engine: eng,
		store:  st,
		crm:    crm,
		rules:  rules,
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start begins the scheduler's loops. It blocks until ctx is cancelled
// or Stop is called. The first pass in each direction runs immediately,
// not after the first tick.
func (s *Scheduler) Start(ctx context.Context) error {
	s.config.Logger.Println("Starting scheduler")

	s.wg.Add(3)
	go s.pollLoop(model.DirectionCRMToList, s.config.CRMPollInterval)
	go s.pollLoop(model.DirectionListToCRM, s.config.ListPollInterval)
	go s.maintenanceLoop()

	if s.rules != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.rules.Watch(s.ctx); err != nil {
				s.config.Logger.Printf("Warning: rules watcher stopped: %v", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		s.config.Logger.Println("Shutdown signal received")
		return s.Stop()
	case <-s.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the scheduler, waiting for any in-flight
// poll to finish applying its batch.
func (s *Scheduler) Stop() error {
	s.config.Logger.Println("Stopping scheduler")

	s.cancel()
	s.wg.Wait()

	s.config.Logger.Println("Scheduler stopped")
	return nil
}

// pollLoop runs PollOnce in one direction forever. Poll errors are
// logged and retried on the next tick; the cursor stores guarantee no
// changes are lost across failed cycles.
func (s *Scheduler) pollLoop(direction model.Direction, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.runPoll(direction)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runPoll(direction)
		}
	}
}

func (s *Scheduler) runPoll(direction model.Direction) {
	synced, err := s.engine.PollOnce(s.ctx, direction)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.config.Logger.Printf("Warning: %s poll failed: %v", direction, err)
		return
	}
	if len(synced) > 0 {
		s.config.Logger.Printf("%s: synced %d tasks", direction, len(synced))
	}
}

// maintenanceLoop refreshes the deal cache and prunes old audit
// entries on their own timers.
func (s *Scheduler) maintenanceLoop() {
	defer s.wg.Done()

	refresh := time.NewTicker(s.config.DealRefreshInterval)
	defer refresh.Stop()

	prune := time.NewTicker(24 * time.Hour)
	defer prune.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-refresh.C:
			s.refreshDealCache()
		case <-prune.C:
			s.pruneAudit()
		}
	}
}

// refreshDealCache re-fetches every cached deal so routing context does
// not go stale when a deal moves stage between task changes. This is
// the only writer refreshing existing cache entries; the engine only
// fills misses.
func (s *Scheduler) refreshDealCache() {
	ids, err := s.store.ListCachedDealIDs(s.ctx)
	if err != nil {
		s.config.Logger.Printf("Warning: failed to list cached deals: %v", err)
		return
	}

	var refreshed int
	for _, id := range ids {
		deal, err := s.crm.GetDeal(s.ctx, id)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.config.Logger.Printf("Warning: failed to refresh deal %d: %v", id, err)
			continue
		}
		if err := s.store.PutCachedDeal(s.ctx, deal); err != nil {
			s.config.Logger.Printf("Warning: failed to store deal %d: %v", id, err)
			continue
		}
		refreshed++
	}

	if refreshed > 0 {
		s.config.Logger.Printf("Refreshed %d cached deals", refreshed)
	}
}

func (s *Scheduler) pruneAudit() {
	cutoff := time.Now().Add(-s.config.AuditRetention)
	n, err := s.store.PruneAuditLog(s.ctx, cutoff)
	if err != nil {
		s.config.Logger.Printf("Warning: audit prune failed: %v", err)
		return
	}
	if n > 0 {
		s.config.Logger.Printf("Pruned %d audit entries older than %s", n, cutoff.Format(time.RFC3339))
	}
}
