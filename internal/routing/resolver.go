// Package routing resolves the destination list project for newly
// created tasks from the CRM deal's (pipeline, stage) pair.
//
// The rule table is populated out-of-band: an external setup tool
// maintains a YAML rules file, and the reloader in this package keeps
// the store's routing_rules table in sync with it. The reconciliation
// engine only ever reads.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/stefanvoss/taskbridge/internal/model"
	"github.com/stefanvoss/taskbridge/internal/store"
)

// Resolver answers "where does a new task for this deal go".
type Resolver struct {
	store            *store.Store
	defaultProjectID string
	logger           *log.Logger
}

// NewResolver creates a resolver. defaultProjectID is the fallback
// destination when no rule matches; it must not be empty.
func NewResolver(st *store.Store, defaultProjectID string, logger *log.Logger) (*Resolver, error) {
	if defaultProjectID == "" {
		return nil, fmt.Errorf("default project id is required")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[routing] ", log.LstdFlags)
	}
	return &Resolver{
		store:            st,
		defaultProjectID: defaultProjectID,
		logger:           logger,
	}, nil
}

// Lookup returns the ruled destination for (pipelineID, stageID) and
// whether a rule matched. The absence of a rule is not an error.
func (r *Resolver) Lookup(ctx context.Context, pipelineID, stageID int64) (string, bool, error) {
	projectID, err := r.store.LookupRoutingRule(ctx, pipelineID, stageID)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return projectID, true, nil
}

// Destination returns the ruled destination, falling back to the
// configured default when no rule matches. Zero pipeline/stage ids
// (task without a linked deal) go straight to the default.
func (r *Resolver) Destination(ctx context.Context, pipelineID, stageID int64) (string, error) {
	if pipelineID == 0 && stageID == 0 {
		return r.defaultProjectID, nil
	}

	projectID, ok, err := r.Lookup(ctx, pipelineID, stageID)
	if err != nil {
		return "", err
	}
	if !ok {
		r.logger.Printf("no routing rule for pipeline=%d stage=%d, using default %s",
			pipelineID, stageID, r.defaultProjectID)
		return r.defaultProjectID, nil
	}
	return projectID, nil
}

// DefaultProjectID returns the configured fallback destination.
func (r *Resolver) DefaultProjectID() string {
	return r.defaultProjectID
}

// Rules returns the currently loaded rule set.
func (r *Resolver) Rules(ctx context.Context) ([]model.RoutingRule, error) {
	return r.store.ListRoutingRules(ctx)
}
