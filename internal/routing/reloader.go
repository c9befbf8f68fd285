package routing

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/stefanvoss/taskbridge/internal/model"
	"github.com/stefanvoss/taskbridge/internal/store"
)

// rulesFile is the YAML shape of the rules file written by the setup
// tool:
//
//	rules:
//	  - pipeline_id: 1
//	    stage_id: 3
//	    project_id: "2203915942"
type rulesFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	PipelineID int64  `yaml:"pipeline_id"`
	StageID    int64  `yaml:"stage_id"`
	ProjectID  string `yaml:"project_id"`
}

// LoadRulesFile parses a YAML rules file into routing rules.
func LoadRulesFile(path string) ([]model.RoutingRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}

	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}

	rules := make([]model.RoutingRule, 0, len(f.Rules))
	for _, e := range f.Rules {
		if e.ProjectID == "" {
			return nil, fmt.Errorf("rules file %s: rule (%d, %d) has empty project_id",
				path, e.PipelineID, e.StageID)
		}
		rules = append(rules, model.RoutingRule{
			PipelineID:    e.PipelineID,
			StageID:       e.StageID,
			ListProjectID: e.ProjectID,
		})
	}
	return rules, nil
}

// Reloader keeps the store's routing_rules table in sync with the YAML
// rules file maintained by the external setup tool.
type Reloader struct {
	store  *store.Store
	path   string
	logger *log.Logger
}

// NewReloader creates a reloader for the given rules file path.
func NewReloader(st *store.Store, path string, logger *log.Logger) *Reloader {
	if logger == nil {
		logger = log.New(os.Stderr, "[routing] ", log.LstdFlags)
	}
	return &Reloader{store: st, path: path, logger: logger}
}

// LoadOnce reads the rules file and replaces the store's rule set.
// A missing file is not an error: the table keeps whatever the setup
// tool last wrote directly.
func (r *Reloader) LoadOnce(ctx context.Context) error {
	if _, err := os.Stat(r.path); os.IsNotExist(err) {
		r.logger.Printf("rules file %s does not exist, keeping current rules", r.path)
		return nil
	}

	rules, err := LoadRulesFile(r.path)
	if err != nil {
		return err
	}

	if err := r.store.ReplaceRoutingRules(ctx, rules); err != nil {
		return fmt.Errorf("failed to store routing rules: %w", err)
	}

	r.logger.Printf("loaded %d routing rules from %s", len(rules), r.path)
	return nil
}

// Watch reloads the rules file whenever it changes, until the context
// is cancelled. Reload failures are logged and the previous rule set
// stays active.
func (r *Reloader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.path); err != nil {
		return fmt.Errorf("failed to watch rules file %s: %w", r.path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			// Editors often write in several quick events; settle first.
			time.Sleep(100 * time.Millisecond)

			if err := r.LoadOnce(ctx); err != nil {
				r.logger.Printf("WARNING: rules reload failed: %v", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Printf("watcher error: %v", err)
		}
	}
}
