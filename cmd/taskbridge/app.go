package main

import (
	"context"
	"fmt"

	"github.com/stefanvoss/taskbridge/internal/config"
	"github.com/stefanvoss/taskbridge/internal/crm"
	"github.com/stefanvoss/taskbridge/internal/engine"
	"github.com/stefanvoss/taskbridge/internal/listmgr"
	"github.com/stefanvoss/taskbridge/internal/routing"
	"github.com/stefanvoss/taskbridge/internal/store"
)

// app bundles the wired components shared by every command.
type app struct {
	cfg    *config.Config
	store  *store.Store
	crm    *crm.Client
	list   *listmgr.Client
	routes *routing.Resolver
	rules  *routing.Reloader
	engine *engine.Engine
}

// buildApp opens the database and wires clients, routing, and engine
// from the loaded configuration.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := st.InitSchema(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	crmClient := crm.New(cfg.CRM.BaseURL, cfg.CRM.APIToken, cfg.CRM.Timeout)
	listClient := listmgr.New(cfg.List.BaseURL, cfg.List.APIToken, cfg.List.Timeout)

	routes, err := routing.NewResolver(st, cfg.Routing.DefaultProjectID, newLogger(cfg, "routing"))
	if err != nil {
		st.Close()
		return nil, err
	}

	var rules *routing.Reloader
	if cfg.Routing.RulesFile != "" {
		rules = routing.NewReloader(st, cfg.Routing.RulesFile, newLogger(cfg, "routing"))
		if err := rules.LoadOnce(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to load routing rules: %w", err)
		}
	}

	eng, err := engine.New(st, crmClient, listClient, routes, &engine.Config{
		ApplyTimeout: cfg.Sync.ApplyTimeout,
		CRMWebBase:   cfg.CRM.WebBase,
		Logger:       newLogger(cfg, "engine"),
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &app{
		cfg:    cfg,
		store:  st,
		crm:    crmClient,
		list:   listClient,
		routes: routes,
		rules:  rules,
		engine: eng,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		fmt.Printf("Warning: failed to close database: %v\n", err)
	}
}
