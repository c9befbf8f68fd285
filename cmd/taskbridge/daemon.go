package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stefanvoss/taskbridge/internal/dashboard"
	"github.com/stefanvoss/taskbridge/internal/scheduler"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon",
	Long: `Run the continuous sync daemon.

The daemon:
  1. Polls the CRM for changed activities and mirrors them into the list
  2. Polls the list manager and pushes edits and completions back
  3. Periodically refreshes cached deal contexts
  4. Prunes old audit entries once a day
  5. Reloads the routing rules file when it changes

A SIGINT or SIGTERM lets the item currently being applied finish before
exiting; nothing new starts and cursors are never committed ahead of
unapplied changes.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close()

		var dash *dashboard.Server
		if a.cfg.Dashboard.Enabled {
			dash = dashboard.NewServer(a.engine, &dashboard.Config{
				Port:   a.cfg.Dashboard.Port,
				Logger: newLogger(a.cfg, "dashboard"),
			})
			if err := dash.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
				os.Exit(1)
			}
			a.engine.SetNotifier(dash)
			fmt.Printf("Dashboard: http://localhost:%d (ws://localhost:%d/ws)\n",
				a.cfg.Dashboard.Port, a.cfg.Dashboard.Port)
		}

		sched, err := scheduler.New(a.engine, a.store, a.crm, a.rules, &scheduler.Config{
			CRMPollInterval:     a.cfg.Sync.CRMPollInterval,
			ListPollInterval:    a.cfg.Sync.ListPollInterval,
			DealRefreshInterval: a.cfg.Sync.DealRefreshInterval,
			AuditRetention:      a.cfg.Sync.AuditRetention,
			Logger:              newLogger(a.cfg, "scheduler"),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("taskbridge daemon started (CRM every %s, list every %s)\n",
			a.cfg.Sync.CRMPollInterval, a.cfg.Sync.ListPollInterval)

		if err := sched.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if dash != nil {
			if err := dash.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: dashboard shutdown: %v\n", err)
			}
		}
	},
}
