package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show bridge status",
	Long: `Display the bridge's current state.

Shows:
  - Poll cursors and when each side was last swept
  - Mapping counts per sync status
  - Audit outcome totals and the most recent entries`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		a, err := buildApp(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close()

		st, err := a.engine.Status(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\nDatabase: %s\n", a.cfg.DBPath)

		fmt.Println("\nCursors:")
		if len(st.Cursors) == 0 {
			fmt.Println("  (no passes yet)")
		}
		for _, c := range st.Cursors {
			fmt.Printf("  %-20s %s (updated %s)\n", c.Key, c.Value, c.UpdatedAt.Format(time.RFC3339))
		}

		fmt.Println("\nMappings:")
		if len(st.MappingCounts) == 0 {
			fmt.Println("  (none)")
		}
		for status, n := range st.MappingCounts {
			fmt.Printf("  %-16s %d\n", status, n)
		}

		fmt.Println("\nAudit outcomes:")
		for outcome, n := range st.AuditOutcomes {
			fmt.Printf("  %-8s %d\n", outcome, n)
		}

		fmt.Println("\nRecent activity:")
		if len(st.RecentAudit) == 0 {
			fmt.Println("  (none)")
		}
		for _, e := range st.RecentAudit {
			fmt.Printf("  %s  %-12s %-8s crm=%d list=%s %s\n",
				e.Timestamp.Format("2006-01-02 15:04:05"),
				e.Action, e.Outcome, e.CRMTaskID, e.ListTaskID, e.Details)
		}
		fmt.Println()
	},
}
