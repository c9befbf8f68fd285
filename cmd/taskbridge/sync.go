package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/stefanvoss/taskbridge/internal/model"
)

var syncDirection string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass and exit",
	Long: `Run a single reconciliation pass and exit.

By default both directions run, CRM first. Use --direction to run just
one:

  taskbridge sync                          # both directions
  taskbridge sync --direction crm_to_list  # CRM changes into the list
  taskbridge sync --direction list_to_crm  # list changes into the CRM`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		a, err := buildApp(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close()

		var directions []model.Direction
		switch syncDirection {
		case "":
			directions = []model.Direction{model.DirectionCRMToList, model.DirectionListToCRM}
		case string(model.DirectionCRMToList):
			directions = []model.Direction{model.DirectionCRMToList}
		case string(model.DirectionListToCRM):
			directions = []model.Direction{model.DirectionListToCRM}
		default:
			fmt.Fprintf(os.Stderr, "Error: unknown direction %q (use %s or %s)\n",
				syncDirection, model.DirectionCRMToList, model.DirectionListToCRM)
			os.Exit(1)
		}

		for _, direction := range directions {
			start := time.Now()
			synced, err := a.engine.PollOnce(ctx, direction)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s pass failed: %v\n", direction, err)
				os.Exit(1)
			}
			fmt.Printf("%s: %d tasks synced in %v\n",
				direction, len(synced), time.Since(start).Round(time.Millisecond))
		}
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncDirection, "direction", "", "sync one direction only (crm_to_list or list_to_crm)")
}
