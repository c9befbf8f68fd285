// Command taskbridge runs the bidirectional task bridge between a CRM
// activity list and an external to-do list manager.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/stefanvoss/taskbridge/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "taskbridge",
	Short: "Bidirectional sync between CRM activities and a to-do list",
	Long: `taskbridge keeps a CRM's task list and an external to-do list in sync.

CRM activities are mirrored into the list manager (routed to projects by
the linked deal's pipeline stage); completions, title edits, and due
date changes flow back. State lives in an embedded SQLite database:
identity mappings, poll cursors, and a full audit trail of every write.`,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (YAML)")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file named by --config (or the
// environment alone when no file is given).
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// newLogger builds a component logger, writing to a rotating file when
// cfg.LogFile is set and stderr otherwise.
func newLogger(cfg *config.Config, component string) *log.Logger {
	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
	}
	return log.New(out, "["+component+"] ", log.LstdFlags)
}
