/*
main.go - Application entry point

PURPOSE:
  Command tree for the bulk filing service. Configuration and logging are
  initialized once in the root command before any subcommand runs.

COMMANDS:
  serve     HTTP API plus background jobs (default)
  migrate   Create or upgrade the SQLite schema and exit
  quote     Price a batch from the command line

CONFIGURATION:
  config.yaml in the working directory, a .env file, and NYLTA_* variables.
  See config/config.go for keys and defaults.

EXAMPLES:
  # Run with defaults (SQLite at ./data/nylta.db, fake payments)
  ./server

  # In-memory store on another port
  NYLTA_STORE_DRIVER=memory ./server serve --port 3000

  # Price 30 filing entities
  ./server quote --count 30 --service filing

SEE ALSO:
  - serve.go: Server startup and graceful shutdown
  - wire.go: Dependency construction
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nylta/bulk-filing/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "NYLTA bulk filing service",
	Long:  "Prices, validates and records bulk beneficial-ownership filings submitted by accounting firms.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
