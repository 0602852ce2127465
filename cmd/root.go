package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-dedupe/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "lead-dedupe",
	Short: "Lead deduplication and merge engine",
	Long: `Finds leads that describe the same business or contact, records one
primary per duplicate pair, and optionally folds duplicates into that primary.

  serve     HTTP API (POST /dedupe, GET /duplicates, POST /duplicates/{id}/merge)
            plus the Kafka job consumer when brokers are configured
  dedupe    one-off runs from the shell: run, pairs, merge, export
  consume   job-completed consumer without the HTTP API
  migrate   create the leads, lead_duplicates and user_roles tables

Configuration comes from config.yaml, .env and LEADS_* environment variables.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
