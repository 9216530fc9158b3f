package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-ingest/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "catalog-ingest",
	Short: "Catalog ingestion, normalization and offer refresh",
	Long:  "Captures source records as content-addressed snapshots, normalizes them into canonical products, plants and offers, and runs offer refresh jobs from a durable queue.",
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
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
