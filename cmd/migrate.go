package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-ingest/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply embedded database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if cfg.Store.DatabaseURL == "" {
			return eris.New("store.database_url is required (CATALOG_STORE_DATABASE_URL)")
		}
		pool, err := db.Connect(ctx, cfg.Store.DatabaseURL, nil)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := db.Migrate(ctx, pool); err != nil {
			return err
		}
		zap.L().Info("migrations applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
