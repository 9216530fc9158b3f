package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-ingest/internal/apperr"
	"github.com/sells-group/catalog-ingest/internal/fetcher"
	"github.com/sells-group/catalog-ingest/internal/ingest"
	"github.com/sells-group/catalog-ingest/internal/model"
)

const runKindSeed = "seed"

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load manual seed files",
}

var seedImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a CSV, XLSX or JSON file as snapshots for a source",
	Long: `Reads every record in the file and records it as a snapshot of one
ingestion entity. Unchanged records are skipped by content hash.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		slug, _ := cmd.Flags().GetString("source")
		typ, _ := cmd.Flags().GetString("type")
		idCol, _ := cmd.Flags().GetString("id-column")
		urlCol, _ := cmd.Flags().GetString("url-column")

		if slug == "" {
			return apperr.Validation("--source is required")
		}
		t := model.EntityType(typ)
		if !t.Valid() {
			return apperr.Validation("--type must be product, plant or offer")
		}

		records, err := fetcher.ReadRecordsFile(ctx, args[0])
		if err != nil {
			return err
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		src, err := env.Sources.GetBySlug(ctx, slug)
		if err != nil {
			return err
		}
		runID, err := env.Runs.Start(ctx, ingest.RunStart{SourceID: src.ID, Kind: runKindSeed})
		if err != nil {
			return err
		}

		stats, err := ingest.ImportRecords(ctx, env.Ingestor, ingest.Batch{
			SourceID:   src.ID,
			RunID:      runID,
			EntityType: t,
			IDColumn:   idCol,
			URLColumn:  urlCol,
		}, records)
		if err != nil {
			if ferr := env.Runs.Fail(ctx, runID, err.Error(), stats); ferr != nil {
				zap.L().Warn("seed: record run failure", zap.Error(ferr))
			}
			return err
		}
		if err := env.Runs.Complete(ctx, runID, stats); err != nil {
			return err
		}

		zap.L().Info("seed: imported",
			zap.String("file", filepath.Base(args[0])),
			zap.String("source", slug),
			zap.Any("stats", stats),
		)
		return printJSON(os.Stdout, stats)
	},
}

func init() {
	seedImportCmd.Flags().String("source", "", "source slug")
	seedImportCmd.Flags().String("type", "", "entity type of every record (product, plant, offer)")
	seedImportCmd.Flags().String("id-column", "", "column holding the external id (default: id, sku, slug)")
	seedImportCmd.Flags().String("url-column", "", "column holding the entity's source url")
	seedCmd.AddCommand(seedImportCmd)
	rootCmd.AddCommand(seedCmd)
}
