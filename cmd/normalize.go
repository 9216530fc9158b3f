package main

import (
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-ingest/internal/apperr"
	"github.com/sells-group/catalog-ingest/internal/ingest"
	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/normalize"
)

const runKindNormalize = "normalize"

var normalizeCmd = &cobra.Command{
	Use:   "normalize",
	Short: "Promote a source's latest snapshots into canonical rows",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		slug, _ := cmd.Flags().GetString("source")
		typ, _ := cmd.Flags().GetString("type")
		asJSON, _ := cmd.Flags().GetBool("json")

		if slug == "" {
			return apperr.Validation("--source is required")
		}
		t := model.EntityType(typ)
		if typ != "" && !t.Valid() {
			return apperr.Validation("unknown entity type %q", typ)
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

		runID, err := env.Runs.Start(ctx, ingest.RunStart{SourceID: src.ID, Kind: runKindNormalize})
		if err != nil {
			return err
		}

		n := env.normalizer()
		res := &normalize.Result{SourceID: src.ID}
		if typ != "" {
			var tr *normalize.TypeResult
			tr, err = n.RunType(ctx, src.ID, t)
			if tr != nil {
				res.Types = append(res.Types, *tr)
			}
		} else {
			res, err = n.Run(ctx, src.ID)
		}

		stats := res.Stats()
		if err != nil {
			if ferr := env.Runs.Fail(ctx, runID, err.Error(), stats); ferr != nil {
				zap.L().Warn("normalize: record run failure", zap.Error(ferr))
			}
			return err
		}
		if err := env.Runs.Complete(ctx, runID, stats); err != nil {
			return err
		}

		zap.L().Info("normalize: complete",
			zap.String("source", slug),
			zap.String("run_id", runID),
			zap.Any("stats", stats),
		)
		if asJSON {
			return printJSON(os.Stdout, res)
		}
		formatNormalizeResult(os.Stdout, res)
		return nil
	},
}

func formatNormalizeResult(w io.Writer, res *normalize.Result) {
	t := newTable(w, "Type", "Stat", "Count")
	for _, tr := range res.Types {
		keys := make([]string, 0, len(tr.Stats))
		for k := range tr.Stats {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.AppendRow([]any{tr.EntityType, k, tr.Stats[k]})
		}
	}
	t.Render()
}

func init() {
	normalizeCmd.Flags().String("source", "", "source slug")
	normalizeCmd.Flags().String("type", "", "normalize only this entity type (product, plant, offer)")
	normalizeCmd.Flags().Bool("json", false, "print outcomes as JSON")
	rootCmd.AddCommand(normalizeCmd)
}
