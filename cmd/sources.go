package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/sources"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage ingestion sources",
}

var sourcesSyncCmd = &cobra.Command{
	Use:   "sync [file]",
	Short: "Upsert sources from a YAML file (default from config sources_file)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		path := cfg.SourcesFile
		if len(args) == 1 {
			path = args[0]
		}
		defs, err := sources.LoadFile(path)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		synced, err := sources.Sync(ctx, env.Sources, defs)
		if err != nil {
			return err
		}
		zap.L().Info("sources synced", zap.String("file", path), zap.Int("count", len(synced)))
		formatSources(os.Stdout, synced)
		return nil
	},
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingestion sources",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		list, err := env.Sources.List(ctx)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No sources found.")
			return nil
		}
		formatSources(os.Stdout, list)
		return nil
	},
}

func formatSources(w io.Writer, list []model.IngestionSource) {
	t := newTable(w, "ID", "Slug", "Kind", "Every (min)", "Active", "Trust")
	for _, s := range list {
		t.AppendRow([]any{s.ID, s.Slug, s.Kind, deref(s.ScheduleIntervalMinutes), s.Active, s.DefaultTrust})
	}
	t.Render()
}

func init() {
	sourcesCmd.AddCommand(sourcesSyncCmd, sourcesListCmd)
	rootCmd.AddCommand(sourcesCmd)
}
