package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/sells-group/catalog-ingest/internal/model"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect ingestion run history",
	Long:  "Commands for listing and summarizing ingestion runs recorded by workers, seeds and normalization.",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingestion runs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		limit, _ := cmd.Flags().GetInt("limit")
		status, _ := cmd.Flags().GetString("status")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		runs, err := env.Runs.List(ctx, limit)
		if err != nil {
			return err
		}
		runs = filterRuns(runs, model.RunStatus(status))
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		formatRunsList(os.Stdout, runs)
		return nil
	},
}

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		limit, _ := cmd.Flags().GetInt("limit")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		runs, err := env.Runs.List(ctx, limit)
		if err != nil {
			return err
		}
		formatRunStats(os.Stdout, computeRunStats(runs))
		return nil
	},
}

func init() {
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")
	runsListCmd.Flags().String("status", "", "filter by run status (running, success, failed)")
	runsStatsCmd.Flags().Int("limit", 1000, "number of recent runs to aggregate")

	runsCmd.AddCommand(runsListCmd, runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

func filterRuns(runs []model.IngestionRun, status model.RunStatus) []model.IngestionRun {
	if status == "" {
		return runs
	}
	var out []model.IngestionRun
	for _, r := range runs {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total      int
	Success    int
	Failed     int
	Running    int
	ByKind     map[string]int
	AvgDurSecs float64
}

func computeRunStats(runs []model.IngestionRun) runStats {
	s := runStats{Total: len(runs), ByKind: map[string]int{}}

	var totalDur time.Duration
	var durCount int
	for _, r := range runs {
		s.ByKind[r.Kind]++
		switch r.Status {
		case model.RunStatusSuccess:
			s.Success++
		case model.RunStatusFailed:
			s.Failed++
		default:
			s.Running++
		}
		if r.FinishedAt != nil {
			totalDur += r.FinishedAt.Sub(r.StartedAt)
			durCount++
		}
	}
	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	return s
}

func formatRunsList(w io.Writer, runs []model.IngestionRun) {
	t := newTable(w, "ID", "Kind", "Source", "Status", "Started", "Duration", "Error")
	for _, r := range runs {
		dur := "-"
		if r.FinishedAt != nil {
			dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		t.AppendRow([]any{
			truncateID(r.ID), r.Kind, truncateID(fmt.Sprint(deref(r.SourceID))), r.Status,
			r.StartedAt.Format("2006-01-02 15:04"), dur, truncate(r.Error, 50),
		})
	}
	t.Render()
}

func formatRunStats(w io.Writer, s runStats) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendRows([]table.Row{
		{"Total runs", s.Total},
		{"Success", s.Success},
		{"Failed", s.Failed},
		{"Running", s.Running},
	})
	kinds := make([]string, 0, len(s.ByKind))
	for k := range s.ByKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		t.AppendRow(table.Row{"  " + k, s.ByKind[k]})
	}
	if s.AvgDurSecs > 0 {
		t.AppendRow(table.Row{"Avg duration", fmt.Sprintf("%.1fs", s.AvgDurSecs)})
	}
	t.Render()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
