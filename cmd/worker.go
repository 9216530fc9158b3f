package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Claim and execute queued jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		once, _ := cmd.Flags().GetBool("once")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		w, err := env.worker()
		if err != nil {
			return err
		}

		if dryRun {
			j, err := w.Peek(ctx)
			if err != nil {
				return err
			}
			if j == nil {
				fmt.Fprintln(os.Stderr, "Queue is empty.")
				return nil
			}
			fmt.Fprintf(os.Stderr, "Would claim job %s (%s), attempt %d of %d\n", j.ID, j.Kind, j.Attempts+1, j.MaxAttempts)
			return printJSON(os.Stdout, j)
		}

		if once {
			if _, err := w.Reap(ctx); err != nil {
				zap.L().Warn("worker: reap failed", zap.Error(err))
			}
			sum, err := w.RunOnce(ctx)
			if err != nil {
				return err
			}
			t := newTable(os.Stdout, "Job", "Kind", "Attempts", "Status", "Class", "Duration", "Error")
			for _, o := range sum.Outcomes {
				t.AppendRow([]any{o.JobID, o.Kind, o.Attempts, o.Status, o.Class, o.Duration.Round(time.Millisecond), truncate(o.Error, 60)})
			}
			t.AppendFooter([]any{"", "", "", fmt.Sprintf("%d ok / %d retry / %d failed", sum.Succeeded, sum.Retried, sum.Failed)})
			t.Render()
			return nil
		}

		return w.Run(ctx)
	},
}

func init() {
	workerCmd.Flags().Bool("once", false, "process one batch and exit")
	workerCmd.Flags().Bool("dry-run", false, "show the next job without claiming it")
	rootCmd.AddCommand(workerCmd)
}
