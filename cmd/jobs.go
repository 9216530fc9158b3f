package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-ingest/internal/jobs"
	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/queue"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage the ingestion job queue",
}

var jobsEnqueueCmd = &cobra.Command{
	Use:   "enqueue <kind>",
	Short: "Validate a payload and enqueue a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		raw, _ := cmd.Flags().GetString("payload")
		key, _ := cmd.Flags().GetString("key")
		priority, _ := cmd.Flags().GetInt("priority")
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
		sourceID, _ := cmd.Flags().GetString("source")
		delay, _ := cmd.Flags().GetDuration("delay")

		payload, err := validatePayload(args[0], raw)
		if err != nil {
			return err
		}
		if maxAttempts == 0 {
			maxAttempts = cfg.Queue.DefaultMaxAttempts
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		req := queue.EnqueueRequest{
			Kind:           model.JobKind(args[0]),
			Payload:        payload,
			SourceID:       sourceID,
			IdempotencyKey: key,
			Priority:       priority,
			MaxAttempts:    maxAttempts,
		}
		if delay > 0 {
			req.RunAfter = time.Now().Add(delay)
		}
		res, err := env.Queue.Enqueue(ctx, req)
		if err != nil {
			return err
		}
		zap.L().Info("job enqueued", zap.String("job_id", res.JobID), zap.Bool("deduped", res.Deduped))
		return printJSON(os.Stdout, res)
	},
}

// validatePayload decodes raw with the kind's strict schema and returns
// the re-encoded payload.
func validatePayload(kind, raw string) (json.RawMessage, error) {
	if raw == "" {
		raw = "{}"
	}
	p, err := jobs.Decode(kind, json.RawMessage(raw))
	if err != nil {
		return nil, err
	}
	return jobs.Encode(p)
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		status, _ := cmd.Flags().GetString("status")
		kind, _ := cmd.Flags().GetString("kind")
		limit, _ := cmd.Flags().GetInt("limit")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		list, err := env.Queue.List(ctx, queue.ListFilter{
			Status: model.JobStatus(status),
			Kind:   kind,
			Limit:  limit,
		})
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}
		formatJobs(os.Stdout, list)
		return nil
	},
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		j, err := env.Queue.Get(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, j)
	},
}

var jobsPeekCmd = &cobra.Command{
	Use:   "peek",
	Short: "Show the job a worker would claim next, without claiming it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		j, err := env.Queue.Peek(ctx)
		if err != nil {
			return err
		}
		if j == nil {
			fmt.Fprintln(os.Stderr, "Queue is empty.")
			return nil
		}
		return printJSON(os.Stdout, j)
	},
}

var jobsReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Reclaim running jobs whose lock has expired",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		after, _ := cmd.Flags().GetDuration("after")
		if after <= 0 {
			after = time.Duration(cfg.Queue.ReapAfterMinutes) * time.Minute
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Queue.ReapStale(ctx, after)
		if err != nil {
			return err
		}
		env.Metrics.Reaped(res.Requeued, res.Failed)
		zap.L().Info("reaped stale jobs",
			zap.Duration("lock_ttl", after),
			zap.Int("requeued", res.Requeued),
			zap.Int("failed", res.Failed),
		)
		return printJSON(os.Stdout, res)
	},
}

func formatJobs(w io.Writer, list []model.Job) {
	t := newTable(w, "ID", "Kind", "Status", "Attempts", "Priority", "Run After", "Last Error")
	for _, j := range list {
		lastErr := ""
		if j.LastError != nil {
			lastErr = truncate(*j.LastError, 60)
		}
		t.AppendRow([]any{
			j.ID, j.Kind, j.Status,
			fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts),
			j.Priority, fmtTime(&j.RunAfter), lastErr,
		})
	}
	t.Render()
}

func init() {
	jobsEnqueueCmd.Flags().String("payload", "", "job payload as a JSON object")
	jobsEnqueueCmd.Flags().String("key", "", "idempotency key; a repeated key is a no-op")
	jobsEnqueueCmd.Flags().Int("priority", 0, "higher runs first")
	jobsEnqueueCmd.Flags().Int("max-attempts", 0, "attempts before terminal failure (default from config)")
	jobsEnqueueCmd.Flags().String("source", "", "ingestion source id")
	jobsEnqueueCmd.Flags().Duration("delay", 0, "delay before the job becomes claimable")

	jobsListCmd.Flags().String("status", "", "filter by status (queued, running, success, failed)")
	jobsListCmd.Flags().String("kind", "", "filter by job kind")
	jobsListCmd.Flags().Int("limit", 50, "max number of jobs to display")

	jobsReapCmd.Flags().Duration("after", 0, "lock age to reclaim (default queue.reap_after_minutes)")

	jobsCmd.AddCommand(jobsEnqueueCmd, jobsListCmd, jobsGetCmd, jobsPeekCmd, jobsReapCmd)
	rootCmd.AddCommand(jobsCmd)
}
