package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/catalog-ingest/internal/scheduler"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Enqueue jobs for sources whose schedule is due",
}

var schedulerTickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one scheduler pass",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := scheduler.New(env.Sources, env.Queue).Tick(ctx)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, res)
	},
}

var schedulerDaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run scheduler passes on the configured cron until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		d, err := scheduler.NewDaemon(scheduler.New(env.Sources, env.Queue), cfg.Scheduler.Cron)
		if err != nil {
			return err
		}
		return d.Run(ctx)
	},
}

func init() {
	schedulerCmd.AddCommand(schedulerTickCmd, schedulerDaemonCmd)
	rootCmd.AddCommand(schedulerCmd)
}
