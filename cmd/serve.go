package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/catalog-ingest/internal/provenance"
	"github.com/sells-group/catalog-ingest/internal/scheduler"
	"github.com/sells-group/catalog-ingest/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ops server with the scheduler and a worker",
	Long: `Starts the HTTP ops server (health, metrics, audit, summaries, jobs)
alongside a scheduler daemon and a worker loop. Either background loop can
be disabled to run them as separate processes.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		noWorker, _ := cmd.Flags().GetBool("no-worker")
		noScheduler, _ := cmd.Flags().GetBool("no-scheduler")

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		port := cfg.Server.Port
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		g, gctx := errgroup.WithContext(ctx)

		if !noScheduler {
			d, err := scheduler.NewDaemon(scheduler.New(env.Sources, env.Queue), cfg.Scheduler.Cron)
			if err != nil {
				return err
			}
			g.Go(func() error { return d.Run(gctx) })
		}
		if !noWorker {
			w, err := env.worker()
			if err != nil {
				return err
			}
			g.Go(func() error { return w.Run(gctx) })
		}

		h := server.NewRouter(server.Deps{
			Auditor:   provenance.NewAuditor(env.Pool),
			Summaries: env.Summaries,
			Jobs:      env.Queue,
			Health:    env.Pool,
			Metrics:   env.Metrics,
		})
		g.Go(func() error { return server.Serve(gctx, port, h) })

		zap.L().Info("serve: started",
			zap.Int("port", port),
			zap.Bool("worker", !noWorker),
			zap.Bool("scheduler", !noScheduler),
		)
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().Bool("no-worker", false, "do not run a worker loop")
	serveCmd.Flags().Bool("no-scheduler", false, "do not run the scheduler daemon")
	rootCmd.AddCommand(serveCmd)
}
