package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Daemon runs Tick on a cron schedule.
type Daemon struct {
	sched *Scheduler
	cron  *cron.Cron
	spec  string
}

// NewDaemon validates spec (standard 5-field cron) and builds a daemon.
func NewDaemon(s *Scheduler, spec string) (*Daemon, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(spec); err != nil {
		return nil, eris.Wrapf(err, "scheduler: invalid cron spec %q", spec)
	}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	return &Daemon{sched: s, cron: c, spec: spec}, nil
}

// Run ticks until ctx is cancelled, then waits for an in-flight tick.
func (d *Daemon) Run(ctx context.Context) error {
	_, err := d.cron.AddFunc(d.spec, func() {
		res, err := d.sched.Tick(ctx)
		if err != nil {
			zap.L().Error("scheduler: tick failed", zap.Error(err))
			return
		}
		zap.L().Info("scheduler: tick",
			zap.Int("considered", res.Considered),
			zap.Int("enqueued", res.Enqueued),
			zap.Int("deduped", res.Deduped),
			zap.Int("skipped", res.Skipped),
			zap.Int("errors", res.Errors),
		)
	})
	if err != nil {
		return eris.Wrap(err, "scheduler: add cron entry")
	}

	zap.L().Info("scheduler: daemon started", zap.String("cron", d.spec))
	d.cron.Start()
	<-ctx.Done()
	<-d.cron.Stop().Done()
	zap.L().Info("scheduler: daemon stopped")
	return nil
}
