// Package worker claims queued jobs, dispatches them to their handlers, and
// records the outcome on the job and in the run log.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/catalog-ingest/internal/ingest"
	"github.com/sells-group/catalog-ingest/internal/jobs"
	"github.com/sells-group/catalog-ingest/internal/metrics"
	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/queue"
	"github.com/sells-group/catalog-ingest/internal/resilience"
)

// Queue is the part of queue.Queue the worker drives.
type Queue interface {
	ClaimNext(ctx context.Context, workerID string) (*model.Job, error)
	MarkSuccess(ctx context.Context, jobID string) error
	MarkFailure(ctx context.Context, jobID, errMsg string, attempts, maxAttempts int) error
	Peek(ctx context.Context) (*model.Job, error)
	ReapStale(ctx context.Context, lockTTL time.Duration) (*queue.ReapResult, error)
}

// Dispatcher resolves a job kind to its handler. *jobs.Registry implements it.
type Dispatcher interface {
	Get(kind string) (jobs.Handler, error)
}

// Options tunes a Worker.
type Options struct {
	ID             string
	BatchSize      int           // jobs per RunOnce, default 25
	Concurrency    int           // claim loops per RunOnce, default 1
	DefaultTimeout time.Duration // used when a payload has none
	LockTTL        time.Duration // reaper threshold, default 30m
	PollInterval   time.Duration // idle sleep for Run, default 10s
}

// Outcome is the result of one processed job.
type Outcome struct {
	JobID    string          `json:"job_id"`
	Kind     string          `json:"kind"`
	Attempts int             `json:"attempts"`
	Status   model.JobStatus `json:"status"` // success, queued (retry) or failed
	Class    string          `json:"class,omitempty"`
	Error    string          `json:"error,omitempty"`
	Stats    model.RunStats  `json:"stats,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// Summary totals one RunOnce pass.
type Summary struct {
	Claimed   int       `json:"claimed"`
	Succeeded int       `json:"succeeded"`
	Retried   int       `json:"retried"`
	Failed    int       `json:"failed"`
	Outcomes  []Outcome `json:"outcomes"`
}

func (s *Summary) add(o Outcome) {
	s.Claimed++
	switch o.Status {
	case model.JobSuccess:
		s.Succeeded++
	case model.JobQueued:
		s.Retried++
	default:
		s.Failed++
	}
	s.Outcomes = append(s.Outcomes, o)
}

// Worker processes jobs from a Queue.
type Worker struct {
	queue    Queue
	handlers Dispatcher
	runs     ingest.RunLog
	metrics  *metrics.Metrics
	opts     Options
	now      func() time.Time
}

// New creates a Worker. m may be nil.
func New(q Queue, handlers Dispatcher, runs ingest.RunLog, m *metrics.Metrics, opts Options) *Worker {
	if opts.ID == "" {
		opts.ID = "worker"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 25
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = time.Duration(jobs.DefaultTimeoutMs) * time.Millisecond
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	return &Worker{
		queue:    q,
		handlers: handlers,
		runs:     runs,
		metrics:  m,
		opts:     opts,
		now:      time.Now,
	}
}

// Peek returns the job the next claim would take, without mutating anything.
func (w *Worker) Peek(ctx context.Context) (*model.Job, error) {
	return w.queue.Peek(ctx)
}

// RunOnce claims and processes up to BatchSize jobs, stopping early when the
// queue has nothing due. Only claim errors are returned; job failures are
// recorded on the job and reported in the Summary.
func (w *Worker) RunOnce(ctx context.Context) (*Summary, error) {
	var (
		mu        sync.Mutex
		summary   = &Summary{}
		remaining atomic.Int64
	)
	remaining.Store(int64(w.opts.BatchSize))

	g, gctx := errgroup.WithContext(ctx)
	for range min(w.opts.Concurrency, w.opts.BatchSize) {
		g.Go(func() error {
			for remaining.Add(-1) >= 0 {
				if gctx.Err() != nil {
					return nil
				}
				job, err := w.queue.ClaimNext(gctx, w.opts.ID)
				if err != nil {
					return eris.Wrap(err, "worker: claim")
				}
				if job == nil {
					return nil
				}
				o := w.process(gctx, job)
				mu.Lock()
				summary.add(o)
				mu.Unlock()
			}
			return nil
		})
	}
	err := g.Wait()
	return summary, err
}

// Run reaps stale locks and drains the queue until ctx is done, sleeping
// PollInterval whenever a pass finds nothing to do.
func (w *Worker) Run(ctx context.Context) error {
	zap.L().Info("worker: started",
		zap.String("worker_id", w.opts.ID),
		zap.Int("concurrency", w.opts.Concurrency),
		zap.Int("batch_size", w.opts.BatchSize),
	)
	for {
		if ctx.Err() != nil {
			zap.L().Info("worker: stopped", zap.String("worker_id", w.opts.ID))
			return nil
		}

		if _, err := w.Reap(ctx); err != nil {
			zap.L().Error("worker: reap", zap.Error(err))
		}

		summary, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			zap.L().Error("worker: pass failed", zap.Error(err))
		}
		if summary != nil && summary.Claimed >= w.opts.BatchSize {
			continue
		}

		t := time.NewTimer(w.opts.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
}

// Reap requeues or fails running jobs whose lock expired.
func (w *Worker) Reap(ctx context.Context) (*queue.ReapResult, error) {
	res, err := w.queue.ReapStale(ctx, w.opts.LockTTL)
	if err != nil {
		return nil, err
	}
	w.metrics.Reaped(res.Requeued, res.Failed)
	if res.Requeued+res.Failed > 0 {
		zap.L().Warn("worker: reaped expired locks",
			zap.Int("requeued", res.Requeued),
			zap.Int("failed", res.Failed),
		)
	}
	return res, nil
}

// process runs one claimed job to a recorded outcome. Failures while
// recording are logged and swallowed so the loop keeps going.
func (w *Worker) process(ctx context.Context, job *model.Job) Outcome {
	log := zap.L().With(
		zap.String("job_id", job.ID),
		zap.String("kind", job.Kind),
		zap.Int("attempts", job.Attempts),
	)
	w.metrics.JobClaimed(job.Kind)
	start := w.now()

	// Bookkeeping must land even if the parent is being cancelled.
	bctx := context.WithoutCancel(ctx)

	stats, err := w.execute(ctx, log, job)
	elapsed := w.now().Sub(start)
	out := Outcome{
		JobID:    job.ID,
		Kind:     job.Kind,
		Attempts: job.Attempts,
		Stats:    stats,
		Duration: elapsed,
	}

	if err == nil {
		if mErr := w.queue.MarkSuccess(bctx, job.ID); mErr != nil {
			log.Error("worker: mark success", zap.Error(mErr))
		}
		w.metrics.JobFinished(job.Kind, "", elapsed)
		log.Info("worker: job succeeded", zap.Duration("duration", elapsed), zap.Any("stats", stats))
		out.Status = model.JobSuccess
		return out
	}

	class := resilience.Classify(err)
	maxAttempts := job.MaxAttempts
	if class == resilience.ClassTerminal {
		maxAttempts = job.Attempts
	}
	out.Class = resilience.Label(err)
	out.Error = err.Error()
	out.Status = model.JobQueued
	if queue.IsExhausted(job.Attempts, maxAttempts) {
		out.Status = model.JobFailed
	}

	log.Error("worker: job failed",
		zap.String("class", out.Class),
		zap.String("next", string(out.Status)),
		zap.Error(err),
	)
	if mErr := w.queue.MarkFailure(bctx, job.ID, err.Error(), job.Attempts, maxAttempts); mErr != nil {
		log.Error("worker: mark failure", zap.Error(mErr))
	}
	w.metrics.JobFinished(job.Kind, string(class), elapsed)
	return out
}

// execute brackets the handler call in a run.
func (w *Worker) execute(ctx context.Context, log *zap.Logger, job *model.Job) (model.RunStats, error) {
	bctx := context.WithoutCancel(ctx)

	var sourceID string
	if job.SourceID != nil {
		sourceID = *job.SourceID
	}
	runID, err := w.runs.Start(bctx, ingest.RunStart{SourceID: sourceID, JobID: job.ID, Kind: job.Kind})
	if err != nil {
		return nil, eris.Wrap(err, "worker: start run")
	}

	stats, err := w.dispatch(ctx, job, runID)
	if err != nil {
		if rErr := w.runs.Fail(bctx, runID, err.Error(), stats); rErr != nil {
			log.Error("worker: record failed run", zap.String("run_id", runID), zap.Error(rErr))
		}
		return stats, err
	}
	if rErr := w.runs.Complete(bctx, runID, stats); rErr != nil {
		log.Error("worker: record completed run", zap.String("run_id", runID), zap.Error(rErr))
	}
	return stats, nil
}

func (w *Worker) dispatch(ctx context.Context, job *model.Job, runID string) (stats model.RunStats, err error) {
	h, err := w.handlers.Get(job.Kind)
	if err != nil {
		return nil, err
	}
	payload, err := jobs.Decode(job.Kind, job.Payload)
	if err != nil {
		return nil, err
	}

	timeout := payload.Timeout()
	if timeout <= 0 {
		timeout = w.opts.DefaultTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("worker: handler panic: %v", r)
		}
	}()

	stats, err = h.Handle(hctx, jobs.Request{Job: job, Payload: payload, RunID: runID})
	if err != nil && hctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		err = eris.Wrapf(err, "worker: handler timed out after %s", timeout)
	}
	if stats == nil {
		stats = model.RunStats{}
	}
	return stats, err
}
