// Package scheduler enqueues one job per scheduled source per interval window.
// Keys are derived from the window number, so calling Tick as often as you
// like still yields at most one job per source per window.
package scheduler

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-ingest/internal/jobs"
	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/queue"
	"github.com/sells-group/catalog-ingest/internal/sources"
)

// SourceLister supplies the sources to consider.
type SourceLister interface {
	ListScheduled(ctx context.Context) ([]model.IngestionSource, error)
}

// Enqueuer is the part of the queue the scheduler uses.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.EnqueueResult, error)
}

// Result counts what one Tick did.
type Result struct {
	Considered int `json:"considered"`
	Enqueued   int `json:"enqueued"`
	Deduped    int `json:"deduped"`
	Skipped    int `json:"skipped"`
	Errors     int `json:"errors"`
}

// Scheduler turns source schedules into jobs.
type Scheduler struct {
	sources SourceLister
	queue   Enqueuer
	now     func() time.Time
}

// New creates a Scheduler.
func New(src SourceLister, q Enqueuer) *Scheduler {
	return &Scheduler{sources: src, queue: q, now: time.Now}
}

// Bucket returns the interval window number containing t.
func Bucket(t time.Time, intervalMinutes int) int64 {
	return t.Unix() / int64(intervalMinutes*60)
}

// IdempotencyKey builds the per-window dedup key.
func IdempotencyKey(prefix string, bucket int64) string {
	return prefix + ":" + strconv.FormatInt(bucket, 10)
}

// Tick scans scheduled sources once. Invalid configs are skipped and any
// per-source failure is counted, so one bad source never stops the scan.
func (s *Scheduler) Tick(ctx context.Context) (*Result, error) {
	list, err := s.sources.ListScheduled(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "scheduler: list sources")
	}

	now := s.now()
	res := &Result{}
	for i := range list {
		src := &list[i]
		if !src.Scheduled() {
			continue
		}
		res.Considered++

		req, err := buildRequest(src, now)
		if err != nil {
			res.Skipped++
			zap.L().Warn("scheduler: skipping source with invalid config",
				zap.String("source", src.Slug),
				zap.Error(err),
			)
			continue
		}

		out, err := s.enqueue(ctx, req)
		if err != nil {
			res.Errors++
			zap.L().Error("scheduler: enqueue failed",
				zap.String("source", src.Slug),
				zap.String("kind", string(req.Kind)),
				zap.Error(err),
			)
			continue
		}
		if out.Deduped {
			res.Deduped++
		} else {
			res.Enqueued++
			zap.L().Info("scheduler: enqueued",
				zap.String("source", src.Slug),
				zap.String("kind", string(req.Kind)),
				zap.String("job_id", out.JobID),
				zap.String("idempotency_key", req.IdempotencyKey),
			)
		}
	}
	return res, nil
}

// enqueue converts a panic in the queue into an error.
func (s *Scheduler) enqueue(ctx context.Context, req queue.EnqueueRequest) (out *queue.EnqueueResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("scheduler: enqueue panic: %v", r)
		}
	}()
	return s.queue.Enqueue(ctx, req)
}

func buildRequest(src *model.IngestionSource, now time.Time) (queue.EnqueueRequest, error) {
	cfg, err := sources.DecodeConfig(src)
	if err != nil {
		return queue.EnqueueRequest{}, err
	}
	if cfg.JobKind == "" {
		return queue.EnqueueRequest{}, eris.New("config.jobKind is required")
	}

	raw := cfg.JobPayload
	if cfg.JobKind == string(model.JobFeedPull) {
		if raw, err = withSourceID(raw, src.ID); err != nil {
			return queue.EnqueueRequest{}, err
		}
	}
	payload, err := jobs.Decode(cfg.JobKind, raw)
	if err != nil {
		return queue.EnqueueRequest{}, err
	}
	encoded, err := jobs.Encode(payload)
	if err != nil {
		return queue.EnqueueRequest{}, err
	}

	prefix := cfg.IdempotencyPrefix
	if prefix == "" {
		prefix = src.Slug + ":" + cfg.JobKind
	}
	bucket := Bucket(now, *src.ScheduleIntervalMinutes)

	return queue.EnqueueRequest{
		Kind:           payload.Kind(),
		Payload:        encoded,
		SourceID:       src.ID,
		IdempotencyKey: IdempotencyKey(prefix, bucket),
	}, nil
}

// withSourceID fills sourceId for feed pulls; source files cannot know the
// generated id.
func withSourceID(raw json.RawMessage, sourceID string) (json.RawMessage, error) {
	obj := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, eris.Wrap(err, "config.jobPayload must be an object")
		}
	}
	if _, ok := obj["sourceId"]; !ok {
		obj["sourceId"] = sourceID
	}
	b, err := json.Marshal(obj)
	return b, eris.Wrap(err, "encode payload")
}
