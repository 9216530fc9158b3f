// Package queue implements the durable ingestion job queue: idempotent
// enqueue, exclusive claim, retry with capped exponential backoff, and a
// reaper for jobs abandoned by crashed workers.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sells-group/catalog-ingest/internal/apperr"
	"github.com/sells-group/catalog-ingest/internal/model"
)

// MaxBackoff caps the delay between attempts of a failing job.
const MaxBackoff = 60 * time.Minute

// DefaultMaxAttempts applies when an enqueue request does not set one.
const DefaultMaxAttempts = 5

// EnqueueRequest describes a job to add.
type EnqueueRequest struct {
	Kind           model.JobKind
	Payload        json.RawMessage
	SourceID       string
	IdempotencyKey string
	Priority       int
	MaxAttempts    int
	RunAfter       time.Time // zero means now
}

// EnqueueResult reports the job id and whether the key matched an existing job.
type EnqueueResult struct {
	JobID   string `json:"job_id"`
	Deduped bool   `json:"deduped"`
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status model.JobStatus
	Kind   string
	Limit  int
}

// ReapResult counts jobs recovered from expired locks.
type ReapResult struct {
	Requeued int `json:"requeued"`
	Failed   int `json:"failed"`
}

// Queue is implemented by the Postgres and SQLite backends.
type Queue interface {
	// Enqueue inserts a queued job. A repeated idempotency key is a no-op
	// reported as Deduped.
	Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error)
	// ClaimNext atomically takes the highest-priority due job for workerID.
	// It returns nil, nil when nothing is eligible.
	ClaimNext(ctx context.Context, workerID string) (*model.Job, error)
	// MarkSuccess moves a job to success and clears its lock.
	MarkSuccess(ctx context.Context, jobID string) error
	// MarkFailure fails the job terminally once attempts >= maxAttempts,
	// otherwise re-queues it with backoff.
	MarkFailure(ctx context.Context, jobID, errMsg string, attempts, maxAttempts int) error
	// Peek returns the job ClaimNext would take, without claiming it.
	Peek(ctx context.Context) (*model.Job, error)
	Get(ctx context.Context, jobID string) (*model.Job, error)
	List(ctx context.Context, f ListFilter) ([]model.Job, error)
	// ReapStale reclaims running jobs whose lock is older than lockTTL.
	ReapStale(ctx context.Context, lockTTL time.Duration) (*ReapResult, error)
	Close()
}

// Backoff returns the delay before the next attempt after the given number
// of attempts: 2^(attempts-1) minutes, capped at MaxBackoff.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	exp := attempts - 1
	if exp >= 6 { // 2^6 minutes already exceeds the cap
		return MaxBackoff
	}
	d := time.Duration(1<<exp) * time.Minute
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}

// IsExhausted reports whether a job with these counters must fail terminally.
func IsExhausted(attempts, maxAttempts int) bool {
	return attempts >= maxAttempts
}

func normalizeRequest(req *EnqueueRequest) error {
	if _, err := model.ParseJobKind(string(req.Kind)); err != nil {
		return apperr.Validation("%s", err.Error())
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}
	var obj map[string]any
	if err := json.Unmarshal(req.Payload, &obj); err != nil {
		return apperr.Validation("job payload must be a JSON object: %v", err)
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = DefaultMaxAttempts
	}
	return nil
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
