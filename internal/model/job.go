package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// JobKind is the closed set of job kinds a worker can execute.
type JobKind string

const (
	JobHeadRefreshBulk   JobKind = "offers.head_refresh.bulk"
	JobHeadRefreshOne    JobKind = "offers.head_refresh.one"
	JobDetailRefreshBulk JobKind = "offers.detail_refresh.bulk"
	JobDetailRefreshOne  JobKind = "offers.detail_refresh.one"
	JobFeedPull          JobKind = "feeds.ftp_pull"
)

// AllJobKinds lists every job kind. Handler registries must cover all of them.
var AllJobKinds = []JobKind{
	JobHeadRefreshBulk,
	JobHeadRefreshOne,
	JobDetailRefreshBulk,
	JobDetailRefreshOne,
	JobFeedPull,
}

// String returns the kind name.
func (k JobKind) String() string { return string(k) }

// ParseJobKind converts a string to a JobKind.
func ParseJobKind(s string) (JobKind, error) {
	for _, k := range AllJobKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", eris.Errorf("unknown job kind: %q", s)
}

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

// Job is a durable queue row. Kind is kept as a raw string so rows with
// unknown kinds can still be loaded and failed explicitly.
type Job struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	SourceID       *string         `json:"source_id,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	Priority       int             `json:"priority"`
	Status         JobStatus       `json:"status"`
	RunAfter       time.Time       `json:"run_after"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	LockedAt       *time.Time      `json:"locked_at,omitempty"`
	LockedBy       *string         `json:"locked_by,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
