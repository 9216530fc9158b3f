package model

import "time"

// RunStatus is the state of an IngestionRun.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// RunStats aggregates counters reported by the work done inside a run.
type RunStats map[string]int

// Add increments a counter.
func (s RunStats) Add(key string, n int) {
	s[key] += n
}

// Merge adds every counter in other into s.
func (s RunStats) Merge(other RunStats) {
	for k, v := range other {
		s[k] += v
	}
}

// IngestionRun brackets one fetch cycle.
type IngestionRun struct {
	ID         string     `json:"id"`
	SourceID   *string    `json:"source_id,omitempty"`
	JobID      *string    `json:"job_id,omitempty"`
	Kind       string     `json:"kind"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Stats      RunStats   `json:"stats,omitempty"`
	Error      string     `json:"error,omitempty"`
}
