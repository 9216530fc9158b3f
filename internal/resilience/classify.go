package resilience

import (
	"github.com/sells-group/catalog-ingest/internal/apperr"
)

// Class decides what the worker does with a failed job.
type Class string

const (
	// ClassRetry re-queues the job with backoff until attempts run out.
	ClassRetry Class = "retry"
	// ClassTerminal fails the job immediately.
	ClassTerminal Class = "terminal"
)

// Classify maps a handler error to a retry decision. Input and lookup errors
// cannot succeed on retry; everything else, including unexpected errors,
// is retried within the job's attempt budget.
func Classify(err error) Class {
	if err == nil {
		return ClassRetry
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindNotFound, apperr.KindConflict, apperr.KindTerminal:
		return ClassTerminal
	}
	return ClassRetry
}

// Label is a short category for logs and metrics.
func Label(err error) string {
	if k := apperr.KindOf(err); k != "" {
		return string(k)
	}
	if IsTransient(err) {
		return "transient"
	}
	return "unknown"
}
