package jobs

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-ingest/internal/apperr"
	"github.com/sells-group/catalog-ingest/internal/model"
)

// Request is what a handler receives for one claimed job.
type Request struct {
	Job     *model.Job
	Payload Payload
	RunID   string
}

// Handler executes one job kind.
type Handler interface {
	Kind() model.JobKind
	Handle(ctx context.Context, req Request) (model.RunStats, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	JobKind model.JobKind
	Fn      func(ctx context.Context, req Request) (model.RunStats, error)
}

// Kind implements Handler.
func (h HandlerFunc) Kind() model.JobKind { return h.JobKind }

// Handle implements Handler.
func (h HandlerFunc) Handle(ctx context.Context, req Request) (model.RunStats, error) {
	return h.Fn(ctx, req)
}

// Registry maps job kinds to handlers.
type Registry struct {
	handlers map[model.JobKind]Handler
}

// NewRegistry registers hs and fails unless every kind in model.AllJobKinds
// has exactly one handler.
func NewRegistry(hs ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[model.JobKind]Handler, len(hs))}
	for _, h := range hs {
		if _, dup := r.handlers[h.Kind()]; dup {
			return nil, eris.Errorf("jobs: duplicate handler for %s", h.Kind())
		}
		if _, err := model.ParseJobKind(string(h.Kind())); err != nil {
			return nil, eris.Wrap(err, "jobs: register")
		}
		r.handlers[h.Kind()] = h
	}

	var missing []string
	for _, k := range model.AllJobKinds {
		if _, ok := r.handlers[k]; !ok {
			missing = append(missing, string(k))
		}
	}
	if len(missing) > 0 {
		return nil, eris.Errorf("jobs: no handler registered for %s", strings.Join(missing, ", "))
	}
	return r, nil
}

// Get returns the handler for kind. An unknown kind is a terminal error so the
// job is failed rather than retried.
func (r *Registry) Get(kind string) (Handler, error) {
	h, ok := r.handlers[model.JobKind(kind)]
	if !ok {
		return nil, apperr.Terminal(nil, "unknown job kind %q", kind)
	}
	return h, nil
}
