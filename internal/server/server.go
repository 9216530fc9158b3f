// Package server exposes the ops HTTP surface: health, metrics, the
// provenance audit, offer summaries and read-only job inspection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-ingest/internal/apperr"
	"github.com/sells-group/catalog-ingest/internal/metrics"
	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/provenance"
	"github.com/sells-group/catalog-ingest/internal/queue"
)

// Auditor runs a provenance audit.
type Auditor interface {
	Audit(ctx context.Context) (*provenance.Report, error)
}

// Summaries serves offer summaries.
type Summaries interface {
	Ensure(ctx context.Context, productIDs []string) (map[string]*model.OfferSummary, error)
}

// Jobs is the read side of the queue.
type Jobs interface {
	Get(ctx context.Context, jobID string) (*model.Job, error)
	List(ctx context.Context, f queue.ListFilter) ([]model.Job, error)
}

// Pinger checks a dependency for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the router. Nil members disable their routes.
type Deps struct {
	Auditor   Auditor
	Summaries Summaries
	Jobs      Jobs
	Health    Pinger
	Metrics   *metrics.Metrics
}

// maxSummaryIDs bounds one /summaries request.
const maxSummaryIDs = 500

// NewRouter builds the chi router.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if d.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := d.Health.Ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", d.Metrics.Handler())

	if d.Auditor != nil {
		r.Get("/audit", func(w http.ResponseWriter, r *http.Request) {
			rep, err := d.Auditor.Audit(r.Context())
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, rep)
		})
	}

	if d.Summaries != nil {
		r.Get("/summaries", func(w http.ResponseWriter, r *http.Request) {
			ids := splitIDs(r.URL.Query().Get("ids"))
			if len(ids) == 0 {
				writeError(w, apperr.Validation("ids is required"))
				return
			}
			if len(ids) > maxSummaryIDs {
				writeError(w, apperr.Validation("at most %d ids per request", maxSummaryIDs))
				return
			}
			sums, err := d.Summaries.Ensure(r.Context(), ids)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, sums)
		})
	}

	if d.Jobs != nil {
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, r *http.Request) {
				f, err := parseListFilter(r)
				if err != nil {
					writeError(w, err)
					return
				}
				list, err := d.Jobs.List(r.Context(), f)
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, list)
			})
			r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
				j, err := d.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, j)
			})
		})
	}

	return r
}

func parseListFilter(r *http.Request) (queue.ListFilter, error) {
	q := r.URL.Query()
	f := queue.ListFilter{Kind: q.Get("kind")}
	if s := q.Get("status"); s != "" {
		switch st := model.JobStatus(s); st {
		case model.JobQueued, model.JobRunning, model.JobSuccess, model.JobFailed:
			f.Status = st
		default:
			return f, apperr.Validation("unknown status %q", s)
		}
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return f, apperr.Validation("limit must be a positive integer")
		}
		f.Limit = n
	}
	return f, nil
}

func splitIDs(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		zap.L().Error("server: request failed", zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("server: write response", zap.Error(err))
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("server: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// Serve runs the router on port until ctx is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, port int, h http.Handler) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		zap.L().Info("server: listening", zap.Int("port", port))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return eris.Wrap(err, "server: listen")
	case <-ctx.Done():
	}

	zap.L().Info("server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return eris.Wrap(srv.Shutdown(shutdownCtx), "server: shutdown")
}
