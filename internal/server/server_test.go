package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-ingest/internal/apperr"
	"github.com/sells-group/catalog-ingest/internal/metrics"
	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/provenance"
	"github.com/sells-group/catalog-ingest/internal/queue"
)

type fakeAuditor struct {
	rep *provenance.Report
	err error
}

func (f fakeAuditor) Audit(context.Context) (*provenance.Report, error) { return f.rep, f.err }

type fakeSummaries struct{ got []string }

func (f *fakeSummaries) Ensure(_ context.Context, ids []string) (map[string]*model.OfferSummary, error) {
	f.got = ids
	out := map[string]*model.OfferSummary{}
	for _, id := range ids {
		out[id] = &model.OfferSummary{ProductID: id, StaleFlag: true}
	}
	return out, nil
}

type fakeJobs struct {
	filter queue.ListFilter
}

func (f *fakeJobs) Get(_ context.Context, id string) (*model.Job, error) {
	if id != "job-1" {
		return nil, apperr.NotFound("job %s", id)
	}
	return &model.Job{ID: id, Kind: "offers.head_refresh.one", Status: model.JobQueued}, nil
}

func (f *fakeJobs) List(_ context.Context, lf queue.ListFilter) ([]model.Job, error) {
	f.filter = lf
	return []model.Job{{ID: "job-1", Status: lf.Status}}, nil
}

type pingFunc func(context.Context) error

func (p pingFunc) Ping(ctx context.Context) error { return p(ctx) }

func do(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestHealthz(t *testing.T) {
	h := NewRouter(Deps{})
	rr := do(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	h = NewRouter(Deps{Health: pingFunc(func(context.Context) error { return errors.New("db down") })})
	rr = do(t, h, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "db down")
}

func TestMetrics(t *testing.T) {
	m := metrics.New(nil)
	m.JobClaimed("offers.head_refresh.one")

	rr := do(t, NewRouter(Deps{Metrics: m}), "/metrics")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `catalog_jobs_claimed_total{kind="offers.head_refresh.one"} 1`)
}

func TestAudit(t *testing.T) {
	rep := &provenance.Report{
		CanonicalWithoutProvenance: provenance.Counts{Products: 1, Total: 1},
		DisplayedWithoutProvenance: provenance.Counts{Products: 1, Total: 1},
		HasDisplayedViolations:     true,
		CheckedAt:                  time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	rr := do(t, NewRouter(Deps{Auditor: fakeAuditor{rep: rep}}), "/audit")
	require.Equal(t, http.StatusOK, rr.Code)

	var got provenance.Report
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.True(t, got.HasDisplayedViolations)
	assert.Equal(t, 1, got.DisplayedWithoutProvenance.Products)

	rr = do(t, NewRouter(Deps{Auditor: fakeAuditor{err: errors.New("boom")}}), "/audit")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, rr.Body.String())
}

func TestSummaries(t *testing.T) {
	s := &fakeSummaries{}
	h := NewRouter(Deps{Summaries: s})

	rr := do(t, h, "/summaries?ids=p1,%20p2,,p1")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"p1", "p2", "p1"}, s.got)

	var got map[string]model.OfferSummary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Len(t, got, 2)

	rr = do(t, h, "/summaries")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestJobs(t *testing.T) {
	j := &fakeJobs{}
	h := NewRouter(Deps{Jobs: j})

	rr := do(t, h, "/jobs?status=failed&kind=feeds.ftp_pull&limit=5")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, queue.ListFilter{Status: model.JobFailed, Kind: "feeds.ftp_pull", Limit: 5}, j.filter)

	assert.Equal(t, http.StatusBadRequest, do(t, h, "/jobs?status=paused").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, "/jobs?limit=-1").Code)

	rr = do(t, h, "/jobs/job-1")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"job-1"`)

	assert.Equal(t, http.StatusNotFound, do(t, h, "/jobs/job-9").Code)
}

func TestDisabledRoutes(t *testing.T) {
	h := NewRouter(Deps{})
	assert.Equal(t, http.StatusNotFound, do(t, h, "/audit").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, "/jobs").Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(apperr.Validation("x")))
	assert.Equal(t, http.StatusNotFound, statusFor(apperr.NotFound("x")))
	assert.Equal(t, http.StatusConflict, statusFor(apperr.Conflict("x")))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("x")))
}

func TestServe_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, 0, NewRouter(Deps{})) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
