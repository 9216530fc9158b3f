package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/queue"
)

type staticSources []model.IngestionSource

func (s staticSources) ListScheduled(context.Context) ([]model.IngestionSource, error) {
	return s, nil
}

type failingSources struct{}

func (failingSources) ListScheduled(context.Context) ([]model.IngestionSource, error) {
	return nil, errors.New("db down")
}

type panickyQueue struct{}

func (panickyQueue) Enqueue(context.Context, queue.EnqueueRequest) (*queue.EnqueueResult, error) {
	panic("boom")
}

func source(id, slug string, interval int, cfg string) model.IngestionSource {
	return model.IngestionSource{
		ID:                      id,
		Slug:                    slug,
		Kind:                    model.SourceKindRetailer,
		ScheduleIntervalMinutes: &interval,
		Config:                  json.RawMessage(cfg),
		Active:                  true,
	}
}

func newQueue(t *testing.T) *queue.SQLiteQueue {
	t.Helper()
	q, err := queue.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "q.db"))
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q
}

func TestBucketAndKey(t *testing.T) {
	at := time.Unix(7200, 0)
	assert.Equal(t, int64(2), Bucket(at, 60))
	assert.Equal(t, int64(2), Bucket(at.Add(59*time.Minute), 60))
	assert.Equal(t, int64(3), Bucket(at.Add(60*time.Minute), 60))
	assert.Equal(t, "acme:2", IdempotencyKey("acme", 2))
}

func TestTick_IdempotentWithinBucket(t *testing.T) {
	q := newQueue(t)
	srcs := staticSources{
		source("s1", "acme", 60, `{"jobKind":"offers.head_refresh.bulk","jobPayload":{"olderThanDays":1},"idempotencyPrefix":"acme-head"}`),
	}
	s := New(srcs, q)
	s.now = func() time.Time { return time.Unix(7200+60, 0) }

	first, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Enqueued)

	s.now = func() time.Time { return time.Unix(7200+3500, 0) }
	second, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Enqueued)
	assert.Equal(t, 1, second.Deduped)

	jobs, err := q.List(context.Background(), queue.ListFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NotNil(t, jobs[0].IdempotencyKey)
	assert.Equal(t, "acme-head:2", *jobs[0].IdempotencyKey)
	assert.JSONEq(t, `{"olderThanDays":1,"limit":100,"timeoutMs":15000}`, string(jobs[0].Payload))

	// Next window enqueues again.
	s.now = func() time.Time { return time.Unix(7200+3600, 0) }
	third, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, third.Enqueued)
}

func TestTick_DefaultPrefixAndFeedSourceID(t *testing.T) {
	q := newQueue(t)
	srcs := staticSources{
		source("3b6f", "wholesale", 1440, `{"jobKind":"feeds.ftp_pull","jobPayload":{"path":"/plants.csv","entityType":"plant"}}`),
	}
	s := New(srcs, q)
	s.now = func() time.Time { return time.Unix(86400*3, 0) }

	res, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)

	jobs, err := q.List(context.Background(), queue.ListFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "wholesale:feeds.ftp_pull:3", *jobs[0].IdempotencyKey)
	require.NotNil(t, jobs[0].SourceID)
	assert.Equal(t, "3b6f", *jobs[0].SourceID)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(jobs[0].Payload, &payload))
	assert.Equal(t, "3b6f", payload["sourceId"])
}

func TestTick_InvalidConfigIsSkipped(t *testing.T) {
	q := newQueue(t)
	inactive := source("s4", "paused", 60, `{"jobKind":"offers.head_refresh.bulk"}`)
	inactive.Active = false

	srcs := staticSources{
		source("s1", "no-kind", 60, `{}`),
		source("s2", "bad-kind", 60, `{"jobKind":"offers.teleport"}`),
		source("s3", "bad-payload", 60, `{"jobKind":"offers.head_refresh.one","jobPayload":{}}`),
		inactive,
		source("s5", "good", 60, `{"jobKind":"offers.detail_refresh.bulk","jobPayload":{"olderThanHours":6}}`),
	}
	s := New(srcs, q)

	res, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Considered)
	assert.Equal(t, 3, res.Skipped)
	assert.Equal(t, 1, res.Enqueued)
}

func TestTick_PerSourceFailureIsCounted(t *testing.T) {
	srcs := staticSources{
		source("s1", "a", 60, `{"jobKind":"offers.head_refresh.bulk"}`),
		source("s2", "b", 60, `{"jobKind":"offers.head_refresh.bulk"}`),
	}
	s := New(srcs, panickyQueue{})

	res, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Errors)
}

func TestEnqueue_RecoversPanic(t *testing.T) {
	s := New(staticSources{}, panickyQueue{})
	out, err := s.enqueue(context.Background(), queue.EnqueueRequest{Kind: "offers.head_refresh.bulk"})
	require.Error(t, err)
	assert.Nil(t, out)
	assert.Contains(t, err.Error(), "enqueue panic: boom")
}

func TestTick_ListError(t *testing.T) {
	s := New(failingSources{}, newQueue(t))
	_, err := s.Tick(context.Background())
	assert.Error(t, err)
}

func TestNewDaemon_InvalidSpec(t *testing.T) {
	_, err := NewDaemon(New(staticSources{}, newQueue(t)), "every minute")
	assert.Error(t, err)

	d, err := NewDaemon(New(staticSources{}, newQueue(t)), "*/5 * * * *")
	require.NoError(t, err)
	assert.NotNil(t, d)
}

func TestDaemon_RunStopsOnCancel(t *testing.T) {
	d, err := NewDaemon(New(staticSources{}, newQueue(t)), "* * * * *")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}
