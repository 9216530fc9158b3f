package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-ingest/internal/apperr"
	"github.com/sells-group/catalog-ingest/internal/model"
)

func newMockQueue(t *testing.T) (*PostgresQueue, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	q := NewPostgres(mock)
	q.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return q, mock
}

var jobCols = []string{
	"id", "kind", "payload", "source_id", "idempotency_key", "priority", "status",
	"run_after", "attempts", "max_attempts", "locked_at", "locked_by", "last_error", "created_at", "updated_at",
}

func jobRow(id, status string, attempts int) []any {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	worker := "w1"
	return []any{
		id, "offers.head_refresh.one", json.RawMessage(`{"offerId":"o1","timeoutMs":5000}`),
		(*string)(nil), (*string)(nil), 0, status,
		now, attempts, 5, &now, &worker, (*string)(nil), now, now,
	}
}

func TestPostgresEnqueue_New(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectQuery(`INSERT INTO ingestion_jobs`).
		WithArgs("offers.head_refresh.one", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), 0, 5, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("job-1"))

	res, err := q.Enqueue(context.Background(), EnqueueRequest{
		Kind:           model.JobHeadRefreshOne,
		Payload:        json.RawMessage(`{"offerId":"o1","timeoutMs":5000}`),
		IdempotencyKey: "K",
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", res.JobID)
	assert.False(t, res.Deduped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEnqueue_DedupedByKey(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectQuery(`(?s)INSERT INTO ingestion_jobs .* ON CONFLICT \(idempotency_key\) DO NOTHING`).
		WithArgs("offers.head_refresh.one", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), 0, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT id FROM ingestion_jobs WHERE idempotency_key`).
		WithArgs("K").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("job-1"))

	res, err := q.Enqueue(context.Background(), EnqueueRequest{
		Kind:           model.JobHeadRefreshOne,
		IdempotencyKey: "K",
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", res.JobID)
	assert.True(t, res.Deduped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEnqueue_RejectsUnknownKind(t *testing.T) {
	q, mock := newMockQueue(t)

	_, err := q.Enqueue(context.Background(), EnqueueRequest{Kind: "offers.bogus"})
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimNext_Claims(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM ingestion_jobs\s+WHERE status = 'queued' AND run_after <= now\(\)\s+ORDER BY priority DESC, run_after ASC, created_at ASC, id ASC\s+LIMIT 1\s+FOR UPDATE SKIP LOCKED`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("job-1"))
	mock.ExpectQuery(`UPDATE ingestion_jobs\s+SET status = 'running'`).
		WithArgs("job-1", "w1").
		WillReturnRows(pgxmock.NewRows(jobCols).AddRow(jobRow("job-1", "running", 1)...))
	mock.ExpectCommit()

	job, err := q.ClaimNext(context.Background(), "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, model.JobRunning, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.LockedBy)
	assert.Equal(t, "w1", *job.LockedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimNext_Empty(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	job, err := q.ClaimNext(context.Background(), "w1")
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkSuccess(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec(`SET status = 'success', locked_at = NULL, locked_by = NULL`).
		WithArgs("job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, q.MarkSuccess(context.Background(), "job-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkSuccess_NotFound(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec(`SET status = 'success'`).
		WithArgs("missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := q.MarkSuccess(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err))
}

func TestPostgresMarkFailure_Requeues(t *testing.T) {
	q, mock := newMockQueue(t)
	wantRunAfter := q.now().Add(4 * time.Minute)

	mock.ExpectExec(`SET status = 'queued', last_error = \$2, run_after = \$3`).
		WithArgs("job-1", "http 503", wantRunAfter).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, q.MarkFailure(context.Background(), "job-1", "http 503", 3, 5))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkFailure_Terminal(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec(`SET status = 'failed', last_error = \$2`).
		WithArgs("job-1", "http 503").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, q.MarkFailure(context.Background(), "job-1", "http 503", 5, 5))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkFailure_DBError(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec(`UPDATE ingestion_jobs`).
		WillReturnError(fmt.Errorf("connection refused"))

	err := q.MarkFailure(context.Background(), "job-1", "boom", 1, 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mark failure")
}

func TestPostgresPeek(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectQuery(`(?s)SELECT id, kind, .* FROM ingestion_jobs\s+WHERE status = 'queued'`).
		WillReturnRows(pgxmock.NewRows(jobCols).AddRow(jobRow("job-2", "queued", 0)...))

	job, err := q.Peek(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-2", job.ID)
	assert.Equal(t, model.JobQueued, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGet_NotFound(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectQuery(`FROM ingestion_jobs WHERE id = \$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := q.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err))
}

func TestPostgresList_Filters(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectQuery(`FROM ingestion_jobs WHERE status = \$1 AND kind = \$2 ORDER BY created_at DESC LIMIT \$3`).
		WithArgs("failed", "feeds.ftp_pull", 10).
		WillReturnRows(pgxmock.NewRows(jobCols).
			AddRow(jobRow("job-1", "failed", 5)...).
			AddRow(jobRow("job-2", "failed", 5)...))

	jobs, err := q.List(context.Background(), ListFilter{Status: model.JobFailed, Kind: "feeds.ftp_pull", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReapStale(t *testing.T) {
	q, mock := newMockQueue(t)
	cutoff := q.now().Add(-30 * time.Minute)

	mock.ExpectQuery(`UPDATE ingestion_jobs\s+SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'queued' END`).
		WithArgs(cutoff).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).
			AddRow("queued").AddRow("failed").AddRow("queued"))

	res, err := q.ReapStale(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Requeued)
	assert.Equal(t, 1, res.Failed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
