package queue

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-ingest/internal/apperr"
	"github.com/sells-group/catalog-ingest/internal/db"
	"github.com/sells-group/catalog-ingest/internal/model"
)

const jobColumns = `id, kind, payload, source_id, idempotency_key, priority, status,
	run_after, attempts, max_attempts, locked_at, locked_by, last_error, created_at, updated_at`

// claimOrder is shared by ClaimNext and Peek so a dry run previews the real pick.
const claimOrder = `ORDER BY priority DESC, run_after ASC, created_at ASC, id ASC`

// PostgresQueue claims with SELECT ... FOR UPDATE SKIP LOCKED so concurrent
// workers pass over rows another transaction holds instead of waiting.
type PostgresQueue struct {
	pool db.Pool
	now  func() time.Time
}

// NewPostgres wraps a pool.
func NewPostgres(pool db.Pool) *PostgresQueue {
	return &PostgresQueue{pool: pool, now: time.Now}
}

// Close is a no-op; the pool belongs to the caller.
func (q *PostgresQueue) Close() {}

// Enqueue implements Queue.
func (q *PostgresQueue) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	if err := normalizeRequest(&req); err != nil {
		return nil, err
	}

	var runAfter *time.Time
	if !req.RunAfter.IsZero() {
		runAfter = &req.RunAfter
	}

	var id string
	err := q.pool.QueryRow(ctx, `
		INSERT INTO ingestion_jobs (kind, payload, source_id, idempotency_key, priority, max_attempts, run_after)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id`,
		string(req.Kind), req.Payload, optString(req.SourceID), optString(req.IdempotencyKey),
		req.Priority, req.MaxAttempts, runAfter,
	).Scan(&id)
	if err == nil {
		return &EnqueueResult{JobID: id}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(err, "queue: enqueue")
	}

	// Conflict on the idempotency key: report the existing job.
	err = q.pool.QueryRow(ctx,
		`SELECT id FROM ingestion_jobs WHERE idempotency_key = $1`, req.IdempotencyKey,
	).Scan(&id)
	if err != nil {
		return nil, eris.Wrap(err, "queue: enqueue: load deduped job")
	}
	return &EnqueueResult{JobID: id, Deduped: true}, nil
}

// ClaimNext implements Queue.
func (q *PostgresQueue) ClaimNext(ctx context.Context, workerID string) (*model.Job, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "queue: claim: begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id string
	err = tx.QueryRow(ctx, `
		SELECT id FROM ingestion_jobs
		WHERE status = 'queued' AND run_after <= now()
		`+claimOrder+`
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "queue: claim: select")
	}

	job, err := scanJob(tx.QueryRow(ctx, `
		UPDATE ingestion_jobs
		SET status = 'running', locked_at = now(), locked_by = $2,
			attempts = attempts + 1, updated_at = now()
		WHERE id = $1
		RETURNING `+jobColumns,
		id, workerID,
	))
	if err != nil {
		return nil, eris.Wrap(err, "queue: claim: update")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "queue: claim: commit")
	}
	return job, nil
}

// MarkSuccess implements Queue.
func (q *PostgresQueue) MarkSuccess(ctx context.Context, jobID string) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE ingestion_jobs
		SET status = 'success', locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE id = $1`,
		jobID,
	)
	if err != nil {
		return eris.Wrap(err, "queue: mark success")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("job %s", jobID)
	}
	return nil
}

// MarkFailure implements Queue.
func (q *PostgresQueue) MarkFailure(ctx context.Context, jobID, errMsg string, attempts, maxAttempts int) error {
	var (
		sql  string
		args []any
	)
	if IsExhausted(attempts, maxAttempts) {
		sql = `
			UPDATE ingestion_jobs
			SET status = 'failed', last_error = $2, locked_at = NULL, locked_by = NULL, updated_at = now()
			WHERE id = $1`
		args = []any{jobID, errMsg}
	} else {
		sql = `
			UPDATE ingestion_jobs
			SET status = 'queued', last_error = $2, run_after = $3,
				locked_at = NULL, locked_by = NULL, updated_at = now()
			WHERE id = $1`
		args = []any{jobID, errMsg, q.now().Add(Backoff(attempts))}
	}

	tag, err := q.pool.Exec(ctx, sql, args...)
	if err != nil {
		return eris.Wrap(err, "queue: mark failure")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("job %s", jobID)
	}
	return nil
}

// Peek implements Queue.
func (q *PostgresQueue) Peek(ctx context.Context) (*model.Job, error) {
	job, err := scanJob(q.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM ingestion_jobs
		WHERE status = 'queued' AND run_after <= now()
		`+claimOrder+`
		LIMIT 1`,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "queue: peek")
	}
	return job, nil
}

// Get implements Queue.
func (q *PostgresQueue) Get(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := scanJob(q.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM ingestion_jobs WHERE id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("job %s", jobID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "queue: get")
	}
	return job, nil
}

// List implements Queue.
func (q *PostgresQueue) List(ctx context.Context, f ListFilter) ([]model.Job, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, "status = $1")
	}
	if f.Kind != "" {
		args = append(args, f.Kind)
		where = append(where, "kind = $"+strconv.Itoa(len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	sql := `SELECT ` + jobColumns + ` FROM ingestion_jobs`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := q.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "queue: list")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "queue: list: scan")
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "queue: list: iterate")
}

// ReapStale implements Queue. Expired locks count as a failed attempt: the
// job is re-queued with the same backoff as a handler failure, or failed
// when its attempts are spent.
func (q *PostgresQueue) ReapStale(ctx context.Context, lockTTL time.Duration) (*ReapResult, error) {
	rows, err := q.pool.Query(ctx, `
		UPDATE ingestion_jobs
		SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'queued' END,
			run_after = CASE WHEN attempts >= max_attempts THEN run_after
				ELSE now() + LEAST(60, POWER(2, GREATEST(attempts - 1, 0))) * interval '1 minute' END,
			last_error = 'reaped: lock expired (held by ' || COALESCE(locked_by, 'unknown') || ')',
			locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE status = 'running' AND locked_at < $1
		RETURNING status`,
		q.now().Add(-lockTTL),
	)
	if err != nil {
		return nil, eris.Wrap(err, "queue: reap")
	}
	defer rows.Close()

	res := &ReapResult{}
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return nil, eris.Wrap(err, "queue: reap: scan")
		}
		if status == string(model.JobFailed) {
			res.Failed++
		} else {
			res.Requeued++
		}
	}
	return res, eris.Wrap(rows.Err(), "queue: reap: iterate")
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		j      model.Job
		status string
	)
	err := row.Scan(
		&j.ID, &j.Kind, &j.Payload, &j.SourceID, &j.IdempotencyKey, &j.Priority, &status,
		&j.RunAfter, &j.Attempts, &j.MaxAttempts, &j.LockedAt, &j.LockedBy, &j.LastError,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	return &j, nil
}
