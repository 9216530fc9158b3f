package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/catalog-ingest/internal/apperr"
	"github.com/sells-group/catalog-ingest/internal/model"
)

// claimCandidates bounds how many due rows one CAS round tries.
const claimCandidates = 8

// SQLiteQueue is the embedded backend. SQLite has no SKIP LOCKED, so a claim
// is a compare-and-swap: UPDATE ... WHERE id = ? AND status = 'queued' wins
// only when exactly one row changes.
type SQLiteQueue struct {
	db  *sql.DB
	now func() time.Time
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ingestion_jobs (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	payload         TEXT NOT NULL DEFAULT '{}',
	source_id       TEXT,
	idempotency_key TEXT UNIQUE,
	priority        INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'queued',
	run_after       INTEGER NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	max_attempts    INTEGER NOT NULL DEFAULT 5,
	locked_at       INTEGER,
	locked_by       TEXT,
	last_error      TEXT,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON ingestion_jobs(status, priority, run_after);
`

// NewSQLite opens (and creates if needed) a SQLite-backed queue at path.
func NewSQLite(ctx context.Context, path string) (*SQLiteQueue, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "queue: sqlite: open")
	}
	// One writer at a time; concurrent claimants queue on the connection
	// instead of failing with SQLITE_BUSY.
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			conn.Close()
			return nil, eris.Wrapf(err, "queue: sqlite: exec %s", pragma)
		}
	}
	if _, err := conn.ExecContext(ctx, sqliteSchema); err != nil {
		conn.Close()
		return nil, eris.Wrap(err, "queue: sqlite: migrate")
	}

	return &SQLiteQueue{db: conn, now: time.Now}, nil
}

// Close releases the database handle.
func (q *SQLiteQueue) Close() {
	_ = q.db.Close()
}

// Enqueue implements Queue.
func (q *SQLiteQueue) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	if err := normalizeRequest(&req); err != nil {
		return nil, err
	}

	now := q.now()
	runAfter := req.RunAfter
	if runAfter.IsZero() {
		runAfter = now
	}

	id := uuid.NewString()
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO ingestion_jobs (id, kind, payload, source_id, idempotency_key, priority, status,
			run_after, attempts, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'queued', ?, 0, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		id, string(req.Kind), string(req.Payload), nullString(req.SourceID), nullString(req.IdempotencyKey),
		req.Priority, runAfter.UnixMilli(), req.MaxAttempts, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "queue: sqlite: enqueue")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "queue: sqlite: enqueue rows affected")
	}
	if n == 1 {
		return &EnqueueResult{JobID: id}, nil
	}

	var existing string
	if err := q.db.QueryRowContext(ctx,
		`SELECT id FROM ingestion_jobs WHERE idempotency_key = ?`, req.IdempotencyKey,
	).Scan(&existing); err != nil {
		return nil, eris.Wrap(err, "queue: sqlite: load deduped job")
	}
	return &EnqueueResult{JobID: existing, Deduped: true}, nil
}

// ClaimNext implements Queue.
func (q *SQLiteQueue) ClaimNext(ctx context.Context, workerID string) (*model.Job, error) {
	for {
		ids, err := q.dueIDs(ctx, claimCandidates)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, nil
		}

		for _, id := range ids {
			now := q.now().UnixMilli()
			res, err := q.db.ExecContext(ctx, `
				UPDATE ingestion_jobs
				SET status = 'running', locked_at = ?, locked_by = ?, attempts = attempts + 1, updated_at = ?
				WHERE id = ? AND status = 'queued'`,
				now, workerID, now, id,
			)
			if err != nil {
				return nil, eris.Wrap(err, "queue: sqlite: claim")
			}
			n, err := res.RowsAffected()
			if err != nil {
				return nil, eris.Wrap(err, "queue: sqlite: claim rows affected")
			}
			if n == 1 {
				return q.Get(ctx, id)
			}
			// Lost the race for this row; try the next candidate.
		}
	}
}

func (q *SQLiteQueue) dueIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id FROM ingestion_jobs
		WHERE status = 'queued' AND run_after <= ?
		ORDER BY priority DESC, run_after ASC, created_at ASC, rowid ASC
		LIMIT ?`,
		q.now().UnixMilli(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "queue: sqlite: select due")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "queue: sqlite: scan due")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "queue: sqlite: iterate due")
}

// MarkSuccess implements Queue.
func (q *SQLiteQueue) MarkSuccess(ctx context.Context, jobID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE ingestion_jobs
		SET status = 'success', locked_at = NULL, locked_by = NULL, updated_at = ?
		WHERE id = ?`,
		q.now().UnixMilli(), jobID,
	)
	if err != nil {
		return eris.Wrap(err, "queue: sqlite: mark success")
	}
	return requireOne(res, jobID)
}

// MarkFailure implements Queue.
func (q *SQLiteQueue) MarkFailure(ctx context.Context, jobID, errMsg string, attempts, maxAttempts int) error {
	now := q.now()
	var (
		res sql.Result
		err error
	)
	if IsExhausted(attempts, maxAttempts) {
		res, err = q.db.ExecContext(ctx, `
			UPDATE ingestion_jobs
			SET status = 'failed', last_error = ?, locked_at = NULL, locked_by = NULL, updated_at = ?
			WHERE id = ?`,
			errMsg, now.UnixMilli(), jobID,
		)
	} else {
		res, err = q.db.ExecContext(ctx, `
			UPDATE ingestion_jobs
			SET status = 'queued', last_error = ?, run_after = ?, locked_at = NULL, locked_by = NULL, updated_at = ?
			WHERE id = ?`,
			errMsg, now.Add(Backoff(attempts)).UnixMilli(), now.UnixMilli(), jobID,
		)
	}
	if err != nil {
		return eris.Wrap(err, "queue: sqlite: mark failure")
	}
	return requireOne(res, jobID)
}

// Peek implements Queue.
func (q *SQLiteQueue) Peek(ctx context.Context) (*model.Job, error) {
	ids, err := q.dueIDs(ctx, 1)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	return q.Get(ctx, ids[0])
}

const sqliteJobColumns = `id, kind, payload, source_id, idempotency_key, priority, status,
	run_after, attempts, max_attempts, locked_at, locked_by, last_error, created_at, updated_at`

// Get implements Queue.
func (q *SQLiteQueue) Get(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := scanSQLiteJob(q.db.QueryRowContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM ingestion_jobs WHERE id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("job %s", jobID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "queue: sqlite: get")
	}
	return job, nil
}

// List implements Queue.
func (q *SQLiteQueue) List(ctx context.Context, f ListFilter) ([]model.Job, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + sqliteJobColumns + ` FROM ingestion_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "queue: sqlite: list")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "queue: sqlite: list scan")
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "queue: sqlite: list iterate")
}

// ReapStale implements Queue.
func (q *SQLiteQueue) ReapStale(ctx context.Context, lockTTL time.Duration) (*ReapResult, error) {
	now := q.now()
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, attempts, max_attempts, COALESCE(locked_by, 'unknown')
		FROM ingestion_jobs
		WHERE status = 'running' AND locked_at < ?`,
		now.Add(-lockTTL).UnixMilli(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "queue: sqlite: reap select")
	}
	type stale struct {
		id                    string
		attempts, maxAttempts int
		lockedBy              string
	}
	var found []stale
	for rows.Next() {
		var s stale
		if err := rows.Scan(&s.id, &s.attempts, &s.maxAttempts, &s.lockedBy); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "queue: sqlite: reap scan")
		}
		found = append(found, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "queue: sqlite: reap iterate")
	}

	res := &ReapResult{}
	for _, s := range found {
		msg := "reaped: lock expired (held by " + s.lockedBy + ")"
		// Guard on status so a job that finished meanwhile is left alone.
		var r sql.Result
		if IsExhausted(s.attempts, s.maxAttempts) {
			r, err = q.db.ExecContext(ctx, `
				UPDATE ingestion_jobs SET status = 'failed', last_error = ?, locked_at = NULL, locked_by = NULL, updated_at = ?
				WHERE id = ? AND status = 'running'`,
				msg, now.UnixMilli(), s.id)
		} else {
			r, err = q.db.ExecContext(ctx, `
				UPDATE ingestion_jobs SET status = 'queued', last_error = ?, run_after = ?, locked_at = NULL, locked_by = NULL, updated_at = ?
				WHERE id = ? AND status = 'running'`,
				msg, now.Add(Backoff(s.attempts)).UnixMilli(), now.UnixMilli(), s.id)
		}
		if err != nil {
			return nil, eris.Wrapf(err, "queue: sqlite: reap %s", s.id)
		}
		if n, _ := r.RowsAffected(); n == 1 {
			if IsExhausted(s.attempts, s.maxAttempts) {
				res.Failed++
			} else {
				res.Requeued++
			}
		}
	}
	return res, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*model.Job, error) {
	var (
		j                             model.Job
		payload, status               string
		sourceID, key, lockedBy, last sql.NullString
		runAfter, createdAt, updated  int64
		lockedAt                      sql.NullInt64
	)
	err := row.Scan(&j.ID, &j.Kind, &payload, &sourceID, &key, &j.Priority, &status,
		&runAfter, &j.Attempts, &j.MaxAttempts, &lockedAt, &lockedBy, &last, &createdAt, &updated)
	if err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	j.Status = model.JobStatus(status)
	j.SourceID = fromNull(sourceID)
	j.IdempotencyKey = fromNull(key)
	j.LockedBy = fromNull(lockedBy)
	j.LastError = fromNull(last)
	j.RunAfter = time.UnixMilli(runAfter)
	j.CreatedAt = time.UnixMilli(createdAt)
	j.UpdatedAt = time.UnixMilli(updated)
	if lockedAt.Valid {
		t := time.UnixMilli(lockedAt.Int64)
		j.LockedAt = &t
	}
	return &j, nil
}

func requireOne(res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "queue: sqlite: rows affected")
	}
	if n == 0 {
		return apperr.NotFound("job %s", jobID)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func fromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
