package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-ingest/internal/db"
	"github.com/sells-group/catalog-ingest/internal/model"
)

// RunStart describes a run being opened.
type RunStart struct {
	SourceID string // optional
	JobID    string // optional
	Kind     string
}

// RunLog brackets units of work in ingestion_runs rows.
type RunLog interface {
	Start(ctx context.Context, rs RunStart) (string, error)
	Complete(ctx context.Context, runID string, stats model.RunStats) error
	Fail(ctx context.Context, runID, errMsg string, stats model.RunStats) error
}

// PostgresRunLog implements RunLog on the ingestion_runs table.
type PostgresRunLog struct {
	pool db.Pool
}

// NewRunLog creates a PostgresRunLog.
func NewRunLog(pool db.Pool) *PostgresRunLog {
	return &PostgresRunLog{pool: pool}
}

// Start records a running run and returns its id.
func (l *PostgresRunLog) Start(ctx context.Context, rs RunStart) (string, error) {
	var id string
	err := l.pool.QueryRow(ctx, `
		INSERT INTO ingestion_runs (source_id, job_id, kind, status, started_at)
		VALUES ($1, $2, $3, 'running', now())
		RETURNING id`,
		nullable(rs.SourceID), nullable(rs.JobID), rs.Kind,
	).Scan(&id)
	if err != nil {
		return "", eris.Wrapf(err, "runlog: start %s", rs.Kind)
	}
	return id, nil
}

// Complete marks a run successful.
func (l *PostgresRunLog) Complete(ctx context.Context, runID string, stats model.RunStats) error {
	return l.finish(ctx, runID, model.RunStatusSuccess, "", stats)
}

// Fail marks a run failed.
func (l *PostgresRunLog) Fail(ctx context.Context, runID, errMsg string, stats model.RunStats) error {
	return l.finish(ctx, runID, model.RunStatusFailed, errMsg, stats)
}

func (l *PostgresRunLog) finish(ctx context.Context, runID string, status model.RunStatus, errMsg string, stats model.RunStats) error {
	if stats == nil {
		stats = model.RunStats{}
	}
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "runlog: marshal stats")
	}

	_, err = l.pool.Exec(ctx, `
		UPDATE ingestion_runs
		SET status = $2, finished_at = now(), stats = $3, error = $4
		WHERE id = $1`,
		runID, string(status), statsJSON, nullable(errMsg),
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: %s run %s", status, runID)
	}
	return nil
}

// List returns the most recent runs, newest first.
func (l *PostgresRunLog) List(ctx context.Context, limit int) ([]model.IngestionRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.pool.Query(ctx, `
		SELECT id, source_id, job_id, kind, status, started_at, finished_at, stats, error
		FROM ingestion_runs
		ORDER BY started_at DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: list")
	}
	defer rows.Close()

	var runs []model.IngestionRun
	for rows.Next() {
		var (
			r         model.IngestionRun
			status    string
			finished  *time.Time
			statsJSON []byte
			errStr    *string
		)
		if err := rows.Scan(&r.ID, &r.SourceID, &r.JobID, &r.Kind, &status, &r.StartedAt, &finished, &statsJSON, &errStr); err != nil {
			return nil, eris.Wrap(err, "runlog: scan")
		}
		r.Status = model.RunStatus(status)
		r.FinishedAt = finished
		if errStr != nil {
			r.Error = *errStr
		}
		if len(statsJSON) > 0 {
			_ = json.Unmarshal(statsJSON, &r.Stats)
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "runlog: iterate")
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
