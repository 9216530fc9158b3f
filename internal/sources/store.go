package sources

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-ingest/internal/apperr"
	"github.com/sells-group/catalog-ingest/internal/db"
	"github.com/sells-group/catalog-ingest/internal/model"
)

// Store reads and writes ingestion sources.
type Store interface {
	Upsert(ctx context.Context, src *model.IngestionSource) (*model.IngestionSource, error)
	Get(ctx context.Context, id string) (*model.IngestionSource, error)
	GetBySlug(ctx context.Context, slug string) (*model.IngestionSource, error)
	List(ctx context.Context) ([]model.IngestionSource, error)
	// ListScheduled returns active sources with a schedule interval.
	ListScheduled(ctx context.Context) ([]model.IngestionSource, error)
}

const sourceColumns = `id, slug, kind, schedule_interval_minutes, config, active, default_trust, created_at, updated_at`

// PostgresStore implements Store.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Upsert inserts or updates a source by slug.
func (s *PostgresStore) Upsert(ctx context.Context, src *model.IngestionSource) (*model.IngestionSource, error) {
	out, err := scanSource(s.pool.QueryRow(ctx, `
		INSERT INTO ingestion_sources (slug, kind, schedule_interval_minutes, config, active, default_trust)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (slug) DO UPDATE SET
			kind = EXCLUDED.kind,
			schedule_interval_minutes = EXCLUDED.schedule_interval_minutes,
			config = EXCLUDED.config,
			active = EXCLUDED.active,
			default_trust = EXCLUDED.default_trust,
			updated_at = now()
		RETURNING `+sourceColumns,
		src.Slug, string(src.Kind), src.ScheduleIntervalMinutes, src.Config, src.Active, src.DefaultTrust,
	))
	if err != nil {
		return nil, eris.Wrapf(err, "sources: upsert %s", src.Slug)
	}
	return out, nil
}

// Get returns a source by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*model.IngestionSource, error) {
	src, err := scanSource(s.pool.QueryRow(ctx,
		`SELECT `+sourceColumns+` FROM ingestion_sources WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("source %s", id)
	}
	return src, eris.Wrap(err, "sources: get")
}

// GetBySlug returns a source by slug.
func (s *PostgresStore) GetBySlug(ctx context.Context, slug string) (*model.IngestionSource, error) {
	src, err := scanSource(s.pool.QueryRow(ctx,
		`SELECT `+sourceColumns+` FROM ingestion_sources WHERE slug = $1`, slug))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("source %q", slug)
	}
	return src, eris.Wrap(err, "sources: get by slug")
}

// List returns every source ordered by slug.
func (s *PostgresStore) List(ctx context.Context) ([]model.IngestionSource, error) {
	return s.list(ctx, `SELECT `+sourceColumns+` FROM ingestion_sources ORDER BY slug`)
}

// ListScheduled implements Store.
func (s *PostgresStore) ListScheduled(ctx context.Context) ([]model.IngestionSource, error) {
	return s.list(ctx, `SELECT `+sourceColumns+` FROM ingestion_sources
		WHERE active AND schedule_interval_minutes IS NOT NULL
		ORDER BY slug`)
}

func (s *PostgresStore) list(ctx context.Context, sql string) ([]model.IngestionSource, error) {
	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, eris.Wrap(err, "sources: list")
	}
	defer rows.Close()

	var out []model.IngestionSource
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sources: list: scan")
		}
		out = append(out, *src)
	}
	return out, eris.Wrap(rows.Err(), "sources: list: iterate")
}

func scanSource(row pgx.Row) (*model.IngestionSource, error) {
	var (
		src  model.IngestionSource
		kind string
	)
	err := row.Scan(&src.ID, &src.Slug, &kind, &src.ScheduleIntervalMinutes, &src.Config,
		&src.Active, &src.DefaultTrust, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return nil, err
	}
	src.Kind = model.SourceKind(kind)
	return &src, nil
}

// Sync upserts every definition and returns the stored sources.
func Sync(ctx context.Context, store Store, defs []Definition) ([]model.IngestionSource, error) {
	out := make([]model.IngestionSource, 0, len(defs))
	for _, d := range defs {
		src, err := d.Source()
		if err != nil {
			return out, err
		}
		saved, err := store.Upsert(ctx, src)
		if err != nil {
			return out, err
		}
		out = append(out, *saved)
	}
	return out, nil
}
