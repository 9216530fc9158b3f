package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-ingest/internal/apperr"
	"github.com/sells-group/catalog-ingest/internal/db"
	"github.com/sells-group/catalog-ingest/internal/model"
)

// EntityKey identifies an ingestion entity.
type EntityKey struct {
	SourceID       string
	EntityType     model.EntityType
	SourceEntityID string
}

// Store persists entities and snapshots.
type Store interface {
	// UpsertEntity creates the entity on first sight, otherwise refreshes
	// last_seen_at, url (when given) and active. Returns the entity id.
	UpsertEntity(ctx context.Context, key EntityKey, url string, seenAt time.Time) (string, error)
	// InsertSnapshot appends snap unless (entity_id, content_hash) exists.
	// created is false for a duplicate, and id is the existing snapshot's.
	InsertSnapshot(ctx context.Context, snap *model.Snapshot) (id string, created bool, err error)
	// LatestSnapshots returns every entity of a type under a source with its
	// single most recent snapshot, in first-seen order.
	LatestSnapshots(ctx context.Context, sourceID string, entityType model.EntityType) ([]model.EntitySnapshot, error)
	// LatestSnapshot returns one entity's most recent snapshot.
	LatestSnapshot(ctx context.Context, entityID string) (*model.Snapshot, error)
	// FindEntity looks an entity up by its natural key.
	FindEntity(ctx context.Context, key EntityKey) (*model.IngestionEntity, error)
}

// PostgresStore implements Store.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// UpsertEntity implements Store.
func (s *PostgresStore) UpsertEntity(ctx context.Context, key EntityKey, url string, seenAt time.Time) (string, error) {
	var urlArg *string
	if url != "" {
		urlArg = &url
	}

	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO ingestion_entities (source_id, entity_type, source_entity_id, url, active, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, true, $5, $5)
		ON CONFLICT (source_id, entity_type, source_entity_id) DO UPDATE SET
			last_seen_at = GREATEST(ingestion_entities.last_seen_at, EXCLUDED.last_seen_at),
			url = COALESCE(EXCLUDED.url, ingestion_entities.url),
			active = true
		RETURNING id`,
		key.SourceID, string(key.EntityType), key.SourceEntityID, urlArg, seenAt,
	).Scan(&id)
	if err != nil {
		return "", eris.Wrapf(err, "ingest: upsert entity %s/%s", key.EntityType, key.SourceEntityID)
	}
	return id, nil
}

// InsertSnapshot implements Store.
func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap *model.Snapshot) (string, bool, error) {
	fields, err := json.Marshal(snap.ExtractedFields)
	if err != nil {
		return "", false, eris.Wrap(err, "ingest: marshal extracted fields")
	}
	trust, err := json.Marshal(snap.TrustMap)
	if err != nil {
		return "", false, eris.Wrap(err, "ingest: marshal trust map")
	}

	var id string
	err = s.pool.QueryRow(ctx, `
		INSERT INTO ingestion_entity_snapshots (entity_id, run_id, fetched_at, raw_payload, extracted_fields, content_hash, trust_map)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (entity_id, content_hash) DO NOTHING
		RETURNING id`,
		snap.EntityID, snap.RunID, snap.FetchedAt, []byte(snap.RawPayload), fields, snap.ContentHash, trust,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, eris.Wrap(err, "ingest: insert snapshot")
	}

	err = s.pool.QueryRow(ctx,
		`SELECT id FROM ingestion_entity_snapshots WHERE entity_id = $1 AND content_hash = $2`,
		snap.EntityID, snap.ContentHash,
	).Scan(&id)
	if err != nil {
		return "", false, eris.Wrap(err, "ingest: load existing snapshot")
	}
	return id, false, nil
}

// LatestSnapshots implements Store.
func (s *PostgresStore) LatestSnapshots(ctx context.Context, sourceID string, entityType model.EntityType) ([]model.EntitySnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT * FROM (
			SELECT DISTINCT ON (e.id)
				e.id AS entity_id, e.source_id, e.entity_type, e.source_entity_id, e.url, e.active,
				e.first_seen_at, e.last_seen_at,
				s.id AS snapshot_id, s.run_id, s.fetched_at, s.raw_payload, s.content_hash, s.created_at
			FROM ingestion_entities e
			JOIN ingestion_entity_snapshots s ON s.entity_id = e.id
			WHERE e.source_id = $1 AND e.entity_type = $2
			ORDER BY e.id, s.fetched_at DESC, s.created_at DESC
		) latest
		ORDER BY first_seen_at, source_entity_id`,
		sourceID, string(entityType),
	)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: latest snapshots")
	}
	defer rows.Close()

	var out []model.EntitySnapshot
	for rows.Next() {
		var (
			es  model.EntitySnapshot
			typ string
			raw []byte
		)
		if err := rows.Scan(
			&es.Entity.ID, &es.Entity.SourceID, &typ, &es.Entity.SourceEntityID, &es.Entity.URL,
			&es.Entity.Active, &es.Entity.FirstSeenAt, &es.Entity.LastSeenAt,
			&es.Snapshot.ID, &es.Snapshot.RunID, &es.Snapshot.FetchedAt, &raw,
			&es.Snapshot.ContentHash, &es.Snapshot.CreatedAt,
		); err != nil {
			return nil, eris.Wrap(err, "ingest: latest snapshots: scan")
		}
		es.Entity.EntityType = model.EntityType(typ)
		es.Snapshot.EntityID = es.Entity.ID
		es.Snapshot.RawPayload = raw
		out = append(out, es)
	}
	return out, eris.Wrap(rows.Err(), "ingest: latest snapshots: iterate")
}

// LatestSnapshot implements Store.
func (s *PostgresStore) LatestSnapshot(ctx context.Context, entityID string) (*model.Snapshot, error) {
	var (
		snap model.Snapshot
		raw  []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, entity_id, run_id, fetched_at, raw_payload, content_hash, created_at
		FROM ingestion_entity_snapshots
		WHERE entity_id = $1
		ORDER BY fetched_at DESC, created_at DESC
		LIMIT 1`,
		entityID,
	).Scan(&snap.ID, &snap.EntityID, &snap.RunID, &snap.FetchedAt, &raw, &snap.ContentHash, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("no snapshot for entity %s", entityID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "ingest: latest snapshot")
	}
	snap.RawPayload = raw
	return &snap, nil
}

// FindEntity implements Store.
func (s *PostgresStore) FindEntity(ctx context.Context, key EntityKey) (*model.IngestionEntity, error) {
	var (
		e   model.IngestionEntity
		typ string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, source_id, entity_type, source_entity_id, url, active, first_seen_at, last_seen_at
		FROM ingestion_entities
		WHERE source_id = $1 AND entity_type = $2 AND source_entity_id = $3`,
		key.SourceID, string(key.EntityType), key.SourceEntityID,
	).Scan(&e.ID, &e.SourceID, &typ, &e.SourceEntityID, &e.URL, &e.Active, &e.FirstSeenAt, &e.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("entity %s/%s", key.EntityType, key.SourceEntityID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "ingest: find entity")
	}
	e.EntityType = model.EntityType(typ)
	return &e, nil
}
