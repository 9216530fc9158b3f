package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-ingest/internal/apperr"
	"github.com/sells-group/catalog-ingest/internal/model"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestPostgresStore_UpsertEntity(t *testing.T) {
	mock := newMock(t)
	s := NewPostgresStore(mock)
	seen := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`(?s)INSERT INTO ingestion_entities .*ON CONFLICT \(source_id, entity_type, source_entity_id\) DO UPDATE`).
		WithArgs("src-1", "product", "T1", (*string)(nil), seen).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("ent-1"))

	id, err := s.UpsertEntity(context.Background(), EntityKey{SourceID: "src-1", EntityType: model.EntityProduct, SourceEntityID: "T1"}, "", seen)
	require.NoError(t, err)
	assert.Equal(t, "ent-1", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// snapshotArgs matches the seven insert parameters, pinning entity id and hash.
func snapshotArgs() []any {
	return []any{"ent-1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "abc", pgxmock.AnyArg()}
}

func TestPostgresStore_InsertSnapshot(t *testing.T) {
	snap := &model.Snapshot{
		EntityID:    "ent-1",
		FetchedAt:   time.Now(),
		RawPayload:  []byte(`{"sku":"T1"}`),
		ContentHash: "abc",
		ExtractedFields: map[string]model.FieldValue{
			"sku": {Value: "T1", Trust: 0.5, Provenance: model.Provenance{Source: "acme", FieldPath: "sku"}},
		},
		TrustMap: map[string]float64{"sku": 0.5},
	}

	t.Run("created", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`(?s)INSERT INTO ingestion_entity_snapshots .*ON CONFLICT \(entity_id, content_hash\) DO NOTHING`).
			WithArgs(snapshotArgs()...).
			WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("snap-1"))

		id, created, err := NewPostgresStore(mock).InsertSnapshot(context.Background(), snap)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "snap-1", id)
	})

	t.Run("duplicate", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`INSERT INTO ingestion_entity_snapshots`).
			WithArgs(snapshotArgs()...).
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery(`SELECT id FROM ingestion_entity_snapshots WHERE entity_id = \$1 AND content_hash = \$2`).
			WithArgs("ent-1", "abc").
			WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("snap-0"))

		id, created, err := NewPostgresStore(mock).InsertSnapshot(context.Background(), snap)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "snap-0", id)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_LatestSnapshots(t *testing.T) {
	mock := newMock(t)
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	url := "https://acme.test/t1"

	mock.ExpectQuery(`(?s)SELECT DISTINCT ON \(e.id\).*ORDER BY e.id, s.fetched_at DESC, s.created_at DESC`).
		WithArgs("src-1", "product").
		WillReturnRows(pgxmock.NewRows([]string{
			"entity_id", "source_id", "entity_type", "source_entity_id", "url", "active", "first_seen_at", "last_seen_at",
			"snapshot_id", "run_id", "fetched_at", "raw_payload", "content_hash", "created_at",
		}).AddRow("ent-1", "src-1", "product", "T1", &url, true, now, now,
			"snap-2", (*string)(nil), now, []byte(`{"sku":"T1"}`), "h2", now))

	out, err := NewPostgresStore(mock).LatestSnapshots(context.Background(), "src-1", model.EntityProduct)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, model.EntityProduct, out[0].Entity.EntityType)
	assert.Equal(t, "snap-2", out[0].Snapshot.ID)
	assert.Equal(t, "ent-1", out[0].Snapshot.EntityID)
	assert.JSONEq(t, `{"sku":"T1"}`, string(out[0].Snapshot.RawPayload))
}

func TestPostgresStore_LatestSnapshot_NotFound(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`FROM ingestion_entity_snapshots`).
		WithArgs("ent-x").
		WillReturnError(pgx.ErrNoRows)

	_, err := NewPostgresStore(mock).LatestSnapshot(context.Background(), "ent-x")
	assert.True(t, apperr.IsNotFound(err))
}

func TestRunLog(t *testing.T) {
	mock := newMock(t)
	log := NewRunLog(mock)
	ctx := context.Background()

	mock.ExpectQuery(`INSERT INTO ingestion_runs`).
		WithArgs((*string)(nil), pgxmock.AnyArg(), "offers.head_refresh.one").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("run-1"))
	mock.ExpectExec(`UPDATE ingestion_runs\s+SET status = \$2`).
		WithArgs("run-1", "success", []byte(`{"checked":3}`), (*string)(nil)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE ingestion_runs`).
		WithArgs("run-1", "failed", []byte(`{}`), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	id, err := log.Start(ctx, RunStart{JobID: "job-1", Kind: "offers.head_refresh.one"})
	require.NoError(t, err)
	assert.Equal(t, "run-1", id)
	require.NoError(t, log.Complete(ctx, id, model.RunStats{"checked": 3}))
	require.NoError(t, log.Fail(ctx, id, "boom", nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}
