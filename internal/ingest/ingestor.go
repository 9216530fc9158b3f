package ingest

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-ingest/internal/apperr"
	"github.com/sells-group/catalog-ingest/internal/metrics"
	"github.com/sells-group/catalog-ingest/internal/model"
)

// SourceGetter resolves the source a record came from.
type SourceGetter interface {
	Get(ctx context.Context, id string) (*model.IngestionSource, error)
}

// Input is one raw record to ingest.
type Input struct {
	SourceID       string
	RunID          string // optional
	EntityType     model.EntityType
	SourceEntityID string
	Payload        json.RawMessage
	URL            string    // optional
	FetchedAt      time.Time // zero means now
}

// Result reports what Ingest wrote.
type Result struct {
	EntityID        string `json:"entity_id"`
	SnapshotID      string `json:"snapshot_id"`
	ContentHash     string `json:"content_hash"`
	SnapshotCreated bool   `json:"snapshot_created"`
}

// Ingestor writes snapshots.
type Ingestor struct {
	store   Store
	sources SourceGetter
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]*model.IngestionSource
}

// NewIngestor creates an Ingestor. m may be nil.
func NewIngestor(store Store, sources SourceGetter, m *metrics.Metrics) *Ingestor {
	return &Ingestor{
		store:   store,
		sources: sources,
		metrics: m,
		now:     time.Now,
		cache:   make(map[string]*model.IngestionSource),
	}
}

// Ingest upserts the entity and appends a snapshot unless one with the same
// content hash already exists for it.
func (i *Ingestor) Ingest(ctx context.Context, in Input) (*Result, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	src, err := i.source(ctx, in.SourceID)
	if err != nil {
		return nil, err
	}

	canonical, obj, err := Canonicalize(in.Payload)
	if err != nil {
		return nil, err
	}
	hash := ContentHash(canonical)
	fields := Flatten(obj, src.Slug, src.DefaultTrust)

	fetchedAt := in.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = i.now()
	}

	entityID, err := i.store.UpsertEntity(ctx, EntityKey{
		SourceID:       in.SourceID,
		EntityType:     in.EntityType,
		SourceEntityID: in.SourceEntityID,
	}, in.URL, fetchedAt)
	if err != nil {
		return nil, err
	}

	snap := &model.Snapshot{
		EntityID:        entityID,
		FetchedAt:       fetchedAt,
		RawPayload:      canonical,
		ExtractedFields: fields,
		ContentHash:     hash,
		TrustMap:        TrustMap(fields),
	}
	if in.RunID != "" {
		snap.RunID = &in.RunID
	}

	snapID, created, err := i.store.InsertSnapshot(ctx, snap)
	if err != nil {
		return nil, err
	}
	i.metrics.Snapshot(string(in.EntityType), created)

	zap.L().Debug("ingest: snapshot",
		zap.String("source", src.Slug),
		zap.String("entity_type", string(in.EntityType)),
		zap.String("entity_id", entityID),
		zap.String("content_hash", hash),
		zap.Bool("created", created),
	)

	return &Result{
		EntityID:        entityID,
		SnapshotID:      snapID,
		ContentHash:     hash,
		SnapshotCreated: created,
	}, nil
}

func validateInput(in Input) error {
	if strings.TrimSpace(in.SourceID) == "" {
		return apperr.Validation("sourceId is required")
	}
	if !in.EntityType.Valid() {
		return apperr.Validation("unknown entity type %q", in.EntityType)
	}
	if strings.TrimSpace(in.SourceEntityID) == "" {
		return apperr.Validation("sourceEntityId is required")
	}
	return nil
}

func (i *Ingestor) source(ctx context.Context, id string) (*model.IngestionSource, error) {
	i.mu.Lock()
	src, ok := i.cache[id]
	i.mu.Unlock()
	if ok {
		return src, nil
	}

	src, err := i.sources.Get(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: load source %s", id)
	}

	i.mu.Lock()
	i.cache[id] = src
	i.mu.Unlock()
	return src, nil
}
