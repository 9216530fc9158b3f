// Package ingesttest provides an in-memory ingest.Store for tests.
package ingesttest

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sells-group/catalog-ingest/internal/apperr"
	"github.com/sells-group/catalog-ingest/internal/ingest"
	"github.com/sells-group/catalog-ingest/internal/model"
)

// MemStore is a goroutine-safe in-memory ingest.Store.
type MemStore struct {
	mu        sync.Mutex
	seq       int
	entities  map[string]*model.IngestionEntity // by id
	byKey     map[ingest.EntityKey]string
	snapshots []model.Snapshot
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		entities: make(map[string]*model.IngestionEntity),
		byKey:    make(map[ingest.EntityKey]string),
	}
}

func (m *MemStore) nextID(prefix string) string {
	m.seq++
	return prefix + "-" + strconv.Itoa(m.seq)
}

// UpsertEntity implements ingest.Store.
func (m *MemStore) UpsertEntity(_ context.Context, key ingest.EntityKey, url string, seenAt time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byKey[key]; ok {
		e := m.entities[id]
		if seenAt.After(e.LastSeenAt) {
			e.LastSeenAt = seenAt
		}
		if url != "" {
			u := url
			e.URL = &u
		}
		e.Active = true
		return id, nil
	}

	id := m.nextID("ent")
	e := &model.IngestionEntity{
		ID:             id,
		SourceID:       key.SourceID,
		EntityType:     key.EntityType,
		SourceEntityID: key.SourceEntityID,
		Active:         true,
		FirstSeenAt:    seenAt,
		LastSeenAt:     seenAt,
	}
	if url != "" {
		u := url
		e.URL = &u
	}
	m.entities[id] = e
	m.byKey[key] = id
	return id, nil
}

// InsertSnapshot implements ingest.Store.
func (m *MemStore) InsertSnapshot(_ context.Context, snap *model.Snapshot) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.snapshots {
		if s.EntityID == snap.EntityID && s.ContentHash == snap.ContentHash {
			return s.ID, false, nil
		}
	}
	cp := *snap
	cp.ID = m.nextID("snap")
	cp.CreatedAt = time.Unix(int64(m.seq), 0)
	m.snapshots = append(m.snapshots, cp)
	return cp.ID, true, nil
}

// LatestSnapshots implements ingest.Store.
func (m *MemStore) LatestSnapshots(_ context.Context, sourceID string, entityType model.EntityType) ([]model.EntitySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.EntitySnapshot
	for _, e := range m.entities {
		if e.SourceID != sourceID || e.EntityType != entityType {
			continue
		}
		if latest, ok := m.latestLocked(e.ID); ok {
			out = append(out, model.EntitySnapshot{Entity: *e, Snapshot: latest})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Entity, out[j].Entity
		if !a.FirstSeenAt.Equal(b.FirstSeenAt) {
			return a.FirstSeenAt.Before(b.FirstSeenAt)
		}
		return a.SourceEntityID < b.SourceEntityID
	})
	return out, nil
}

// LatestSnapshot implements ingest.Store.
func (m *MemStore) LatestSnapshot(_ context.Context, entityID string) (*model.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.latestLocked(entityID)
	if !ok {
		return nil, apperr.NotFound("no snapshot for entity %s", entityID)
	}
	return &s, nil
}

// FindEntity implements ingest.Store.
func (m *MemStore) FindEntity(_ context.Context, key ingest.EntityKey) (*model.IngestionEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil, apperr.NotFound("entity %s/%s", key.EntityType, key.SourceEntityID)
	}
	e := *m.entities[id]
	return &e, nil
}

func (m *MemStore) latestLocked(entityID string) (model.Snapshot, bool) {
	var (
		best  model.Snapshot
		found bool
	)
	for _, s := range m.snapshots {
		if s.EntityID != entityID {
			continue
		}
		if !found || s.FetchedAt.After(best.FetchedAt) ||
			(s.FetchedAt.Equal(best.FetchedAt) && s.CreatedAt.After(best.CreatedAt)) {
			best, found = s, true
		}
	}
	return best, found
}

// SnapshotCount returns the number of stored snapshots.
func (m *MemStore) SnapshotCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshots)
}

// Entity returns a copy of an entity by id.
func (m *MemStore) Entity(id string) (model.IngestionEntity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return model.IngestionEntity{}, false
	}
	return *e, true
}

// Sources is a static ingest.SourceGetter.
type Sources map[string]*model.IngestionSource

// Get implements ingest.SourceGetter.
func (s Sources) Get(_ context.Context, id string) (*model.IngestionSource, error) {
	src, ok := s[id]
	if !ok {
		return nil, apperr.NotFound("source %s", id)
	}
	return src, nil
}
