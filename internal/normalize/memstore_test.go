package normalize

import (
	"context"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/sells-group/catalog-ingest/internal/apperr"
	"github.com/sells-group/catalog-ingest/internal/ingest"
	"github.com/sells-group/catalog-ingest/internal/ingest/ingesttest"
	"github.com/sells-group/catalog-ingest/internal/model"
)

// memCatalog is an in-memory Store. A failed InTx restores the prior state.
type memCatalog struct {
	mu        sync.Mutex
	seq       int
	rows      map[model.EntityType]map[string]*model.CanonicalRecord
	mappings  map[string]model.CanonicalMapping
	overrides []model.NormalizationOverride
	retailers map[string]string
	entities  *ingesttest.MemStore
}

func newMemCatalog(entities *ingesttest.MemStore) *memCatalog {
	return &memCatalog{
		rows:      map[model.EntityType]map[string]*model.CanonicalRecord{},
		mappings:  map[string]model.CanonicalMapping{},
		retailers: map[string]string{},
		entities:  entities,
	}
}

func (m *memCatalog) InTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := make(map[model.EntityType]map[string]*model.CanonicalRecord, len(m.rows))
	for t, byID := range m.rows {
		rows[t] = make(map[string]*model.CanonicalRecord, len(byID))
		for id, r := range byID {
			cp := *r
			cp.Fields = maps.Clone(r.Fields)
			rows[t][id] = &cp
		}
	}
	mappings := maps.Clone(m.mappings)
	retailers := maps.Clone(m.retailers)
	seq := m.seq

	if err := fn(m); err != nil {
		m.rows, m.mappings, m.retailers, m.seq = rows, mappings, retailers, seq
		return err
	}
	return nil
}

func (m *memCatalog) nextID(prefix string) string {
	m.seq++
	return prefix + "-" + strconv.Itoa(m.seq)
}

func (m *memCatalog) Mapping(_ context.Context, entityID string) (*model.CanonicalMapping, error) {
	mp, ok := m.mappings[entityID]
	if !ok {
		return nil, nil
	}
	return &mp, nil
}

func (m *memCatalog) Candidates(_ context.Context, t model.EntityType, _ model.Identifiers) ([]model.Candidate, error) {
	var out []model.Candidate
	for _, r := range m.rows[t] {
		payload := map[string]any{}
		for k, v := range r.Fields {
			if v != nil {
				payload[k] = v
			}
		}
		out = append(out, model.Candidate{ID: r.ID, CreatedAt: r.CreatedAt, Identifiers: ExtractIdentifiers(payload)})
	}
	return out, nil
}

func (m *memCatalog) Canonical(_ context.Context, t model.EntityType, id string) (*model.CanonicalRecord, error) {
	r, ok := m.rows[t][id]
	if !ok {
		return nil, apperr.NotFound("%s %s", t, id)
	}
	cp := *r
	cp.Fields = maps.Clone(r.Fields)
	return &cp, nil
}

func (m *memCatalog) Overrides(_ context.Context, t model.EntityType, id string) ([]model.NormalizationOverride, error) {
	var out []model.NormalizationOverride
	for _, o := range m.overrides {
		if o.CanonicalType == t && o.CanonicalID == id {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memCatalog) InsertCanonical(_ context.Context, t model.EntityType, fields map[string]any) (string, error) {
	if m.rows[t] == nil {
		m.rows[t] = map[string]*model.CanonicalRecord{}
	}
	id := m.nextID(string(t))
	at := time.Unix(int64(m.seq), 0)
	m.rows[t][id] = &model.CanonicalRecord{Type: t, ID: id, Fields: maps.Clone(fields), CreatedAt: at, UpdatedAt: at}
	return id, nil
}

func (m *memCatalog) UpdateCanonical(_ context.Context, t model.EntityType, id string, fields map[string]any) error {
	r, ok := m.rows[t][id]
	if !ok {
		return apperr.NotFound("%s %s", t, id)
	}
	r.Fields = maps.Clone(fields)
	return nil
}

func (m *memCatalog) UpsertMapping(_ context.Context, mp *model.CanonicalMapping) error {
	m.mappings[mp.EntityID] = *mp
	return nil
}

func (m *memCatalog) ProductForEntity(ctx context.Context, sourceID, sourceEntityID string) (string, error) {
	e, err := m.entities.FindEntity(ctx, ingest.EntityKey{
		SourceID: sourceID, EntityType: model.EntityProduct, SourceEntityID: sourceEntityID,
	})
	if err != nil {
		return "", err
	}
	mp, ok := m.mappings[e.ID]
	if !ok {
		return "", apperr.NotFound("product %s not normalized", sourceEntityID)
	}
	return mp.CanonicalID, nil
}

func (m *memCatalog) EnsureRetailer(_ context.Context, slug, _ string) (string, error) {
	if id, ok := m.retailers[slug]; ok {
		return id, nil
	}
	id := m.nextID("retailer")
	m.retailers[slug] = id
	return id, nil
}

func (m *memCatalog) FindOffer(_ context.Context, productID, retailerID string) (string, error) {
	for id, r := range m.rows[model.EntityOffer] {
		if r.Fields["product_id"] == productID && r.Fields["retailer_id"] == retailerID {
			return id, nil
		}
	}
	return "", nil
}

// count returns the number of canonical rows of a type.
func (m *memCatalog) count(t model.EntityType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows[t])
}

func (m *memCatalog) row(t model.EntityType, id string) *model.CanonicalRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[t][id]
}

func (m *memCatalog) mapping(entityID string) (model.CanonicalMapping, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.mappings[entityID]
	return mp, ok
}
