// Package normalize resolves ingested snapshots to canonical catalog rows.
//
// A pass runs per source and per entity type in model.NormalizationOrder.
// Each entity's latest snapshot is matched to a canonical row, merged under
// override precedence, and written together with its mapping. One entity
// type is one transaction; any failure aborts that type's pass.
//
// Passes for the same source must not run concurrently.
package normalize

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-ingest/internal/apperr"
	"github.com/sells-group/catalog-ingest/internal/events"
	"github.com/sells-group/catalog-ingest/internal/ingest"
	"github.com/sells-group/catalog-ingest/internal/metrics"
	"github.com/sells-group/catalog-ingest/internal/model"
)

// Stat keys reported per pass.
const (
	StatEntities  = "entities"
	StatCreated   = "created"
	StatMatched   = "matched"
	StatReused    = "reused"
	StatUpdated   = "updated"
	StatUnchanged = "unchanged"
)

// SnapshotReader lists the latest snapshot of every entity. ingest.Store implements it.
type SnapshotReader interface {
	LatestSnapshots(ctx context.Context, sourceID string, entityType model.EntityType) ([]model.EntitySnapshot, error)
}

// Deps wires a Normalizer.
type Deps struct {
	Store     Store
	Snapshots SnapshotReader
	Sources   ingest.SourceGetter
	Matcher   Matcher          // defaults to DefaultMatcher
	Events    events.Publisher // optional
	Metrics   *metrics.Metrics // optional
}

// Normalizer runs normalization passes.
type Normalizer struct {
	store     Store
	snapshots SnapshotReader
	sources   ingest.SourceGetter
	matcher   Matcher
	events    events.Publisher
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New creates a Normalizer.
func New(d Deps) *Normalizer {
	if d.Matcher == nil {
		d.Matcher = DefaultMatcher{}
	}
	if d.Events == nil {
		d.Events = events.Noop{}
	}
	return &Normalizer{
		store:     d.Store,
		snapshots: d.Snapshots,
		sources:   d.Sources,
		matcher:   d.Matcher,
		events:    d.Events,
		metrics:   d.Metrics,
		now:       time.Now,
	}
}

// Outcome is what happened to one entity.
type Outcome struct {
	EntityID    string           `json:"entity_id"`
	EntityType  model.EntityType `json:"entity_type"`
	CanonicalID string           `json:"canonical_id"`
	MatchMethod string           `json:"match_method"`
	Confidence  int              `json:"confidence"`
	Created     bool             `json:"created"`
	Changed     bool             `json:"changed"`
}

// TypeResult reports one entity type's pass.
type TypeResult struct {
	EntityType model.EntityType `json:"entity_type"`
	Stats      model.RunStats   `json:"stats"`
	Outcomes   []Outcome        `json:"outcomes"`
}

// Result reports a full pass over a source.
type Result struct {
	SourceID string       `json:"source_id"`
	Types    []TypeResult `json:"types"`
}

// Stats flattens per-type stats into "<type>.<stat>" keys.
func (r *Result) Stats() model.RunStats {
	out := model.RunStats{}
	for _, tr := range r.Types {
		for k, v := range tr.Stats {
			out.Add(string(tr.EntityType)+"."+k, v)
		}
	}
	return out
}

// Run normalizes every entity type of a source in order. It stops at the
// first failing type; earlier types stay committed.
func (n *Normalizer) Run(ctx context.Context, sourceID string) (*Result, error) {
	res := &Result{SourceID: sourceID}
	for _, t := range model.NormalizationOrder {
		tr, err := n.RunType(ctx, sourceID, t)
		if err != nil {
			return res, err
		}
		res.Types = append(res.Types, *tr)
	}
	return res, nil
}

// RunType normalizes one entity type of a source in a single transaction.
func (n *Normalizer) RunType(ctx context.Context, sourceID string, t model.EntityType) (*TypeResult, error) {
	if !t.Valid() {
		return nil, apperr.Validation("unknown entity type %q", t)
	}
	src, err := n.sources.Get(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	snaps, err := n.snapshots.LatestSnapshots(ctx, sourceID, t)
	if err != nil {
		return nil, eris.Wrapf(err, "normalize: latest %s snapshots for %s", t, src.Slug)
	}

	log := zap.L().With(zap.String("source", src.Slug), zap.String("entity_type", string(t)))
	tr := &TypeResult{EntityType: t, Stats: model.RunStats{}}
	if len(snaps) == 0 {
		log.Debug("normalize: nothing to do")
		return tr, nil
	}

	err = n.store.InTx(ctx, func(tx Tx) error {
		tr.Outcomes = tr.Outcomes[:0]
		for _, es := range snaps {
			o, err := n.normalizeOne(ctx, tx, src, es)
			if err != nil {
				return eris.Wrapf(err, "normalize: %s entity %s (%s)", t, es.Entity.SourceEntityID, es.Entity.ID)
			}
			tr.Outcomes = append(tr.Outcomes, *o)
		}
		return nil
	})
	if err != nil {
		log.Error("normalize: pass aborted", zap.Error(err))
		return nil, err
	}

	at := n.now()
	var evs []events.Event
	for _, o := range tr.Outcomes {
		tr.Stats.Add(StatEntities, 1)
		switch {
		case o.Created:
			tr.Stats.Add(StatCreated, 1)
		case o.MatchMethod == model.MatchExistingMapping:
			tr.Stats.Add(StatReused, 1)
		default:
			tr.Stats.Add(StatMatched, 1)
		}
		n.metrics.Canonical(string(t), o.MatchMethod)
		if !o.Changed {
			tr.Stats.Add(StatUnchanged, 1)
			continue
		}
		if !o.Created {
			tr.Stats.Add(StatUpdated, 1)
		}
		evs = append(evs, events.Event{
			Type:          events.CanonicalUpserted,
			CanonicalType: string(t),
			CanonicalID:   o.CanonicalID,
			EntityID:      o.EntityID,
			MatchMethod:   o.MatchMethod,
			At:            at,
		})
	}
	events.PublishQuietly(ctx, n.events, evs...)

	log.Info("normalize: pass complete", zap.Any("stats", tr.Stats))
	return tr, nil
}

func (n *Normalizer) normalizeOne(ctx context.Context, tx Tx, src *model.IngestionSource, es model.EntitySnapshot) (*Outcome, error) {
	var payload map[string]any
	if err := json.Unmarshal(es.Snapshot.RawPayload, &payload); err != nil {
		return nil, eris.Wrapf(err, "decode snapshot %s", es.Snapshot.ID)
	}
	t := es.Entity.EntityType

	mapping, err := tx.Mapping(ctx, es.Entity.ID)
	if err != nil {
		return nil, err
	}

	var (
		match    MatchResult
		incoming map[string]any
	)
	if t == model.EntityOffer {
		incoming, err = offerFields(ctx, tx, src, es.Entity, payload)
		if err != nil {
			return nil, err
		}
		match, err = matchOffer(ctx, tx, mapping, incoming)
	} else {
		incoming = catalogFields(t, payload)
		match, err = n.matchCatalog(ctx, tx, t, mapping, payload)
	}
	if err != nil {
		return nil, err
	}

	var (
		existing  map[string]any
		overrides map[string]OverrideValue
	)
	if match.CanonicalID != "" {
		rec, err := tx.Canonical(ctx, t, match.CanonicalID)
		if err != nil {
			return nil, err
		}
		existing = rec.Fields
		ovs, err := tx.Overrides(ctx, t, match.CanonicalID)
		if err != nil {
			return nil, err
		}
		if overrides, err = DecodeOverrides(ovs); err != nil {
			return nil, err
		}
	}

	merged := Merge(MergeInput{
		Type:       t,
		Existing:   existing,
		Incoming:   incoming,
		Overrides:  overrides,
		SnapshotID: es.Snapshot.ID,
	})

	out := &Outcome{
		EntityID:    es.Entity.ID,
		EntityType:  t,
		CanonicalID: match.CanonicalID,
		MatchMethod: match.Method,
		Confidence:  match.Confidence,
	}
	if match.CanonicalID == "" {
		id, err := tx.InsertCanonical(ctx, t, merged.Fields)
		if err != nil {
			return nil, err
		}
		out.CanonicalID, out.Created, out.Changed = id, true, true
	} else {
		out.Changed = changed(existing, merged.Fields)
		if err := tx.UpdateCanonical(ctx, t, match.CanonicalID, merged.Fields); err != nil {
			return nil, err
		}
	}

	// A reused mapping keeps the method and confidence it was linked with.
	method, confidence := match.Method, match.Confidence
	if mapping != nil {
		method, confidence = mapping.MatchMethod, mapping.Confidence
	}
	err = tx.UpsertMapping(ctx, &model.CanonicalMapping{
		EntityID:      es.Entity.ID,
		CanonicalType: t,
		CanonicalID:   out.CanonicalID,
		MatchMethod:   method,
		Confidence:    confidence,
		Notes: model.MappingNotes{
			WinnerByField: merged.Winners,
			SnapshotID:    es.Snapshot.ID,
		},
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (n *Normalizer) matchCatalog(ctx context.Context, tx Tx, t model.EntityType, mapping *model.CanonicalMapping, payload map[string]any) (MatchResult, error) {
	ids := ExtractIdentifiers(payload)
	in := MatchInput{Existing: mapping, Identifiers: ids}
	if mapping == nil {
		if ids.Empty() {
			return MatchResult{}, apperr.Validation("payload has no slug, name or identifiers")
		}
		cands, err := tx.Candidates(ctx, t, ids)
		if err != nil {
			return MatchResult{}, err
		}
		in.Candidates = cands
	}
	return n.matcher.Match(in), nil
}

// matchOffer links offers by their (product, retailer) pair.
func matchOffer(ctx context.Context, tx Tx, mapping *model.CanonicalMapping, fields map[string]any) (MatchResult, error) {
	if mapping != nil {
		return MatchResult{CanonicalID: mapping.CanonicalID, Method: model.MatchExistingMapping, Confidence: mapping.Confidence}, nil
	}
	id, err := tx.FindOffer(ctx, fields["product_id"].(string), fields["retailer_id"].(string))
	if err != nil {
		return MatchResult{}, err
	}
	return MatchResult{CanonicalID: id, Method: model.MatchProductRetailer, Confidence: ConfidenceProductRetailer}, nil
}

// offerFields resolves an offer payload's product and retailer and projects
// the rest onto offer columns.
//
// The product comes from product_id (a canonical id) or product_ref (a
// product source entity id under the same source). The retailer slug comes
// from retailer, defaulting to the source slug.
func offerFields(ctx context.Context, tx Tx, src *model.IngestionSource, ent model.IngestionEntity, payload map[string]any) (map[string]any, error) {
	var productID string
	if id := scalarString(payload["product_id"]); id != "" {
		rec, err := tx.Canonical(ctx, model.EntityProduct, id)
		if err != nil {
			return nil, err
		}
		productID = rec.ID
	} else if ref := scalarString(payload["product_ref"]); ref != "" {
		id, err := tx.ProductForEntity(ctx, src.ID, ref)
		if err != nil {
			return nil, err
		}
		productID = id
	} else {
		return nil, apperr.Validation("offer payload needs product_id or product_ref")
	}

	slug := strings.ToLower(scalarString(payload["retailer"]))
	if slug == "" {
		slug = src.Slug
	}
	name := scalarString(payload["retailer_name"])
	if name == "" {
		name = slug
	}
	retailerID, err := tx.EnsureRetailer(ctx, slug, name)
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"product_id":  productID,
		"retailer_id": retailerID,
	}
	if u := scalarString(payload["url"]); u != "" {
		out["url"] = u
	} else if ent.URL != nil {
		out["url"] = *ent.URL
	}
	if cents, ok := toInt64(payload["price_cents"]); ok {
		out["price_cents"] = cents
	} else if price, ok := payload["price"].(float64); ok {
		out["price_cents"] = int64(math.Round(price * 100))
	}
	if c := strings.ToUpper(scalarString(payload["currency"])); c != "" {
		out["currency"] = c
	}
	if v, ok := toBool(payload["in_stock"]); ok {
		out["in_stock"] = v
	}
	return out, nil
}
