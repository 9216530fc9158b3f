package model

import (
	"encoding/json"
	"time"
)

// EntityType is the catalog entity kind tracked by ingestion and normalization.
type EntityType string

const (
	EntityProduct EntityType = "product"
	EntityPlant   EntityType = "plant"
	EntityOffer   EntityType = "offer"
)

// NormalizationOrder is the fixed order of normalization passes.
// Offers come last because they resolve against normalized products.
var NormalizationOrder = []EntityType{EntityProduct, EntityPlant, EntityOffer}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityProduct, EntityPlant, EntityOffer:
		return true
	}
	return false
}

// IngestionEntity is a per-source handle tracking one external thing across fetches.
type IngestionEntity struct {
	ID             string          `json:"id"`
	SourceID       string          `json:"source_id"`
	EntityType     EntityType      `json:"entity_type"`
	SourceEntityID string          `json:"source_entity_id"`
	URL            *string         `json:"url,omitempty"`
	Active         bool            `json:"active"`
	FirstSeenAt    time.Time       `json:"first_seen_at"`
	LastSeenAt     time.Time       `json:"last_seen_at"`
	Meta           json.RawMessage `json:"meta,omitempty"`
}

// Provenance records where a single field value came from.
type Provenance struct {
	Source    string `json:"source"`
	FieldPath string `json:"fieldPath"`
}

// FieldValue is one flattened leaf of a snapshot payload.
type FieldValue struct {
	Value      any        `json:"value"`
	Trust      float64    `json:"trust"`
	Provenance Provenance `json:"provenance"`
}

// Snapshot is one immutable, content-hashed capture of an entity.
type Snapshot struct {
	ID              string                `json:"id"`
	EntityID        string                `json:"entity_id"`
	RunID           *string               `json:"run_id,omitempty"`
	FetchedAt       time.Time             `json:"fetched_at"`
	RawPayload      json.RawMessage       `json:"raw_payload"`
	ExtractedFields map[string]FieldValue `json:"extracted_fields"`
	ContentHash     string                `json:"content_hash"`
	TrustMap        map[string]float64    `json:"trust_map"`
	CreatedAt       time.Time             `json:"created_at"`
}

// EntitySnapshot pairs an entity with its most recent snapshot.
type EntitySnapshot struct {
	Entity   IngestionEntity
	Snapshot Snapshot
}
