package model

import "time"

// Match methods recorded on mappings.
const (
	MatchIdentifierExact = "identifier_exact"
	MatchBrandSlug       = "brand_slug"
	MatchBrandName       = "brand_name"
	MatchNewCanonical    = "new_canonical"
	MatchProductRetailer = "product_retailer"
	MatchExistingMapping = "existing_mapping"
	MatchManual          = "manual"
)

// Field winners recorded in mapping notes.
const (
	WinnerOverride = "override"
	WinnerIngest   = "ingest"
	WinnerRetained = "retained"
)

// FieldWinner explains which input supplied a canonical field's value.
type FieldWinner struct {
	Winner     string `json:"winner"`
	Reason     string `json:"reason,omitempty"`
	SnapshotID string `json:"snapshotId,omitempty"`
}

// MappingNotes is stored as JSON on the mapping row.
type MappingNotes struct {
	WinnerByField map[string]FieldWinner `json:"winnerByField,omitempty"`
	SnapshotID    string                 `json:"snapshotId,omitempty"`
	Reason        string                 `json:"reason,omitempty"`
}

// CanonicalMapping links one ingestion entity to one canonical row.
type CanonicalMapping struct {
	EntityID      string       `json:"entity_id"`
	CanonicalType EntityType   `json:"canonical_type"`
	CanonicalID   string       `json:"canonical_id"`
	MatchMethod   string       `json:"match_method"`
	Confidence    int          `json:"confidence"`
	Notes         MappingNotes `json:"notes"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}
