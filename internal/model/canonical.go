package model

import "time"

// Identifier keys used for identity resolution, besides slug.
var IdentifierKeys = []string{"sku", "upc", "ean", "gtin", "mpn", "asin", "model_number"}

// Identifiers is the identity-bearing subset of a product or plant payload.
type Identifiers struct {
	Slug   string            `json:"slug,omitempty"`
	Brand  string            `json:"brand,omitempty"`
	Name   string            `json:"name,omitempty"`
	Values map[string]string `json:"values,omitempty"` // keyed by IdentifierKeys
}

// Empty reports whether no identifier of any kind is present.
func (i Identifiers) Empty() bool {
	if i.Slug != "" || i.Name != "" {
		return false
	}
	for _, v := range i.Values {
		if v != "" {
			return false
		}
	}
	return true
}

// Candidate is an existing canonical row considered during identity resolution.
type Candidate struct {
	ID          string
	Identifiers Identifiers
	CreatedAt   time.Time
}

// CanonicalRecord is a canonical row as a column map. Type selects the table.
type CanonicalRecord struct {
	Type      EntityType
	ID        string
	Fields    map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}
