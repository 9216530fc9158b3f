package model

import "time"

// OfferSummary is the per-product rollup of its offers.
type OfferSummary struct {
	ProductID     string     `json:"product_id"`
	MinPriceCents *int64     `json:"min_price_cents,omitempty"`
	InStockCount  int        `json:"in_stock_count"`
	StaleFlag     bool       `json:"stale_flag"`
	CheckedAt     *time.Time `json:"checked_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
