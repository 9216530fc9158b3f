package model

import (
	"encoding/json"
	"time"
)

// NormalizationOverride is an admin-authored correction for one canonical field.
type NormalizationOverride struct {
	ID            string          `json:"id"`
	CanonicalType EntityType      `json:"canonical_type"`
	CanonicalID   string          `json:"canonical_id"`
	FieldPath     string          `json:"field_path"`
	Value         json.RawMessage `json:"value"`
	Reason        string          `json:"reason"`
	ActorUserID   string          `json:"actor_user_id"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// AuditLogEntry records one admin mutation.
type AuditLogEntry struct {
	ID          int64           `json:"id"`
	ActorUserID string          `json:"actor_user_id"`
	Action      string          `json:"action"`
	TargetType  string          `json:"target_type"`
	TargetID    string          `json:"target_id"`
	Meta        json.RawMessage `json:"meta,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
