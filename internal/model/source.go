package model

import (
	"encoding/json"
	"time"
)

// SourceKind describes how a source's data arrives.
type SourceKind string

const (
	SourceKindManual   SourceKind = "manual"   // seed files imported by an operator
	SourceKindRetailer SourceKind = "retailer" // retailer HTML/JSON pages
	SourceKindFeed     SourceKind = "feed"     // bulk files pulled over FTP
)

// IngestionSource declares where data originates and how often it is pulled.
type IngestionSource struct {
	ID                      string          `json:"id"`
	Slug                    string          `json:"slug"`
	Kind                    SourceKind      `json:"kind"`
	ScheduleIntervalMinutes *int            `json:"schedule_interval_minutes,omitempty"`
	Config                  json.RawMessage `json:"config,omitempty"`
	Active                  bool            `json:"active"`
	DefaultTrust            float64         `json:"default_trust"`
	CreatedAt               time.Time       `json:"created_at"`
	UpdatedAt               time.Time       `json:"updated_at"`
}

// Scheduled reports whether the scheduler should consider the source.
func (s *IngestionSource) Scheduled() bool {
	return s.Active && s.ScheduleIntervalMinutes != nil && *s.ScheduleIntervalMinutes > 0
}

// SourceConfig is the typed form of IngestionSource.Config.
type SourceConfig struct {
	JobKind           string           `json:"jobKind"`
	JobPayload        json.RawMessage  `json:"jobPayload,omitempty"`
	IdempotencyPrefix string           `json:"idempotencyPrefix,omitempty"`
	FTP               *FTPSourceConfig `json:"ftp,omitempty"`
}

// FTPSourceConfig holds connection details for feed sources.
type FTPSourceConfig struct {
	Host        string `json:"host"`
	User        string `json:"user,omitempty"`
	PasswordEnv string `json:"passwordEnv,omitempty"`
}
