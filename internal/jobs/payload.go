// Package jobs defines the closed set of job kinds, their typed payloads, and
// the handler registry the worker dispatches through.
package jobs

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/sells-group/catalog-ingest/internal/apperr"
	"github.com/sells-group/catalog-ingest/internal/model"
)

// Payload bounds.
const (
	DefaultLimit     = 100
	MaxLimit         = 1000
	DefaultTimeoutMs = 15000
	MinTimeoutMs     = 100
	MaxTimeoutMs     = 120000
)

// Payload is a validated job payload.
type Payload interface {
	Kind() model.JobKind
	Timeout() time.Duration
	validate() error
}

// HeadRefreshBulk re-checks availability of offers not checked in OlderThanDays.
type HeadRefreshBulk struct {
	OlderThanDays int `json:"olderThanDays"`
	Limit         int `json:"limit,omitempty"`
	TimeoutMs     int `json:"timeoutMs"`
}

// HeadRefreshOne re-checks availability of a single offer.
type HeadRefreshOne struct {
	OfferID   string `json:"offerId"`
	TimeoutMs int    `json:"timeoutMs"`
}

// DetailRefreshBulk re-fetches price and stock for offers not checked in OlderThanHours.
type DetailRefreshBulk struct {
	OlderThanHours int `json:"olderThanHours"`
	Limit          int `json:"limit,omitempty"`
	TimeoutMs      int `json:"timeoutMs"`
}

// DetailRefreshOne re-fetches price and stock for a single offer.
type DetailRefreshOne struct {
	OfferID   string `json:"offerId"`
	TimeoutMs int    `json:"timeoutMs"`
}

// FeedPull downloads a CSV feed from a source's FTP host and ingests each row.
type FeedPull struct {
	SourceID   string           `json:"sourceId"`
	Path       string           `json:"path"`
	EntityType model.EntityType `json:"entityType"`
	IDColumn   string           `json:"idColumn,omitempty"`
	TimeoutMs  int              `json:"timeoutMs"`
}

func (HeadRefreshBulk) Kind() model.JobKind   { return model.JobHeadRefreshBulk }
func (HeadRefreshOne) Kind() model.JobKind    { return model.JobHeadRefreshOne }
func (DetailRefreshBulk) Kind() model.JobKind { return model.JobDetailRefreshBulk }
func (DetailRefreshOne) Kind() model.JobKind  { return model.JobDetailRefreshOne }
func (FeedPull) Kind() model.JobKind          { return model.JobFeedPull }

func (p HeadRefreshBulk) Timeout() time.Duration   { return millis(p.TimeoutMs) }
func (p HeadRefreshOne) Timeout() time.Duration    { return millis(p.TimeoutMs) }
func (p DetailRefreshBulk) Timeout() time.Duration { return millis(p.TimeoutMs) }
func (p DetailRefreshOne) Timeout() time.Duration  { return millis(p.TimeoutMs) }
func (p FeedPull) Timeout() time.Duration          { return millis(p.TimeoutMs) }

func (p HeadRefreshBulk) validate() error {
	if p.OlderThanDays < 0 {
		return apperr.Validation("olderThanDays must be >= 0")
	}
	return firstErr(checkLimit(p.Limit), checkTimeout(p.TimeoutMs))
}

func (p HeadRefreshOne) validate() error {
	if strings.TrimSpace(p.OfferID) == "" {
		return apperr.Validation("offerId is required")
	}
	return checkTimeout(p.TimeoutMs)
}

func (p DetailRefreshBulk) validate() error {
	if p.OlderThanHours < 0 {
		return apperr.Validation("olderThanHours must be >= 0")
	}
	return firstErr(checkLimit(p.Limit), checkTimeout(p.TimeoutMs))
}

func (p DetailRefreshOne) validate() error {
	if strings.TrimSpace(p.OfferID) == "" {
		return apperr.Validation("offerId is required")
	}
	return checkTimeout(p.TimeoutMs)
}

func (p FeedPull) validate() error {
	if strings.TrimSpace(p.SourceID) == "" {
		return apperr.Validation("sourceId is required")
	}
	if strings.TrimSpace(p.Path) == "" {
		return apperr.Validation("path is required")
	}
	if !p.EntityType.Valid() {
		return apperr.Validation("entityType %q must be product, plant, or offer", p.EntityType)
	}
	return checkTimeout(p.TimeoutMs)
}

// Decode parses raw into the typed payload for kind, applies defaults, and
// validates it. Unknown fields are rejected. All failures are validation errors.
func Decode(kind string, raw json.RawMessage) (Payload, error) {
	k, err := model.ParseJobKind(kind)
	if err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}

	var p Payload
	switch k {
	case model.JobHeadRefreshBulk:
		v := HeadRefreshBulk{}
		err = strictUnmarshal(raw, &v)
		v.Limit = defaultInt(v.Limit, DefaultLimit)
		v.TimeoutMs = defaultInt(v.TimeoutMs, DefaultTimeoutMs)
		p = v
	case model.JobHeadRefreshOne:
		v := HeadRefreshOne{}
		err = strictUnmarshal(raw, &v)
		v.TimeoutMs = defaultInt(v.TimeoutMs, DefaultTimeoutMs)
		p = v
	case model.JobDetailRefreshBulk:
		v := DetailRefreshBulk{}
		err = strictUnmarshal(raw, &v)
		v.Limit = defaultInt(v.Limit, DefaultLimit)
		v.TimeoutMs = defaultInt(v.TimeoutMs, DefaultTimeoutMs)
		p = v
	case model.JobDetailRefreshOne:
		v := DetailRefreshOne{}
		err = strictUnmarshal(raw, &v)
		v.TimeoutMs = defaultInt(v.TimeoutMs, DefaultTimeoutMs)
		p = v
	case model.JobFeedPull:
		v := FeedPull{}
		err = strictUnmarshal(raw, &v)
		v.TimeoutMs = defaultInt(v.TimeoutMs, DefaultTimeoutMs)
		p = v
	}
	if err != nil {
		return nil, apperr.Validation("%s payload: %v", k, err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Encode marshals a payload after validating it.
func Encode(p Payload) (json.RawMessage, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, apperr.Validation("%s payload: %v", p.Kind(), err)
	}
	return b, nil
}

func strictUnmarshal(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func checkLimit(limit int) error {
	if limit < 1 || limit > MaxLimit {
		return apperr.Validation("limit must be between 1 and %d", MaxLimit)
	}
	return nil
}

func checkTimeout(ms int) error {
	if ms < MinTimeoutMs || ms > MaxTimeoutMs {
		return apperr.Validation("timeoutMs must be between %d and %d", MinTimeoutMs, MaxTimeoutMs)
	}
	return nil
}

func defaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
