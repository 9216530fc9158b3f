// Package offers implements the offer refresh job handlers: HEAD checks for
// availability and GET+parse for price and stock.
package offers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-ingest/internal/apperr"
	"github.com/sells-group/catalog-ingest/internal/fetcher"
	"github.com/sells-group/catalog-ingest/internal/ingest"
	"github.com/sells-group/catalog-ingest/internal/jobs"
	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/resilience"
)

// Run stat keys.
const (
	StatChecked    = "checked"
	StatGone       = "gone"
	StatInStock    = "in_stock"
	StatFailed     = "failed"
	StatNoEntity   = "no_source_entity"
	StatSummarized = "summaries_recomputed"
)

// SnapshotReader loads an entity's latest snapshot.
type SnapshotReader interface {
	LatestSnapshot(ctx context.Context, entityID string) (*model.Snapshot, error)
}

// SummaryRecomputer refreshes a product's offer summary.
type SummaryRecomputer interface {
	Recompute(ctx context.Context, productID string) (*model.OfferSummary, error)
}

// Deps wires the handlers.
type Deps struct {
	Offers    Store
	Pager     fetcher.Pager
	Ingester  ingest.Ingester
	Snapshots SnapshotReader
	Summaries SummaryRecomputer
}

// Handlers holds the four offer refresh handlers.
type Handlers struct {
	deps Deps
	now  func() time.Time
}

// NewHandlers creates Handlers.
func NewHandlers(d Deps) *Handlers {
	return &Handlers{deps: d, now: time.Now}
}

// All returns a handler per offer job kind.
func (h *Handlers) All() []jobs.Handler {
	return []jobs.Handler{
		jobs.HandlerFunc{JobKind: model.JobHeadRefreshOne, Fn: h.headOne},
		jobs.HandlerFunc{JobKind: model.JobHeadRefreshBulk, Fn: h.headBulk},
		jobs.HandlerFunc{JobKind: model.JobDetailRefreshOne, Fn: h.detailOne},
		jobs.HandlerFunc{JobKind: model.JobDetailRefreshBulk, Fn: h.detailBulk},
	}
}

func (h *Handlers) headOne(ctx context.Context, req jobs.Request) (model.RunStats, error) {
	p, ok := req.Payload.(jobs.HeadRefreshOne)
	if !ok {
		return nil, apperr.Terminal(nil, "unexpected payload %T", req.Payload)
	}
	o, err := h.deps.Offers.Get(ctx, p.OfferID)
	if err != nil {
		return nil, err
	}
	stats := model.RunStats{}
	return stats, h.head(ctx, o, stats)
}

func (h *Handlers) headBulk(ctx context.Context, req jobs.Request) (model.RunStats, error) {
	p, ok := req.Payload.(jobs.HeadRefreshBulk)
	if !ok {
		return nil, apperr.Terminal(nil, "unexpected payload %T", req.Payload)
	}
	before := h.now().Add(-time.Duration(p.OlderThanDays) * 24 * time.Hour)
	return h.bulk(ctx, before, p.Limit, h.head)
}

func (h *Handlers) detailOne(ctx context.Context, req jobs.Request) (model.RunStats, error) {
	p, ok := req.Payload.(jobs.DetailRefreshOne)
	if !ok {
		return nil, apperr.Terminal(nil, "unexpected payload %T", req.Payload)
	}
	o, err := h.deps.Offers.Get(ctx, p.OfferID)
	if err != nil {
		return nil, err
	}
	stats := model.RunStats{}
	return stats, h.detail(ctx, req.RunID, o, stats)
}

func (h *Handlers) detailBulk(ctx context.Context, req jobs.Request) (model.RunStats, error) {
	p, ok := req.Payload.(jobs.DetailRefreshBulk)
	if !ok {
		return nil, apperr.Terminal(nil, "unexpected payload %T", req.Payload)
	}
	before := h.now().Add(-time.Duration(p.OlderThanHours) * time.Hour)
	return h.bulk(ctx, before, p.Limit, func(ctx context.Context, o *Offer, stats model.RunStats) error {
		return h.detail(ctx, req.RunID, o, stats)
	})
}

// bulk refreshes every due offer. Per-offer failures are counted; the job
// fails only when every offer failed.
func (h *Handlers) bulk(ctx context.Context, before time.Time, limit int, one func(context.Context, *Offer, model.RunStats) error) (model.RunStats, error) {
	due, err := h.deps.Offers.ListDue(ctx, before, limit)
	if err != nil {
		return nil, err
	}

	stats := model.RunStats{}
	var lastErr error
	for i := range due {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := one(ctx, &due[i], stats); err != nil {
			stats.Add(StatFailed, 1)
			lastErr = err
			zap.L().Warn("offers: refresh failed",
				zap.String("offer_id", due[i].ID),
				zap.Error(err),
			)
		}
	}
	if lastErr != nil && stats[StatFailed] == len(due) {
		return stats, eris.Wrapf(lastErr, "offers: all %d refreshes failed", len(due))
	}
	return stats, nil
}

// head stamps availability from a HEAD request. A 404 or 410 marks the
// offer out of stock; other statuses are recorded as-is.
func (h *Handlers) head(ctx context.Context, o *Offer, stats model.RunStats) error {
	if o.URL == nil || *o.URL == "" {
		return apperr.Terminal(nil, "offer %s has no url", o.ID)
	}
	resp, err := h.deps.Pager.Head(ctx, *o.URL)
	if err != nil {
		return err
	}

	check := Check{HTTPStatus: resp.StatusCode, At: h.now()}
	if gone(resp.StatusCode) {
		check.InStock = ptr(false)
		stats.Add(StatGone, 1)
	}
	if err := h.deps.Offers.RecordCheck(ctx, o.ID, check); err != nil {
		return err
	}
	stats.Add(StatChecked, 1)
	h.recompute(ctx, o.ProductID, stats)
	return nil
}

// detail fetches and parses the offer page, stamps the offer, and records an
// offer snapshot under the source entity the offer was normalized from.
func (h *Handlers) detail(ctx context.Context, runID string, o *Offer, stats model.RunStats) error {
	if o.URL == nil || *o.URL == "" {
		return apperr.Terminal(nil, "offer %s has no url", o.ID)
	}
	resp, err := h.deps.Pager.Get(ctx, *o.URL)
	if err != nil {
		return err
	}

	if gone(resp.StatusCode) {
		if err := h.deps.Offers.RecordCheck(ctx, o.ID, Check{HTTPStatus: resp.StatusCode, At: h.now(), InStock: ptr(false)}); err != nil {
			return err
		}
		stats.Add(StatChecked, 1)
		stats.Add(StatGone, 1)
		h.recompute(ctx, o.ProductID, stats)
		return nil
	}
	if !resp.OK() {
		return resilience.NewFetchError(*o.URL, resp.StatusCode, eris.Errorf("unexpected status %d", resp.StatusCode))
	}

	d, err := ParseDetail(resp.ContentType, resp.Body)
	if err != nil {
		return err
	}
	if err := h.deps.Offers.RecordCheck(ctx, o.ID, Check{
		HTTPStatus: resp.StatusCode,
		At:         h.now(),
		InStock:    ptr(d.InStock),
		Detail:     d,
	}); err != nil {
		return err
	}
	stats.Add(StatChecked, 1)
	if d.InStock {
		stats.Add(StatInStock, 1)
	}

	if err := h.snapshot(ctx, runID, o, d, stats); err != nil {
		return err
	}
	h.recompute(ctx, o.ProductID, stats)
	return nil
}

func (h *Handlers) snapshot(ctx context.Context, runID string, o *Offer, d *Detail, stats model.RunStats) error {
	ent, err := h.deps.Offers.SourceEntity(ctx, o.ID)
	if apperr.IsNotFound(err) {
		stats.Add(StatNoEntity, 1)
		return nil
	}
	if err != nil {
		return err
	}

	payload := map[string]any{}
	prev, err := h.deps.Snapshots.LatestSnapshot(ctx, ent.ID)
	switch {
	case err == nil:
		if err := json.Unmarshal(prev.RawPayload, &payload); err != nil {
			return eris.Wrapf(err, "offers: decode previous snapshot %s", prev.ID)
		}
	case !apperr.IsNotFound(err):
		return err
	}

	payload["in_stock"] = d.InStock
	if d.PriceCents != nil {
		payload["price_cents"] = *d.PriceCents
		delete(payload, "price")
	}
	if d.Currency != "" {
		payload["currency"] = d.Currency
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "offers: encode snapshot payload")
	}

	res, err := h.deps.Ingester.Ingest(ctx, ingest.Input{
		SourceID:       ent.SourceID,
		RunID:          runID,
		EntityType:     model.EntityOffer,
		SourceEntityID: ent.SourceEntityID,
		Payload:        raw,
		URL:            *o.URL,
		FetchedAt:      h.now(),
	})
	if err != nil {
		return err
	}
	if res.SnapshotCreated {
		stats.Add(ingest.StatSnapshotsCreated, 1)
	} else {
		stats.Add(ingest.StatSnapshotsDeduped, 1)
	}
	return nil
}

// recompute refreshes the product summary. Failures are logged and
// swallowed; the summary is derived and can be rebuilt later.
func (h *Handlers) recompute(ctx context.Context, productID string, stats model.RunStats) {
	if h.deps.Summaries == nil {
		return
	}
	if _, err := h.deps.Summaries.Recompute(ctx, productID); err != nil {
		zap.L().Error("offers: recompute summary", zap.String("product_id", productID), zap.Error(err))
		return
	}
	stats.Add(StatSummarized, 1)
}

func gone(status int) bool {
	return status == http.StatusNotFound || status == http.StatusGone
}

func ptr[T any](v T) *T { return &v }
