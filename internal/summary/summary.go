// Package summary maintains offer_summaries, the per-product rollup of
// offer price and availability, and serves it cache-aside.
package summary

import (
	"context"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/catalog-ingest/internal/apperr"
	"github.com/sells-group/catalog-ingest/internal/db"
	"github.com/sells-group/catalog-ingest/internal/metrics"
	"github.com/sells-group/catalog-ingest/internal/model"
)

// DefaultStaleAfter is used when Options.StaleAfter is zero.
const DefaultStaleAfter = 24 * time.Hour

// Lookup tiers reported to metrics.
const (
	TierCache    = "cache"
	TierStore    = "store"
	TierComputed = "computed"
)

// Options configures an Aggregator.
type Options struct {
	StaleAfter time.Duration
	Cache      Cache // nil disables caching
	Metrics    *metrics.Metrics
}

// Aggregator computes and persists offer summaries.
type Aggregator struct {
	pool       db.Pool
	cache      Cache
	metrics    *metrics.Metrics
	staleAfter time.Duration
	now        func() time.Time
	group      singleflight.Group
}

// New creates an Aggregator.
func New(pool db.Pool, opts Options) *Aggregator {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Cache == nil {
		opts.Cache = NoopCache{}
	}
	return &Aggregator{
		pool:       pool,
		cache:      opts.Cache,
		metrics:    opts.Metrics,
		staleAfter: opts.StaleAfter,
		now:        time.Now,
	}
}

// Stale reports whether checkedAt is missing or older than staleAfter.
func Stale(checkedAt *time.Time, now time.Time, staleAfter time.Duration) bool {
	return checkedAt == nil || checkedAt.Before(now.Add(-staleAfter))
}

const aggregateSQL = `
	SELECT product_id::text,
		min(price_cents) FILTER (WHERE in_stock AND price_cents IS NOT NULL),
		count(*) FILTER (WHERE in_stock),
		max(last_checked_at)
	FROM offers
	WHERE product_id::text = ANY($1)
	GROUP BY product_id`

// Compute aggregates offers for each product. Products without offers get
// an empty, stale summary.
func (a *Aggregator) Compute(ctx context.Context, productIDs []string) (map[string]*model.OfferSummary, error) {
	now := a.now().UTC()
	out := make(map[string]*model.OfferSummary, len(productIDs))
	for _, id := range productIDs {
		out[id] = &model.OfferSummary{ProductID: id, StaleFlag: true, UpdatedAt: now}
	}
	if len(productIDs) == 0 {
		return out, nil
	}

	rows, err := a.pool.Query(ctx, aggregateSQL, productIDs)
	if err != nil {
		return nil, eris.Wrap(err, "summary: aggregate offers")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id        string
			minPrice  *int64
			inStock   int
			checkedAt *time.Time
		)
		if err := rows.Scan(&id, &minPrice, &inStock, &checkedAt); err != nil {
			return nil, eris.Wrap(err, "summary: scan aggregate")
		}
		out[id] = &model.OfferSummary{
			ProductID:     id,
			MinPriceCents: minPrice,
			InStockCount:  inStock,
			CheckedAt:     checkedAt,
			StaleFlag:     Stale(checkedAt, now, a.staleAfter),
			UpdatedAt:     now,
		}
	}
	return out, eris.Wrap(rows.Err(), "summary: iterate aggregate")
}

// Recompute rebuilds one product's summary, persists it, and refreshes the
// cache. Concurrent calls for the same product share one computation. An
// unknown product is a NotFound error and nothing is written.
func (a *Aggregator) Recompute(ctx context.Context, productID string) (*model.OfferSummary, error) {
	v, err, _ := a.group.Do(productID, func() (any, error) {
		known, err := a.existing(ctx, []string{productID})
		if err != nil {
			return nil, err
		}
		if len(known) == 0 {
			return nil, apperr.NotFound("product %s", productID)
		}
		sums, err := a.Compute(ctx, known)
		if err != nil {
			return nil, err
		}
		s := sums[productID]
		if _, err := a.pool.Exec(ctx, `
			INSERT INTO offer_summaries (product_id, min_price_cents, in_stock_count, stale_flag, checked_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (product_id) DO UPDATE SET
				min_price_cents = EXCLUDED.min_price_cents,
				in_stock_count = EXCLUDED.in_stock_count,
				stale_flag = EXCLUDED.stale_flag,
				checked_at = EXCLUDED.checked_at,
				updated_at = EXCLUDED.updated_at`,
			s.ProductID, s.MinPriceCents, s.InStockCount, s.StaleFlag, s.CheckedAt, s.UpdatedAt,
		); err != nil {
			return nil, eris.Wrapf(err, "summary: upsert %s", productID)
		}
		a.cacheSet(ctx, []*model.OfferSummary{s})
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	a.metrics.SummaryLookup(TierComputed, 1)
	return v.(*model.OfferSummary), nil
}

// Ensure returns a summary for every known product id, reading the cache
// first, then offer_summaries, and computing and persisting whatever is still
// missing. Ids with no products row are left out of the result. Stored rows
// have their stale flag re-evaluated against now.
func (a *Aggregator) Ensure(ctx context.Context, productIDs []string) (map[string]*model.OfferSummary, error) {
	ids := dedupe(productIDs)
	out := make(map[string]*model.OfferSummary, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	now := a.now().UTC()

	cached, err := a.cache.GetMany(ctx, ids)
	if err != nil {
		zap.L().Warn("summary: cache read failed", zap.Error(err))
	}
	for id, s := range cached {
		s.StaleFlag = Stale(s.CheckedAt, now, a.staleAfter)
		out[id] = s
	}
	a.metrics.SummaryLookup(TierCache, len(out))

	missing := without(ids, out)
	if len(missing) == 0 {
		return out, nil
	}

	stored, err := a.load(ctx, missing)
	if err != nil {
		return nil, err
	}
	var fill []*model.OfferSummary
	for _, s := range stored {
		s.StaleFlag = Stale(s.CheckedAt, now, a.staleAfter)
		out[s.ProductID] = s
		fill = append(fill, s)
	}
	a.metrics.SummaryLookup(TierStore, len(stored))

	missing, err = a.existing(ctx, without(missing, out))
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		computed, err := a.Compute(ctx, missing)
		if err != nil {
			return nil, err
		}
		rows := make([][]any, 0, len(missing))
		for _, id := range missing {
			s := computed[id]
			out[id] = s
			fill = append(fill, s)
			rows = append(rows, []any{s.ProductID, s.MinPriceCents, s.InStockCount, s.StaleFlag, s.CheckedAt, s.UpdatedAt})
		}
		if _, err := db.BulkUpsert(ctx, a.pool, db.UpsertConfig{
			Table:        "offer_summaries",
			Columns:      []string{"product_id", "min_price_cents", "in_stock_count", "stale_flag", "checked_at", "updated_at"},
			ConflictKeys: []string{"product_id"},
			DoNothing:    true,
		}, rows); err != nil {
			return nil, eris.Wrap(err, "summary: persist computed")
		}
		a.metrics.SummaryLookup(TierComputed, len(missing))
		zap.L().Debug("summary: computed missing summaries", zap.Int("count", len(missing)))
	}

	a.cacheSet(ctx, fill)
	return out, nil
}

// Invalidate drops cached summaries so the next Ensure reads the table.
func (a *Aggregator) Invalidate(ctx context.Context, productIDs ...string) error {
	return a.cache.Delete(ctx, productIDs...)
}

// existing returns the ids that name a products row, in input order. Ids
// are compared as text so malformed ids simply do not match.
func (a *Aggregator) existing(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := a.pool.Query(ctx, `SELECT id::text FROM products WHERE id::text = ANY($1)`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "summary: resolve products")
	}
	defer rows.Close()

	found := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "summary: scan product id")
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "summary: iterate product ids")
	}

	out := make([]string, 0, len(found))
	for _, id := range ids {
		if found[id] {
			out = append(out, id)
		} else {
			zap.L().Debug("summary: unknown product", zap.String("product_id", id))
		}
	}
	return out, nil
}

func (a *Aggregator) load(ctx context.Context, ids []string) ([]*model.OfferSummary, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT product_id::text, min_price_cents, in_stock_count, stale_flag, checked_at, updated_at
		FROM offer_summaries
		WHERE product_id::text = ANY($1)`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "summary: load")
	}
	defer rows.Close()

	var out []*model.OfferSummary
	for rows.Next() {
		var s model.OfferSummary
		if err := rows.Scan(&s.ProductID, &s.MinPriceCents, &s.InStockCount, &s.StaleFlag, &s.CheckedAt, &s.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "summary: scan")
		}
		out = append(out, &s)
	}
	return out, eris.Wrap(rows.Err(), "summary: iterate")
}

func (a *Aggregator) cacheSet(ctx context.Context, sums []*model.OfferSummary) {
	if err := a.cache.SetMany(ctx, sums); err != nil {
		zap.L().Warn("summary: cache write failed", zap.Int("count", len(sums)), zap.Error(err))
	}
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func without(ids []string, have map[string]*model.OfferSummary) []string {
	var out []string
	for _, id := range ids {
		if _, ok := have[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
