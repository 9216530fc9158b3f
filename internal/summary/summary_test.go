package summary

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-ingest/internal/apperr"
	"github.com/sells-group/catalog-ingest/internal/metrics"
	"github.com/sells-group/catalog-ingest/internal/model"
)

var (
	testNow    = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	aggCols    = []string{"product_id", "min", "count", "max"}
	storedCols = []string{"product_id", "min_price_cents", "in_stock_count", "stale_flag", "checked_at", "updated_at"}
)

func ptr[T any](v T) *T { return &v }

func expectProducts(mock pgxmock.PgxPoolIface, ids []string, found ...string) {
	rows := pgxmock.NewRows([]string{"id"})
	for _, id := range found {
		rows.AddRow(id)
	}
	mock.ExpectQuery(`SELECT id::text FROM products WHERE id::text = ANY\(\$1\)`).
		WithArgs(ids).
		WillReturnRows(rows)
}

type harness struct {
	agg     *Aggregator
	mock    pgxmock.PgxPoolIface
	mr      *miniredis.Miniredis
	cache   *RedisCache
	metrics *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	mr := miniredis.RunT(t)
	cache, err := NewRedisCache(context.Background(), mr.Addr(), "", 0, 5*time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	m := metrics.New(nil)
	agg := New(mock, Options{Cache: cache, Metrics: m})
	agg.now = func() time.Time { return testNow }
	return &harness{agg: agg, mock: mock, mr: mr, cache: cache, metrics: m}
}

func TestStale(t *testing.T) {
	assert.True(t, Stale(nil, testNow, DefaultStaleAfter))
	assert.False(t, Stale(ptr(testNow.Add(-time.Hour)), testNow, DefaultStaleAfter))
	assert.True(t, Stale(ptr(testNow.Add(-25*time.Hour)), testNow, DefaultStaleAfter))
	assert.False(t, Stale(ptr(testNow.Add(-25*time.Hour)), testNow, 48*time.Hour))
}

func TestCompute(t *testing.T) {
	h := newHarness(t)
	checked := testNow.Add(-2 * time.Hour)

	h.mock.ExpectQuery(`(?s)min\(price_cents\) FILTER \(WHERE in_stock AND price_cents IS NOT NULL\).*GROUP BY product_id`).
		WithArgs([]string{"p1", "p2", "p3"}).
		WillReturnRows(pgxmock.NewRows(aggCols).
			AddRow("p1", ptr(int64(1899)), 2, ptr(checked)).
			AddRow("p2", (*int64)(nil), 0, ptr(testNow.Add(-30*time.Hour))))

	sums, err := h.agg.Compute(context.Background(), []string{"p1", "p2", "p3"})
	require.NoError(t, err)
	require.Len(t, sums, 3)

	p1 := sums["p1"]
	assert.Equal(t, int64(1899), *p1.MinPriceCents)
	assert.Equal(t, 2, p1.InStockCount)
	assert.Equal(t, checked, *p1.CheckedAt)
	assert.False(t, p1.StaleFlag)

	p2 := sums["p2"]
	assert.Nil(t, p2.MinPriceCents)
	assert.Zero(t, p2.InStockCount)
	assert.True(t, p2.StaleFlag)

	p3 := sums["p3"]
	assert.Nil(t, p3.CheckedAt)
	assert.True(t, p3.StaleFlag)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestRecompute(t *testing.T) {
	h := newHarness(t)
	checked := testNow.Add(-time.Hour)

	expectProducts(h.mock, []string{"p1"}, "p1")
	h.mock.ExpectQuery(`FROM offers`).
		WithArgs([]string{"p1"}).
		WillReturnRows(pgxmock.NewRows(aggCols).AddRow("p1", ptr(int64(2599)), 1, ptr(checked)))
	h.mock.ExpectExec(`(?s)INSERT INTO offer_summaries .*ON CONFLICT \(product_id\) DO UPDATE`).
		WithArgs("p1", ptr(int64(2599)), 1, false, ptr(checked), testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	s, err := h.agg.Recompute(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.InStockCount)
	assert.NoError(t, h.mock.ExpectationsWereMet())

	assert.True(t, h.mr.Exists(keyPrefix+"p1"))
	assert.Equal(t, 5*time.Minute, h.mr.TTL(keyPrefix+"p1"))
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.SummaryCache.WithLabelValues(TierComputed)), 0.001)
}

func TestEnsure_ReadsEachTierOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.cache.SetMany(ctx, []*model.OfferSummary{
		{ProductID: "p1", InStockCount: 3, CheckedAt: ptr(testNow.Add(-time.Hour))},
	}))

	h.mock.ExpectQuery(`FROM offer_summaries`).
		WithArgs([]string{"p2", "p3"}).
		WillReturnRows(pgxmock.NewRows(storedCols).
			AddRow("p2", ptr(int64(999)), 1, false, ptr(testNow.Add(-48*time.Hour)), testNow.Add(-48*time.Hour)))
	expectProducts(h.mock, []string{"p3"}, "p3")
	h.mock.ExpectQuery(`FROM offers`).
		WithArgs([]string{"p3"}).
		WillReturnRows(pgxmock.NewRows(aggCols))
	h.mock.ExpectBegin()
	h.mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_offer_summaries"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	h.mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_offer_summaries"},
		[]string{"product_id", "min_price_cents", "in_stock_count", "stale_flag", "checked_at", "updated_at"}).
		WillReturnResult(1)
	h.mock.ExpectExec(`INSERT INTO "offer_summaries" .* ON CONFLICT \("product_id"\) DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	h.mock.ExpectCommit()

	out, err := h.agg.Ensure(ctx, []string{"p1", "p2", "p3", "p1", ""})
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, 3, out["p1"].InStockCount)
	assert.False(t, out["p1"].StaleFlag)
	assert.True(t, out["p2"].StaleFlag, "stored flag is re-evaluated against now")
	assert.Zero(t, out["p3"].InStockCount)
	assert.True(t, out["p3"].StaleFlag)
	assert.NoError(t, h.mock.ExpectationsWereMet())

	assert.True(t, h.mr.Exists(keyPrefix+"p2"))
	assert.True(t, h.mr.Exists(keyPrefix+"p3"))
	for tier, want := range map[string]float64{TierCache: 1, TierStore: 1, TierComputed: 1} {
		assert.InDelta(t, want, testutil.ToFloat64(h.metrics.SummaryCache.WithLabelValues(tier)), 0.001, tier)
	}
}

func TestEnsure_AllCached(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.cache.SetMany(ctx, []*model.OfferSummary{{ProductID: "p1"}, {ProductID: "p2"}}))

	out, err := h.agg.Ensure(ctx, []string{"p1", "p2"})
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestEnsure_CacheDownFallsBackToStore(t *testing.T) {
	h := newHarness(t)
	h.mr.Close()

	h.mock.ExpectQuery(`FROM offer_summaries`).
		WithArgs([]string{"p1"}).
		WillReturnRows(pgxmock.NewRows(storedCols).
			AddRow("p1", (*int64)(nil), 0, true, (*time.Time)(nil), testNow))

	out, err := h.agg.Ensure(context.Background(), []string{"p1"})
	require.NoError(t, err)
	assert.True(t, out["p1"].StaleFlag)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestEnsure_Empty(t *testing.T) {
	agg := New(nil, Options{})
	out, err := agg.Ensure(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRecompute_UnknownProduct(t *testing.T) {
	h := newHarness(t)
	expectProducts(h.mock, []string{"gone"})

	_, err := h.agg.Recompute(context.Background(), "gone")
	assert.True(t, apperr.IsNotFound(err))
	assert.NoError(t, h.mock.ExpectationsWereMet())
	assert.False(t, h.mr.Exists(keyPrefix+"gone"))
}

func TestEnsure_SkipsUnknownProducts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.mock.ExpectQuery(`FROM offer_summaries`).
		WithArgs([]string{"p1", "not-a-uuid"}).
		WillReturnRows(pgxmock.NewRows(storedCols))
	expectProducts(h.mock, []string{"p1", "not-a-uuid"}, "p1")
	h.mock.ExpectQuery(`FROM offers`).
		WithArgs([]string{"p1"}).
		WillReturnRows(pgxmock.NewRows(aggCols).AddRow("p1", ptr(int64(500)), 1, ptr(testNow)))
	h.mock.ExpectBegin()
	h.mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_offer_summaries"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	h.mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_offer_summaries"},
		[]string{"product_id", "min_price_cents", "in_stock_count", "stale_flag", "checked_at", "updated_at"}).
		WillReturnResult(1)
	h.mock.ExpectExec(`INSERT INTO "offer_summaries" .* ON CONFLICT \("product_id"\) DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	h.mock.ExpectCommit()

	out, err := h.agg.Ensure(ctx, []string{"p1", "not-a-uuid"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(500), *out["p1"].MinPriceCents)
	assert.NotContains(t, out, "not-a-uuid")
	assert.NoError(t, h.mock.ExpectationsWereMet())

	assert.True(t, h.mr.Exists(keyPrefix+"p1"))
	assert.False(t, h.mr.Exists(keyPrefix+"not-a-uuid"))
}

func TestEnsure_NothingKnownWritesNothing(t *testing.T) {
	h := newHarness(t)

	h.mock.ExpectQuery(`FROM offer_summaries`).
		WithArgs([]string{"gone"}).
		WillReturnRows(pgxmock.NewRows(storedCols))
	expectProducts(h.mock, []string{"gone"})

	out, err := h.agg.Ensure(context.Background(), []string{"gone"})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}
