package summary

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-ingest/internal/model"
)

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	c, err := NewRedisCache(ctx, mr.Addr(), "", 0, time.Minute)
	require.NoError(t, err)
	defer c.Close() //nolint:errcheck

	got, err := c.GetMany(ctx, []string{"p1"})
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, c.SetMany(ctx, []*model.OfferSummary{
		{ProductID: "p1", MinPriceCents: ptr(int64(500)), InStockCount: 2},
		{ProductID: "p2", StaleFlag: true},
	}))
	require.NoError(t, mr.Set(keyPrefix+"p3", "{not json"))

	got, err = c.GetMany(ctx, []string{"p1", "p2", "p3", "p4"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(500), *got["p1"].MinPriceCents)
	assert.True(t, got["p2"].StaleFlag)

	require.NoError(t, c.Delete(ctx, "p1"))
	assert.False(t, mr.Exists(keyPrefix+"p1"))
	assert.True(t, mr.Exists(keyPrefix+"p2"))
}

func TestNewRedisCache_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisCache(context.Background(), addr, "", 0, time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping")
}

func TestNoopCache(t *testing.T) {
	var c Cache = NoopCache{}
	got, err := c.GetMany(context.Background(), []string{"p1"})
	assert.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, c.SetMany(context.Background(), []*model.OfferSummary{{ProductID: "p1"}}))
}
