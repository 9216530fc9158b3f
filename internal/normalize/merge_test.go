package normalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-ingest/internal/model"
)

func TestCatalogFields(t *testing.T) {
	got := catalogFields(model.EntityProduct, map[string]any{
		"sku":        float64(1234),
		"name":       "  Tank  ",
		"image_urls": "https://cdn.test/a.jpg",
		"attributes": map[string]any{"volume_l": float64(57)},
		"status":     "deleted",
		"unknown":    "x",
		"brand":      nil,
		"mpn":        "",
	})
	assert.Equal(t, map[string]any{
		"sku":        "1234",
		"name":       "Tank",
		"image_urls": []any{"https://cdn.test/a.jpg"},
		"attributes": map[string]any{"volume_l": float64(57)},
	}, got)
}

func TestFields(t *testing.T) {
	assert.Contains(t, Fields(model.EntityPlant), "scientific_name")
	assert.NotContains(t, Fields(model.EntityProduct), "scientific_name")
	assert.Equal(t, []string{"product_id", "retailer_id", "url", "price_cents", "currency", "in_stock", "status"}, Fields(model.EntityOffer))
	assert.Nil(t, Fields("widget"))
}

func TestMerge(t *testing.T) {
	existing := map[string]any{
		"name":       "Old",
		"category":   "tanks",
		"image_url":  "https://cdn.test/a.jpg",
		"image_urls": []any{"https://cdn.test/a.jpg"},
		"status":     "hidden",
	}

	t.Run("new row", func(t *testing.T) {
		res := Merge(MergeInput{
			Type:       model.EntityProduct,
			Incoming:   map[string]any{"name": "Tank"},
			SnapshotID: "snap-1",
		})
		assert.Equal(t, "Tank", res.Fields["name"])
		assert.Equal(t, StatusActive, res.Fields["status"])
		assert.Nil(t, res.Fields["image_url"])
		assert.Len(t, res.Fields, len(Fields(model.EntityProduct)))
		assert.Equal(t, map[string]model.FieldWinner{
			"name": {Winner: model.WinnerIngest, SnapshotID: "snap-1"},
		}, res.Winners)
	})

	t.Run("ingest overwrites and clears", func(t *testing.T) {
		res := Merge(MergeInput{
			Type:     model.EntityProduct,
			Existing: existing,
			Incoming: map[string]any{"name": "New"},
		})
		assert.Equal(t, "New", res.Fields["name"])
		assert.Nil(t, res.Fields["category"])
		assert.Equal(t, "hidden", res.Fields["status"])
	})

	t.Run("images retained", func(t *testing.T) {
		res := Merge(MergeInput{
			Type:     model.EntityProduct,
			Existing: existing,
			Incoming: map[string]any{"image_urls": []any{}},
		})
		assert.Equal(t, "https://cdn.test/a.jpg", res.Fields["image_url"])
		assert.Equal(t, []any{"https://cdn.test/a.jpg"}, res.Fields["image_urls"])
		assert.Equal(t, model.WinnerRetained, res.Winners["image_url"].Winner)
	})

	t.Run("override beats ingest and images", func(t *testing.T) {
		ovs, err := DecodeOverrides([]model.NormalizationOverride{
			{ID: "o1", FieldPath: "name", Value: json.RawMessage(`"Curated"`), Reason: "typo"},
			{ID: "o2", FieldPath: "image_url", Value: json.RawMessage(`"https://cdn.test/curated.jpg"`)},
		})
		require.NoError(t, err)
		res := Merge(MergeInput{
			Type:      model.EntityProduct,
			Existing:  existing,
			Incoming:  map[string]any{"name": "Feed Name", "image_url": "https://cdn.test/feed.jpg"},
			Overrides: ovs,
		})
		assert.Equal(t, "Curated", res.Fields["name"])
		assert.Equal(t, "https://cdn.test/curated.jpg", res.Fields["image_url"])
		assert.Equal(t, model.FieldWinner{Winner: model.WinnerOverride, Reason: "typo"}, res.Winners["name"])
	})

	t.Run("offer override coerces numbers", func(t *testing.T) {
		ovs, err := DecodeOverrides([]model.NormalizationOverride{
			{ID: "o1", FieldPath: "price_cents", Value: json.RawMessage(`1299`)},
		})
		require.NoError(t, err)
		res := Merge(MergeInput{
			Type:      model.EntityOffer,
			Incoming:  map[string]any{"price_cents": int64(1500), "product_id": "p1"},
			Overrides: ovs,
		})
		assert.Equal(t, int64(1299), res.Fields["price_cents"])
		assert.Equal(t, "p1", res.Fields["product_id"])
	})
}

func TestDecodeOverridesRejectsBadJSON(t *testing.T) {
	_, err := DecodeOverrides([]model.NormalizationOverride{{ID: "o1", FieldPath: "name", Value: json.RawMessage(`{`)}})
	assert.Error(t, err)
}

func TestChanged(t *testing.T) {
	a := map[string]any{"price_cents": int64(100), "image_urls": []any{"x"}, "url": nil}
	assert.False(t, changed(a, map[string]any{"price_cents": int64(100), "image_urls": []any{"x"}, "url": nil}))
	assert.True(t, changed(a, map[string]any{"price_cents": int64(101), "image_urls": []any{"x"}, "url": nil}))
}

func TestColumnValue(t *testing.T) {
	v, err := ColumnValue(model.EntityProduct, "name", json.RawMessage(`"Tank"`))
	require.NoError(t, err)
	assert.Equal(t, "Tank", v)

	v, err = ColumnValue(model.EntityProduct, "image_urls", json.RawMessage(`["a","b"]`))
	require.NoError(t, err)
	assert.Equal(t, []byte(`["a","b"]`), v)

	v, err = ColumnValue(model.EntityOffer, "in_stock", json.RawMessage(`true`))
	require.NoError(t, err)
	assert.Equal(t, true, v)

	_, err = ColumnValue(model.EntityOffer, "price_cents", json.RawMessage(`"cheap"`))
	assert.ErrorContains(t, err, "integer")

	_, err = ColumnValue(model.EntityProduct, "name", json.RawMessage(`null`))
	assert.Error(t, err)

	_, err = ColumnValue(model.EntityProduct, "scientific_name", json.RawMessage(`"x"`))
	assert.Error(t, err)
}
