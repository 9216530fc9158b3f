package fetcher

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJSONArray_KeepsNumbers(t *testing.T) {
	itemCh, errCh := DecodeJSONArray[map[string]any](context.Background(),
		strings.NewReader(`[{"sku":"T1","price":19.99},{"sku":"T2","upc":012345678905}]`))

	var items []map[string]any
	for it := range itemCh {
		items = append(items, it)
	}
	// Leading zero is invalid JSON, so the second element fails.
	require.Error(t, <-errCh)
	require.Len(t, items, 1)
	assert.Equal(t, json.Number("19.99"), items[0]["price"])
}

func TestDecodeJSONArray_NotAnArray(t *testing.T) {
	itemCh, errCh := DecodeJSONArray[map[string]any](context.Background(), strings.NewReader(`{"sku":"T1"}`))
	for range itemCh {
	}
	err := <-errCh
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected '['")
}

func TestDecodeJSONObject(t *testing.T) {
	type offer struct {
		Price   float64 `json:"price"`
		InStock bool    `json:"inStock"`
	}
	got, err := DecodeJSONObject[offer](strings.NewReader(`{"price":12.5,"inStock":true}`))
	require.NoError(t, err)
	assert.Equal(t, offer{Price: 12.5, InStock: true}, *got)

	_, err = DecodeJSONObject[offer](strings.NewReader(`{`))
	assert.Error(t, err)
}

func TestReadJSONRecords(t *testing.T) {
	records, err := ReadJSONRecords(context.Background(),
		strings.NewReader(`[{"sku":"T1","dims":{"l":60}},{},{"sku":"T2"}]`))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "T1", records[0]["sku"])
	assert.Equal(t, map[string]any{"l": json.Number("60")}, records[0]["dims"])

	records, err = ReadJSONRecords(context.Background(), strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, records)
}
