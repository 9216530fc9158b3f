package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatFromPath(t *testing.T) {
	tests := map[string]Format{
		"seed/products.csv": FormatCSV,
		"seed/PLANTS.XLSX":  FormatXLSX,
		"seed/offers.json":  FormatJSON,
		"exports/feed.txt":  FormatCSV,
	}
	for path, want := range tests {
		got, err := FormatFromPath(path)
		require.NoError(t, err, path)
		assert.Equal(t, want, got, path)
	}

	_, err := FormatFromPath("seed/products.xml")
	assert.Error(t, err)
}

func TestReadRecordsFile(t *testing.T) {
	dir := t.TempDir()

	csvPath := filepath.Join(dir, "products.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("sku,name\nT1,Tank A\n"), 0o644))
	records, err := ReadRecordsFile(context.Background(), csvPath)
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"sku": "T1", "name": "Tank A"}}, records)

	xlsxPath := filepath.Join(dir, "plants.xlsx")
	require.NoError(t, os.WriteFile(xlsxPath, buildXLSX(t, map[string][][]string{
		"Sheet1": {{"slug"}, {"java-fern"}},
	}), 0o644))
	records, err = ReadRecordsFile(context.Background(), xlsxPath)
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"slug": "java-fern"}}, records)

	_, err = ReadRecordsFile(context.Background(), filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
