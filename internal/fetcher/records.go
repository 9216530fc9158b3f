package fetcher

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// Format is a tabular file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatJSON Format = "json"
)

// FormatFromPath infers the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", eris.Errorf("fetcher: unsupported file type %q", filepath.Ext(path))
}

// ReadRecords reads every record from r in the given format.
func ReadRecords(ctx context.Context, r io.Reader, format Format) ([]map[string]any, error) {
	switch format {
	case FormatCSV:
		return ReadCSVRecords(ctx, r, CSVOptions{LazyQuotes: true})
	case FormatJSON:
		return ReadJSONRecords(ctx, r)
	case FormatXLSX:
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, r); err != nil {
			return nil, eris.Wrap(err, "xlsx: read")
		}
		return ReadXLSXRecords(buf.Bytes(), XLSXOptions{})
	}
	return nil, eris.Errorf("fetcher: unsupported format %q", format)
}

// ReadRecordsFile opens path and reads it according to its extension.
func ReadRecordsFile(ctx context.Context, path string) ([]map[string]any, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	return ReadRecords(ctx, f, format)
}
