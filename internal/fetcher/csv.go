package fetcher

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// CSVOptions configures the CSV reader.
type CSVOptions struct {
	Delimiter  rune // default ','
	Comment    rune // 0 = none
	LazyQuotes bool
}

// StreamCSV reads r and sends trimmed rows to a channel.
// Both channels are closed when processing completes.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		reader.Comment = opts.Comment
		reader.LazyQuotes = opts.LazyQuotes
		reader.FieldsPerRecord = -1

		for {
			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "csv: read row")
				return
			}
			for i, field := range record {
				record[i] = strings.TrimSpace(field)
			}

			select {
			case rowCh <- record:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

// ReadCSVRecords reads a CSV file whose first row is the header.
func ReadCSVRecords(ctx context.Context, r io.Reader, opts CSVOptions) ([]map[string]any, error) {
	rowCh, errCh := StreamCSV(ctx, r, opts)

	var (
		header  []string
		records []map[string]any
	)
	for row := range rowCh {
		if header == nil {
			header = row
			continue
		}
		if rec := rowToRecord(header, row); rec != nil {
			records = append(records, rec)
		}
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return records, nil
}

// rowToRecord pairs cells with header names. Empty cells are omitted, and a
// row with no values yields nil.
func rowToRecord(header, row []string) map[string]any {
	rec := make(map[string]any, len(header))
	for i, name := range header {
		if name == "" || i >= len(row) || row[i] == "" {
			continue
		}
		rec[name] = row[i]
	}
	if len(rec) == 0 {
		return nil
	}
	return rec
}
