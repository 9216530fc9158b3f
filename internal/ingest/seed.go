package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/catalog-ingest/internal/model"
)

// Run stat keys shared by every ingesting handler.
const (
	StatRecords          = "records"
	StatSnapshotsCreated = "snapshots_created"
	StatSnapshotsDeduped = "snapshots_deduped"
	StatSkippedNoID      = "skipped_no_id"
	StatErrors           = "errors"
)

// defaultIDColumns are tried in order when a batch names no id column.
var defaultIDColumns = []string{"id", "sku", "slug"}

// Batch describes a set of tabular records from one source.
type Batch struct {
	SourceID   string
	RunID      string
	EntityType model.EntityType
	IDColumn   string // empty tries id, sku, slug
	URLColumn  string // optional
}

// Ingester is the part of Ingestor a batch import needs.
type Ingester interface {
	Ingest(ctx context.Context, in Input) (*Result, error)
}

// ImportRecords ingests each record as a snapshot. Rows without an id are
// skipped; per-row failures are counted and logged, and the last one is
// returned only if no row succeeded.
func ImportRecords(ctx context.Context, ing Ingester, b Batch, records []map[string]any) (model.RunStats, error) {
	stats := model.RunStats{}
	var lastErr error

	for n, rec := range records {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Add(StatRecords, 1)

		id := recordID(rec, b.IDColumn)
		if id == "" {
			stats.Add(StatSkippedNoID, 1)
			continue
		}

		payload, err := json.Marshal(rec)
		if err != nil {
			stats.Add(StatErrors, 1)
			lastErr = err
			continue
		}

		in := Input{
			SourceID:       b.SourceID,
			RunID:          b.RunID,
			EntityType:     b.EntityType,
			SourceEntityID: id,
			Payload:        payload,
		}
		if b.URLColumn != "" {
			in.URL = stringValue(rec[b.URLColumn])
		}

		res, err := ing.Ingest(ctx, in)
		if err != nil {
			stats.Add(StatErrors, 1)
			lastErr = err
			zap.L().Warn("ingest: record failed",
				zap.Int("row", n),
				zap.String("source_entity_id", id),
				zap.Error(err),
			)
			continue
		}
		if res.SnapshotCreated {
			stats.Add(StatSnapshotsCreated, 1)
		} else {
			stats.Add(StatSnapshotsDeduped, 1)
		}
	}

	if lastErr != nil && stats[StatSnapshotsCreated]+stats[StatSnapshotsDeduped] == 0 {
		return stats, lastErr
	}
	return stats, nil
}

func recordID(rec map[string]any, column string) string {
	if column != "" {
		return stringValue(rec[column])
	}
	for _, c := range defaultIDColumns {
		if id := stringValue(rec[c]); id != "" {
			return id
		}
	}
	return ""
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}
