// Package feeds pulls bulk retailer feed files over FTP and ingests each row.
package feeds

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/catalog-ingest/internal/apperr"
	"github.com/sells-group/catalog-ingest/internal/fetcher"
	"github.com/sells-group/catalog-ingest/internal/ingest"
	"github.com/sells-group/catalog-ingest/internal/jobs"
	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/resilience"
	"github.com/sells-group/catalog-ingest/internal/sources"
)

// SourceGetter resolves the feed source.
type SourceGetter interface {
	Get(ctx context.Context, id string) (*model.IngestionSource, error)
}

// Handler runs feeds.ftp_pull jobs.
type Handler struct {
	sources  SourceGetter
	ftp      fetcher.FileDownloader
	ingester ingest.Ingester
}

// NewHandler creates a Handler.
func NewHandler(src SourceGetter, ftp fetcher.FileDownloader, ing ingest.Ingester) *Handler {
	return &Handler{sources: src, ftp: ftp, ingester: ing}
}

// Kind implements jobs.Handler.
func (h *Handler) Kind() model.JobKind { return model.JobFeedPull }

// Handle implements jobs.Handler.
func (h *Handler) Handle(ctx context.Context, req jobs.Request) (model.RunStats, error) {
	p, ok := req.Payload.(jobs.FeedPull)
	if !ok {
		return nil, apperr.Terminal(nil, "unexpected payload %T", req.Payload)
	}

	src, err := h.sources.Get(ctx, p.SourceID)
	if err != nil {
		return nil, err
	}
	if src.Kind != model.SourceKindFeed {
		return nil, apperr.Validation("source %s is %s, not a feed", src.Slug, src.Kind)
	}
	cfg, err := sources.DecodeConfig(src)
	if err != nil {
		return nil, apperr.Validation("source %s: %v", src.Slug, err)
	}
	target, err := fetcher.TargetFromSource(cfg.FTP, p.Path)
	if err != nil {
		return nil, apperr.Validation("source %s: %v", src.Slug, err)
	}
	format, err := fetcher.FormatFromPath(p.Path)
	if err != nil {
		return nil, apperr.Validation("%v", err)
	}

	log := zap.L().With(
		zap.String("source", src.Slug),
		zap.String("path", p.Path),
		zap.String("entity_type", string(p.EntityType)),
	)

	rc, err := h.ftp.Download(ctx, target)
	if err != nil {
		return nil, resilience.NewFetchError("ftp://"+target.Host+p.Path, 0, err)
	}
	defer rc.Close() //nolint:errcheck

	records, err := fetcher.ReadRecords(ctx, rc, format)
	if err != nil {
		return nil, err
	}
	log.Info("feeds: downloaded", zap.Int("records", len(records)))

	stats, err := ingest.ImportRecords(ctx, h.ingester, ingest.Batch{
		SourceID:   src.ID,
		RunID:      req.RunID,
		EntityType: p.EntityType,
		IDColumn:   p.IDColumn,
		URLColumn:  "url",
	}, records)
	if err != nil {
		return stats, err
	}

	log.Info("feeds: ingested",
		zap.Int("created", stats[ingest.StatSnapshotsCreated]),
		zap.Int("deduped", stats[ingest.StatSnapshotsDeduped]),
		zap.Int("errors", stats[ingest.StatErrors]),
	)
	return stats, nil
}
