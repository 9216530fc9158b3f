package offers

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-ingest/internal/apperr"
	"github.com/sells-group/catalog-ingest/internal/db"
	"github.com/sells-group/catalog-ingest/internal/model"
)

// Offer is the slice of an offers row the refresh handlers use.
type Offer struct {
	ID            string
	ProductID     string
	RetailerID    string
	URL           *string
	PriceCents    *int64
	Currency      *string
	InStock       bool
	LastCheckedAt *time.Time
}

// Check is the outcome of one availability or detail fetch.
type Check struct {
	HTTPStatus int
	At         time.Time
	InStock    *bool   // nil leaves in_stock unchanged
	Detail     *Detail // nil for a HEAD check
}

// Store reads and stamps offers.
type Store interface {
	Get(ctx context.Context, id string) (*Offer, error)
	// ListDue returns active offers with a url not checked since before,
	// never-checked first.
	ListDue(ctx context.Context, before time.Time, limit int) ([]Offer, error)
	RecordCheck(ctx context.Context, id string, c Check) error
	// SourceEntity returns the earliest-mapped ingestion entity behind an offer.
	SourceEntity(ctx context.Context, offerID string) (*model.IngestionEntity, error)
}

// PostgresStore implements Store.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const offerCols = `id, product_id, retailer_id, url, price_cents, currency, in_stock, last_checked_at`

func scanOffer(row pgx.Row) (*Offer, error) {
	var o Offer
	err := row.Scan(&o.ID, &o.ProductID, &o.RetailerID, &o.URL, &o.PriceCents, &o.Currency, &o.InStock, &o.LastCheckedAt)
	return &o, err
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Offer, error) {
	o, err := scanOffer(s.pool.QueryRow(ctx, `SELECT `+offerCols+` FROM offers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("offer %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "offers: get %s", id)
	}
	return o, nil
}

// ListDue implements Store.
func (s *PostgresStore) ListDue(ctx context.Context, before time.Time, limit int) ([]Offer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+offerCols+`
		FROM offers
		WHERE status = 'active' AND url IS NOT NULL
			AND (last_checked_at IS NULL OR last_checked_at < $1)
		ORDER BY last_checked_at NULLS FIRST, id
		LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "offers: list due")
	}
	defer rows.Close()

	var out []Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, eris.Wrap(err, "offers: list due: scan")
		}
		out = append(out, *o)
	}
	return out, eris.Wrap(rows.Err(), "offers: list due: iterate")
}

// RecordCheck implements Store. Price and currency are only overwritten
// when the detail carries them.
func (s *PostgresStore) RecordCheck(ctx context.Context, id string, c Check) error {
	var (
		price    *int64
		currency *string
	)
	if c.Detail != nil {
		price = c.Detail.PriceCents
		if c.Detail.Currency != "" {
			currency = &c.Detail.Currency
		}
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE offers SET
			http_status = $2,
			last_checked_at = $3,
			in_stock = COALESCE($4, in_stock),
			price_cents = COALESCE($5, price_cents),
			currency = COALESCE($6, currency),
			updated_at = now()
		WHERE id = $1`,
		id, c.HTTPStatus, c.At, c.InStock, price, currency,
	)
	if err != nil {
		return eris.Wrapf(err, "offers: record check %s", id)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("offer %s", id)
	}
	return nil
}

// SourceEntity implements Store.
func (s *PostgresStore) SourceEntity(ctx context.Context, offerID string) (*model.IngestionEntity, error) {
	var (
		e   model.IngestionEntity
		typ string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT e.id, e.source_id, e.entity_type, e.source_entity_id, e.url, e.active, e.first_seen_at, e.last_seen_at
		FROM canonical_entity_mappings m
		JOIN ingestion_entities e ON e.id = m.entity_id
		WHERE m.canonical_type = 'offer' AND m.canonical_id = $1
		ORDER BY m.created_at, e.id
		LIMIT 1`,
		offerID,
	).Scan(&e.ID, &e.SourceID, &typ, &e.SourceEntityID, &e.URL, &e.Active, &e.FirstSeenAt, &e.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("no ingestion entity mapped to offer %s", offerID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "offers: source entity for %s", offerID)
	}
	e.EntityType = model.EntityType(typ)
	return &e, nil
}
