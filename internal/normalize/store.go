package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-ingest/internal/apperr"
	"github.com/sells-group/catalog-ingest/internal/db"
	"github.com/sells-group/catalog-ingest/internal/model"
)

// Tx is the catalog surface one normalization pass reads and writes.
type Tx interface {
	// Mapping returns the entity's mapping, or nil when it has none.
	Mapping(ctx context.Context, entityID string) (*model.CanonicalMapping, error)
	Candidates(ctx context.Context, t model.EntityType, ids model.Identifiers) ([]model.Candidate, error)
	Canonical(ctx context.Context, t model.EntityType, id string) (*model.CanonicalRecord, error)
	Overrides(ctx context.Context, t model.EntityType, id string) ([]model.NormalizationOverride, error)
	InsertCanonical(ctx context.Context, t model.EntityType, fields map[string]any) (string, error)
	UpdateCanonical(ctx context.Context, t model.EntityType, id string, fields map[string]any) error
	UpsertMapping(ctx context.Context, m *model.CanonicalMapping) error
	// ProductForEntity resolves a product's source entity id under a source
	// to its canonical product id.
	ProductForEntity(ctx context.Context, sourceID, sourceEntityID string) (string, error)
	EnsureRetailer(ctx context.Context, slug, name string) (string, error)
	// FindOffer returns the offer id for the pair, or "" when none exists.
	FindOffer(ctx context.Context, productID, retailerID string) (string, error)
}

// Store runs fn in one transaction.
type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
}

// PostgresStore implements Store.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// InTx implements Store.
func (s *PostgresStore) InTx(ctx context.Context, fn func(Tx) error) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx})
	})
}

// Tx returns a Tx running directly on the pool, outside any transaction.
func (s *PostgresStore) Tx() Tx {
	return &pgTx{q: s.pool}
}

type pgTx struct {
	q db.Pool
}

// MappingColumns is the select list ScanMapping expects.
const MappingColumns = `entity_id, canonical_type, canonical_id, match_method, confidence, notes, created_at, updated_at`

// ScanMapping scans one canonical_entity_mappings row selected with MappingColumns.
func ScanMapping(row pgx.Row) (*model.CanonicalMapping, error) {
	var (
		m     model.CanonicalMapping
		ctype string
		notes []byte
	)
	if err := row.Scan(&m.EntityID, &ctype, &m.CanonicalID, &m.MatchMethod, &m.Confidence, &notes, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.CanonicalType = model.EntityType(ctype)
	if len(notes) > 0 {
		if err := json.Unmarshal(notes, &m.Notes); err != nil {
			return nil, eris.Wrap(err, "normalize: decode mapping notes")
		}
	}
	return &m, nil
}

func (t *pgTx) Mapping(ctx context.Context, entityID string) (*model.CanonicalMapping, error) {
	m, err := ScanMapping(t.q.QueryRow(ctx,
		`SELECT `+MappingColumns+` FROM canonical_entity_mappings WHERE entity_id = $1`, entityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "normalize: load mapping for %s", entityID)
	}
	return m, nil
}

func (t *pgTx) Candidates(ctx context.Context, et model.EntityType, ids model.Identifiers) ([]model.Candidate, error) {
	tb, ok := tableFor(et)
	if !ok || et == model.EntityOffer {
		return nil, apperr.Validation("normalize: no candidate search for %s", et)
	}

	var (
		conds []string
		args  []any
	)
	for _, k := range model.IdentifierKeys {
		if v := ids.Values[k]; v != "" {
			args = append(args, v)
			conds = append(conds, fmt.Sprintf(`upper(regexp_replace(%s, '[^[:alnum:]]', '', 'g')) = $%d`, k, len(args)))
		}
	}
	if brand := FoldName(ids.Brand); brand != "" {
		args = append(args, brand)
		conds = append(conds, fmt.Sprintf(`fold_name(brand) = $%d`, len(args)))
	}
	if len(conds) == 0 {
		return nil, nil
	}

	rows, err := t.q.Query(ctx, `
		SELECT id, slug, brand, name, sku, upc, ean, gtin, mpn, asin, model_number, created_at
		FROM `+tb.name+`
		WHERE `+strings.Join(conds, " OR ")+`
		ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "normalize: search %s candidates", et)
	}
	defer rows.Close()

	var out []model.Candidate
	for rows.Next() {
		var (
			c                 model.Candidate
			slug, brand, name *string
			sku, upc, ean     *string
			gtin, mpn, asin   *string
			modelNumber       *string
		)
		if err := rows.Scan(&c.ID, &slug, &brand, &name, &sku, &upc, &ean, &gtin, &mpn, &asin, &modelNumber, &c.CreatedAt); err != nil {
			return nil, eris.Wrapf(err, "normalize: scan %s candidate", et)
		}
		payload := map[string]any{}
		for k, v := range map[string]*string{
			"slug": slug, "brand": brand, "name": name, "sku": sku, "upc": upc, "ean": ean,
			"gtin": gtin, "mpn": mpn, "asin": asin, "model_number": modelNumber,
		} {
			if v != nil {
				payload[k] = *v
			}
		}
		c.Identifiers = ExtractIdentifiers(payload)
		out = append(out, c)
	}
	return out, eris.Wrapf(rows.Err(), "normalize: iterate %s candidates", et)
}

func (t *pgTx) Canonical(ctx context.Context, et model.EntityType, id string) (*model.CanonicalRecord, error) {
	tb, ok := tableFor(et)
	if !ok {
		return nil, apperr.Validation("normalize: unknown entity type %q", et)
	}

	names := make([]string, len(tb.columns))
	dest := make([]any, 0, len(tb.columns)+3)
	rec := &model.CanonicalRecord{Type: et, Fields: make(map[string]any, len(tb.columns))}
	dest = append(dest, &rec.ID)
	for i, c := range tb.columns {
		names[i] = c.name
		dest = append(dest, scanTarget(c.kind))
	}
	dest = append(dest, &rec.CreatedAt, &rec.UpdatedAt)

	err := t.q.QueryRow(ctx,
		`SELECT id, `+strings.Join(names, ", ")+`, created_at, updated_at FROM `+tb.name+` WHERE id = $1`, id,
	).Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("%s %s", et, id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "normalize: load %s %s", et, id)
	}

	for i, c := range tb.columns {
		v, err := fromScan(c.kind, dest[i+1])
		if err != nil {
			return nil, eris.Wrapf(err, "normalize: decode %s.%s", tb.name, c.name)
		}
		rec.Fields[c.name] = v
	}
	return rec, nil
}

func scanTarget(kind colKind) any {
	switch kind {
	case colJSON:
		return new([]byte)
	case colInt:
		return new(*int64)
	case colBool:
		return new(*bool)
	default:
		return new(*string)
	}
}

func fromScan(kind colKind, dest any) (any, error) {
	switch kind {
	case colJSON:
		b := *dest.(*[]byte)
		if len(b) == 0 {
			return nil, nil
		}
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, err
		}
		return v, nil
	case colInt:
		if p := *dest.(**int64); p != nil {
			return *p, nil
		}
	case colBool:
		if p := *dest.(**bool); p != nil {
			return *p, nil
		}
	default:
		if p := *dest.(**string); p != nil {
			return *p, nil
		}
	}
	return nil, nil
}

// columnArg converts a merged value to a query argument.
func columnArg(c column, v any) (any, error) {
	if c.kind == colJSON {
		if v == nil {
			if c.name == "attributes" {
				return []byte(`{}`), nil
			}
			return nil, nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, eris.Wrapf(err, "normalize: encode %s", c.name)
		}
		return b, nil
	}
	if c.kind == colBool && v == nil {
		return false, nil
	}
	return v, nil
}

func (t *pgTx) InsertCanonical(ctx context.Context, et model.EntityType, fields map[string]any) (string, error) {
	tb, ok := tableFor(et)
	if !ok {
		return "", apperr.Validation("normalize: unknown entity type %q", et)
	}
	names := make([]string, len(tb.columns))
	placeholders := make([]string, len(tb.columns))
	args := make([]any, len(tb.columns))
	for i, c := range tb.columns {
		arg, err := columnArg(c, fields[c.name])
		if err != nil {
			return "", err
		}
		names[i] = c.name
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = arg
	}

	var id string
	err := t.q.QueryRow(ctx,
		`INSERT INTO `+tb.name+` (`+strings.Join(names, ", ")+`) VALUES (`+strings.Join(placeholders, ", ")+`) RETURNING id`,
		args...,
	).Scan(&id)
	if err != nil {
		return "", eris.Wrapf(err, "normalize: insert %s", et)
	}
	return id, nil
}

func (t *pgTx) UpdateCanonical(ctx context.Context, et model.EntityType, id string, fields map[string]any) error {
	tb, ok := tableFor(et)
	if !ok {
		return apperr.Validation("normalize: unknown entity type %q", et)
	}
	sets := make([]string, len(tb.columns))
	args := make([]any, 0, len(tb.columns)+1)
	args = append(args, id)
	for i, c := range tb.columns {
		arg, err := columnArg(c, fields[c.name])
		if err != nil {
			return err
		}
		args = append(args, arg)
		sets[i] = fmt.Sprintf("%s = $%d", c.name, i+2)
	}

	tag, err := t.q.Exec(ctx,
		`UPDATE `+tb.name+` SET `+strings.Join(sets, ", ")+`, updated_at = now() WHERE id = $1`, args...)
	if err != nil {
		return eris.Wrapf(err, "normalize: update %s %s", et, id)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("%s %s", et, id)
	}
	return nil
}

func (t *pgTx) UpsertMapping(ctx context.Context, m *model.CanonicalMapping) error {
	notes, err := json.Marshal(m.Notes)
	if err != nil {
		return eris.Wrap(err, "normalize: encode mapping notes")
	}
	_, err = t.q.Exec(ctx, `
		INSERT INTO canonical_entity_mappings (entity_id, canonical_type, canonical_id, match_method, confidence, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (entity_id) DO UPDATE SET
			canonical_type = EXCLUDED.canonical_type,
			canonical_id = EXCLUDED.canonical_id,
			match_method = EXCLUDED.match_method,
			confidence = EXCLUDED.confidence,
			notes = EXCLUDED.notes,
			updated_at = now()`,
		m.EntityID, string(m.CanonicalType), m.CanonicalID, m.MatchMethod, m.Confidence, notes,
	)
	return eris.Wrapf(err, "normalize: upsert mapping for %s", m.EntityID)
}

// OverrideColumns is the select list ScanOverride expects.
const OverrideColumns = `id, canonical_type, canonical_id, field_path, value, reason, actor_user_id, created_at, updated_at`

// ScanOverride scans one normalization_overrides row selected with OverrideColumns.
func ScanOverride(row pgx.Row) (*model.NormalizationOverride, error) {
	var (
		o     model.NormalizationOverride
		ctype string
		value []byte
	)
	if err := row.Scan(&o.ID, &ctype, &o.CanonicalID, &o.FieldPath, &value, &o.Reason, &o.ActorUserID, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.CanonicalType = model.EntityType(ctype)
	o.Value = json.RawMessage(value)
	return &o, nil
}

func (t *pgTx) Overrides(ctx context.Context, et model.EntityType, id string) ([]model.NormalizationOverride, error) {
	rows, err := t.q.Query(ctx, `
		SELECT `+OverrideColumns+` FROM normalization_overrides
		WHERE canonical_type = $1 AND canonical_id = $2
		ORDER BY field_path`, string(et), id)
	if err != nil {
		return nil, eris.Wrapf(err, "normalize: load overrides for %s %s", et, id)
	}
	defer rows.Close()

	var out []model.NormalizationOverride
	for rows.Next() {
		o, err := ScanOverride(rows)
		if err != nil {
			return nil, eris.Wrap(err, "normalize: scan override")
		}
		out = append(out, *o)
	}
	return out, eris.Wrap(rows.Err(), "normalize: iterate overrides")
}

func (t *pgTx) ProductForEntity(ctx context.Context, sourceID, sourceEntityID string) (string, error) {
	var id string
	err := t.q.QueryRow(ctx, `
		SELECT m.canonical_id
		FROM ingestion_entities e
		JOIN canonical_entity_mappings m ON m.entity_id = e.id
		WHERE e.source_id = $1 AND e.entity_type = 'product' AND e.source_entity_id = $2
			AND m.canonical_type = 'product'`,
		sourceID, sourceEntityID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", apperr.NotFound("normalized product %q under source %s", sourceEntityID, sourceID)
	}
	if err != nil {
		return "", eris.Wrapf(err, "normalize: resolve product %s", sourceEntityID)
	}
	return id, nil
}

func (t *pgTx) EnsureRetailer(ctx context.Context, slug, name string) (string, error) {
	var id string
	err := t.q.QueryRow(ctx, `
		INSERT INTO retailers (slug, name) VALUES ($1, $2)
		ON CONFLICT (slug) DO UPDATE SET name = COALESCE(retailers.name, EXCLUDED.name)
		RETURNING id`,
		slug, name,
	).Scan(&id)
	if err != nil {
		return "", eris.Wrapf(err, "normalize: ensure retailer %s", slug)
	}
	return id, nil
}

func (t *pgTx) FindOffer(ctx context.Context, productID, retailerID string) (string, error) {
	var id string
	err := t.q.QueryRow(ctx,
		`SELECT id FROM offers WHERE product_id = $1 AND retailer_id = $2`, productID, retailerID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrap(err, "normalize: find offer")
	}
	return id, nil
}
