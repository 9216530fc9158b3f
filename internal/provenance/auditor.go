// Package provenance reports canonical rows that no ingestion entity backs.
package provenance

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-ingest/internal/db"
	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/normalize"
)

// Counts is a per-type tally of canonical rows.
type Counts struct {
	Products int `json:"products"`
	Plants   int `json:"plants"`
	Offers   int `json:"offers"`
	Total    int `json:"total"`
}

func (c *Counts) add(t model.EntityType, n int) {
	switch t {
	case model.EntityProduct:
		c.Products += n
	case model.EntityPlant:
		c.Plants += n
	case model.EntityOffer:
		c.Offers += n
	}
	c.Total += n
}

// BuildRefs counts build items pointing at rows without provenance.
type BuildRefs struct {
	Products int `json:"products"`
	Plants   int `json:"plants"`
	Total    int `json:"total"`
}

// Report is a point-in-time provenance audit.
type Report struct {
	CanonicalWithoutProvenance         Counts    `json:"canonicalWithoutProvenance"`
	DisplayedWithoutProvenance         Counts    `json:"displayedWithoutProvenance"`
	BuildPartsReferencingNonProvenance BuildRefs `json:"buildPartsReferencingNonProvenance"`
	HasDisplayedViolations             bool      `json:"hasDisplayedViolations"`
	CheckedAt                          time.Time `json:"checkedAt"`
}

// Auditor computes Reports. It never writes.
type Auditor struct {
	pool db.Pool
	now  func() time.Time
}

// NewAuditor creates an Auditor.
func NewAuditor(pool db.Pool) *Auditor {
	return &Auditor{pool: pool, now: time.Now}
}

// Audit runs every count inside one read-only repeatable-read transaction
// so the numbers describe a single snapshot of the catalog.
func (a *Auditor) Audit(ctx context.Context) (*Report, error) {
	r := &Report{CheckedAt: a.now().UTC()}

	err := db.InTx(ctx, a.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SET TRANSACTION ISOLATION LEVEL REPEATABLE READ, READ ONLY`); err != nil {
			return eris.Wrap(err, "provenance: set transaction")
		}
		for _, t := range model.NormalizationOrder {
			total, displayed, err := countUnbacked(ctx, tx, t)
			if err != nil {
				return err
			}
			r.CanonicalWithoutProvenance.add(t, total)
			r.DisplayedWithoutProvenance.add(t, displayed)
		}
		refs, err := countBuildRefs(ctx, tx)
		if err != nil {
			return err
		}
		r.BuildPartsReferencingNonProvenance = refs
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.HasDisplayedViolations = r.DisplayedWithoutProvenance.Total > 0 ||
		r.BuildPartsReferencingNonProvenance.Total > 0
	return r, nil
}

func countUnbacked(ctx context.Context, q db.Pool, t model.EntityType) (total, displayed int, err error) {
	table, _ := normalize.Table(t)
	err = q.QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE c.status = '`+normalize.StatusActive+`')
		FROM `+table+` c
		WHERE NOT EXISTS (
			SELECT 1 FROM canonical_entity_mappings m
			WHERE m.canonical_type = $1 AND m.canonical_id = c.id
		)`, string(t)).Scan(&total, &displayed)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "provenance: count unbacked %s", t)
	}
	return total, displayed, nil
}

func countBuildRefs(ctx context.Context, q db.Pool) (BuildRefs, error) {
	var r BuildRefs
	err := q.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE bi.product_id IS NOT NULL AND NOT EXISTS (
				SELECT 1 FROM canonical_entity_mappings m
				WHERE m.canonical_type = 'product' AND m.canonical_id = bi.product_id)),
			count(*) FILTER (WHERE bi.plant_id IS NOT NULL AND NOT EXISTS (
				SELECT 1 FROM canonical_entity_mappings m
				WHERE m.canonical_type = 'plant' AND m.canonical_id = bi.plant_id))
		FROM build_items bi`).Scan(&r.Products, &r.Plants)
	if err != nil {
		return r, eris.Wrap(err, "provenance: count build references")
	}
	r.Total = r.Products + r.Plants
	return r, nil
}
