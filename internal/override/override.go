// Package override implements the admin surface over canonical rows:
// field overrides and manual entity mappings. Every mutation writes one
// admin_audit_log row in the same transaction and emits a catalog event
// after commit.
package override

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-ingest/internal/apperr"
	"github.com/sells-group/catalog-ingest/internal/db"
	"github.com/sells-group/catalog-ingest/internal/events"
	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/normalize"
)

// Audit actions.
const (
	ActionOverrideCreate = "override.create"
	ActionOverrideUpdate = "override.update"
	ActionOverrideDelete = "override.delete"
	ActionMappingMap     = "mapping.map"
	ActionMappingUnmap   = "mapping.unmap"
)

// Audit target types.
const (
	TargetOverride = "normalization_override"
	TargetMapping  = "canonical_entity_mapping"
)

// Fields an override may never set. Offer linkage is owned by normalization.
var lockedFields = []string{"product_id", "retailer_id"}

// OverridableFields lists the fields an override may target for t.
func OverridableFields(t model.EntityType) []string {
	var out []string
	for _, f := range normalize.Fields(t) {
		if !slices.Contains(lockedFields, f) {
			out = append(out, f)
		}
	}
	return out
}

// Store performs admin mutations.
type Store struct {
	pool   db.Pool
	events events.Publisher
	now    func() time.Time
}

// NewStore creates a Store. pub may be nil.
func NewStore(pool db.Pool, pub events.Publisher) *Store {
	if pub == nil {
		pub = events.Noop{}
	}
	return &Store{pool: pool, events: pub, now: time.Now}
}

// CreateRequest adds an override.
type CreateRequest struct {
	Actor         string
	CanonicalType model.EntityType
	CanonicalID   string
	FieldPath     string
	Value         json.RawMessage
	Reason        string
}

// UpdateRequest replaces an override's value and reason.
type UpdateRequest struct {
	Actor  string
	ID     string
	Value  json.RawMessage
	Reason string
}

func requireActor(actor string) error {
	if strings.TrimSpace(actor) == "" {
		return apperr.Validation("actor is required")
	}
	return nil
}

// validateField checks the field path and value and returns the column argument.
func validateField(t model.EntityType, field string, value json.RawMessage) (any, error) {
	if !t.Valid() {
		return nil, apperr.Validation("unknown canonical type %q", t)
	}
	if !slices.Contains(OverridableFields(t), field) {
		return nil, apperr.Validation("field %q cannot be overridden on %s (allowed: %s)",
			field, t, strings.Join(OverridableFields(t), ", "))
	}
	arg, err := normalize.ColumnValue(t, field, value)
	if err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}
	return arg, nil
}

// Create validates and inserts an override, then applies it to the
// canonical row. A second override for the same field is a conflict.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*model.NormalizationOverride, error) {
	if err := requireActor(req.Actor); err != nil {
		return nil, err
	}
	arg, err := validateField(req.CanonicalType, req.FieldPath, req.Value)
	if err != nil {
		return nil, err
	}

	var out *model.NormalizationOverride
	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := requireCanonical(ctx, tx, req.CanonicalType, req.CanonicalID); err != nil {
			return err
		}
		o, err := normalize.ScanOverride(tx.QueryRow(ctx, `
			INSERT INTO normalization_overrides (canonical_type, canonical_id, field_path, value, reason, actor_user_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (canonical_type, canonical_id, field_path) DO NOTHING
			RETURNING `+normalize.OverrideColumns,
			string(req.CanonicalType), req.CanonicalID, req.FieldPath, []byte(req.Value), req.Reason, req.Actor,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.Conflict("override for %s %s field %s already exists", req.CanonicalType, req.CanonicalID, req.FieldPath)
		}
		if err != nil {
			return eris.Wrap(err, "override: insert")
		}
		if err := applyField(ctx, tx, o.CanonicalType, o.CanonicalID, o.FieldPath, arg); err != nil {
			return err
		}
		out = o
		return writeAudit(ctx, tx, req.Actor, ActionOverrideCreate, TargetOverride, o.ID, overrideMeta(o, nil))
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.OverrideCreated, out, req.Actor)
	return out, nil
}

// Update replaces an override's value and reason and reapplies it.
func (s *Store) Update(ctx context.Context, req UpdateRequest) (*model.NormalizationOverride, error) {
	if err := requireActor(req.Actor); err != nil {
		return nil, err
	}

	var out *model.NormalizationOverride
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		prev, err := getOverride(ctx, tx, req.ID, true)
		if err != nil {
			return err
		}
		arg, err := validateField(prev.CanonicalType, prev.FieldPath, req.Value)
		if err != nil {
			return err
		}
		o, err := normalize.ScanOverride(tx.QueryRow(ctx, `
			UPDATE normalization_overrides SET value = $2, reason = $3, actor_user_id = $4, updated_at = now()
			WHERE id = $1
			RETURNING `+normalize.OverrideColumns,
			req.ID, []byte(req.Value), req.Reason, req.Actor,
		))
		if err != nil {
			return eris.Wrapf(err, "override: update %s", req.ID)
		}
		if err := applyField(ctx, tx, o.CanonicalType, o.CanonicalID, o.FieldPath, arg); err != nil {
			return err
		}
		out = o
		return writeAudit(ctx, tx, req.Actor, ActionOverrideUpdate, TargetOverride, o.ID, overrideMeta(o, prev))
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.OverrideUpdated, out, req.Actor)
	return out, nil
}

// Delete removes an override. The canonical field keeps its value until
// the next normalization pass recomputes it.
func (s *Store) Delete(ctx context.Context, actor, id string) error {
	if err := requireActor(actor); err != nil {
		return err
	}

	var prev *model.NormalizationOverride
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		o, err := getOverride(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM normalization_overrides WHERE id = $1`, id); err != nil {
			return eris.Wrapf(err, "override: delete %s", id)
		}
		prev = o
		return writeAudit(ctx, tx, actor, ActionOverrideDelete, TargetOverride, id, overrideMeta(nil, o))
	})
	if err != nil {
		return err
	}
	s.publish(ctx, events.OverrideDeleted, prev, actor)
	return nil
}

// Get returns one override.
func (s *Store) Get(ctx context.Context, id string) (*model.NormalizationOverride, error) {
	return getOverride(ctx, s.pool, id, false)
}

// ListFilter narrows List. Empty fields match everything.
type ListFilter struct {
	CanonicalType model.EntityType
	CanonicalID   string
	Limit         int
}

// List returns overrides, newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]model.NormalizationOverride, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+normalize.OverrideColumns+` FROM normalization_overrides
		WHERE ($1 = '' OR canonical_type = $1) AND ($2 = '' OR canonical_id::text = $2)
		ORDER BY created_at DESC, id
		LIMIT $3`,
		string(f.CanonicalType), f.CanonicalID, f.Limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "override: list")
	}
	defer rows.Close()

	var out []model.NormalizationOverride
	for rows.Next() {
		o, err := normalize.ScanOverride(rows)
		if err != nil {
			return nil, eris.Wrap(err, "override: scan")
		}
		out = append(out, *o)
	}
	return out, eris.Wrap(rows.Err(), "override: iterate")
}

func getOverride(ctx context.Context, q db.Pool, id string, forUpdate bool) (*model.NormalizationOverride, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperr.NotFound("override %s", id)
	}
	sql := `SELECT ` + normalize.OverrideColumns + ` FROM normalization_overrides WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	o, err := normalize.ScanOverride(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("override %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "override: get %s", id)
	}
	return o, nil
}

func requireCanonical(ctx context.Context, q db.Pool, t model.EntityType, id string) error {
	table, ok := normalize.Table(t)
	if !ok {
		return apperr.Validation("unknown canonical type %q", t)
	}
	if strings.TrimSpace(id) == "" {
		return apperr.Validation("canonical id is required")
	}
	var exists bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id::text = $1)`, id).Scan(&exists)
	if err != nil {
		return eris.Wrapf(err, "override: check %s %s", t, id)
	}
	if !exists {
		return apperr.NotFound("%s %s", t, id)
	}
	return nil
}

// applyField writes an override value onto the canonical row.
func applyField(ctx context.Context, q db.Pool, t model.EntityType, id, field string, arg any) error {
	table, _ := normalize.Table(t)
	tag, err := q.Exec(ctx, `UPDATE `+table+` SET `+field+` = $2, updated_at = now() WHERE id = $1`, id, arg)
	if err != nil {
		return eris.Wrapf(err, "override: apply %s.%s", table, field)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("%s %s", t, id)
	}
	return nil
}

func overrideMeta(cur, prev *model.NormalizationOverride) map[string]any {
	meta := map[string]any{}
	o := cur
	if o == nil {
		o = prev
	}
	if o != nil {
		meta["canonicalType"] = o.CanonicalType
		meta["canonicalId"] = o.CanonicalID
		meta["fieldPath"] = o.FieldPath
	}
	if cur != nil {
		meta["value"] = cur.Value
		meta["reason"] = cur.Reason
	}
	if prev != nil {
		meta["previousValue"] = prev.Value
	}
	return meta
}

func writeAudit(ctx context.Context, q db.Pool, actor, action, targetType, targetID string, meta map[string]any) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return eris.Wrap(err, "override: encode audit meta")
	}
	_, err = q.Exec(ctx, `
		INSERT INTO admin_audit_log (actor_user_id, action, target_type, target_id, meta)
		VALUES ($1, $2, $3, $4, $5)`,
		actor, action, targetType, targetID, b,
	)
	return eris.Wrapf(err, "override: audit %s", action)
}

func (s *Store) publish(ctx context.Context, typ string, o *model.NormalizationOverride, actor string) {
	if o == nil {
		return
	}
	events.PublishQuietly(ctx, s.events, events.Event{
		Type:          typ,
		CanonicalType: string(o.CanonicalType),
		CanonicalID:   o.CanonicalID,
		Actor:         actor,
		Meta:          map[string]any{"fieldPath": o.FieldPath, "overrideId": o.ID},
		At:            s.now(),
	})
	zap.L().Info("override: "+typ,
		zap.String("override_id", o.ID),
		zap.String("canonical", string(o.CanonicalType)+":"+o.CanonicalID),
		zap.String("field", o.FieldPath),
		zap.String("actor", actor),
	)
}
