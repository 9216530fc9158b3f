package override

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-ingest/internal/apperr"
	"github.com/sells-group/catalog-ingest/internal/db"
	"github.com/sells-group/catalog-ingest/internal/events"
	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/normalize"
)

// MapRequest links an ingestion entity to a canonical row by hand.
type MapRequest struct {
	Actor       string
	EntityID    string
	CanonicalID string
	Reason      string
}

// Map creates or replaces the entity's mapping with a manual link. The
// canonical type is the entity's type. Later normalization passes reuse it.
func (s *Store) Map(ctx context.Context, req MapRequest) (*model.CanonicalMapping, error) {
	if err := requireActor(req.Actor); err != nil {
		return nil, err
	}

	var out *model.CanonicalMapping
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		et, err := entityType(ctx, tx, req.EntityID)
		if err != nil {
			return err
		}
		if err := requireCanonical(ctx, tx, et, req.CanonicalID); err != nil {
			return err
		}
		prev, err := loadMapping(ctx, tx, req.EntityID)
		if err != nil {
			return err
		}

		notes, err := json.Marshal(model.MappingNotes{Reason: req.Reason})
		if err != nil {
			return eris.Wrap(err, "override: encode mapping notes")
		}
		m, err := normalize.ScanMapping(tx.QueryRow(ctx, `
			INSERT INTO canonical_entity_mappings (entity_id, canonical_type, canonical_id, match_method, confidence, notes)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (entity_id) DO UPDATE SET
				canonical_type = EXCLUDED.canonical_type,
				canonical_id = EXCLUDED.canonical_id,
				match_method = EXCLUDED.match_method,
				confidence = EXCLUDED.confidence,
				notes = EXCLUDED.notes,
				updated_at = now()
			RETURNING `+normalize.MappingColumns,
			req.EntityID, string(et), req.CanonicalID, model.MatchManual, normalize.ConfidenceManual, notes,
		))
		if err != nil {
			return eris.Wrapf(err, "override: map %s", req.EntityID)
		}

		meta := map[string]any{"canonicalType": et, "canonicalId": req.CanonicalID, "reason": req.Reason}
		if prev != nil {
			meta["previousCanonicalId"] = prev.CanonicalID
			meta["previousMatchMethod"] = prev.MatchMethod
		}
		out = m
		return writeAudit(ctx, tx, req.Actor, ActionMappingMap, TargetMapping, req.EntityID, meta)
	})
	if err != nil {
		return nil, err
	}

	s.publishMapping(ctx, events.MappingMapped, out, req.Actor)
	return out, nil
}

// Unmap removes an entity's mapping. The next normalization pass resolves
// the entity afresh.
func (s *Store) Unmap(ctx context.Context, actor, entityID string) error {
	if err := requireActor(actor); err != nil {
		return err
	}

	var prev *model.CanonicalMapping
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		m, err := loadMapping(ctx, tx, entityID)
		if err != nil {
			return err
		}
		if m == nil {
			return apperr.NotFound("mapping for entity %s", entityID)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM canonical_entity_mappings WHERE entity_id = $1`, entityID); err != nil {
			return eris.Wrapf(err, "override: unmap %s", entityID)
		}
		prev = m
		return writeAudit(ctx, tx, actor, ActionMappingUnmap, TargetMapping, entityID, map[string]any{
			"canonicalType":       m.CanonicalType,
			"previousCanonicalId": m.CanonicalID,
			"previousMatchMethod": m.MatchMethod,
		})
	})
	if err != nil {
		return err
	}

	s.publishMapping(ctx, events.MappingUnmapped, prev, actor)
	return nil
}

// AuditLog returns the newest audit entries, optionally for one target.
func (s *Store) AuditLog(ctx context.Context, targetID string, limit int) ([]model.AuditLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, actor_user_id, action, target_type, target_id, meta, created_at
		FROM admin_audit_log
		WHERE $1 = '' OR target_id = $1
		ORDER BY id DESC
		LIMIT $2`, targetID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "override: list audit log")
	}
	defer rows.Close()

	var out []model.AuditLogEntry
	for rows.Next() {
		var (
			e    model.AuditLogEntry
			meta []byte
		)
		if err := rows.Scan(&e.ID, &e.ActorUserID, &e.Action, &e.TargetType, &e.TargetID, &meta, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "override: scan audit entry")
		}
		e.Meta = json.RawMessage(meta)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "override: iterate audit log")
}

func entityType(ctx context.Context, q db.Pool, entityID string) (model.EntityType, error) {
	if strings.TrimSpace(entityID) == "" {
		return "", apperr.Validation("entity id is required")
	}
	var t string
	err := q.QueryRow(ctx, `SELECT entity_type FROM ingestion_entities WHERE id::text = $1`, entityID).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", apperr.NotFound("ingestion entity %s", entityID)
	}
	if err != nil {
		return "", eris.Wrapf(err, "override: load entity %s", entityID)
	}
	return model.EntityType(t), nil
}

func loadMapping(ctx context.Context, q db.Pool, entityID string) (*model.CanonicalMapping, error) {
	m, err := normalize.ScanMapping(q.QueryRow(ctx,
		`SELECT `+normalize.MappingColumns+` FROM canonical_entity_mappings WHERE entity_id::text = $1 FOR UPDATE`, entityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "override: load mapping %s", entityID)
	}
	return m, nil
}

func (s *Store) publishMapping(ctx context.Context, typ string, m *model.CanonicalMapping, actor string) {
	events.PublishQuietly(ctx, s.events, events.Event{
		Type:          typ,
		CanonicalType: string(m.CanonicalType),
		CanonicalID:   m.CanonicalID,
		EntityID:      m.EntityID,
		MatchMethod:   m.MatchMethod,
		Actor:         actor,
		At:            s.now(),
	})
	zap.L().Info("override: "+typ,
		zap.String("entity_id", m.EntityID),
		zap.String("canonical", string(m.CanonicalType)+":"+m.CanonicalID),
		zap.String("actor", actor),
	)
}
