package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig defines the parameters for a bulk upsert operation.
type UpsertConfig struct {
	Table        string   // target table, optionally schema-qualified
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns to update on conflict; nil = all non-conflict columns
	DoNothing    bool     // ON CONFLICT DO NOTHING instead of DO UPDATE
}

// BulkUpsert stages rows in a temp table via COPY, then merges them with
// INSERT ... SELECT ... ON CONFLICT in a single transaction.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	upsertSQL, err := buildMergeSQL(cfg)
	if err != nil {
		return 0, err
	}

	var affected int64
	err = InTx(ctx, pool, func(tx pgx.Tx) error {
		createSQL := fmt.Sprintf(
			"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
			pgx.Identifier{tempTableName(cfg.Table)}.Sanitize(),
			sanitizeTable(cfg.Table),
		)
		if _, err := tx.Exec(ctx, createSQL); err != nil {
			return eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
		}

		if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTableName(cfg.Table)}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
			return eris.Wrapf(err, "db: upsert: copy into temp table for %s", cfg.Table)
		}

		tag, err := tx.Exec(ctx, upsertSQL)
		if err != nil {
			return eris.Wrapf(err, "db: upsert: merge into %s", cfg.Table)
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}

	return affected, nil
}

func buildMergeSQL(cfg UpsertConfig) (string, error) {
	if len(cfg.Columns) == 0 {
		return "", eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return "", eris.New("db: upsert: no conflict keys specified")
	}

	colList := quoteAndJoin(cfg.Columns)
	head := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s)",
		sanitizeTable(cfg.Table),
		colList,
		colList,
		pgx.Identifier{tempTableName(cfg.Table)}.Sanitize(),
		quoteAndJoin(cfg.ConflictKeys),
	)

	updateCols := cfg.UpdateCols
	if updateCols == nil {
		conflictSet := make(map[string]bool, len(cfg.ConflictKeys))
		for _, k := range cfg.ConflictKeys {
			conflictSet[k] = true
		}
		for _, c := range cfg.Columns {
			if !conflictSet[c] {
				updateCols = append(updateCols, c)
			}
		}
	}

	if cfg.DoNothing || len(updateCols) == 0 {
		return head + " DO NOTHING", nil
	}

	setClauses := make([]string, len(updateCols))
	for i, col := range updateCols {
		q := pgx.Identifier{col}.Sanitize()
		setClauses[i] = fmt.Sprintf("%s = EXCLUDED.%s", q, q)
	}
	return head + " DO UPDATE SET " + strings.Join(setClauses, ", "), nil
}

func tempTableName(table string) string {
	return "_tmp_upsert_" + strings.ReplaceAll(table, ".", "_")
}

// sanitizeTable handles schema-qualified table names like "catalog.offers".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
