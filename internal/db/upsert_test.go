package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "offer_summaries",
		Columns:      []string{"product_id", "in_stock_count"},
		ConflictKeys: []string{"product_id"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "offer_summaries",
		ConflictKeys: []string{"product_id"},
	}, [][]any{{"p1", 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:   "offer_summaries",
		Columns: []string{"product_id", "in_stock_count"},
	}, [][]any{{"p1", 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_Merge(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{"product_id", "in_stock_count"}
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_offer_summaries"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_offer_summaries"}, cols).
		WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "offer_summaries" .* ON CONFLICT \("product_id"\) DO UPDATE SET "in_stock_count" = EXCLUDED."in_stock_count"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "offer_summaries",
		Columns:      cols,
		ConflictKeys: []string{"product_id"},
	}, [][]any{{"p1", 1}, {"p2", 0}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildMergeSQL_DoNothing(t *testing.T) {
	sql, err := buildMergeSQL(UpsertConfig{
		Table:        "retailers",
		Columns:      []string{"slug", "name"},
		ConflictKeys: []string{"slug"},
		DoNothing:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "retailers" ("slug", "name") SELECT "slug", "name" FROM "_tmp_upsert_retailers" ON CONFLICT ("slug") DO NOTHING`, sql)
}

func TestBuildMergeSQL_OnlyConflictColumns(t *testing.T) {
	sql, err := buildMergeSQL(UpsertConfig{
		Table:        "retailers",
		Columns:      []string{"slug"},
		ConflictKeys: []string{"slug"},
	})
	require.NoError(t, err)
	assert.Contains(t, sql, "DO NOTHING")
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"offers", `"offers"`},
		{"catalog.offers", `"catalog"."offers"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "name", "value"`, quoteAndJoin([]string{"id", "name", "value"}))
}
