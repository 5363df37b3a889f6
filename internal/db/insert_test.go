package db

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertIgnore_EmptyRows(t *testing.T) {
	n, err := InsertIgnore(context.Background(), nil, InsertIgnoreConfig{
		Table:        "matches",
		Columns:      []string{"id", "status"},
		ConflictKeys: []string{"id"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestInsertIgnore_NoColumns(t *testing.T) {
	_, err := InsertIgnore(context.Background(), nil, InsertIgnoreConfig{
		Table:        "matches",
		ConflictKeys: []string{"id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestInsertIgnore_NoConflictKeys(t *testing.T) {
	_, err := InsertIgnore(context.Background(), nil, InsertIgnoreConfig{
		Table:   "matches",
		Columns: []string{"id", "status"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestInsertIgnore_RowWidthMismatch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = InsertIgnore(context.Background(), mock, InsertIgnoreConfig{
		Table:        "matches",
		Columns:      []string{"id", "status"},
		ConflictKeys: []string{"id"},
	}, [][]any{{"only-one-value"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 0 has 1 values, want 2")
}

func TestInsertIgnore_SmallBatchDirect(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO "matches" \("id", "status"\) VALUES \(\$1, \$2\), \(\$3, \$4\) ON CONFLICT \("id"\) DO NOTHING`).
		WithArgs("m1", "active", "m2", "active").
		WillReturnResult(pgxmock.NewResult("INSERT", 1)) // one row conflicted

	n, err := InsertIgnore(context.Background(), mock, InsertIgnoreConfig{
		Table:        "matches",
		Columns:      []string{"id", "status"},
		ConflictKeys: []string{"id"},
	}, [][]any{{"m1", "active"}, {"m2", "active"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"matches", `"matches"`},
		{"public.matches", `"public"."matches"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "load_offer_id", "hunt_plan_id"`, quoteAndJoin([]string{"id", "load_offer_id", "hunt_plan_id"}))
}
