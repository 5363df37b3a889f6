package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// InsertIgnoreConfig defines the parameters for a batch insert that ignores
// unique-constraint conflicts.
type InsertIgnoreConfig struct {
	Table        string   // target table (e.g., "matches")
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
}

// InsertIgnore performs a batch INSERT ... ON CONFLICT DO NOTHING and returns
// the number of rows actually inserted. Rows already present under the
// conflict keys are silently skipped, never updated; a row that has moved on
// since its original insert keeps its state.
//
// For small batches it issues one multi-row INSERT; larger batches go through
// a temp table and COPY first.
func InsertIgnore(ctx context.Context, pool Pool, cfg InsertIgnoreConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: insert-ignore: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return 0, eris.New("db: insert-ignore: no conflict keys specified")
	}

	if len(rows) <= smallBatchRows {
		return insertIgnoreDirect(ctx, pool, cfg, rows)
	}
	return insertIgnoreCopy(ctx, pool, cfg, rows)
}

// smallBatchRows is the cutoff below which a plain multi-row INSERT beats the
// temp-table COPY round trip.
const smallBatchRows = 50

func insertIgnoreDirect(ctx context.Context, pool Pool, cfg InsertIgnoreConfig, rows [][]any) (int64, error) {
	nCols := len(cfg.Columns)
	placeholders := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*nCols)
	for i, row := range rows {
		if len(row) != nCols {
			return 0, eris.Errorf("db: insert-ignore: row %d has %d values, want %d", i, len(row), nCols)
		}
		ph := make([]string, nCols)
		for j := range row {
			ph[j] = fmt.Sprintf("$%d", i*nCols+j+1)
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ", ")+")")
		args = append(args, row...)
	}

	sql := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES %s ON CONFLICT (%s) DO NOTHING",
		sanitizeTable(cfg.Table),
		quoteAndJoin(cfg.Columns),
		strings.Join(placeholders, ", "),
		quoteAndJoin(cfg.ConflictKeys),
	)

	tag, err := pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, eris.Wrapf(err, "db: insert-ignore: INSERT into %s", cfg.Table)
	}
	return tag.RowsAffected(), nil
}

func insertIgnoreCopy(ctx context.Context, pool Pool, cfg InsertIgnoreConfig, rows [][]any) (int64, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: insert-ignore: begin tx")
	}
	defer tx.Rollback(ctx)

	tempTable := fmt.Sprintf("_tmp_insert_%s", strings.ReplaceAll(cfg.Table, ".", "_"))

	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{tempTable}.Sanitize(),
		sanitizeTable(cfg.Table),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: insert-ignore: create temp table for %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: insert-ignore: COPY into temp table for %s", cfg.Table)
	}

	colList := quoteAndJoin(cfg.Columns)
	insertSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO NOTHING",
		sanitizeTable(cfg.Table),
		colList,
		colList,
		pgx.Identifier{tempTable}.Sanitize(),
		quoteAndJoin(cfg.ConflictKeys),
	)

	tag, err := tx.Exec(ctx, insertSQL)
	if err != nil {
		return 0, eris.Wrapf(err, "db: insert-ignore: INSERT ON CONFLICT for %s", cfg.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: insert-ignore: commit tx")
	}
	return tag.RowsAffected(), nil
}

// sanitizeTable handles schema-qualified table names like "public.matches".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
