package schema

import (
	"context"
	"database/sql"
	"fmt"
)

type PostgresCatalog struct {
	db *sql.DB
}

func (c *PostgresCatalog) Dialect() string { return DialectPostgres }

func (c *PostgresCatalog) ListTables(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT table_name
FROM information_schema.tables
WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'`)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	return scanNames(rows)
}

func (c *PostgresCatalog) ListColumns(ctx context.Context, table string) ([]Column, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = $1
ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	return scanColumns(rows, isNullableYes)
}

func (c *PostgresCatalog) TableComment(ctx context.Context, table string) (CommentLookup, error) {
	return lookupComment(ctx, c.db, `SELECT obj_description(to_regclass($1), 'pg_class')`, quoteIdent(table))
}

func (c *PostgresCatalog) ColumnComment(ctx context.Context, table, column string) (CommentLookup, error) {
	return lookupComment(ctx, c.db, `
SELECT col_description(a.attrelid, a.attnum)
FROM pg_attribute AS a
WHERE a.attrelid = to_regclass($1) AND a.attname = $2 AND NOT a.attisdropped`, quoteIdent(table), column)
}
