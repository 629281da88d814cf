package schema

import (
	"context"
	"database/sql"
	"fmt"
)

type DuckDBCatalog struct {
	db *sql.DB
}

func (c *DuckDBCatalog) Dialect() string { return DialectDuckDB }

func (c *DuckDBCatalog) ListTables(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT table_name
FROM duckdb_tables()
WHERE schema_name = current_schema() AND NOT internal`)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	return scanNames(rows)
}

func (c *DuckDBCatalog) ListColumns(ctx context.Context, table string) ([]Column, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = ?
ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	return scanColumns(rows, isNullableYes)
}

func (c *DuckDBCatalog) TableComment(ctx context.Context, table string) (CommentLookup, error) {
	return lookupComment(ctx, c.db, `
SELECT comment
FROM duckdb_tables()
WHERE schema_name = current_schema() AND table_name = ?`, table)
}

func (c *DuckDBCatalog) ColumnComment(ctx context.Context, table, column string) (CommentLookup, error) {
	return lookupComment(ctx, c.db, `
SELECT comment
FROM duckdb_columns()
WHERE schema_name = current_schema() AND table_name = ? AND column_name = ?`, table, column)
}
