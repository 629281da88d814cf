package schema

import (
	"context"
	"database/sql"
	"fmt"
)

type MySQLCatalog struct {
	db *sql.DB
}

func (c *MySQLCatalog) Dialect() string { return DialectMySQL }

func (c *MySQLCatalog) ListTables(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT table_name
FROM information_schema.tables
WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE'`)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	return scanNames(rows)
}

func (c *MySQLCatalog) ListColumns(ctx context.Context, table string) ([]Column, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT column_name, column_type, is_nullable
FROM information_schema.columns
WHERE table_schema = DATABASE() AND table_name = ?
ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	return scanColumns(rows, isNullableYes)
}

// MySQL reports a missing comment as an empty string, which Found maps to NotFound.
func (c *MySQLCatalog) TableComment(ctx context.Context, table string) (CommentLookup, error) {
	return lookupComment(ctx, c.db, `
SELECT table_comment
FROM information_schema.tables
WHERE table_schema = DATABASE() AND table_name = ?`, table)
}

func (c *MySQLCatalog) ColumnComment(ctx context.Context, table, column string) (CommentLookup, error) {
	return lookupComment(ctx, c.db, `
SELECT column_comment
FROM information_schema.columns
WHERE table_schema = DATABASE() AND table_name = ? AND column_name = ?`, table, column)
}
