package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SQLiteCatalog has no comment storage; comment lookups report Unsupported.
type SQLiteCatalog struct {
	db *sql.DB
}

func (c *SQLiteCatalog) Dialect() string { return DialectSQLite }

func (c *SQLiteCatalog) ListTables(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT name
FROM sqlite_master
WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	return scanNames(rows)
}

func (c *SQLiteCatalog) ListColumns(ctx context.Context, table string) ([]Column, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT name, type, "notnull"
FROM pragma_table_info(?)
ORDER BY cid`, table)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	return scanColumns(rows, func(raw string) bool {
		return strings.TrimSpace(raw) == "0"
	})
}

func (c *SQLiteCatalog) TableComment(context.Context, string) (CommentLookup, error) {
	return Unsupported, nil
}

func (c *SQLiteCatalog) ColumnComment(context.Context, string, string) (CommentLookup, error) {
	return Unsupported, nil
}
