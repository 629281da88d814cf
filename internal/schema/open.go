package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb/v2"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
	DialectSQLite   = "sqlite"
	DialectDuckDB   = "duckdb"
)

type SourceConfig struct {
	Dialect         string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// Open connects to the configured source database and returns the catalog for
// its dialect. The caller owns the returned *sql.DB.
func Open(ctx context.Context, cfg SourceConfig) (*sql.DB, Catalog, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, nil, fmt.Errorf("source dsn is required")
	}
	dialect := strings.ToLower(strings.TrimSpace(cfg.Dialect))
	driver, err := driverName(dialect)
	if err != nil {
		return nil, nil, err
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open source db: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping source db: %w", err)
	}

	catalog, err := NewCatalog(dialect, db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, catalog, nil
}

// NewCatalog wraps an open database with the catalog queries of a dialect.
func NewCatalog(dialect string, db *sql.DB) (Catalog, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	switch dialect {
	case DialectPostgres:
		return &PostgresCatalog{db: db}, nil
	case DialectMySQL:
		return &MySQLCatalog{db: db}, nil
	case DialectSQLite:
		return &SQLiteCatalog{db: db}, nil
	case DialectDuckDB:
		return &DuckDBCatalog{db: db}, nil
	default:
		return nil, fmt.Errorf("unsupported source dialect %q", dialect)
	}
}

func driverName(dialect string) (string, error) {
	switch dialect {
	case DialectPostgres:
		return "pgx", nil
	case DialectMySQL:
		return "mysql", nil
	case DialectSQLite:
		return "sqlite3", nil
	case DialectDuckDB:
		return "duckdb", nil
	default:
		return "", fmt.Errorf("unsupported source dialect %q", dialect)
	}
}

func scanNames(rows *sql.Rows) ([]string, error) {
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table names: %w", err)
	}
	return names, nil
}

func scanColumns(rows *sql.Rows, nullable func(raw string) bool) ([]Column, error) {
	defer func() { _ = rows.Close() }()

	var columns []Column
	for rows.Next() {
		var col Column
		var rawNullable string
		if err := rows.Scan(&col.Name, &col.Type, &rawNullable); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		col.Nullable = nullable(rawNullable)
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return columns, nil
}

// lookupComment runs a single-value comment query; no row or NULL is NotFound.
func lookupComment(ctx context.Context, db *sql.DB, query string, args ...any) (CommentLookup, error) {
	var comment sql.NullString
	err := db.QueryRowContext(ctx, query, args...).Scan(&comment)
	if errors.Is(err, sql.ErrNoRows) {
		return NotFound, nil
	}
	if err != nil {
		return CommentLookup{}, err
	}
	if !comment.Valid {
		return NotFound, nil
	}
	return Found(comment.String), nil
}

func isNullableYes(raw string) bool {
	return strings.EqualFold(strings.TrimSpace(raw), "YES")
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
