package schema

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestPostgresCatalogListsTablesAndColumns(t *testing.T) {
	db, mock := newSQLMock(t)
	catalog, err := NewCatalog(DialectPostgres, db)
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT table_name
FROM information_schema.tables
WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'`)).
		WillReturnRows(sqlmock.NewRows([]string{"table_name"}).AddRow("users").AddRow("orders"))
	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = $1
ORDER BY ordinal_position`)).
		WithArgs("users").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type", "is_nullable"}).
			AddRow("id", "integer", "NO").
			AddRow("email", "character varying", "YES"))

	tables, err := catalog.ListTables(context.Background())
	if err != nil {
		t.Fatalf("ListTables() error = %v", err)
	}
	if !reflect.DeepEqual(tables, []string{"users", "orders"}) {
		t.Fatalf("tables = %v", tables)
	}
	columns, err := catalog.ListColumns(context.Background(), "users")
	if err != nil {
		t.Fatalf("ListColumns() error = %v", err)
	}
	want := []Column{
		{Name: "id", Type: "integer"},
		{Name: "email", Type: "character varying", Nullable: true},
	}
	if !reflect.DeepEqual(columns, want) {
		t.Fatalf("columns = %+v, want %+v", columns, want)
	}
	assertSQLMock(t, mock)
}

func TestPostgresCatalogComments(t *testing.T) {
	db, mock := newSQLMock(t)
	catalog := &PostgresCatalog{db: db}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT obj_description(to_regclass($1), 'pg_class')`)).
		WithArgs(`"users"`).
		WillReturnRows(sqlmock.NewRows([]string{"obj_description"}).AddRow("People who sign in"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT col_description(a.attrelid, a.attnum)`)).
		WithArgs(`"users"`, "email").
		WillReturnRows(sqlmock.NewRows([]string{"col_description"}).AddRow(nil))

	lookup, err := catalog.TableComment(context.Background(), "users")
	if err != nil {
		t.Fatalf("TableComment() error = %v", err)
	}
	if lookup.State != CommentFound || lookup.Text != "People who sign in" {
		t.Fatalf("TableComment() = %+v", lookup)
	}
	lookup, err = catalog.ColumnComment(context.Background(), "users", "email")
	if err != nil {
		t.Fatalf("ColumnComment() error = %v", err)
	}
	if lookup.State != CommentNotFound {
		t.Fatalf("ColumnComment() state = %v, want not_found", lookup.State)
	}
	assertSQLMock(t, mock)
}

func TestMySQLCatalogBlankCommentIsNotFound(t *testing.T) {
	db, mock := newSQLMock(t)
	catalog := &MySQLCatalog{db: db}

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT table_comment
FROM information_schema.tables
WHERE table_schema = DATABASE() AND table_name = ?`)).
		WithArgs("users").
		WillReturnRows(sqlmock.NewRows([]string{"table_comment"}).AddRow(""))
	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT column_comment
FROM information_schema.columns
WHERE table_schema = DATABASE() AND table_name = ? AND column_name = ?`)).
		WithArgs("users", "missing").
		WillReturnError(sql.ErrNoRows)

	lookup, err := catalog.TableComment(context.Background(), "users")
	if err != nil {
		t.Fatalf("TableComment() error = %v", err)
	}
	if lookup.State != CommentNotFound {
		t.Fatalf("TableComment() state = %v, want not_found", lookup.State)
	}
	lookup, err = catalog.ColumnComment(context.Background(), "users", "missing")
	if err != nil {
		t.Fatalf("ColumnComment() error = %v", err)
	}
	if lookup.State != CommentNotFound {
		t.Fatalf("ColumnComment() state = %v, want not_found", lookup.State)
	}
	assertSQLMock(t, mock)
}

func TestSQLiteCatalogColumnsAndUnsupportedComments(t *testing.T) {
	db, mock := newSQLMock(t)
	catalog := &SQLiteCatalog{db: db}

	mock.ExpectQuery(regexp.QuoteMeta(`FROM pragma_table_info(?)`)).
		WithArgs("users").
		WillReturnRows(sqlmock.NewRows([]string{"name", "type", "notnull"}).
			AddRow("id", "INTEGER", int64(1)).
			AddRow("email", "TEXT", int64(0)))

	columns, err := catalog.ListColumns(context.Background(), "users")
	if err != nil {
		t.Fatalf("ListColumns() error = %v", err)
	}
	want := []Column{
		{Name: "id", Type: "INTEGER"},
		{Name: "email", Type: "TEXT", Nullable: true},
	}
	if !reflect.DeepEqual(columns, want) {
		t.Fatalf("columns = %+v, want %+v", columns, want)
	}

	lookup, err := catalog.TableComment(context.Background(), "users")
	if err != nil || lookup.State != CommentUnsupported {
		t.Fatalf("TableComment() = %+v, %v", lookup, err)
	}
	lookup, err = catalog.ColumnComment(context.Background(), "users", "id")
	if err != nil || lookup.State != CommentUnsupported {
		t.Fatalf("ColumnComment() = %+v, %v", lookup, err)
	}
	assertSQLMock(t, mock)
}

func TestDuckDBCatalogComment(t *testing.T) {
	db, mock := newSQLMock(t)
	catalog := &DuckDBCatalog{db: db}

	mock.ExpectQuery(regexp.QuoteMeta(`FROM duckdb_columns()`)).
		WithArgs("events", "payload").
		WillReturnRows(sqlmock.NewRows([]string{"comment"}).AddRow("raw json"))

	lookup, err := catalog.ColumnComment(context.Background(), "events", "payload")
	if err != nil {
		t.Fatalf("ColumnComment() error = %v", err)
	}
	if lookup.State != CommentFound || lookup.Text != "raw json" {
		t.Fatalf("ColumnComment() = %+v", lookup)
	}
	assertSQLMock(t, mock)
}

func TestCatalogCommentQueryErrorIsReturned(t *testing.T) {
	db, mock := newSQLMock(t)
	catalog := &PostgresCatalog{db: db}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT obj_description`)).
		WillReturnError(errors.New("permission denied"))

	if _, err := catalog.TableComment(context.Background(), "users"); err == nil {
		t.Fatal("expected comment query error")
	}
	assertSQLMock(t, mock)
}

func TestOpenValidatesConfig(t *testing.T) {
	if _, _, err := Open(context.Background(), SourceConfig{Dialect: DialectPostgres}); err == nil {
		t.Fatal("expected error for missing dsn")
	}
	if _, _, err := Open(context.Background(), SourceConfig{Dialect: "oracle", DSN: "x"}); err == nil {
		t.Fatal("expected error for unsupported dialect")
	}
	if _, err := NewCatalog("oracle", &sql.DB{}); err == nil {
		t.Fatal("expected NewCatalog error for unsupported dialect")
	}
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
