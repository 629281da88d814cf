package schema

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type fakeCatalog struct {
	tables        []string
	columns       map[string][]Column
	tableComments map[string]CommentLookup
	columnComment func(table, column string) (CommentLookup, error)
	listErr       error
	columnCalls   []string
}

func (f *fakeCatalog) Dialect() string { return "fake" }

func (f *fakeCatalog) ListTables(context.Context) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tables, nil
}

func (f *fakeCatalog) ListColumns(_ context.Context, table string) ([]Column, error) {
	f.columnCalls = append(f.columnCalls, table)
	return append([]Column(nil), f.columns[table]...), nil
}

func (f *fakeCatalog) TableComment(_ context.Context, table string) (CommentLookup, error) {
	if lookup, ok := f.tableComments[table]; ok {
		return lookup, nil
	}
	return NotFound, nil
}

func (f *fakeCatalog) ColumnComment(_ context.Context, table, column string) (CommentLookup, error) {
	if f.columnComment == nil {
		return NotFound, nil
	}
	return f.columnComment(table, column)
}

func defaultOptions() Options {
	return Options{
		MaxTables:             50,
		IncludeTableComments:  true,
		IncludeColumnComments: true,
		ExcludedTables:        []string{"schema_migrations", "ar_internal_metadata"},
	}
}

func TestExtractSortsExcludesAndTruncates(t *testing.T) {
	catalog := &fakeCatalog{
		tables: []string{"users", "schema_migrations", "accounts", "orders", "ar_internal_metadata", "invoices"},
	}
	opts := defaultOptions()
	opts.MaxTables = 3

	snap, err := NewExtractor(SingleSource{Name: "main", Catalog: catalog}, opts, nil).Extract(context.Background(), "")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	var names []string
	for _, table := range snap.Tables {
		names = append(names, table.Name)
	}
	want := []string{"accounts", "invoices", "orders"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("tables = %v, want %v", names, want)
	}
	if !reflect.DeepEqual(catalog.columnCalls, want) {
		t.Fatalf("column lookups = %v, want %v", catalog.columnCalls, want)
	}
}

func TestExtractZeroMaxTablesYieldsEmptySnapshot(t *testing.T) {
	catalog := &fakeCatalog{tables: []string{"users"}}
	opts := defaultOptions()
	opts.MaxTables = 0

	snap, err := NewExtractor(SingleSource{Catalog: catalog}, opts, nil).Extract(context.Background(), "")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if !snap.Empty() {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}
}

func TestExtractDowngradesCommentStates(t *testing.T) {
	catalog := &fakeCatalog{
		tables: []string{"users", "orders"},
		columns: map[string][]Column{
			"users":  {{Name: "id", Type: "integer"}, {Name: "email", Type: "varchar", Nullable: true}},
			"orders": {{Name: "id", Type: "bigint"}},
		},
		tableComments: map[string]CommentLookup{
			"users":  Found("People who sign in"),
			"orders": Unsupported,
		},
		columnComment: func(table, column string) (CommentLookup, error) {
			switch {
			case table == "users" && column == "email":
				return Found("login address"), nil
			case table == "users" && column == "id":
				return CommentLookup{}, errors.New("permission denied")
			default:
				return Unsupported, nil
			}
		},
	}

	snap, err := NewExtractor(SingleSource{Catalog: catalog}, defaultOptions(), nil).Extract(context.Background(), "")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	want := Snapshot{Tables: []Table{
		{Name: "orders", Columns: []Column{{Name: "id", Type: "bigint"}}},
		{Name: "users", Comment: "People who sign in", Columns: []Column{
			{Name: "id", Type: "integer"},
			{Name: "email", Type: "varchar", Nullable: true, Comment: "login address"},
		}},
	}}
	if !reflect.DeepEqual(snap, want) {
		t.Fatalf("snapshot = %+v, want %+v", snap, want)
	}
}

func TestExtractSkipsCommentsWhenDisabled(t *testing.T) {
	catalog := &fakeCatalog{
		tables:        []string{"users"},
		columns:       map[string][]Column{"users": {{Name: "id", Type: "integer"}}},
		tableComments: map[string]CommentLookup{"users": Found("People")},
		columnComment: func(string, string) (CommentLookup, error) {
			t.Fatal("column comment lookup should not run")
			return NotFound, nil
		},
	}
	opts := defaultOptions()
	opts.IncludeTableComments = false
	opts.IncludeColumnComments = false

	snap, err := NewExtractor(SingleSource{Catalog: catalog}, opts, nil).Extract(context.Background(), "")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if snap.Tables[0].Comment != "" {
		t.Fatalf("table comment = %q, want empty", snap.Tables[0].Comment)
	}
}

func TestExtractConnectionUnavailable(t *testing.T) {
	extractor := NewExtractor(SingleSource{Name: "main"}, defaultOptions(), nil)
	if _, err := extractor.Extract(context.Background(), ""); !errors.Is(err, ErrConnectionUnavailable) {
		t.Fatalf("Extract() error = %v, want ErrConnectionUnavailable", err)
	}

	if _, err := extractor.Extract(context.Background(), "warehouse"); !errors.Is(err, ErrConnectionUnavailable) {
		t.Fatalf("Extract(warehouse) error = %v, want ErrConnectionUnavailable", err)
	}
}

func TestExtractUnknownDataSourceUsesDefault(t *testing.T) {
	catalog := &fakeCatalog{
		tables:  []string{"users"},
		columns: map[string][]Column{"users": {{Name: "id", Type: "integer"}}},
	}
	extractor := NewExtractor(SingleSource{Name: "main", Catalog: catalog}, defaultOptions(), nil)
	for _, name := range []string{"", "main", "warehouse"} {
		snap, err := extractor.Extract(context.Background(), name)
		if err != nil {
			t.Fatalf("Extract(%q) error = %v", name, err)
		}
		if len(snap.Tables) != 1 || snap.Tables[0].Name != "users" {
			t.Fatalf("Extract(%q) tables = %+v", name, snap.Tables)
		}
	}
}

func TestExtractPropagatesListError(t *testing.T) {
	catalog := &fakeCatalog{listErr: errors.New("boom")}
	_, err := NewExtractor(SingleSource{Catalog: catalog}, defaultOptions(), nil).Extract(context.Background(), "")
	if err == nil {
		t.Fatal("expected list error")
	}
}

func TestFoundTreatsBlankAsNotFound(t *testing.T) {
	if got := Found("   "); got.State != CommentNotFound {
		t.Fatalf("Found(blank).State = %v, want not_found", got.State)
	}
	if got := Found("hello"); got.State != CommentFound || got.Text != "hello" {
		t.Fatalf("Found(hello) = %+v", got)
	}
}
