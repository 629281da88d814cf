package schema

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Resolver maps a data source name to its catalog.
type Resolver interface {
	Resolve(dataSource string) (Catalog, error)
}

// SingleSource resolves every data source name to the one configured
// database. Names other than Name are logged at debug.
type SingleSource struct {
	Name    string
	Catalog Catalog
	Logger  *slog.Logger
}

func (s SingleSource) Resolve(dataSource string) (Catalog, error) {
	if s.Catalog == nil {
		return nil, ErrConnectionUnavailable
	}
	dataSource = strings.TrimSpace(dataSource)
	if dataSource != "" && dataSource != s.Name && s.Logger != nil {
		s.Logger.Debug("data source not configured; using default",
			slog.String("data_source", dataSource),
			slog.String("default", s.Name),
		)
	}
	return s.Catalog, nil
}

type Options struct {
	MaxTables             int
	IncludeTableComments  bool
	IncludeColumnComments bool
	ExcludedTables        []string
}

type Extractor struct {
	resolver Resolver
	opts     Options
	excluded map[string]struct{}
	logger   *slog.Logger
}

func NewExtractor(resolver Resolver, opts Options, logger *slog.Logger) *Extractor {
	excluded := make(map[string]struct{}, len(opts.ExcludedTables))
	for _, name := range opts.ExcludedTables {
		excluded[name] = struct{}{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Extractor{
		resolver: resolver,
		opts:     opts,
		excluded: excluded,
		logger:   logger,
	}
}

func (e *Extractor) Extract(ctx context.Context, dataSource string) (Snapshot, error) {
	if e.resolver == nil {
		return Snapshot{}, ErrConnectionUnavailable
	}
	catalog, err := e.resolver.Resolve(dataSource)
	if err != nil {
		return Snapshot{}, err
	}

	names, err := catalog.ListTables(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list tables: %w", err)
	}
	names = e.selectTables(names)

	tables := make([]Table, 0, len(names))
	for _, name := range names {
		columns, err := catalog.ListColumns(ctx, name)
		if err != nil {
			return Snapshot{}, fmt.Errorf("list columns for %s: %w", name, err)
		}
		table := Table{Name: name, Columns: columns}
		if e.opts.IncludeTableComments {
			lookup, err := catalog.TableComment(ctx, name)
			table.Comment = e.commentText(ctx, catalog, lookup, err, name, "")
		}
		if e.opts.IncludeColumnComments {
			for i := range table.Columns {
				lookup, err := catalog.ColumnComment(ctx, name, table.Columns[i].Name)
				table.Columns[i].Comment = e.commentText(ctx, catalog, lookup, err, name, table.Columns[i].Name)
			}
		}
		tables = append(tables, table)
	}
	return Snapshot{Tables: tables}, nil
}

// selectTables sorts, drops excluded names and truncates to MaxTables.
func (e *Extractor) selectTables(names []string) []string {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	selected := make([]string, 0, len(sorted))
	for _, name := range sorted {
		if _, skip := e.excluded[name]; skip {
			continue
		}
		if len(selected) >= e.opts.MaxTables {
			break
		}
		selected = append(selected, name)
	}
	return selected
}

// commentText downgrades every non-found lookup, including lookup errors, to
// an empty comment.
func (e *Extractor) commentText(ctx context.Context, catalog Catalog, lookup CommentLookup, err error, table, column string) string {
	if err != nil {
		target := table
		if column != "" {
			target = table + "." + column
		}
		e.logger.DebugContext(ctx, "comment lookup failed",
			slog.String("dialect", catalog.Dialect()),
			slog.String("target", target),
			slog.Any("error", err),
		)
		return ""
	}
	switch lookup.State {
	case CommentFound:
		return lookup.Text
	case CommentNotFound, CommentUnsupported:
		return ""
	default:
		return ""
	}
}
