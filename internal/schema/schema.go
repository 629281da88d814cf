// Package schema builds point-in-time descriptions of a database's tables and
// columns for use as model context.
package schema

import (
	"context"
	"errors"
	"strings"
)

// ErrConnectionUnavailable is returned when no catalog can be resolved for a
// data source.
var ErrConnectionUnavailable = errors.New("no database connection available")

// Snapshot is an ordered list of tables. It is built per request and never
// mutated after Extract returns.
type Snapshot struct {
	Tables []Table `json:"tables"`
}

func (s Snapshot) Empty() bool {
	return len(s.Tables) == 0
}

type Table struct {
	Name    string   `json:"name"`
	Comment string   `json:"comment,omitempty"`
	Columns []Column `json:"columns"`
}

type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
	Comment  string `json:"comment,omitempty"`
}

type CommentState int

const (
	CommentNotFound CommentState = iota
	CommentFound
	CommentUnsupported
)

func (s CommentState) String() string {
	switch s {
	case CommentFound:
		return "found"
	case CommentUnsupported:
		return "unsupported"
	default:
		return "not_found"
	}
}

// CommentLookup is the outcome of a dialect comment query.
type CommentLookup struct {
	State CommentState
	Text  string
}

// Found returns a found lookup, or NotFound when text is blank.
func Found(text string) CommentLookup {
	if strings.TrimSpace(text) == "" {
		return CommentLookup{State: CommentNotFound}
	}
	return CommentLookup{State: CommentFound, Text: text}
}

var (
	NotFound    = CommentLookup{State: CommentNotFound}
	Unsupported = CommentLookup{State: CommentUnsupported}
)

// Catalog reads table metadata from one database.
type Catalog interface {
	Dialect() string
	ListTables(ctx context.Context) ([]string, error)
	ListColumns(ctx context.Context, table string) ([]Column, error)
	TableComment(ctx context.Context, table string) (CommentLookup, error)
	ColumnComment(ctx context.Context, table, column string) (CommentLookup, error)
}
