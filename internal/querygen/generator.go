// Package querygen runs one natural-language-to-SQL generation: schema
// extraction, model call and safety filtering.
package querygen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/querygen/querygen/internal/audit"
	"github.com/querygen/querygen/internal/nl2sql"
	"github.com/querygen/querygen/internal/observability"
	"github.com/querygen/querygen/internal/safety"
	"github.com/querygen/querygen/internal/schema"
)

type Request struct {
	Prompt     string `json:"prompt"`
	DataSource string `json:"data_source,omitempty"`
	// JobID links the audit record to an async job; empty on the sync path.
	JobID string `json:"-"`
}

type Result struct {
	SQL     string `json:"sql"`
	Prompt  string `json:"prompt"`
	Model   string `json:"model"`
	Success bool   `json:"success"`
}

type SchemaExtractor interface {
	Extract(ctx context.Context, dataSource string) (schema.Snapshot, error)
}

type Sanitizer interface {
	Sanitize(sql string) (string, error)
}

type AuditSink interface {
	Record(ctx context.Context, rec audit.Record)
}

type Dependencies struct {
	Extractor SchemaExtractor
	Client    nl2sql.Client
	Sanitizer Sanitizer
	// Model labels audit records for failed generations.
	Model  string
	Audit  AuditSink
	Logger *slog.Logger
}

type Generator struct {
	extractor SchemaExtractor
	client    nl2sql.Client
	sanitizer Sanitizer
	model     string
	audit     AuditSink
	logger    *slog.Logger
	now       func() time.Time
}

func NewGenerator(deps Dependencies) (*Generator, error) {
	if deps.Extractor == nil {
		return nil, fmt.Errorf("schema extractor is required")
	}
	if deps.Client == nil {
		return nil, fmt.Errorf("llm client is required")
	}
	if deps.Sanitizer == nil {
		return nil, fmt.Errorf("sanitizer is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Generator{
		extractor: deps.Extractor,
		client:    deps.Client,
		sanitizer: deps.Sanitizer,
		model:     deps.Model,
		audit:     deps.Audit,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Generate returns the sanitized SQL for req. Errors from each stage are
// returned unchanged so callers can match them with errors.Is.
func (g *Generator) Generate(ctx context.Context, req Request) (Result, error) {
	start := g.now()
	result, err := g.generate(ctx, req)
	elapsed := g.now().Sub(start)

	outcome := audit.OutcomeSucceeded
	kind := ""
	if err != nil {
		outcome = audit.OutcomeFailed
		kind = ErrorKind(err)
	}
	observability.ObserveGeneration(outcome, elapsed)
	g.log(ctx, req, result, kind, elapsed, err)

	if g.audit != nil {
		model := result.Model
		if model == "" {
			model = g.model
		}
		g.audit.Record(ctx, audit.Record{
			JobID:           req.JobID,
			Prompt:          req.Prompt,
			DataSource:      req.DataSource,
			Model:           model,
			SQL:             result.SQL,
			Outcome:         outcome,
			ErrorKind:       kind,
			DurationMs:      elapsed.Milliseconds(),
			CreatedAtUnixMs: start.UTC().UnixMilli(),
		})
	}
	return result, err
}

func (g *Generator) generate(ctx context.Context, req Request) (Result, error) {
	snap, err := g.extractor.Extract(ctx, req.DataSource)
	if err != nil {
		return Result{}, err
	}
	gen, err := g.client.Generate(ctx, req.Prompt, snap)
	if err != nil {
		return Result{}, err
	}
	sql, err := g.sanitizer.Sanitize(gen.SQL)
	if err != nil {
		return Result{}, err
	}
	return Result{SQL: sql, Prompt: req.Prompt, Model: gen.Model, Success: true}, nil
}

func (g *Generator) log(ctx context.Context, req Request, result Result, kind string, elapsed time.Duration, err error) {
	attrs := []any{
		slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		slog.String("data_source", req.DataSource),
		slog.String("duration", elapsed.String()),
	}
	if req.JobID != "" {
		attrs = append(attrs, slog.String("job_id", req.JobID))
	}
	switch {
	case err == nil:
		g.logger.InfoContext(ctx, "query_generated", append(attrs, slog.String("model", result.Model))...)
	case kind == KindInternal:
		g.logger.ErrorContext(ctx, "query_generation_failed", append(attrs, slog.String("error_kind", kind), slog.Any("error", err))...)
	default:
		g.logger.WarnContext(ctx, "query_generation_failed", append(attrs, slog.String("error_kind", kind), slog.String("error", err.Error()))...)
	}
}

const (
	KindConfiguration         = "configuration"
	KindConnectionUnavailable = "connection_unavailable"
	KindUnsafeQuery           = "unsafe_query"
	KindTimeout               = "timeout"
	KindAPI                   = "api"
	KindInternal              = "internal"
)

// ErrorKind classifies err by the sentinel of the layer that produced it.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, nl2sql.ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, schema.ErrConnectionUnavailable):
		return KindConnectionUnavailable
	case errors.Is(err, safety.ErrUnsafeQuery):
		return KindUnsafeQuery
	case errors.Is(err, nl2sql.ErrTimeout):
		return KindTimeout
	case errors.Is(err, nl2sql.ErrAPI):
		return KindAPI
	default:
		return KindInternal
	}
}
