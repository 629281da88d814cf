// Package prompt renders the system and user messages sent to the model.
package prompt

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/template"

	"github.com/querygen/querygen/internal/schema"
)

const DefaultSystemPrompt = `You are an expert SQL query generator. Your task is to generate valid SQL queries based on user requests.

IMPORTANT RULES:
1. Generate ONLY SELECT statements
2. Do NOT generate INSERT, UPDATE, DELETE, DROP, CREATE, ALTER, or TRUNCATE statements
3. Return ONLY the SQL query without any explanation or markdown formatting
4. Use proper SQL syntax
5. Include appropriate JOINs based on table relationships
6. Add LIMIT clauses for safety when appropriate
7. Use table and column names exactly as provided in the schema
`

const emptySchemaText = "No schema information available."

// Renderer produces the user message from the request and the formatted schema.
type Renderer interface {
	Render(query, formattedSchema string) string
}

type RendererFunc func(query, formattedSchema string) string

func (f RendererFunc) Render(query, formattedSchema string) string {
	return f(query, formattedSchema)
}

// TemplateRenderer renders a text/template with {{.Query}} and {{.Schema}}.
type TemplateRenderer struct {
	tmpl   *template.Template
	logger *slog.Logger
}

type templateData struct {
	Query  string
	Schema string
}

// NewTemplateRenderer parses text and executes it once against sample data,
// so references to unknown fields fail here instead of on the first request.
func NewTemplateRenderer(text string, logger *slog.Logger) (*TemplateRenderer, error) {
	tmpl, err := template.New("user_prompt").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse user prompt template: %w", err)
	}
	sample := templateData{Query: "list users", Schema: emptySchemaText}
	if err := tmpl.Execute(io.Discard, sample); err != nil {
		return nil, fmt.Errorf("execute user prompt template: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &TemplateRenderer{tmpl: tmpl, logger: logger}, nil
}

func (r *TemplateRenderer) Render(query, formattedSchema string) string {
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, templateData{Query: query, Schema: formattedSchema}); err != nil {
		r.logger.Error("user prompt template failed; using default prompt", slog.Any("error", err))
		return defaultUserPrompt(query, formattedSchema)
	}
	return buf.String()
}

type Builder struct {
	systemPrompt string
	renderer     Renderer
}

// NewBuilder returns a builder. A blank systemPrompt selects DefaultSystemPrompt
// and a nil renderer selects the default user template.
func NewBuilder(systemPrompt string, renderer Renderer) *Builder {
	return &Builder{systemPrompt: systemPrompt, renderer: renderer}
}

// FromConfig builds a Builder from the raw configured overrides.
func FromConfig(systemPrompt, userPromptTemplate string, logger *slog.Logger) (*Builder, error) {
	var renderer Renderer
	if strings.TrimSpace(userPromptTemplate) != "" {
		tr, err := NewTemplateRenderer(userPromptTemplate, logger)
		if err != nil {
			return nil, err
		}
		renderer = tr
	}
	return NewBuilder(systemPrompt, renderer), nil
}

func (b *Builder) SystemPrompt() string {
	if b != nil && strings.TrimSpace(b.systemPrompt) != "" {
		return b.systemPrompt
	}
	return DefaultSystemPrompt
}

func (b *Builder) UserPrompt(query string, snap schema.Snapshot) string {
	formatted := FormatSchema(snap)
	if b != nil && b.renderer != nil {
		return b.renderer.Render(query, formatted)
	}
	return defaultUserPrompt(query, formatted)
}

func defaultUserPrompt(query, formattedSchema string) string {
	return "Generate a SQL query for the following request:\n" +
		query +
		"\n\nDatabase Schema:\n" +
		formattedSchema +
		"\n\nReturn only the SQL query without any explanation or formatting.\n"
}

// FormatSchema renders a snapshot as plain text. Names and types are written
// verbatim; comments are annotated only when non-empty.
func FormatSchema(snap schema.Snapshot) string {
	if snap.Empty() {
		return emptySchemaText
	}

	blocks := make([]string, 0, len(snap.Tables))
	for _, table := range snap.Tables {
		var b strings.Builder
		b.WriteString("Table: ")
		b.WriteString(table.Name)
		if table.Comment != "" {
			b.WriteString("\n  Comment: ")
			b.WriteString(table.Comment)
		}
		b.WriteString("\n")
		for i, col := range table.Columns {
			if i > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "  %s (%s)", col.Name, col.Type)
			if col.Comment != "" {
				b.WriteString(" -- ")
				b.WriteString(col.Comment)
			}
		}
		blocks = append(blocks, b.String())
	}
	return strings.Join(blocks, "\n\n")
}
