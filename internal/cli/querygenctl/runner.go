// Package querygenctl implements the querygen operator CLI.
package querygenctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/querygen/querygen/internal/prompt"
	"github.com/querygen/querygen/internal/schema"
	"github.com/querygen/querygen/internal/storage"
	s3store "github.com/querygen/querygen/internal/storage/s3"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer

	// Audit holds the default archive location for the audit commands.
	Audit s3store.Config
	// AuditStore replaces the S3 store built from Audit.
	AuditStore storage.ObjectStore
}

// failure marks errors raised after arguments were accepted; they exit 1
// instead of 2.
type failure struct {
	err error
}

func (f failure) Error() string { return f.err.Error() }

func (f failure) Unwrap() error { return f.err }

func failed(format string, args ...any) error {
	return failure{err: fmt.Errorf(format, args...)}
}

type runner struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  *http.Client
	stdout  io.Writer
}

// Run executes the CLI and returns its exit code: 0 on success, 1 on request
// failure, 2 on usage errors.
func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	r := &runner{client: defaults.HTTPClient, stdout: stdout}
	root := newRootCommand(r, defaults)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
	var f failure
	if errors.As(err, &f) {
		return 1
	}
	_, _ = fmt.Fprintln(stderr, "")
	_, _ = fmt.Fprint(stderr, root.UsageString())
	return 2
}

func newRootCommand(r *runner, defaults Options) *cobra.Command {
	root := &cobra.Command{
		Use:           "querygenctl",
		Short:         "Generate SQL from natural language through a querygen API",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return errors.New("a command is required")
		},
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if r.client == nil {
				r.client = &http.Client{Timeout: r.timeout}
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&r.baseURL, "base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "querygen API base URL")
	flags.StringVar(&r.apiKey, "api-key", defaults.APIKey, "API key for authenticated requests")
	flags.DurationVar(&r.timeout, "timeout", durationOr(defaults.Timeout, 30*time.Second), "HTTP timeout (e.g. 30s)")

	root.AddCommand(
		r.healthCommand(),
		r.readyCommand(),
		r.runCommand(),
		r.jobCommand(),
		r.schemaCommand(),
		r.auditCommand(defaults),
	)
	return root
}

func (r *runner) healthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report whether the model provider is configured",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := r.call(cmd.Context(), http.MethodGet, "/querygen/health", nil)
			return err
		},
	}
}

func (r *runner) readyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "Check service readiness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := r.call(cmd.Context(), http.MethodGet, "/ready", nil)
			return err
		},
	}
}

func (r *runner) runCommand() *cobra.Command {
	var (
		dataSource   string
		async        bool
		wait         bool
		pollInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run <prompt...>",
		Short: "Generate a SQL query for a natural-language request",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{"prompt": strings.Join(args, " ")}
			if dataSource != "" {
				payload["data_source"] = dataSource
			}
			if async || wait {
				payload["async"] = true
			}

			body, err := r.call(cmd.Context(), http.MethodPost, "/prompts/run", payload)
			if err != nil || !wait {
				return err
			}

			var accepted struct {
				JobID string `json:"job_id"`
			}
			if err := json.Unmarshal(body, &accepted); err != nil || accepted.JobID == "" {
				// The server answered synchronously.
				return nil
			}
			return r.waitForJob(cmd.Context(), accepted.JobID, pollInterval)
		},
	}
	cmd.Flags().StringVar(&dataSource, "data-source", "", "data source name (default: the configured source)")
	cmd.Flags().BoolVar(&async, "async", false, "queue the request and print the job id")
	cmd.Flags().BoolVar(&wait, "wait", false, "queue the request and poll until the job finishes")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", time.Second, "job poll interval with --wait")
	return cmd
}

func (r *runner) jobCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "job <job-id>",
		Short: "Show the state of a queued generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := r.call(cmd.Context(), http.MethodGet, "/prompts/jobs/"+url.PathEscape(args[0]), nil)
			return err
		},
	}
}

// schemaCommand prints the schema context the service would send to the
// model, read directly from a database.
func (r *runner) schemaCommand() *cobra.Command {
	var (
		dialect   string
		dsn       string
		maxTables int
		exclude   []string
		comments  bool
	)
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the model-facing schema description of a database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(dsn) == "" {
				return errors.New("--dsn is required")
			}
			ctx := cmd.Context()
			db, catalog, err := schema.Open(ctx, schema.SourceConfig{Dialect: dialect, DSN: dsn})
			if err != nil {
				return failed("open source: %w", err)
			}
			defer func() { _ = db.Close() }()

			extractor := schema.NewExtractor(schema.SingleSource{Catalog: catalog}, schema.Options{
				MaxTables:             maxTables,
				IncludeTableComments:  comments,
				IncludeColumnComments: comments,
				ExcludedTables:        exclude,
			}, nil)
			snap, err := extractor.Extract(ctx, "")
			if err != nil {
				return failed("extract schema: %w", err)
			}
			_, _ = fmt.Fprintln(r.stdout, prompt.FormatSchema(snap))
			return nil
		},
	}
	cmd.Flags().StringVar(&dialect, "dialect", schema.DialectPostgres, "source dialect: postgres|mysql|sqlite|duckdb")
	cmd.Flags().StringVar(&dsn, "dsn", "", "source connection string")
	cmd.Flags().IntVar(&maxTables, "max-tables", 50, "maximum number of tables to describe")
	cmd.Flags().StringSliceVar(&exclude, "exclude", []string{"schema_migrations", "ar_internal_metadata"}, "tables to leave out")
	cmd.Flags().BoolVar(&comments, "comments", true, "include table and column comments")
	return cmd
}

func (r *runner) waitForJob(ctx context.Context, jobID string, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	path := "/prompts/jobs/" + url.PathEscape(jobID)
	for {
		select {
		case <-ctx.Done():
			return failed("wait for job %s: %w", jobID, ctx.Err())
		case <-ticker.C:
		}

		body, status, err := r.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return failed("request failed: %w", err)
		}
		if status >= 400 {
			return failed("http %d: %s", status, strings.TrimSpace(string(body)))
		}
		var job struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(body, &job); err != nil {
			return failed("decode job: %w", err)
		}
		if job.Status == "succeeded" || job.Status == "failed" {
			r.print(body)
			if job.Status == "failed" {
				return failed("job %s failed", jobID)
			}
			return nil
		}
	}
}

// call performs one request, prints the response and converts HTTP errors
// into failures.
func (r *runner) call(ctx context.Context, method, path string, payload any) ([]byte, error) {
	body, status, err := r.do(ctx, method, path, payload)
	if err != nil {
		return nil, failed("request failed: %w", err)
	}
	if status >= 400 {
		return body, failed("http %d: %s", status, strings.TrimSpace(string(body)))
	}
	r.print(body)
	return body, nil
}

func (r *runner) do(ctx context.Context, method, path string, payload any) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		reader = bytes.NewReader(encoded)
	}

	endpoint := strings.TrimRight(r.baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := strings.TrimSpace(r.apiKey); key != "" {
		req.Header.Set("X-API-Key", key)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

func (r *runner) print(body []byte) {
	if pretty, ok := prettyJSON(body); ok {
		_, _ = fmt.Fprintln(r.stdout, pretty)
		return
	}
	if len(body) > 0 {
		_, _ = fmt.Fprintln(r.stdout, string(body))
	}
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
