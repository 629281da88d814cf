// Package api exposes query generation over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/querygen/querygen/internal/config"
	"github.com/querygen/querygen/internal/jobs"
	"github.com/querygen/querygen/internal/nl2sql"
	"github.com/querygen/querygen/internal/observability"
	"github.com/querygen/querygen/internal/querygen"
)

type ReadinessCheck func(ctx context.Context) error

type Generator interface {
	Generate(ctx context.Context, req querygen.Request) (querygen.Result, error)
}

type JobQueue interface {
	Enqueue(ctx context.Context, in jobs.NewJob) (jobs.Job, error)
	Get(ctx context.Context, id string) (jobs.Job, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	// Generator is nil when the model provider is not configured; generation
	// requests then fail with nl2sql.ErrConfiguration.
	Generator Generator
	Jobs      JobQueue
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /querygen/health", func(w http.ResponseWriter, _ *http.Request) {
		if !cfg.APIKeyConfigured() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"success": false,
				"status":  "not_configured",
				"error":   nl2sql.ErrConfiguration.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"status":  "configured",
			"model":   cfg.AI.Model,
		})
	})

	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":   "not_ready",
				"error":    err.Error(),
				"trace_id": observability.TraceIDFromContext(r.Context()),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("POST /prompts/run", func(w http.ResponseWriter, r *http.Request) {
		handleRunPrompt(cfg, deps, w, r)
	})
	protected.HandleFunc("GET /prompts/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleGetJob(deps, w, r)
	})

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			deps.Logger.Error("auth required but auth middleware missing")
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeFailure(r.Context(), w, deps.Logger, errors.New("auth middleware is required by configuration"))
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	mux.Handle("POST /prompts/run", protectedHandler)
	mux.Handle("GET /prompts/jobs/{id}", protectedHandler)

	return chain(mux,
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
		observability.LoggingMiddleware(deps.Logger),
	)
}

// CheckSourceConfigured fails readiness until a source DSN is configured.
func CheckSourceConfigured(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.Source.DSN == "" {
			return errors.New("source dsn is not configured")
		}
		return nil
	}
}

func CheckPing(name string, ping func(ctx context.Context) error) ReadinessCheck {
	return func(ctx context.Context) error {
		if err := ping(ctx); err != nil {
			return errors.New(name + " is unavailable: " + err.Error())
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
