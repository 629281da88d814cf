// Package app assembles the components shared by the querygen binaries from
// configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/querygen/querygen/internal/api"
	"github.com/querygen/querygen/internal/audit"
	"github.com/querygen/querygen/internal/config"
	"github.com/querygen/querygen/internal/jobs"
	jobspostgres "github.com/querygen/querygen/internal/jobs/postgres"
	"github.com/querygen/querygen/internal/nl2sql"
	"github.com/querygen/querygen/internal/prompt"
	"github.com/querygen/querygen/internal/querygen"
	"github.com/querygen/querygen/internal/safety"
	"github.com/querygen/querygen/internal/schema"
	s3store "github.com/querygen/querygen/internal/storage/s3"
)

// Runtime owns the open connections of one process.
type Runtime struct {
	Config config.Config
	Logger *slog.Logger
	// Generator is nil when no model provider API key is configured.
	Generator *querygen.Generator
	Jobs      jobs.Store
	// Audit is nil when the audit archive is disabled.
	Audit *audit.Recorder

	sourceDB *sql.DB
	jobsDB   *sql.DB
}

// Build opens the source database, the job store and the audit archive and
// wires the generator over them. A missing API key is not an error; the
// generator is left nil so the service can report itself unconfigured.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Logger: logger}

	resolver := schema.SingleSource{Name: cfg.Source.Name, Logger: logger}
	if cfg.Source.DSN != "" {
		db, catalog, err := schema.Open(ctx, schema.SourceConfig{
			Dialect:         cfg.Source.Dialect,
			DSN:             cfg.Source.DSN,
			MaxOpenConns:    cfg.Source.MaxOpenConns,
			MaxIdleConns:    cfg.Source.MaxIdleConns,
			ConnMaxIdleTime: cfg.Source.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Source.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		rt.sourceDB = db
		resolver.Catalog = catalog
	} else {
		logger.Warn("no source database configured; generation requests will fail")
	}

	if err := rt.openJobs(ctx); err != nil {
		_ = rt.Close()
		return nil, err
	}

	if cfg.Audit.Enabled {
		store, err := s3store.New(ctx, s3store.Config{
			Endpoint:         cfg.Audit.Endpoint,
			Region:           cfg.Audit.Region,
			Bucket:           cfg.Audit.Bucket,
			AccessKeyID:      cfg.Audit.AccessKeyID,
			SecretAccessKey:  cfg.Audit.SecretAccessKey,
			UseSSL:           cfg.Audit.UseSSL,
			Prefix:           cfg.Audit.Prefix,
			AutoCreateBucket: cfg.Audit.AutoCreate,
		})
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("initialize audit store: %w", err)
		}
		rt.Audit, err = audit.NewRecorder(store, audit.RecorderConfig{
			BatchSize:     cfg.Audit.BatchSize,
			FlushInterval: cfg.Audit.FlushInterval,
		}, logger)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
	}

	if !cfg.APIKeyConfigured() {
		logger.Warn("model provider API key is not configured")
		return rt, nil
	}
	generator, err := newGenerator(cfg, resolver, rt.Audit, logger)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Generator = generator
	return rt, nil
}

func (rt *Runtime) openJobs(ctx context.Context) error {
	switch rt.Config.Jobs.Backend {
	case config.JobsBackendPostgres:
		db, err := jobspostgres.Open(ctx, jobspostgres.DBConfig{
			DSN:             rt.Config.Jobs.DSN,
			MaxOpenConns:    rt.Config.Jobs.Concurrency + 2,
			MaxIdleConns:    2,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
		})
		if err != nil {
			return err
		}
		rt.jobsDB = db
		rt.Jobs = jobspostgres.NewStore(db)
	default:
		rt.Jobs = jobs.NewMemoryStore()
	}
	return nil
}

func newGenerator(cfg config.Config, resolver schema.Resolver, recorder *audit.Recorder, logger *slog.Logger) (*querygen.Generator, error) {
	prompts, err := prompt.FromConfig(cfg.Prompt.SystemPrompt, cfg.Prompt.UserPromptTemplate, logger)
	if err != nil {
		return nil, err
	}
	client, err := nl2sql.NewOpenAIClient(nl2sql.OpenAIConfig{
		BaseURL:      cfg.AI.BaseURL,
		APIKey:       cfg.AI.APIKey,
		Model:        cfg.AI.Model,
		Temperature:  cfg.AI.Temperature,
		MaxTokens:    cfg.AI.MaxTokens,
		Timeout:      cfg.AI.Timeout,
		MaxRetries:   cfg.AI.MaxRetries,
		RetryBackoff: cfg.AI.RetryBackoff,
		Prompts:      prompts,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	deps := querygen.Dependencies{
		Extractor: schema.NewExtractor(resolver, schema.Options{
			MaxTables:             cfg.Schema.MaxTablesInContext,
			IncludeTableComments:  cfg.Schema.IncludeTableComments,
			IncludeColumnComments: cfg.Schema.IncludeColumnComments,
			ExcludedTables:        cfg.Schema.ExcludedTables,
		}, logger),
		Client:    client,
		Sanitizer: safety.NewSanitizer(cfg.Safety.SanitizeQueries),
		Model:     client.Model(),
		Logger:    logger,
	}
	if recorder != nil {
		deps.Audit = recorder
	}
	return querygen.NewGenerator(deps)
}

// JobGenerator returns the generator for job workers. Without a configured
// provider every job fails with a configuration error.
func (rt *Runtime) JobGenerator() jobs.Generator {
	if rt.Generator == nil {
		return unconfigured{}
	}
	return rt.Generator
}

// APIGenerator returns the generator for the HTTP layer, keeping the nil
// interface when no provider is configured.
func (rt *Runtime) APIGenerator() api.Generator {
	if rt.Generator == nil {
		return nil
	}
	return rt.Generator
}

func (rt *Runtime) Worker(workerID string) *jobs.Worker {
	return &jobs.Worker{
		Store:     rt.Jobs,
		Generator: rt.JobGenerator(),
		Config: jobs.WorkerConfig{
			WorkerID:     workerID,
			Concurrency:  rt.Config.Jobs.Concurrency,
			PollInterval: rt.Config.Jobs.PollInterval,
			LeaseSeconds: rt.Config.Jobs.LeaseSeconds,
			MaxAttempts:  rt.Config.Jobs.MaxAttempts,
			RetryDelay:   rt.Config.Jobs.RetryDelay,
			Retention:    rt.Config.Jobs.Retention,
		},
		Logger: rt.Logger,
	}
}

func (rt *Runtime) Readiness() api.ReadinessCheck {
	checks := []api.ReadinessCheck{api.CheckSourceConfigured(rt.Config)}
	if rt.sourceDB != nil {
		checks = append(checks, api.CheckPing("source database", rt.sourceDB.PingContext))
	}
	if rt.Jobs != nil {
		checks = append(checks, api.CheckPing("job store", rt.Jobs.Ping))
	}
	return api.CombineReadinessChecks(checks...)
}

// Close releases database connections. The audit recorder is flushed by its
// Run loop, not here.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.sourceDB != nil {
		errs = append(errs, rt.sourceDB.Close())
	}
	if rt.jobsDB != nil {
		errs = append(errs, rt.jobsDB.Close())
	}
	return errors.Join(errs...)
}

// WorkerID names this process for job leases.
func WorkerID(service string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s-%s-%d", service, host, os.Getpid())
}

type unconfigured struct{}

func (unconfigured) Generate(context.Context, querygen.Request) (querygen.Result, error) {
	return querygen.Result{}, nl2sql.ErrConfiguration
}
