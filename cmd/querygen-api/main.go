package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/querygen/querygen/internal/api"
	"github.com/querygen/querygen/internal/app"
	"github.com/querygen/querygen/internal/auth"
	"github.com/querygen/querygen/internal/config"
	"github.com/querygen/querygen/internal/observability"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code; deferred cleanup runs before main exits.
func run() int {
	cfg, err := config.LoadFromEnv("querygen-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		return 1
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	rt, err := app.Build(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to initialize runtime", slog.Any("error", err))
		return 1
	}
	defer func() { _ = rt.Close() }()

	deps := api.Dependencies{
		Logger:            logger,
		Generator:         rt.APIGenerator(),
		Jobs:              rt.Jobs,
		Readiness:         rt.Readiness(),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			return 1
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewHandler(cfg, deps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The audit recorder outlives the generators so their last records are
	// flushed.
	auditCtx, stopAudit := context.WithCancel(context.Background())
	auditDone := make(chan struct{})
	go func() {
		defer close(auditDone)
		if rt.Audit != nil {
			_ = rt.Audit.Run(auditCtx)
		}
	}()
	drainAudit := func() {
		stopAudit()
		<-auditDone
	}

	var background sync.WaitGroup
	// The memory backend is process-local, so its jobs are worked here.
	if cfg.Jobs.Backend == config.JobsBackendMemory {
		worker := rt.Worker(app.WorkerID(cfg.Service.Name))
		background.Add(1)
		go func() {
			defer background.Done()
			if err := worker.Run(ctx); err != nil {
				logger.Error("in-process job worker failed", slog.Any("error", err))
			}
		}()
	}

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		background.Wait()
		drainAudit()
		return 1
	}
	background.Wait()
	drainAudit()
	return 0
}
