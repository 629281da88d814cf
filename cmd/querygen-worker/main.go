package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/querygen/querygen/internal/app"
	"github.com/querygen/querygen/internal/config"
	"github.com/querygen/querygen/internal/observability"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code; deferred cleanup runs before main exits.
func run() int {
	cfg, err := config.LoadFromEnv("querygen-worker")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		return 1
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	if cfg.Jobs.Backend != config.JobsBackendPostgres {
		logger.Error("querygen-worker requires QUERYGEN_JOBS_BACKEND=postgres")
		return 1
	}

	rt, err := app.Build(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to initialize runtime", slog.Any("error", err))
		return 1
	}
	defer func() { _ = rt.Close() }()

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

	worker := rt.Worker(app.WorkerID(cfg.Service.Name))
	logger.Info("job worker started", slog.String("worker_id", worker.Config.WorkerID))
	err = worker.Run(ctx)
	drainAudit()
	if err != nil {
		logger.Error("job worker failed", slog.Any("error", err))
		return 1
	}
	logger.Info("job worker stopped")
	return 0
}
