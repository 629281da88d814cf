package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/querygen/querygen/internal/nl2sql"
	"github.com/querygen/querygen/internal/observability"
	"github.com/querygen/querygen/internal/querygen"
)

type Generator interface {
	Generate(ctx context.Context, req querygen.Request) (querygen.Result, error)
}

type WorkerConfig struct {
	WorkerID      string
	Concurrency   int
	PollInterval  time.Duration
	LeaseSeconds  int
	MaxAttempts   int
	RetryDelay    time.Duration
	Retention     time.Duration
	SweepInterval time.Duration
}

// Worker claims queued jobs and runs them through the generator. Timeouts
// are retried with a delay up to MaxAttempts; API errors are discarded
// without retry; every other error fails the job.
type Worker struct {
	Store     Store
	Generator Generator
	Config    WorkerConfig
	Logger    *slog.Logger
	Clock     func() time.Time
}

type SweepSummary struct {
	Requeued int `json:"requeued"`
	Purged   int `json:"purged"`
}

const (
	outcomeSucceeded = "succeeded"
	outcomeRetried   = "retried"
	outcomeDiscarded = "discarded"
	outcomeFailed    = "failed"
)

func (w *Worker) Run(ctx context.Context) error {
	w.ensureDefaults()

	var wg sync.WaitGroup
	for i := 0; i < w.Config.Concurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", w.Config.WorkerID, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.poll(ctx, workerID)
		}()
	}

	ticker := time.NewTicker(w.Config.SweepInterval)
	defer ticker.Stop()
	for {
		if _, err := w.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			w.Logger.ErrorContext(ctx, "job sweep failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Worker) poll(ctx context.Context, workerID string) {
	ticker := time.NewTicker(w.Config.PollInterval)
	defer ticker.Stop()

	for {
		processed, err := w.processOnce(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			w.Logger.ErrorContext(ctx, "job process cycle failed", slog.String("worker_id", workerID), slog.Any("error", err))
		}
		if processed && ctx.Err() == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce claims and runs at most one job. It reports whether a job was
// claimed.
func (w *Worker) ProcessOnce(ctx context.Context) (bool, error) {
	w.ensureDefaults()
	return w.processOnce(ctx, w.Config.WorkerID)
}

func (w *Worker) processOnce(ctx context.Context, workerID string) (bool, error) {
	job, ok, err := w.Store.Claim(ctx, workerID, w.Config.LeaseSeconds)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if !ok {
		return false, nil
	}

	// A claimed job runs to completion even when the worker is shutting down;
	// the lease hands it to another worker if this process dies.
	runCtx := context.WithoutCancel(ctx)
	if job.Attempt > w.Config.MaxAttempts {
		return true, w.settle(runCtx, job, workerID, outcomeFailed, func() error {
			return w.Store.Fail(runCtx, job.ID, workerID, querygen.KindTimeout, "job lease expired too many times")
		})
	}

	result, genErr := w.Generator.Generate(runCtx, querygen.Request{
		Prompt:     job.Prompt,
		DataSource: job.DataSource,
		JobID:      job.ID,
	})
	if genErr == nil {
		return true, w.settle(runCtx, job, workerID, outcomeSucceeded, func() error {
			return w.Store.Complete(runCtx, job.ID, workerID, result)
		})
	}

	kind := querygen.ErrorKind(genErr)
	message := publicMessage(genErr, kind)
	switch {
	case errors.Is(genErr, nl2sql.ErrTimeout) && job.Attempt < w.Config.MaxAttempts:
		availableAt := w.Clock().Add(w.Config.RetryDelay)
		return true, w.settle(runCtx, job, workerID, outcomeRetried, func() error {
			return w.Store.Retry(runCtx, job.ID, workerID, availableAt, kind, message)
		})
	case errors.Is(genErr, nl2sql.ErrAPI):
		return true, w.settle(runCtx, job, workerID, outcomeDiscarded, func() error {
			return w.Store.Fail(runCtx, job.ID, workerID, kind, message)
		})
	default:
		return true, w.settle(runCtx, job, workerID, outcomeFailed, func() error {
			return w.Store.Fail(runCtx, job.ID, workerID, kind, message)
		})
	}
}

func (w *Worker) settle(ctx context.Context, job Job, workerID, outcome string, apply func() error) error {
	if err := apply(); err != nil {
		if errors.Is(err, ErrLeaseLost) {
			w.Logger.WarnContext(ctx, "job lease lost before settle",
				slog.String("job_id", job.ID),
				slog.String("worker_id", workerID),
			)
			return nil
		}
		return fmt.Errorf("settle job %s as %s: %w", job.ID, outcome, err)
	}
	observability.IncrementJobOutcome(outcome)
	w.Logger.InfoContext(ctx, "job_settled",
		slog.String("job_id", job.ID),
		slog.String("worker_id", workerID),
		slog.Int("attempt", job.Attempt),
		slog.String("outcome", outcome),
	)
	return nil
}

// SweepOnce requeues jobs whose lease expired, purges finished jobs older
// than the retention window and refreshes queue gauges.
func (w *Worker) SweepOnce(ctx context.Context) (SweepSummary, error) {
	w.ensureDefaults()

	requeued, err := w.Store.RequeueExpired(ctx)
	if err != nil {
		return SweepSummary{}, fmt.Errorf("requeue expired jobs: %w", err)
	}
	summary := SweepSummary{Requeued: requeued}
	if w.Config.Retention > 0 {
		purged, err := w.Store.PurgeFinished(ctx, w.Clock().Add(-w.Config.Retention))
		if err != nil {
			return summary, fmt.Errorf("purge finished jobs: %w", err)
		}
		summary.Purged = purged
	}
	stats, err := w.Store.Stats(ctx)
	if err != nil {
		return summary, fmt.Errorf("job stats: %w", err)
	}
	observability.SetJobQueueMetrics(stats.Queued, stats.Running)
	if summary.Requeued > 0 || summary.Purged > 0 {
		w.Logger.InfoContext(ctx, "job_sweep",
			slog.Int("requeued", summary.Requeued),
			slog.Int("purged", summary.Purged),
		)
	}
	return summary, nil
}

func (w *Worker) ensureDefaults() {
	if w.Clock == nil {
		w.Clock = time.Now
	}
	if w.Logger == nil {
		w.Logger = slog.New(slog.DiscardHandler)
	}
	if w.Config.WorkerID == "" {
		w.Config.WorkerID = "querygen-worker"
	}
	if w.Config.Concurrency <= 0 {
		w.Config.Concurrency = 1
	}
	if w.Config.PollInterval <= 0 {
		w.Config.PollInterval = 500 * time.Millisecond
	}
	if w.Config.LeaseSeconds <= 0 {
		w.Config.LeaseSeconds = 120
	}
	if w.Config.MaxAttempts <= 0 {
		w.Config.MaxAttempts = 3
	}
	if w.Config.SweepInterval <= 0 {
		w.Config.SweepInterval = 30 * time.Second
	}
}

// publicMessage hides the detail of uncategorized failures from job readers.
func publicMessage(err error, kind string) string {
	if kind == querygen.KindInternal {
		return "internal error"
	}
	return err.Error()
}
