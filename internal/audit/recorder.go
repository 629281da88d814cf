// Package audit buffers generation outcomes and archives them as parquet
// batches in object storage.
package audit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/querygen/querygen/internal/observability"
	"github.com/querygen/querygen/internal/storage"
)

type RecorderConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	// MaxPending bounds the buffer while the store is failing; the oldest
	// records are dropped beyond it. Defaults to four batches.
	MaxPending int
}

type Recorder struct {
	store         storage.ObjectStore
	batchSize     int
	maxPending    int
	flushInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time
	newBatchID    func() string

	mu      sync.Mutex
	pending []Record
	flushCh chan struct{}
}

func NewRecorder(store storage.ObjectStore, cfg RecorderConfig, logger *slog.Logger) (*Recorder, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	if cfg.MaxPending < cfg.BatchSize {
		cfg.MaxPending = 4 * cfg.BatchSize
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Recorder{
		store:         store,
		batchSize:     cfg.BatchSize,
		maxPending:    cfg.MaxPending,
		flushInterval: cfg.FlushInterval,
		logger:        logger,
		now:           time.Now,
		newBatchID:    uuid.NewString,
		flushCh:       make(chan struct{}, 1),
	}, nil
}

// Record buffers rec. A full batch wakes Run; Record itself never blocks on
// storage.
func (r *Recorder) Record(_ context.Context, rec Record) {
	if rec.CreatedAtUnixMs == 0 {
		rec.CreatedAtUnixMs = r.now().UTC().UnixMilli()
	}
	r.mu.Lock()
	r.pending = append(r.pending, rec)
	r.trimLocked()
	full := len(r.pending) >= r.batchSize
	r.mu.Unlock()

	if full {
		select {
		case r.flushCh <- struct{}{}:
		default:
		}
	}
}

func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// trimLocked drops the oldest records beyond maxPending. r.mu must be held.
func (r *Recorder) trimLocked() {
	over := len(r.pending) - r.maxPending
	if over <= 0 {
		return
	}
	r.pending = append([]Record(nil), r.pending[over:]...)
	observability.AddAuditDropped(over)
}

// Flush writes every buffered record as one batch. Records are put back in
// front of the buffer when the upload fails, up to the pending limit.
func (r *Recorder) Flush(ctx context.Context) (string, error) {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()
	if len(batch) == 0 {
		return "", nil
	}

	key, err := r.writeBatch(ctx, batch)
	observability.ObserveAuditFlush(len(batch), err)
	if err != nil {
		r.mu.Lock()
		r.pending = append(batch, r.pending...)
		r.trimLocked()
		r.mu.Unlock()
		return "", err
	}
	return key, nil
}

func (r *Recorder) writeBatch(ctx context.Context, batch []Record) (string, error) {
	data, err := EncodeBatch(batch)
	if err != nil {
		return "", err
	}
	key, err := storage.BuildAuditBatchPath(r.now(), r.newBatchID())
	if err != nil {
		return "", err
	}
	if _, err := r.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{ContentType: "application/vnd.apache.parquet"}); err != nil {
		return "", fmt.Errorf("put audit batch: %w", err)
	}
	return key, nil
}

// Run flushes on every interval tick and whenever a batch fills up. On
// shutdown it makes a final flush with a short detached deadline.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			r.flushAndLog(flushCtx)
			cancel()
			return nil
		case <-ticker.C:
			r.flushAndLog(ctx)
		case <-r.flushCh:
			r.flushAndLog(ctx)
		}
	}
}

func (r *Recorder) flushAndLog(ctx context.Context) {
	pending := r.Pending()
	key, err := r.Flush(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "audit flush failed", slog.Int("records", pending), slog.Any("error", err))
		return
	}
	if key != "" {
		r.logger.DebugContext(ctx, "audit batch written", slog.String("key", key), slog.Int("records", pending))
	}
}

// ReadBatch loads an archived batch back from the store.
func ReadBatch(ctx context.Context, store storage.ObjectStore, key string) ([]Record, error) {
	reader, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read audit batch: %w", err)
	}
	return DecodeBatch(data)
}
