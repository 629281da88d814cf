// Package jobs queues generation requests for background processing.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/querygen/querygen/internal/querygen"
)

type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

func (s State) Finished() bool {
	return s == StateSucceeded || s == StateFailed
}

var (
	ErrJobNotFound = errors.New("job not found")
	ErrLeaseLost   = errors.New("job lease lost")
)

type Job struct {
	ID         string           `json:"job_id"`
	Prompt     string           `json:"prompt"`
	DataSource string           `json:"data_source,omitempty"`
	State      State            `json:"status"`
	Attempt    int              `json:"attempt"`
	Result     *querygen.Result `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
	ErrorKind  string           `json:"error_kind,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

type NewJob struct {
	Prompt     string
	DataSource string
}

type Stats struct {
	Queued  int64
	Running int64
}

// Store persists jobs. Claim hands a queued job to exactly one worker under a
// lease; Complete, Fail and Retry return ErrLeaseLost when the caller no
// longer holds it.
type Store interface {
	Enqueue(ctx context.Context, in NewJob) (Job, error)
	Get(ctx context.Context, id string) (Job, error)
	Claim(ctx context.Context, workerID string, leaseSeconds int) (Job, bool, error)
	Complete(ctx context.Context, id, workerID string, result querygen.Result) error
	Fail(ctx context.Context, id, workerID, errorKind, message string) error
	Retry(ctx context.Context, id, workerID string, availableAt time.Time, errorKind, message string) error
	RequeueExpired(ctx context.Context) (int, error)
	PurgeFinished(ctx context.Context, finishedBefore time.Time) (int, error)
	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
}
