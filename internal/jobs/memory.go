package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/querygen/querygen/internal/querygen"
)

type memoryJob struct {
	job         Job
	availableAt time.Time
	leaseOwner  string
	leaseUntil  time.Time
}

// MemoryStore keeps jobs in process memory. Jobs do not survive a restart.
type MemoryStore struct {
	mu    sync.Mutex
	jobs  map[string]*memoryJob
	order []string
	clock func() time.Time
	newID func() string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  map[string]*memoryJob{},
		clock: time.Now,
		newID: uuid.NewString,
	}
}

func (s *MemoryStore) Enqueue(_ context.Context, in NewJob) (Job, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return Job{}, fmt.Errorf("prompt is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	job := Job{
		ID:         s.newID(),
		Prompt:     in.Prompt,
		DataSource: in.DataSource,
		State:      StateQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.jobs[job.ID] = &memoryJob{job: job, availableAt: now}
	s.order = append(s.order, job.ID)
	return job, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return entry.job, nil
}

func (s *MemoryStore) Claim(_ context.Context, workerID string, leaseSeconds int) (Job, bool, error) {
	if leaseSeconds <= 0 {
		leaseSeconds = 30
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	for _, id := range s.order {
		entry := s.jobs[id]
		if entry.job.State != StateQueued || entry.availableAt.After(now) {
			continue
		}
		entry.job.State = StateRunning
		entry.job.Attempt++
		entry.job.UpdatedAt = now
		entry.leaseOwner = workerID
		entry.leaseUntil = now.Add(time.Duration(leaseSeconds) * time.Second)
		return entry.job, true, nil
	}
	return Job{}, false, nil
}

func (s *MemoryStore) Complete(_ context.Context, id, workerID string, result querygen.Result) error {
	return s.finish(id, workerID, func(entry *memoryJob) {
		entry.job.State = StateSucceeded
		entry.job.Result = &result
		entry.job.Error = ""
		entry.job.ErrorKind = ""
	})
}

func (s *MemoryStore) Fail(_ context.Context, id, workerID, errorKind, message string) error {
	return s.finish(id, workerID, func(entry *memoryJob) {
		entry.job.State = StateFailed
		entry.job.Error = message
		entry.job.ErrorKind = errorKind
	})
}

func (s *MemoryStore) Retry(_ context.Context, id, workerID string, availableAt time.Time, errorKind, message string) error {
	return s.finish(id, workerID, func(entry *memoryJob) {
		entry.job.State = StateQueued
		entry.job.Error = message
		entry.job.ErrorKind = errorKind
		entry.availableAt = availableAt.UTC()
	})
}

func (s *MemoryStore) finish(id, workerID string, apply func(*memoryJob)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if entry.job.State != StateRunning || entry.leaseOwner != workerID {
		return ErrLeaseLost
	}
	apply(entry)
	entry.job.UpdatedAt = s.clock().UTC()
	entry.leaseOwner = ""
	entry.leaseUntil = time.Time{}
	return nil
}

func (s *MemoryStore) RequeueExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	count := 0
	for _, entry := range s.jobs {
		if entry.job.State == StateRunning && entry.leaseUntil.Before(now) {
			entry.job.State = StateQueued
			entry.job.UpdatedAt = now
			entry.leaseOwner = ""
			entry.leaseUntil = time.Time{}
			entry.availableAt = now
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) PurgeFinished(_ context.Context, finishedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.order[:0]
	count := 0
	for _, id := range s.order {
		entry := s.jobs[id]
		if entry.job.State.Finished() && entry.job.UpdatedAt.Before(finishedBefore) {
			delete(s.jobs, id)
			count++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return count, nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats Stats
	for _, entry := range s.jobs {
		switch entry.job.State {
		case StateQueued:
			stats.Queued++
		case StateRunning:
			stats.Running++
		}
	}
	return stats, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
