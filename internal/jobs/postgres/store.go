// Package postgres stores generation jobs in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/querygen/querygen/internal/jobs"
	"github.com/querygen/querygen/internal/querygen"
)

type Store struct {
	db    *sql.DB
	clock func() time.Time
	newID func() string
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, clock: time.Now, newID: uuid.NewString}
}

func (s *Store) Enqueue(ctx context.Context, in jobs.NewJob) (jobs.Job, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return jobs.Job{}, fmt.Errorf("prompt is required")
	}
	job := jobs.Job{
		ID:         s.newID(),
		Prompt:     in.Prompt,
		DataSource: in.DataSource,
		State:      jobs.StateQueued,
	}
	if err := s.db.QueryRowContext(ctx, `
INSERT INTO querygen_job (job_id, prompt, data_source, state)
VALUES ($1, $2, $3, 'queued')
RETURNING created_at, updated_at`, job.ID, job.Prompt, job.DataSource).Scan(&job.CreatedAt, &job.UpdatedAt); err != nil {
		return jobs.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func (s *Store) Get(ctx context.Context, id string) (jobs.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return jobs.Job{}, jobs.ErrJobNotFound
	}
	row := s.db.QueryRowContext(ctx, `
SELECT job_id, prompt, data_source, state, attempt, result_sql, result_model, error_kind, error_message, created_at, updated_at
FROM querygen_job
WHERE job_id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Job{}, jobs.ErrJobNotFound
	}
	if err != nil {
		return jobs.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

func (s *Store) Claim(ctx context.Context, workerID string, leaseSeconds int) (jobs.Job, bool, error) {
	if leaseSeconds <= 0 {
		leaseSeconds = 30
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return jobs.Job{}, false, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx, `
SELECT job_id
FROM querygen_job
WHERE state = 'queued' AND available_at <= NOW()
ORDER BY created_at ASC
FOR UPDATE SKIP LOCKED
LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		if err := tx.Commit(); err != nil {
			return jobs.Job{}, false, fmt.Errorf("commit empty claim tx: %w", err)
		}
		return jobs.Job{}, false, nil
	}
	if err != nil {
		return jobs.Job{}, false, fmt.Errorf("select claim candidate: %w", err)
	}

	leaseUntil := s.clock().UTC().Add(time.Duration(leaseSeconds) * time.Second)
	row := tx.QueryRowContext(ctx, `
UPDATE querygen_job
SET state = 'running', attempt = attempt + 1, lease_owner = $2, lease_until = $3, updated_at = NOW()
WHERE job_id = $1
RETURNING job_id, prompt, data_source, state, attempt, result_sql, result_model, error_kind, error_message, created_at, updated_at`,
		id, workerID, leaseUntil)
	job, err := scanJob(row)
	if err != nil {
		return jobs.Job{}, false, fmt.Errorf("claim job %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return jobs.Job{}, false, fmt.Errorf("commit claim tx: %w", err)
	}
	return job, true, nil
}

func (s *Store) Complete(ctx context.Context, id, workerID string, result querygen.Result) error {
	return s.settle(ctx, "complete", `
UPDATE querygen_job
SET state = 'succeeded', result_sql = $3, result_model = $4, error_kind = NULL, error_message = NULL,
    lease_owner = NULL, lease_until = NULL, updated_at = NOW()
WHERE job_id = $1 AND state = 'running' AND lease_owner = $2`, id, workerID, result.SQL, result.Model)
}

func (s *Store) Fail(ctx context.Context, id, workerID, errorKind, message string) error {
	return s.settle(ctx, "fail", `
UPDATE querygen_job
SET state = 'failed', error_kind = $3, error_message = $4,
    lease_owner = NULL, lease_until = NULL, updated_at = NOW()
WHERE job_id = $1 AND state = 'running' AND lease_owner = $2`, id, workerID, errorKind, message)
}

func (s *Store) Retry(ctx context.Context, id, workerID string, availableAt time.Time, errorKind, message string) error {
	return s.settle(ctx, "retry", `
UPDATE querygen_job
SET state = 'queued', available_at = $3, error_kind = $4, error_message = $5,
    lease_owner = NULL, lease_until = NULL, updated_at = NOW()
WHERE job_id = $1 AND state = 'running' AND lease_owner = $2`, id, workerID, availableAt.UTC(), errorKind, message)
}

func (s *Store) settle(ctx context.Context, action, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s job: %w", action, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("read %s rows affected: %w", action, err)
	}
	if rowsAffected == 0 {
		return jobs.ErrLeaseLost
	}
	return nil
}

func (s *Store) RequeueExpired(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
WITH moved AS (
    UPDATE querygen_job
    SET state = 'queued', lease_owner = NULL, lease_until = NULL, available_at = NOW(), updated_at = NOW()
    WHERE state = 'running' AND lease_until IS NOT NULL AND lease_until < NOW()
    RETURNING job_id
)
SELECT COUNT(*) FROM moved`).Scan(&count); err != nil {
		return 0, fmt.Errorf("requeue expired jobs: %w", err)
	}
	return count, nil
}

func (s *Store) PurgeFinished(ctx context.Context, finishedBefore time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
DELETE FROM querygen_job
WHERE state IN ('succeeded', 'failed') AND updated_at < $1`, finishedBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge finished jobs: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read purge rows affected: %w", err)
	}
	return int(rowsAffected), nil
}

func (s *Store) Stats(ctx context.Context) (jobs.Stats, error) {
	var stats jobs.Stats
	if err := s.db.QueryRowContext(ctx, `
SELECT
    COUNT(*) FILTER (WHERE state = 'queued'),
    COUNT(*) FILTER (WHERE state = 'running')
FROM querygen_job`).Scan(&stats.Queued, &stats.Running); err != nil {
		return jobs.Stats{}, fmt.Errorf("job stats: %w", err)
	}
	return stats, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (jobs.Job, error) {
	var job jobs.Job
	var state string
	var resultSQL, resultModel, errorKind, errorMessage sql.NullString
	if err := row.Scan(
		&job.ID,
		&job.Prompt,
		&job.DataSource,
		&state,
		&job.Attempt,
		&resultSQL,
		&resultModel,
		&errorKind,
		&errorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return jobs.Job{}, err
	}
	job.State = jobs.State(state)
	job.ErrorKind = errorKind.String
	job.Error = errorMessage.String
	if job.State == jobs.StateSucceeded && resultSQL.Valid {
		job.Result = &querygen.Result{
			SQL:     resultSQL.String,
			Prompt:  job.Prompt,
			Model:   resultModel.String,
			Success: true,
		}
	}
	return job, nil
}

var _ jobs.Store = (*Store)(nil)
