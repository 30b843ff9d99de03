package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vault-scanner/internal/models"
	"github.com/vault-scanner/internal/types"
)

// SyncJobRepository persists the durable sync queue. Jobs survive process
// restarts; the worker pool claims due jobs and the retry state (attempts,
// next_run_at) lives in the row itself.
type SyncJobRepository struct {
	pool *pgxpool.Pool
}

// NewSyncJobRepository creates a new sync job repository
func NewSyncJobRepository(pool *pgxpool.Pool) *SyncJobRepository {
	return &SyncJobRepository{pool: pool}
}

// Enqueue inserts a new queued job. Missing fields are defaulted: a fresh
// job id, queued status, and an immediate next_run_at.
func (r *SyncJobRepository) Enqueue(ctx context.Context, job *models.SyncJob) error {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = types.JobStatusQueued
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 3
	}
	now := time.Now().UTC()
	if job.NextRunAt.IsZero() {
		job.NextRunAt = now
	}
	job.VaultAddress = strings.ToLower(job.VaultAddress)
	job.CreatedAt = now
	job.UpdatedAt = now

	query := `
		INSERT INTO sync_jobs (
			job_id, chain, vault_address, snapshot_date, block_number,
			status, attempts, max_attempts, next_run_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	var blockNumber *int64
	if job.BlockNumber != nil {
		bn := int64(*job.BlockNumber)
		blockNumber = &bn
	}

	_, err := r.pool.Exec(ctx, query,
		job.JobID,
		string(job.Chain),
		job.VaultAddress,
		models.TruncateToUTCDay(job.SnapshotDate),
		blockNumber,
		string(job.Status),
		job.Attempts,
		job.MaxAttempts,
		job.NextRunAt,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue sync job: %w", err)
	}

	return nil
}

// staleClaimAfter is how long an in_progress row may sit untouched before it
// is presumed orphaned by a crashed worker and becomes claimable again.
const staleClaimAfter = 10 * time.Minute

// ClaimDue atomically claims up to limit due jobs, moving them to
// in_progress and counting the attempt. Concurrent workers never claim the
// same job thanks to FOR UPDATE SKIP LOCKED. In-progress rows whose claim has
// gone stale are reclaimed so a worker crash never strands a job; the crashed
// attempt stays counted against the budget.
func (r *SyncJobRepository) ClaimDue(ctx context.Context, limit int) ([]*models.SyncJob, error) {
	query := `
		UPDATE sync_jobs
		SET status = 'in_progress', attempts = attempts + 1, updated_at = NOW()
		WHERE job_id IN (
			SELECT job_id FROM sync_jobs
			WHERE (status = 'queued' AND next_run_at <= NOW())
			   OR (status = 'in_progress' AND updated_at < $2)
			ORDER BY next_run_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING job_id, chain, vault_address, snapshot_date, block_number,
			status, attempts, max_attempts, next_run_at, last_error, created_at, updated_at
	`

	staleBefore := time.Now().UTC().Add(-staleClaimAfter)
	rows, err := r.pool.Query(ctx, query, limit, staleBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.SyncJob
	for rows.Next() {
		var job models.SyncJob
		var chain, status string
		var blockNumber *int64

		err := rows.Scan(
			&job.JobID,
			&chain,
			&job.VaultAddress,
			&job.SnapshotDate,
			&blockNumber,
			&status,
			&job.Attempts,
			&job.MaxAttempts,
			&job.NextRunAt,
			&job.LastError,
			&job.CreatedAt,
			&job.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync job row: %w", err)
		}

		job.Chain = types.ChainID(chain)
		job.Status = types.SyncJobStatus(status)
		if blockNumber != nil {
			bn := uint64(*blockNumber)
			job.BlockNumber = &bn
		}
		jobs = append(jobs, &job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync job rows: %w", err)
	}

	return jobs, nil
}

// MarkCompleted marks a job as successfully processed.
func (r *SyncJobRepository) MarkCompleted(ctx context.Context, jobID string) error {
	query := `
		UPDATE sync_jobs
		SET status = 'completed', updated_at = NOW()
		WHERE job_id = $1
	`
	if _, err := r.pool.Exec(ctx, query, jobID); err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	return nil
}

// Reschedule returns a failed attempt to the queue with an incremented
// attempt count and a future next_run_at.
func (r *SyncJobRepository) Reschedule(ctx context.Context, jobID string, attempts int, nextRunAt time.Time, lastError string) error {
	query := `
		UPDATE sync_jobs
		SET status = 'queued', attempts = $2, next_run_at = $3, last_error = $4, updated_at = NOW()
		WHERE job_id = $1
	`
	if _, err := r.pool.Exec(ctx, query, jobID, attempts, nextRunAt, lastError); err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	return nil
}

// MarkFailed abandons a job after its attempt budget is exhausted. The row is
// kept so abandoned vaults are visible, never silently dropped.
func (r *SyncJobRepository) MarkFailed(ctx context.Context, jobID string, attempts int, lastError string) error {
	query := `
		UPDATE sync_jobs
		SET status = 'failed', attempts = $2, last_error = $3, updated_at = NOW()
		WHERE job_id = $1
	`
	if _, err := r.pool.Exec(ctx, query, jobID, attempts, lastError); err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return nil
}

// CountByStatus returns the number of jobs in the given state.
func (r *SyncJobRepository) CountByStatus(ctx context.Context, status types.SyncJobStatus) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sync_jobs WHERE status = $1`, string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return count, nil
}
