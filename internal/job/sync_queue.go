// Package job runs the durable vault sync queue. Jobs live in postgres so a
// worker crash never loses them; claimed jobs that fail are rescheduled with
// exponential backoff until their attempt budget runs out.
package job

import (
	"context"
	"sync"
	"time"

	"github.com/vault-scanner/internal/logging"
	"github.com/vault-scanner/internal/models"
	"github.com/vault-scanner/internal/retry"
)

// JobStore is the persistence side of the queue.
// *storage.SyncJobRepository satisfies it.
type JobStore interface {
	ClaimDue(ctx context.Context, limit int) ([]*models.SyncJob, error)
	MarkCompleted(ctx context.Context, jobID string) error
	Reschedule(ctx context.Context, jobID string, attempts int, nextRunAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, jobID string, attempts int, lastError string) error
}

// Processor executes one claimed job and reports positions written.
// *service.VaultSyncService satisfies it.
type Processor interface {
	ProcessVaultSync(ctx context.Context, job *models.SyncJob) (int, error)
}

// RunRecorder captures an audit record per finished job. May be nil.
// *storage.SyncRunRepository satisfies it.
type RunRecorder interface {
	Record(ctx context.Context, run *models.SyncRun) error
}

// Config tunes the queue.
type Config struct {
	Workers   int           // concurrent job executions
	PollEvery time.Duration // claim loop interval
	BaseDelay time.Duration // first retry delay, doubled per attempt
	MaxDelay  time.Duration // backoff cap
}

// DefaultConfig matches the production queue settings: 5 workers polling
// every second, retries at 5s, 10s, 20s.
func DefaultConfig() Config {
	return Config{
		Workers:   5,
		PollEvery: time.Second,
		BaseDelay: 5 * time.Second,
		MaxDelay:  5 * time.Minute,
	}
}

// SyncQueue claims due jobs from the store and dispatches them to workers.
type SyncQueue struct {
	store     JobStore
	processor Processor
	recorder  RunRecorder
	config    Config
	logger    *logging.Logger
	stopChan  chan struct{}
	wg        sync.WaitGroup
	running   bool
	mu        sync.Mutex
}

// NewSyncQueue creates the queue. recorder may be nil to skip audit records.
func NewSyncQueue(store JobStore, processor Processor, recorder RunRecorder, config Config) *SyncQueue {
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	if config.PollEvery <= 0 {
		config.PollEvery = DefaultConfig().PollEvery
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = DefaultConfig().BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = DefaultConfig().MaxDelay
	}
	return &SyncQueue{
		store:     store,
		processor: processor,
		recorder:  recorder,
		config:    config,
		logger:    logging.GetGlobalLogger().WithField("component", "sync_queue"),
		stopChan:  make(chan struct{}),
	}
}

// Start launches the claim loop.
func (q *SyncQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true

	q.wg.Add(1)
	go q.pollLoop(ctx)
	q.logger.WithField("workers", q.config.Workers).Info("sync queue started")
}

// Stop halts claiming and waits for in-flight jobs to finish.
func (q *SyncQueue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stopChan)
	q.mu.Unlock()

	q.wg.Wait()
	q.logger.Info("sync queue stopped")
}

func (q *SyncQueue) pollLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.drainOnce(ctx)
		case <-q.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// drainOnce claims up to one batch of due jobs and runs them concurrently.
func (q *SyncQueue) drainOnce(ctx context.Context) {
	jobs, err := q.store.ClaimDue(ctx, q.config.Workers)
	if err != nil {
		q.logger.WithError(err).Error("failed to claim due jobs")
		return
	}
	if len(jobs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, claimed := range jobs {
		wg.Add(1)
		go func(j *models.SyncJob) {
			defer wg.Done()
			q.runJob(ctx, j)
		}(claimed)
	}
	wg.Wait()
}

func (q *SyncQueue) runJob(ctx context.Context, j *models.SyncJob) {
	logger := q.logger.WithField("job_id", j.JobID).
		WithField("chain", string(j.Chain)).
		WithField("vault", j.VaultAddress).
		WithField("attempt", j.Attempts)

	started := time.Now()
	written, err := q.processor.ProcessVaultSync(ctx, j)
	duration := time.Since(started)

	if err == nil {
		if markErr := q.store.MarkCompleted(ctx, j.JobID); markErr != nil {
			logger.WithError(markErr).Error("failed to mark job completed")
		}
		logger.WithField("positions", written).WithField("duration", duration.String()).Info("job completed")
		q.record(ctx, j, written, duration, "completed", "")
		return
	}

	if j.Attempts >= j.MaxAttempts {
		logger.WithError(err).Error("job failed permanently, attempt budget exhausted")
		if markErr := q.store.MarkFailed(ctx, j.JobID, j.Attempts, err.Error()); markErr != nil {
			logger.WithError(markErr).Error("failed to mark job failed")
		}
		q.record(ctx, j, 0, duration, "failed", err.Error())
		return
	}

	delay := retry.Delay(&retry.Config{
		InitialDelay: q.config.BaseDelay,
		MaxDelay:     q.config.MaxDelay,
		Multiplier:   2.0,
	}, j.Attempts)
	nextRun := time.Now().Add(delay)

	logger.WithError(err).WithField("next_run", nextRun.Format(time.RFC3339)).Warn("job failed, rescheduling")
	if schedErr := q.store.Reschedule(ctx, j.JobID, j.Attempts, nextRun, err.Error()); schedErr != nil {
		logger.WithError(schedErr).Error("failed to reschedule job")
	}
	q.record(ctx, j, 0, duration, "retrying", err.Error())
}

func (q *SyncQueue) record(ctx context.Context, j *models.SyncJob, written int, duration time.Duration, status, errText string) {
	if q.recorder == nil {
		return
	}
	var block uint64
	if j.BlockNumber != nil {
		block = *j.BlockNumber
	}
	run := &models.SyncRun{
		Chain:            j.Chain,
		VaultAddress:     j.VaultAddress,
		SnapshotDate:     j.SnapshotDate,
		BlockNumber:      block,
		PositionsWritten: int32(written),
		DurationMs:       duration.Milliseconds(),
		Status:           status,
		Error:            errText,
		RanAt:            time.Now().UTC(),
	}
	if err := q.recorder.Record(ctx, run); err != nil {
		q.logger.WithError(err).Warn("failed to record sync run")
	}
}
