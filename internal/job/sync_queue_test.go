package job

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vault-scanner/internal/models"
	"github.com/vault-scanner/internal/types"
)

type fakeStore struct {
	mu          sync.Mutex
	due         []*models.SyncJob
	completed   []string
	failed      []string
	rescheduled []rescheduleCall
}

type rescheduleCall struct {
	jobID     string
	attempts  int
	nextRunAt time.Time
	lastError string
}

// ClaimDue mirrors the repository's claim predicate: due queued rows plus
// in_progress rows whose claim has gone stale.
func (s *fakeStore) ClaimDue(ctx context.Context, limit int) ([]*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	staleBefore := time.Now().Add(-10 * time.Minute)

	var claimed, rest []*models.SyncJob
	for _, j := range s.due {
		claimable := j.Status == types.JobStatusQueued ||
			(j.Status == types.JobStatusInProgress && j.UpdatedAt.Before(staleBefore))
		if claimable && len(claimed) < limit {
			j.Attempts++
			j.Status = types.JobStatusInProgress
			j.UpdatedAt = time.Now()
			claimed = append(claimed, j)
		} else {
			rest = append(rest, j)
		}
	}
	s.due = rest
	return claimed, nil
}

func (s *fakeStore) MarkCompleted(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, jobID)
	return nil
}

func (s *fakeStore) Reschedule(ctx context.Context, jobID string, attempts int, nextRunAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rescheduled = append(s.rescheduled, rescheduleCall{jobID, attempts, nextRunAt, lastError})
	return nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, jobID string, attempts int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, jobID)
	return nil
}

type fakeProcessor struct {
	mu        sync.Mutex
	processed []string
	err       error
}

func (p *fakeProcessor) ProcessVaultSync(ctx context.Context, j *models.SyncJob) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed = append(p.processed, j.JobID)
	if p.err != nil {
		return 0, p.err
	}
	return 3, nil
}

type fakeRecorder struct {
	mu   sync.Mutex
	runs []*models.SyncRun
}

func (r *fakeRecorder) Record(ctx context.Context, run *models.SyncRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func testJob(id string) *models.SyncJob {
	return &models.SyncJob{
		JobID:        id,
		Chain:        types.ChainBase,
		VaultAddress: "0xvault1",
		SnapshotDate: time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC),
		Status:       types.JobStatusQueued,
		MaxAttempts:  3,
	}
}

func queueConfig() Config {
	return Config{Workers: 2, PollEvery: 5 * time.Millisecond, BaseDelay: 5 * time.Second, MaxDelay: 5 * time.Minute}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestQueueCompletesJobs(t *testing.T) {
	store := &fakeStore{due: []*models.SyncJob{testJob("job-1"), testJob("job-2")}}
	processor := &fakeProcessor{}
	recorder := &fakeRecorder{}

	q := NewSyncQueue(store, processor, recorder, queueConfig())
	q.Start(context.Background())
	defer q.Stop()

	waitFor(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.completed) == 2
	})

	processor.mu.Lock()
	assert.Len(t, processor.processed, 2)
	processor.mu.Unlock()

	recorder.mu.Lock()
	require.Len(t, recorder.runs, 2)
	assert.Equal(t, "completed", recorder.runs[0].Status)
	assert.Equal(t, int32(3), recorder.runs[0].PositionsWritten)
	recorder.mu.Unlock()
}

func TestQueueReschedulesWithBackoff(t *testing.T) {
	store := &fakeStore{due: []*models.SyncJob{testJob("job-1")}}
	processor := &fakeProcessor{err: fmt.Errorf("provider timeout")}

	q := NewSyncQueue(store, processor, nil, queueConfig())
	q.Start(context.Background())
	defer q.Stop()

	waitFor(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.rescheduled) == 1
	})

	store.mu.Lock()
	call := store.rescheduled[0]
	store.mu.Unlock()

	assert.Equal(t, "job-1", call.jobID)
	assert.Equal(t, 1, call.attempts)
	assert.Equal(t, "provider timeout", call.lastError)
	// First retry waits the base delay.
	assert.WithinDuration(t, time.Now().Add(5*time.Second), call.nextRunAt, time.Second)
}

func TestQueueFailsAfterBudgetExhausted(t *testing.T) {
	exhausted := testJob("job-1")
	exhausted.Attempts = 2 // claim will bump to 3, the budget
	store := &fakeStore{due: []*models.SyncJob{exhausted}}
	processor := &fakeProcessor{err: fmt.Errorf("still broken")}
	recorder := &fakeRecorder{}

	q := NewSyncQueue(store, processor, recorder, queueConfig())
	q.Start(context.Background())
	defer q.Stop()

	waitFor(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.failed) == 1
	})

	store.mu.Lock()
	assert.Equal(t, []string{"job-1"}, store.failed)
	assert.Empty(t, store.rescheduled)
	store.mu.Unlock()

	recorder.mu.Lock()
	require.Len(t, recorder.runs, 1)
	assert.Equal(t, "failed", recorder.runs[0].Status)
	assert.Equal(t, "still broken", recorder.runs[0].Error)
	recorder.mu.Unlock()
}

func TestQueueBackoffDoubles(t *testing.T) {
	j := testJob("job-1")
	j.Attempts = 1 // second attempt next
	store := &fakeStore{due: []*models.SyncJob{j}}
	processor := &fakeProcessor{err: fmt.Errorf("flaky")}

	q := NewSyncQueue(store, processor, nil, queueConfig())
	q.Start(context.Background())
	defer q.Stop()

	waitFor(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.rescheduled) == 1
	})

	store.mu.Lock()
	call := store.rescheduled[0]
	store.mu.Unlock()

	assert.Equal(t, 2, call.attempts)
	// Second retry waits twice the base delay.
	assert.WithinDuration(t, time.Now().Add(10*time.Second), call.nextRunAt, time.Second)
}

func TestQueueReclaimsStaleClaims(t *testing.T) {
	// A worker died mid-job: its row is still in_progress with a stale
	// heartbeat and the crashed attempt already counted.
	orphan := testJob("job-1")
	orphan.Status = types.JobStatusInProgress
	orphan.Attempts = 1
	orphan.UpdatedAt = time.Now().Add(-time.Hour)

	// A live claim held by another worker must not be stolen.
	held := testJob("job-2")
	held.Status = types.JobStatusInProgress
	held.UpdatedAt = time.Now()

	store := &fakeStore{due: []*models.SyncJob{orphan, held}}
	processor := &fakeProcessor{}

	q := NewSyncQueue(store, processor, nil, queueConfig())
	q.Start(context.Background())
	defer q.Stop()

	waitFor(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.completed) == 1
	})

	store.mu.Lock()
	assert.Equal(t, []string{"job-1"}, store.completed)
	store.mu.Unlock()

	processor.mu.Lock()
	assert.Equal(t, []string{"job-1"}, processor.processed)
	processor.mu.Unlock()

	assert.Equal(t, 2, orphan.Attempts, "the reclaim counts a fresh attempt")
}

func TestQueueStopIsIdempotent(t *testing.T) {
	q := NewSyncQueue(&fakeStore{}, &fakeProcessor{}, nil, queueConfig())
	q.Start(context.Background())
	q.Start(context.Background())
	q.Stop()
	q.Stop()
}
