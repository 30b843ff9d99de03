package models

import (
	"time"

	"github.com/vault-scanner/internal/types"
)

// SyncJob is one persisted unit of per-vault sync work. Jobs carry the
// snapshot date they were enqueued with, so a retried job never re-derives
// the chain-level purge that preceded its enqueue.
type SyncJob struct {
	JobID        string              `json:"jobId" db:"job_id"`
	Chain        types.ChainID       `json:"chain" db:"chain"`
	VaultAddress string              `json:"vaultAddress" db:"vault_address"`
	SnapshotDate time.Time           `json:"snapshotDate" db:"snapshot_date"`
	BlockNumber  *uint64             `json:"blockNumber,omitempty" db:"block_number"`
	Status       types.SyncJobStatus `json:"status" db:"status"`
	Attempts     int                 `json:"attempts" db:"attempts"`
	MaxAttempts  int                 `json:"maxAttempts" db:"max_attempts"`
	NextRunAt    time.Time           `json:"nextRunAt" db:"next_run_at"`
	LastError    *string             `json:"lastError,omitempty" db:"last_error"`
	CreatedAt    time.Time           `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time           `json:"updatedAt" db:"updated_at"`
}

// SyncRun is one row of the ClickHouse audit trail: the outcome of a single
// processed vault sync job.
type SyncRun struct {
	Chain            types.ChainID `json:"chain"`
	VaultAddress     string        `json:"vaultAddress"`
	SnapshotDate     time.Time     `json:"snapshotDate"`
	BlockNumber      uint64        `json:"blockNumber"`
	PositionsWritten int32         `json:"positionsWritten"`
	DurationMs       int64         `json:"durationMs"`
	Status           string        `json:"status"` // completed | failed
	Error            string        `json:"error,omitempty"`
	RanAt            time.Time     `json:"ranAt"`
}
