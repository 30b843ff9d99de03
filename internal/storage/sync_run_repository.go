package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/vault-scanner/internal/models"
	"github.com/vault-scanner/internal/types"
)

// SyncRunRepository writes the per-job audit trail to ClickHouse. One row per
// processed vault sync job; the internal status endpoint reads recent runs.
type SyncRunRepository struct {
	db *ClickHouseDB
}

// NewSyncRunRepository creates a new sync run repository
func NewSyncRunRepository(db *ClickHouseDB) *SyncRunRepository {
	return &SyncRunRepository{db: db}
}

// EnsureSchema creates the sync_runs table if it does not exist.
func (r *SyncRunRepository) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS sync_runs (
			chain             String,
			vault_address     String,
			snapshot_date     Date,
			block_number      UInt64,
			positions_written Int32,
			duration_ms       Int64,
			status            String,
			error             String,
			ran_at            DateTime
		) ENGINE = MergeTree()
		ORDER BY (chain, snapshot_date, ran_at)
		TTL ran_at + INTERVAL 90 DAY
	`
	if err := r.db.Conn().Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create sync_runs table: %w", err)
	}
	return nil
}

// Record writes one sync run outcome.
func (r *SyncRunRepository) Record(ctx context.Context, run *models.SyncRun) error {
	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO sync_runs (
			chain, vault_address, snapshot_date, block_number,
			positions_written, duration_ms, status, error, ran_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare sync run batch: %w", err)
	}

	err = batch.Append(
		string(run.Chain),
		run.VaultAddress,
		run.SnapshotDate,
		run.BlockNumber,
		run.PositionsWritten,
		run.DurationMs,
		run.Status,
		run.Error,
		run.RanAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append sync run: %w", err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send sync run batch: %w", err)
	}

	return nil
}

// RecentByChain returns the most recent runs for one chain, newest first.
func (r *SyncRunRepository) RecentByChain(ctx context.Context, chain types.ChainID, limit int) ([]*models.SyncRun, error) {
	query := `
		SELECT chain, vault_address, snapshot_date, block_number,
			positions_written, duration_ms, status, error, ran_at
		FROM sync_runs
		WHERE chain = ?
		ORDER BY ran_at DESC
		LIMIT ?
	`

	rows, err := r.db.Conn().Query(ctx, query, string(chain), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.SyncRun
	for rows.Next() {
		var run models.SyncRun
		var chainStr string
		var snapshotDate, ranAt time.Time

		err := rows.Scan(
			&chainStr,
			&run.VaultAddress,
			&snapshotDate,
			&run.BlockNumber,
			&run.PositionsWritten,
			&run.DurationMs,
			&run.Status,
			&run.Error,
			&ranAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync run row: %w", err)
		}

		run.Chain = types.ChainID(chainStr)
		run.SnapshotDate = snapshotDate
		run.RanAt = ranAt
		runs = append(runs, &run)
	}

	return runs, nil
}
