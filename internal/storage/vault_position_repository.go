package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vault-scanner/internal/models"
	"github.com/vault-scanner/internal/types"
)

// VaultPositionRepository persists point-in-time vault position snapshots.
// The natural key is (wallet_address, vault_address, chain, snapshot_date);
// addresses are normalized to lowercase before every write.
type VaultPositionRepository struct {
	pool *pgxpool.Pool
}

// NewVaultPositionRepository creates a new vault position repository
func NewVaultPositionRepository(pool *pgxpool.Pool) *VaultPositionRepository {
	return &VaultPositionRepository{pool: pool}
}

const vaultPositionColumns = `
	id,
	wallet_address,
	vault_address,
	asset_symbol,
	chain,
	balance,
	shares,
	usd_value,
	lock_weeks_remaining,
	snapshot_date,
	block_number,
	created_at`

// DeleteByDateAndChain removes all snapshots for the given snapshot date and
// chain. Called at the start of each scheduled chain resync so re-runs for the
// same date are idempotent.
func (r *VaultPositionRepository) DeleteByDateAndChain(ctx context.Context, date time.Time, chain types.ChainID) (int64, error) {
	query := `
		DELETE FROM vault_positions
		WHERE snapshot_date = $1 AND chain = $2
	`

	result, err := r.pool.Exec(ctx, query, models.TruncateToUTCDay(date), string(chain))
	if err != nil {
		return 0, fmt.Errorf("failed to delete snapshots for %s/%s: %w", chain, date.Format("2006-01-02"), err)
	}

	return result.RowsAffected(), nil
}

// CreateBatch inserts snapshots in a single batched round trip. Callers must
// not pass an empty slice; the orchestrator skips the persist call entirely
// when a vault yields zero entities.
func (r *VaultPositionRepository) CreateBatch(ctx context.Context, positions []*models.VaultPosition) error {
	if len(positions) == 0 {
		return fmt.Errorf("refusing empty batch insert")
	}

	query := `
		INSERT INTO vault_positions (
			wallet_address,
			vault_address,
			asset_symbol,
			chain,
			balance,
			shares,
			usd_value,
			lock_weeks_remaining,
			snapshot_date,
			block_number,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	batch := &pgx.Batch{}
	for _, p := range positions {
		p.Normalize()
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now().UTC()
		}
		batch.Queue(query,
			p.WalletAddress,
			p.VaultAddress,
			p.AssetSymbol,
			string(p.Chain),
			p.Balance,
			p.Shares,
			p.USDValue,
			p.LockWeeksRemaining,
			models.TruncateToUTCDay(p.SnapshotDate),
			int64(p.BlockNumber),
			p.CreatedAt,
		)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	for i := range positions {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("batch insert failed at position %d of %d: %w", i, len(positions), err)
		}
	}

	return nil
}

// Upsert inserts or replaces one snapshot by natural key. Used by the
// wallet-scoped sync path, which must not disturb other wallets' same-day
// snapshots.
func (r *VaultPositionRepository) Upsert(ctx context.Context, position *models.VaultPosition) (*models.VaultPosition, error) {
	position.Normalize()
	if position.CreatedAt.IsZero() {
		position.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO vault_positions (
			wallet_address,
			vault_address,
			asset_symbol,
			chain,
			balance,
			shares,
			usd_value,
			lock_weeks_remaining,
			snapshot_date,
			block_number,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (wallet_address, vault_address, chain, snapshot_date)
		DO UPDATE SET
			asset_symbol = EXCLUDED.asset_symbol,
			balance = EXCLUDED.balance,
			shares = EXCLUDED.shares,
			usd_value = EXCLUDED.usd_value,
			lock_weeks_remaining = EXCLUDED.lock_weeks_remaining,
			block_number = EXCLUDED.block_number,
			created_at = EXCLUDED.created_at
		RETURNING id
	`

	err := r.pool.QueryRow(ctx, query,
		position.WalletAddress,
		position.VaultAddress,
		position.AssetSymbol,
		string(position.Chain),
		position.Balance,
		position.Shares,
		position.USDValue,
		position.LockWeeksRemaining,
		models.TruncateToUTCDay(position.SnapshotDate),
		int64(position.BlockNumber),
		position.CreatedAt,
	).Scan(&position.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert snapshot: %w", err)
	}

	return position, nil
}

// FindByWalletAndDate retrieves all of a wallet's snapshots for one snapshot
// date, across chains and vaults. The wallet address matches
// case-insensitively.
func (r *VaultPositionRepository) FindByWalletAndDate(ctx context.Context, wallet string, date time.Time) ([]*models.VaultPosition, error) {
	query := `
		SELECT ` + vaultPositionColumns + `
		FROM vault_positions
		WHERE wallet_address = LOWER($1) AND snapshot_date = $2
		ORDER BY chain, vault_address
	`

	rows, err := r.pool.Query(ctx, query, wallet, models.TruncateToUTCDay(date))
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	return scanVaultPositions(rows)
}

func scanVaultPositions(rows pgx.Rows) ([]*models.VaultPosition, error) {
	var positions []*models.VaultPosition

	for rows.Next() {
		var p models.VaultPosition
		var chain string
		var blockNumber int64

		err := rows.Scan(
			&p.ID,
			&p.WalletAddress,
			&p.VaultAddress,
			&p.AssetSymbol,
			&chain,
			&p.Balance,
			&p.Shares,
			&p.USDValue,
			&p.LockWeeksRemaining,
			&p.SnapshotDate,
			&blockNumber,
			&p.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}

		p.Chain = types.ChainID(chain)
		p.BlockNumber = uint64(blockNumber)
		positions = append(positions, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshot rows: %w", err)
	}

	return positions, nil
}
