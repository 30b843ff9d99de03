package service

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vault-scanner/internal/logging"
	"github.com/vault-scanner/internal/models"
	"github.com/vault-scanner/internal/types"
)

// ChainDataProvider reads vault state from a chain.
type ChainDataProvider interface {
	GetEligibleVaults(ctx context.Context, chain types.ChainID) ([]string, error)
	GetVaultData(ctx context.Context, vaultAddress string, chain types.ChainID) (*types.VaultStaticData, error)
	GetVaultPositions(ctx context.Context, vaultAddress string, chain types.ChainID, blockNumber uint64) ([]*types.RawPositionRecord, error)
	GetUserVaultPositions(ctx context.Context, account string, chain types.ChainID, blockNumber uint64) ([]*types.RawPositionRecord, error)
	GetBlockByTimestamp(ctx context.Context, chain types.ChainID, timestamp int64) (uint64, error)
}

// PriceOracle resolves token symbols to USD prices.
type PriceOracle interface {
	GetTokenPrice(ctx context.Context, symbol string) (float64, error)
	GetMultipleTokenPrices(ctx context.Context, symbols []string) (map[string]float64, error)
	GetHistoricalPrice(ctx context.Context, symbol string, date time.Time) (float64, error)
}

// VaultPositionRepository persists position snapshots.
type VaultPositionRepository interface {
	DeleteByDateAndChain(ctx context.Context, date time.Time, chain types.ChainID) (int64, error)
	CreateBatch(ctx context.Context, positions []*models.VaultPosition) error
	Upsert(ctx context.Context, position *models.VaultPosition) (*models.VaultPosition, error)
	FindByWalletAndDate(ctx context.Context, wallet string, date time.Time) ([]*models.VaultPosition, error)
}

// JobEnqueuer hands per-vault sync jobs to the durable queue.
// *storage.SyncJobRepository satisfies it.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job *models.SyncJob) error
}

// VaultSyncService orchestrates the daily position resync across chains and
// serves on-demand wallet lookups.
type VaultSyncService struct {
	provider     ChainDataProvider
	prices       PriceOracle
	positionRepo VaultPositionRepository
	enqueuer     JobEnqueuer
	chains       []types.ChainID
	syncHourUTC  int
	logger       *logging.Logger
	stopChan     chan struct{}
	running      bool
}

// NewVaultSyncService creates the orchestrator. chains is the sync order of
// the daily run; syncHourUTC is the UTC hour the scheduler fires at.
func NewVaultSyncService(
	provider ChainDataProvider,
	prices PriceOracle,
	positionRepo VaultPositionRepository,
	enqueuer JobEnqueuer,
	chains []types.ChainID,
	syncHourUTC int,
) *VaultSyncService {
	if len(chains) == 0 {
		chains = types.SupportedChains()
	}
	return &VaultSyncService{
		provider:     provider,
		prices:       prices,
		positionRepo: positionRepo,
		enqueuer:     enqueuer,
		chains:       chains,
		syncHourUTC:  syncHourUTC,
		logger:       logging.GetGlobalLogger().WithField("component", "vault_sync"),
		stopChan:     make(chan struct{}),
	}
}

// Start begins the daily sync scheduler. The first run fires at the next
// occurrence of the configured UTC hour, then every 24 hours.
func (s *VaultSyncService) Start(ctx context.Context) error {
	if s.running {
		return fmt.Errorf("sync scheduler is already running")
	}
	s.running = true

	now := time.Now().UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), s.syncHourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	wait := next.Sub(now)

	s.logger.WithField("next_run", next.Format(time.RFC3339)).Info("sync scheduler started")

	go func() {
		select {
		case <-time.After(wait):
			s.RunDailySync(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunDailySync(ctx)
			case <-s.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop halts the scheduler. In-flight chain syncs finish on their own.
func (s *VaultSyncService) Stop() error {
	if !s.running {
		return fmt.Errorf("sync scheduler is not running")
	}
	close(s.stopChan)
	s.running = false
	s.logger.Info("sync scheduler stopped")
	return nil
}

// RunDailySync resyncs every configured chain sequentially for today's UTC
// date. A failing chain is logged and skipped; it never blocks the others.
func (s *VaultSyncService) RunDailySync(ctx context.Context) {
	snapshotDate := models.TruncateToUTCDay(time.Now())
	s.logger.WithField("snapshot_date", snapshotDate.Format("2006-01-02")).Info("daily sync started")

	for _, chain := range s.chains {
		if err := s.SyncChainVaults(ctx, chain, snapshotDate); err != nil {
			s.logger.WithError(err).WithField("chain", string(chain)).Error("chain sync failed, continuing with remaining chains")
		}
	}
}

// SyncChainVaults resyncs one chain for the given snapshot date: discover
// eligible vaults, purge the day's existing rows, and enqueue one durable
// job per vault. When discovery returns no vaults nothing is purged or
// enqueued, so the previous snapshot survives a flaky indexer.
func (s *VaultSyncService) SyncChainVaults(ctx context.Context, chain types.ChainID, snapshotDate time.Time) error {
	snapshotDate = models.TruncateToUTCDay(snapshotDate)
	logger := s.logger.WithField("chain", string(chain)).WithField("snapshot_date", snapshotDate.Format("2006-01-02"))

	vaults, err := s.provider.GetEligibleVaults(ctx, chain)
	if err != nil {
		return fmt.Errorf("vault discovery on %s: %w", chain, err)
	}
	if len(vaults) == 0 {
		logger.Warn("no eligible vaults found, keeping existing snapshot")
		return nil
	}

	deleted, err := s.positionRepo.DeleteByDateAndChain(ctx, snapshotDate, chain)
	if err != nil {
		return fmt.Errorf("purging snapshot for %s: %w", chain, err)
	}
	logger.WithField("deleted", deleted).WithField("vaults", len(vaults)).Info("snapshot purged, enqueueing vault jobs")

	for _, vault := range vaults {
		job := &models.SyncJob{
			Chain:        chain,
			VaultAddress: vault,
			SnapshotDate: snapshotDate,
		}
		if err := s.enqueuer.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("enqueueing vault %s on %s: %w", vault, chain, err)
		}
	}
	return nil
}

// ProcessVaultSync performs one vault's snapshot: fetch vault state and
// positions pinned to the job's block, value them, and persist the batch.
// Returns the number of positions written. Errors surface to the queue for
// retry.
func (s *VaultSyncService) ProcessVaultSync(ctx context.Context, job *models.SyncJob) (int, error) {
	logger := s.logger.WithField("chain", string(job.Chain)).WithField("vault", job.VaultAddress)

	blockNumber, err := s.resolveBlock(ctx, job)
	if err != nil {
		return 0, err
	}

	var vaultData *types.VaultStaticData
	var rawPositions []*types.RawPositionRecord
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		vaultData, err = s.provider.GetVaultData(groupCtx, job.VaultAddress, job.Chain)
		return err
	})
	group.Go(func() error {
		var err error
		rawPositions, err = s.provider.GetVaultPositions(groupCtx, job.VaultAddress, job.Chain, blockNumber)
		return err
	})
	if err := group.Wait(); err != nil {
		return 0, err
	}

	if vaultData == nil {
		logger.Warn("vault not resolvable, skipping")
		return 0, nil
	}

	totalAssets, err := parseBigInt(vaultData.TotalAssets)
	if err != nil {
		return 0, fmt.Errorf("vault %s totalAssets: %w", job.VaultAddress, err)
	}
	totalSupply, err := parseBigInt(vaultData.TotalSupply)
	if err != nil {
		return 0, fmt.Errorf("vault %s totalSupply: %w", job.VaultAddress, err)
	}
	if totalSupply.Sign() == 0 {
		logger.Warn("vault has zero total supply, skipping positions")
		return 0, nil
	}

	price, err := s.priceForDate(ctx, vaultData.Asset.Symbol, job.SnapshotDate)
	if err != nil {
		return 0, fmt.Errorf("pricing %s: %w", vaultData.Asset.Symbol, err)
	}

	positions := make([]*models.VaultPosition, 0, len(rawPositions))
	for _, raw := range rawPositions {
		shares, err := parseBigInt(raw.Shares)
		if err != nil {
			logger.WithError(err).WithField("account", raw.Account).Warn("unparsable shares, skipping position")
			continue
		}
		if shares.Sign() <= 0 {
			continue
		}
		balance := convertSharesToAssets(shares, totalAssets, totalSupply)
		positions = append(positions, &models.VaultPosition{
			WalletAddress: raw.Account,
			VaultAddress:  job.VaultAddress,
			AssetSymbol:   vaultData.Asset.Symbol,
			Chain:         job.Chain,
			Balance:       balance.String(),
			Shares:        shares.String(),
			USDValue:      unitsToFloat(balance, vaultData.Asset.Decimals) * price,
			SnapshotDate:  job.SnapshotDate,
			BlockNumber:   blockNumber,
		})
	}

	if len(positions) == 0 {
		logger.Info("no positions to persist")
		return 0, nil
	}
	if err := s.positionRepo.CreateBatch(ctx, positions); err != nil {
		return 0, fmt.Errorf("persisting %d positions: %w", len(positions), err)
	}

	logger.WithField("positions", len(positions)).WithField("block", blockNumber).Info("vault synced")
	return len(positions), nil
}

// SyncWalletPositions refreshes one wallet's positions across a chain's
// vaults on demand and upserts them under the given snapshot date, without
// touching other wallets' rows for that day. seasonID scopes the caller's
// reward run and is carried through for audit logging only. A zero date
// means today. Prices are fetched in one batched call; tokens without a
// price are stored with zero value.
func (s *VaultSyncService) SyncWalletPositions(ctx context.Context, wallet, seasonID string, chain types.ChainID, snapshotDate time.Time) ([]*models.VaultPosition, error) {
	wallet = strings.ToLower(wallet)
	if snapshotDate.IsZero() {
		snapshotDate = time.Now()
	}
	snapshotDate = models.TruncateToUTCDay(snapshotDate)

	blockNumber, err := s.resolveBlockForDate(ctx, chain, snapshotDate)
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"wallet": wallet,
		"season": seasonID,
		"chain":  chain,
		"date":   snapshotDate.Format("2006-01-02"),
		"block":  blockNumber,
	}).Info("Syncing wallet positions")

	rawPositions, err := s.provider.GetUserVaultPositions(ctx, wallet, chain, blockNumber)
	if err != nil {
		return nil, err
	}
	if len(rawPositions) == 0 {
		return nil, nil
	}

	// Resolve vault state once per distinct vault.
	vaultData := make(map[string]*types.VaultStaticData)
	symbolSet := make(map[string]bool)
	for _, raw := range rawPositions {
		if _, seen := vaultData[raw.VaultAddress]; seen {
			continue
		}
		data, err := s.provider.GetVaultData(ctx, raw.VaultAddress, chain)
		if err != nil {
			return nil, err
		}
		vaultData[raw.VaultAddress] = data
		if data != nil {
			symbolSet[data.Asset.Symbol] = true
		}
	}

	symbols := make([]string, 0, len(symbolSet))
	for symbol := range symbolSet {
		symbols = append(symbols, symbol)
	}
	prices, err := s.prices.GetMultipleTokenPrices(ctx, symbols)
	if err != nil {
		return nil, err
	}

	var results []*models.VaultPosition
	for _, raw := range rawPositions {
		data := vaultData[raw.VaultAddress]
		if data == nil {
			s.logger.WithField("vault", raw.VaultAddress).Warn("vault not resolvable, skipping position")
			continue
		}
		totalAssets, err := parseBigInt(data.TotalAssets)
		if err != nil {
			return nil, fmt.Errorf("vault %s totalAssets: %w", raw.VaultAddress, err)
		}
		totalSupply, err := parseBigInt(data.TotalSupply)
		if err != nil {
			return nil, fmt.Errorf("vault %s totalSupply: %w", raw.VaultAddress, err)
		}
		if totalSupply.Sign() == 0 {
			continue
		}
		shares, err := parseBigInt(raw.Shares)
		if err != nil {
			return nil, fmt.Errorf("position shares in %s: %w", raw.VaultAddress, err)
		}

		balance := convertSharesToAssets(shares, totalAssets, totalSupply)
		usdValue := 0.0
		if price, ok := prices[data.Asset.Symbol]; ok {
			usdValue = unitsToFloat(balance, data.Asset.Decimals) * price
		} else {
			s.logger.WithField("symbol", data.Asset.Symbol).Warn("no price available, storing zero USD value")
		}

		position := &models.VaultPosition{
			WalletAddress: wallet,
			VaultAddress:  raw.VaultAddress,
			AssetSymbol:   data.Asset.Symbol,
			Chain:         chain,
			Balance:       balance.String(),
			Shares:        shares.String(),
			USDValue:      usdValue,
			SnapshotDate:  snapshotDate,
			BlockNumber:   blockNumber,
		}
		saved, err := s.positionRepo.Upsert(ctx, position)
		if err != nil {
			return nil, fmt.Errorf("upserting position in %s: %w", raw.VaultAddress, err)
		}
		results = append(results, saved)
	}

	return results, nil
}

// GetHistoricalVaultValue returns the wallet's stored USD value in one vault
// for a snapshot date. Addresses match case-insensitively; a wallet with no
// row for that vault and date is worth zero.
func (s *VaultSyncService) GetHistoricalVaultValue(ctx context.Context, wallet, vaultAddress string, date time.Time) (float64, error) {
	vaultAddress = strings.ToLower(vaultAddress)
	positions, err := s.positionRepo.FindByWalletAndDate(ctx, wallet, models.TruncateToUTCDay(date))
	if err != nil {
		return 0, err
	}
	for _, p := range positions {
		if strings.ToLower(p.VaultAddress) == vaultAddress {
			return p.USDValue, nil
		}
	}
	return 0, nil
}

// GetTotalVaultValue returns the wallet's stored USD value for a date on one
// chain, or across all chains when chain is empty.
func (s *VaultSyncService) GetTotalVaultValue(ctx context.Context, wallet string, chain types.ChainID, date time.Time) (float64, error) {
	positions, err := s.positionRepo.FindByWalletAndDate(ctx, wallet, models.TruncateToUTCDay(date))
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, p := range positions {
		if chain != "" && p.Chain != chain {
			continue
		}
		total += p.USDValue
	}
	return total, nil
}

// GetVaultPosition computes one wallet's live position in a vault without
// persisting it. blockNumber 0 reads latest state. Returns (nil, nil) when
// the wallet holds no shares.
func (s *VaultSyncService) GetVaultPosition(ctx context.Context, wallet, vaultAddress string, chain types.ChainID, blockNumber uint64) (*models.VaultPosition, error) {
	wallet = strings.ToLower(wallet)
	vaultAddress = strings.ToLower(vaultAddress)

	data, err := s.provider.GetVaultData(ctx, vaultAddress, chain)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	totalSupply, err := parseBigInt(data.TotalSupply)
	if err != nil {
		return nil, err
	}
	if totalSupply.Sign() == 0 {
		return nil, nil
	}
	totalAssets, err := parseBigInt(data.TotalAssets)
	if err != nil {
		return nil, err
	}

	rawPositions, err := s.provider.GetUserVaultPositions(ctx, wallet, chain, blockNumber)
	if err != nil {
		return nil, err
	}
	var shares *big.Int
	for _, raw := range rawPositions {
		if strings.ToLower(raw.VaultAddress) == vaultAddress {
			shares, err = parseBigInt(raw.Shares)
			if err != nil {
				return nil, err
			}
			break
		}
	}
	if shares == nil || shares.Sign() <= 0 {
		return nil, nil
	}

	price, err := s.prices.GetTokenPrice(ctx, data.Asset.Symbol)
	if err != nil {
		return nil, err
	}

	balance := convertSharesToAssets(shares, totalAssets, totalSupply)
	return &models.VaultPosition{
		WalletAddress: wallet,
		VaultAddress:  vaultAddress,
		AssetSymbol:   data.Asset.Symbol,
		Chain:         chain,
		Balance:       balance.String(),
		Shares:        shares.String(),
		USDValue:      unitsToFloat(balance, data.Asset.Decimals) * price,
		SnapshotDate:  models.TruncateToUTCDay(time.Now()),
		BlockNumber:   blockNumber,
	}, nil
}

// resolveBlock pins the job to a block. Explicit block numbers win; otherwise
// the block is resolved from the snapshot date.
func (s *VaultSyncService) resolveBlock(ctx context.Context, job *models.SyncJob) (uint64, error) {
	if job.BlockNumber != nil {
		return *job.BlockNumber, nil
	}
	return s.resolveBlockForDate(ctx, job.Chain, job.SnapshotDate)
}

// resolveBlockForDate maps a UTC-day snapshot date to the earliest block at
// or after that day's midnight, so re-runs for the same date read identical
// chain state.
func (s *VaultSyncService) resolveBlockForDate(ctx context.Context, chain types.ChainID, date time.Time) (uint64, error) {
	block, err := s.provider.GetBlockByTimestamp(ctx, chain, date.Unix())
	if err != nil {
		return 0, fmt.Errorf("resolving block for %s: %w", date.Format("2006-01-02"), err)
	}
	return block, nil
}

// priceForDate uses the historical price endpoint for past dates and the
// spot price for today.
func (s *VaultSyncService) priceForDate(ctx context.Context, symbol string, date time.Time) (float64, error) {
	today := models.TruncateToUTCDay(time.Now())
	if date.Before(today) {
		return s.prices.GetHistoricalPrice(ctx, symbol, date)
	}
	return s.prices.GetTokenPrice(ctx, symbol)
}
