package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vault-scanner/internal/models"
	"github.com/vault-scanner/internal/types"
)

type mockProvider struct {
	eligibleVaults  func(chain types.ChainID) ([]string, error)
	vaultData       func(vault string, chain types.ChainID) (*types.VaultStaticData, error)
	vaultPositions  func(vault string, chain types.ChainID, block uint64) ([]*types.RawPositionRecord, error)
	userPositions   func(account string, chain types.ChainID) ([]*types.RawPositionRecord, error)
	blockForTime    func(chain types.ChainID, ts int64) (uint64, error)
	positionsBlocks []uint64
	userBlocks      []uint64
}

func (m *mockProvider) GetEligibleVaults(ctx context.Context, chain types.ChainID) ([]string, error) {
	return m.eligibleVaults(chain)
}

func (m *mockProvider) GetVaultData(ctx context.Context, vault string, chain types.ChainID) (*types.VaultStaticData, error) {
	return m.vaultData(vault, chain)
}

func (m *mockProvider) GetVaultPositions(ctx context.Context, vault string, chain types.ChainID, block uint64) ([]*types.RawPositionRecord, error) {
	m.positionsBlocks = append(m.positionsBlocks, block)
	return m.vaultPositions(vault, chain, block)
}

func (m *mockProvider) GetUserVaultPositions(ctx context.Context, account string, chain types.ChainID, block uint64) ([]*types.RawPositionRecord, error) {
	m.userBlocks = append(m.userBlocks, block)
	return m.userPositions(account, chain)
}

func (m *mockProvider) GetBlockByTimestamp(ctx context.Context, chain types.ChainID, ts int64) (uint64, error) {
	if m.blockForTime == nil {
		return 0, nil
	}
	return m.blockForTime(chain, ts)
}

type mockPrices struct {
	spot       map[string]float64
	historical map[string]float64
	spotErr    error
}

func (m *mockPrices) GetTokenPrice(ctx context.Context, symbol string) (float64, error) {
	if m.spotErr != nil {
		return 0, m.spotErr
	}
	price, ok := m.spot[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return price, nil
}

func (m *mockPrices) GetMultipleTokenPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	result := make(map[string]float64)
	for _, s := range symbols {
		if price, ok := m.spot[s]; ok {
			result[s] = price
		}
	}
	return result, nil
}

func (m *mockPrices) GetHistoricalPrice(ctx context.Context, symbol string, date time.Time) (float64, error) {
	price, ok := m.historical[symbol]
	if !ok {
		return 0, fmt.Errorf("no historical price for %s", symbol)
	}
	return price, nil
}

type mockPositionRepo struct {
	deleted   []types.ChainID
	batches   [][]*models.VaultPosition
	upserted  []*models.VaultPosition
	stored    []*models.VaultPosition
	deleteErr error
}

func (m *mockPositionRepo) DeleteByDateAndChain(ctx context.Context, date time.Time, chain types.ChainID) (int64, error) {
	if m.deleteErr != nil {
		return 0, m.deleteErr
	}
	m.deleted = append(m.deleted, chain)
	return 0, nil
}

func (m *mockPositionRepo) CreateBatch(ctx context.Context, positions []*models.VaultPosition) error {
	if len(positions) == 0 {
		return fmt.Errorf("empty batch")
	}
	m.batches = append(m.batches, positions)
	return nil
}

func (m *mockPositionRepo) Upsert(ctx context.Context, position *models.VaultPosition) (*models.VaultPosition, error) {
	m.upserted = append(m.upserted, position)
	return position, nil
}

func (m *mockPositionRepo) FindByWalletAndDate(ctx context.Context, wallet string, date time.Time) ([]*models.VaultPosition, error) {
	var result []*models.VaultPosition
	for _, p := range m.stored {
		if p.WalletAddress == wallet && p.SnapshotDate.Equal(date) {
			result = append(result, p)
		}
	}
	return result, nil
}

type mockEnqueuer struct {
	jobs []*models.SyncJob
	err  error
}

func (m *mockEnqueuer) Enqueue(ctx context.Context, job *models.SyncJob) error {
	if m.err != nil {
		return m.err
	}
	m.jobs = append(m.jobs, job)
	return nil
}

func testVaultData(totalAssets, totalSupply string) *types.VaultStaticData {
	return &types.VaultStaticData{
		Address:     "0xvault1",
		Chain:       types.ChainBase,
		TotalAssets: totalAssets,
		TotalSupply: totalSupply,
		Asset:       types.UnderlyingAsset{Address: "0xasset1", Symbol: "ETH", Decimals: 18},
	}
}

func TestSyncChainVaultsEnqueuesPerVault(t *testing.T) {
	provider := &mockProvider{
		eligibleVaults: func(chain types.ChainID) ([]string, error) {
			return []string{"0xvault1", "0xvault2"}, nil
		},
	}
	repo := &mockPositionRepo{}
	enqueuer := &mockEnqueuer{}
	svc := NewVaultSyncService(provider, &mockPrices{}, repo, enqueuer, nil, 0)

	date := time.Date(2026, 8, 31, 15, 30, 0, 0, time.UTC)
	err := svc.SyncChainVaults(context.Background(), types.ChainBase, date)
	require.NoError(t, err)

	assert.Equal(t, []types.ChainID{types.ChainBase}, repo.deleted)
	require.Len(t, enqueuer.jobs, 2)
	assert.Equal(t, "0xvault1", enqueuer.jobs[0].VaultAddress)
	assert.Equal(t, "0xvault2", enqueuer.jobs[1].VaultAddress)
	// Jobs carry the truncated snapshot date so retries stay idempotent.
	expected := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)
	assert.True(t, enqueuer.jobs[0].SnapshotDate.Equal(expected))
}

func TestSyncChainVaultsEmptyDiscoveryKeepsSnapshot(t *testing.T) {
	provider := &mockProvider{
		eligibleVaults: func(chain types.ChainID) ([]string, error) {
			return nil, nil
		},
	}
	repo := &mockPositionRepo{}
	enqueuer := &mockEnqueuer{}
	svc := NewVaultSyncService(provider, &mockPrices{}, repo, enqueuer, nil, 0)

	err := svc.SyncChainVaults(context.Background(), types.ChainBase, time.Now())
	require.NoError(t, err)
	assert.Empty(t, repo.deleted, "empty discovery must not purge the existing snapshot")
	assert.Empty(t, enqueuer.jobs)
}

func TestSyncChainVaultsDiscoveryErrorNoPurge(t *testing.T) {
	provider := &mockProvider{
		eligibleVaults: func(chain types.ChainID) ([]string, error) {
			return nil, fmt.Errorf("subgraph down")
		},
	}
	repo := &mockPositionRepo{}
	svc := NewVaultSyncService(provider, &mockPrices{}, repo, &mockEnqueuer{}, nil, 0)

	err := svc.SyncChainVaults(context.Background(), types.ChainBase, time.Now())
	require.Error(t, err)
	assert.Empty(t, repo.deleted)
}

func TestRunDailySyncIsolatesChainFailures(t *testing.T) {
	var synced []types.ChainID
	provider := &mockProvider{
		eligibleVaults: func(chain types.ChainID) ([]string, error) {
			if chain == types.ChainBase {
				return nil, fmt.Errorf("RPC unreachable")
			}
			synced = append(synced, chain)
			return []string{"0xvault1"}, nil
		},
	}
	repo := &mockPositionRepo{}
	enqueuer := &mockEnqueuer{}
	chains := []types.ChainID{types.ChainBase, types.ChainEthereum, types.ChainArbitrum}
	svc := NewVaultSyncService(provider, &mockPrices{}, repo, enqueuer, chains, 0)

	svc.RunDailySync(context.Background())

	assert.Equal(t, []types.ChainID{types.ChainEthereum, types.ChainArbitrum}, synced)
	assert.Len(t, enqueuer.jobs, 2)
}

func TestProcessVaultSync(t *testing.T) {
	provider := &mockProvider{
		vaultData: func(vault string, chain types.ChainID) (*types.VaultStaticData, error) {
			return testVaultData("1000000000000000000000", "900000000000000000000"), nil
		},
		vaultPositions: func(vault string, chain types.ChainID, block uint64) ([]*types.RawPositionRecord, error) {
			return []*types.RawPositionRecord{
				{VaultAddress: vault, Account: "0xwallet1", Chain: chain, Shares: "100000000000000000000"},
			}, nil
		},
	}
	prices := &mockPrices{spot: map[string]float64{"ETH": 3000}}
	repo := &mockPositionRepo{}
	svc := NewVaultSyncService(provider, prices, repo, &mockEnqueuer{}, nil, 0)

	job := &models.SyncJob{
		Chain:        types.ChainBase,
		VaultAddress: "0xvault1",
		SnapshotDate: models.TruncateToUTCDay(time.Now()),
	}
	count, err := svc.ProcessVaultSync(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.Len(t, repo.batches, 1)
	position := repo.batches[0][0]
	// 100e18 * 1000e18 / 900e18 floors to 111.111... tokens.
	assert.Equal(t, "111111111111111111111", position.Balance)
	assert.Equal(t, "100000000000000000000", position.Shares)
	assert.InDelta(t, 333333.3333, position.USDValue, 0.01)
	assert.Equal(t, "ETH", position.AssetSymbol)
}

func TestProcessVaultSyncZeroSupplySkips(t *testing.T) {
	provider := &mockProvider{
		vaultData: func(vault string, chain types.ChainID) (*types.VaultStaticData, error) {
			return testVaultData("1000000000000000000000", "0"), nil
		},
		vaultPositions: func(vault string, chain types.ChainID, block uint64) ([]*types.RawPositionRecord, error) {
			return []*types.RawPositionRecord{
				{VaultAddress: vault, Account: "0xwallet1", Chain: chain, Shares: "100"},
			}, nil
		},
	}
	repo := &mockPositionRepo{}
	svc := NewVaultSyncService(provider, &mockPrices{}, repo, &mockEnqueuer{}, nil, 0)

	count, err := svc.ProcessVaultSync(context.Background(), &models.SyncJob{
		Chain: types.ChainBase, VaultAddress: "0xvault1", SnapshotDate: models.TruncateToUTCDay(time.Now()),
	})
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, repo.batches)
}

func TestProcessVaultSyncUnresolvableVault(t *testing.T) {
	provider := &mockProvider{
		vaultData: func(vault string, chain types.ChainID) (*types.VaultStaticData, error) {
			return nil, nil
		},
		vaultPositions: func(vault string, chain types.ChainID, block uint64) ([]*types.RawPositionRecord, error) {
			return nil, nil
		},
	}
	repo := &mockPositionRepo{}
	svc := NewVaultSyncService(provider, &mockPrices{}, repo, &mockEnqueuer{}, nil, 0)

	count, err := svc.ProcessVaultSync(context.Background(), &models.SyncJob{
		Chain: types.ChainBase, VaultAddress: "0xvault1", SnapshotDate: models.TruncateToUTCDay(time.Now()),
	})
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, repo.batches)
}

func TestProcessVaultSyncNoPositionsNoBatch(t *testing.T) {
	provider := &mockProvider{
		vaultData: func(vault string, chain types.ChainID) (*types.VaultStaticData, error) {
			return testVaultData("1000", "900"), nil
		},
		vaultPositions: func(vault string, chain types.ChainID, block uint64) ([]*types.RawPositionRecord, error) {
			return nil, nil
		},
	}
	prices := &mockPrices{spot: map[string]float64{"ETH": 3000}}
	repo := &mockPositionRepo{}
	svc := NewVaultSyncService(provider, prices, repo, &mockEnqueuer{}, nil, 0)

	count, err := svc.ProcessVaultSync(context.Background(), &models.SyncJob{
		Chain: types.ChainBase, VaultAddress: "0xvault1", SnapshotDate: models.TruncateToUTCDay(time.Now()),
	})
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, repo.batches)
}

func TestProcessVaultSyncPastDateResolvesBlock(t *testing.T) {
	var lookupTS int64
	provider := &mockProvider{
		vaultData: func(vault string, chain types.ChainID) (*types.VaultStaticData, error) {
			return testVaultData("1000000000000000000", "1000000000000000000"), nil
		},
		vaultPositions: func(vault string, chain types.ChainID, block uint64) ([]*types.RawPositionRecord, error) {
			return []*types.RawPositionRecord{
				{VaultAddress: vault, Account: "0xwallet1", Chain: chain, Shares: "1000000000000000000"},
			}, nil
		},
		blockForTime: func(chain types.ChainID, ts int64) (uint64, error) {
			lookupTS = ts
			return 42_000_000, nil
		},
	}
	prices := &mockPrices{historical: map[string]float64{"ETH": 2500}}
	repo := &mockPositionRepo{}
	svc := NewVaultSyncService(provider, prices, repo, &mockEnqueuer{}, nil, 0)

	snapshotDate := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	count, err := svc.ProcessVaultSync(context.Background(), &models.SyncJob{
		Chain: types.ChainBase, VaultAddress: "0xvault1", SnapshotDate: snapshotDate,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Positions were read pinned to the block resolved from the snapshot
	// date's UTC midnight.
	assert.Equal(t, []uint64{42_000_000}, provider.positionsBlocks)
	assert.Equal(t, snapshotDate.Unix(), lookupTS)
	position := repo.batches[0][0]
	assert.Equal(t, uint64(42_000_000), position.BlockNumber)
	assert.InDelta(t, 2500.0, position.USDValue, 0.001)
}

func TestProcessVaultSyncPriceFailurePropagates(t *testing.T) {
	provider := &mockProvider{
		vaultData: func(vault string, chain types.ChainID) (*types.VaultStaticData, error) {
			return testVaultData("1000", "900"), nil
		},
		vaultPositions: func(vault string, chain types.ChainID, block uint64) ([]*types.RawPositionRecord, error) {
			return []*types.RawPositionRecord{
				{VaultAddress: vault, Account: "0xwallet1", Chain: chain, Shares: "100"},
			}, nil
		},
	}
	prices := &mockPrices{spotErr: fmt.Errorf("coingecko down")}
	repo := &mockPositionRepo{}
	svc := NewVaultSyncService(provider, prices, repo, &mockEnqueuer{}, nil, 0)

	_, err := svc.ProcessVaultSync(context.Background(), &models.SyncJob{
		Chain: types.ChainBase, VaultAddress: "0xvault1", SnapshotDate: models.TruncateToUTCDay(time.Now()),
	})
	require.Error(t, err)
	assert.Empty(t, repo.batches)
}

func TestSyncWalletPositions(t *testing.T) {
	provider := &mockProvider{
		userPositions: func(account string, chain types.ChainID) ([]*types.RawPositionRecord, error) {
			return []*types.RawPositionRecord{
				{VaultAddress: "0xvault1", Account: account, Chain: chain, Shares: "100000000000000000000"},
				{VaultAddress: "0xvault2", Account: account, Chain: chain, Shares: "50000000000000000000"},
			}, nil
		},
		vaultData: func(vault string, chain types.ChainID) (*types.VaultStaticData, error) {
			if vault == "0xvault1" {
				return testVaultData("1000000000000000000000", "1000000000000000000000"), nil
			}
			return &types.VaultStaticData{
				Address: vault, Chain: chain,
				TotalAssets: "2000000000000000000000", TotalSupply: "2000000000000000000000",
				Asset: types.UnderlyingAsset{Address: "0xasset2", Symbol: "OBSCURE", Decimals: 18},
			}, nil
		},
	}
	// Only ETH has a price; OBSCURE positions store zero value.
	prices := &mockPrices{spot: map[string]float64{"ETH": 3000}}
	repo := &mockPositionRepo{}
	svc := NewVaultSyncService(provider, prices, repo, &mockEnqueuer{}, nil, 0)

	results, err := svc.SyncWalletPositions(context.Background(), "0xWALLET1", "season-3", types.ChainBase, time.Time{})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "0xwallet1", results[0].WalletAddress)
	assert.InDelta(t, 300000.0, results[0].USDValue, 0.01)
	assert.Equal(t, 0.0, results[1].USDValue, "missing price must value to zero, not fail the sync")
	assert.Len(t, repo.upserted, 2)
	require.Len(t, provider.userBlocks, 1)
}

func TestSyncWalletPositionsPastDatePinsBlock(t *testing.T) {
	snapshotDate := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)

	provider := &mockProvider{
		blockForTime: func(chain types.ChainID, ts int64) (uint64, error) {
			assert.Equal(t, snapshotDate.Unix(), ts)
			return 42_000_000, nil
		},
		userPositions: func(account string, chain types.ChainID) ([]*types.RawPositionRecord, error) {
			return []*types.RawPositionRecord{
				{VaultAddress: "0xvault1", Account: account, Chain: chain, Shares: "100000000000000000000"},
			}, nil
		},
		vaultData: func(vault string, chain types.ChainID) (*types.VaultStaticData, error) {
			return testVaultData("1000000000000000000000", "1000000000000000000000"), nil
		},
	}
	prices := &mockPrices{spot: map[string]float64{"ETH": 3000}}
	repo := &mockPositionRepo{}
	svc := NewVaultSyncService(provider, prices, repo, &mockEnqueuer{}, nil, 0)

	results, err := svc.SyncWalletPositions(context.Background(), "0xwallet1", "season-3", types.ChainBase, snapshotDate)
	require.NoError(t, err)
	require.Len(t, results, 1)

	require.Len(t, provider.userBlocks, 1)
	assert.Equal(t, uint64(42_000_000), provider.userBlocks[0])
	assert.Equal(t, uint64(42_000_000), results[0].BlockNumber)
	assert.True(t, snapshotDate.Equal(results[0].SnapshotDate))
}

func TestSyncWalletPositionsNoPositions(t *testing.T) {
	provider := &mockProvider{
		userPositions: func(account string, chain types.ChainID) ([]*types.RawPositionRecord, error) {
			return nil, nil
		},
	}
	svc := NewVaultSyncService(provider, &mockPrices{}, &mockPositionRepo{}, &mockEnqueuer{}, nil, 0)

	results, err := svc.SyncWalletPositions(context.Background(), "0xwallet1", "", types.ChainBase, time.Time{})
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestGetHistoricalVaultValue(t *testing.T) {
	date := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	repo := &mockPositionRepo{stored: []*models.VaultPosition{
		{WalletAddress: "0xwallet1", VaultAddress: "0xvault1", Chain: types.ChainBase, USDValue: 1200.5, SnapshotDate: date},
		{WalletAddress: "0xwallet1", VaultAddress: "0xvault2", Chain: types.ChainEthereum, USDValue: 799.5, SnapshotDate: date},
	}}
	svc := NewVaultSyncService(&mockProvider{}, &mockPrices{}, repo, &mockEnqueuer{}, nil, 0)

	value, err := svc.GetHistoricalVaultValue(context.Background(), "0xwallet1", "0xVAULT1", date)
	require.NoError(t, err)
	assert.InDelta(t, 1200.5, value, 0.001, "vault address must match case-insensitively")

	value, err = svc.GetHistoricalVaultValue(context.Background(), "0xwallet1", "0xvault3", date)
	require.NoError(t, err)
	assert.Zero(t, value, "absent vault is worth zero")

	value, err = svc.GetHistoricalVaultValue(context.Background(), "0xunknown", "0xvault1", date)
	require.NoError(t, err)
	assert.Zero(t, value)
}

func TestGetTotalVaultValueChainFiltered(t *testing.T) {
	date := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	repo := &mockPositionRepo{stored: []*models.VaultPosition{
		{WalletAddress: "0xwallet1", Chain: types.ChainBase, USDValue: 1000, SnapshotDate: date},
		{WalletAddress: "0xwallet1", Chain: types.ChainEthereum, USDValue: 500, SnapshotDate: date},
	}}
	svc := NewVaultSyncService(&mockProvider{}, &mockPrices{}, repo, &mockEnqueuer{}, nil, 0)

	total, err := svc.GetTotalVaultValue(context.Background(), "0xwallet1", types.ChainBase, date)
	require.NoError(t, err)
	assert.InDelta(t, 1000.0, total, 0.001)

	total, err = svc.GetTotalVaultValue(context.Background(), "0xwallet1", "", date)
	require.NoError(t, err)
	assert.InDelta(t, 1500.0, total, 0.001)
}

func TestGetVaultPosition(t *testing.T) {
	provider := &mockProvider{
		vaultData: func(vault string, chain types.ChainID) (*types.VaultStaticData, error) {
			return testVaultData("1000000000000000000000", "900000000000000000000"), nil
		},
		userPositions: func(account string, chain types.ChainID) ([]*types.RawPositionRecord, error) {
			if account != "0xwallet1" {
				return nil, nil
			}
			return []*types.RawPositionRecord{
				{VaultAddress: "0xother", Account: account, Chain: chain, Shares: "7"},
				{VaultAddress: "0xvault1", Account: account, Chain: chain, Shares: "100000000000000000000"},
			}, nil
		},
	}
	prices := &mockPrices{spot: map[string]float64{"ETH": 3000}}
	repo := &mockPositionRepo{}
	svc := NewVaultSyncService(provider, prices, repo, &mockEnqueuer{}, nil, 0)

	position, err := svc.GetVaultPosition(context.Background(), "0xWALLET1", "0xVAULT1", types.ChainBase, 0)
	require.NoError(t, err)
	require.NotNil(t, position)
	assert.Equal(t, "111111111111111111111", position.Balance)
	assert.Empty(t, repo.upserted, "live lookup must not persist")
	assert.Empty(t, provider.positionsBlocks, "the read is wallet-scoped, never a holder enumeration")

	// Wallet without shares resolves to nil.
	position, err = svc.GetVaultPosition(context.Background(), "0xother", "0xvault1", types.ChainBase, 0)
	require.NoError(t, err)
	assert.Nil(t, position)
}

func TestSchedulerStartStop(t *testing.T) {
	svc := NewVaultSyncService(&mockProvider{}, &mockPrices{}, &mockPositionRepo{}, &mockEnqueuer{}, nil, 2)

	require.NoError(t, svc.Start(context.Background()))
	require.Error(t, svc.Start(context.Background()), "double start must fail")
	require.NoError(t, svc.Stop())
	require.Error(t, svc.Stop(), "double stop must fail")
}
