package provider

import (
	"context"
	"time"

	"github.com/vault-scanner/internal/types"
)

// ChainDataProvider reads vault state from a chain. Two implementations
// exist: SubgraphProvider (indexed GraphQL data) and RPCProvider (direct
// node calls). The orchestration layer never knows which one it holds.
//
// A blockNumber of 0 means "latest state".
type ChainDataProvider interface {
	// GetEligibleVaults returns lowercase addresses of vaults whose
	// underlying asset is in the eligible set, ordered by TVL descending.
	GetEligibleVaults(ctx context.Context, chain types.ChainID) ([]string, error)

	// GetVaultData returns vault-level state. Returns (nil, nil) when the
	// address does not resolve to a known vault.
	GetVaultData(ctx context.Context, vaultAddress string, chain types.ChainID) (*types.VaultStaticData, error)

	// GetVaultPositions returns every nonzero share position in a vault,
	// pinned to blockNumber when nonzero.
	GetVaultPositions(ctx context.Context, vaultAddress string, chain types.ChainID, blockNumber uint64) ([]*types.RawPositionRecord, error)

	// GetUserVaultPositions returns one account's positions across all
	// eligible vaults on a chain, pinned to blockNumber when nonzero.
	GetUserVaultPositions(ctx context.Context, account string, chain types.ChainID, blockNumber uint64) ([]*types.RawPositionRecord, error)

	// GetBlockByTimestamp returns the earliest block whose timestamp is at
	// or after the given unix timestamp.
	GetBlockByTimestamp(ctx context.Context, chain types.ChainID, timestamp int64) (uint64, error)
}

// Cache is the provider-side read cache. *storage.RedisCache satisfies it.
type Cache interface {
	Lookup(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}
