// Package types provides common type definitions for the vault scanner system.
package types

// ChainID represents supported blockchain networks
type ChainID string

const (
	// ChainBase represents the Base network
	ChainBase ChainID = "base"
	// ChainEthereum represents the Ethereum mainnet
	ChainEthereum ChainID = "ethereum"
	// ChainArbitrum represents the Arbitrum network
	ChainArbitrum ChainID = "arbitrum"
	// ChainOptimism represents the Optimism network
	ChainOptimism ChainID = "optimism"
)

// SupportedChains returns all chains the daily sync iterates, in sync order.
func SupportedChains() []ChainID {
	return []ChainID{ChainBase, ChainEthereum, ChainArbitrum, ChainOptimism}
}

// IsSupportedChain reports whether the given chain is part of the sync set.
func IsSupportedChain(chain ChainID) bool {
	switch chain {
	case ChainBase, ChainEthereum, ChainArbitrum, ChainOptimism:
		return true
	}
	return false
}

// EligibleAssetSymbols is the allow-list of underlying assets whose vaults
// accrue rewards. Symbols are compared uppercase.
var EligibleAssetSymbols = []string{"ETH", "WETH", "USDC", "USDT", "DAI", "WBTC"}

// SyncJobStatus represents the lifecycle state of a queued vault sync job
type SyncJobStatus string

const (
	// JobStatusQueued represents a job waiting to be processed
	JobStatusQueued SyncJobStatus = "queued"
	// JobStatusInProgress represents a job currently being processed
	JobStatusInProgress SyncJobStatus = "in_progress"
	// JobStatusCompleted represents a successfully completed job
	JobStatusCompleted SyncJobStatus = "completed"
	// JobStatusFailed represents a job abandoned after exhausting its attempts
	JobStatusFailed SyncJobStatus = "failed"
)

// UnderlyingAsset describes the token a vault is denominated in
type UnderlyingAsset struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// VaultStaticData holds per-vault descriptive data read fresh per sync.
// TotalAssets and TotalSupply are big-integer strings in base units.
type VaultStaticData struct {
	Address     string          `json:"address"`
	Chain       ChainID         `json:"chain"`
	TotalAssets string          `json:"totalAssets"`
	TotalSupply string          `json:"totalSupply"`
	Asset       UnderlyingAsset `json:"asset"`
}

// RawPositionRecord is a provider's raw share-balance record for one holder
// in one vault. Shares is a big-integer string in vault share units. Records
// are transient: the orchestrator converts them to snapshots or discards them.
type RawPositionRecord struct {
	VaultAddress string  `json:"vaultAddress"`
	Account      string  `json:"account"`
	Chain        ChainID `json:"chain"`
	Shares       string  `json:"shares"`
	LastUpdated  int64   `json:"lastUpdated"`
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
