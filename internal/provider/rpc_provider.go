package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	apperrors "github.com/vault-scanner/internal/errors"
	"github.com/vault-scanner/internal/logging"
	"github.com/vault-scanner/internal/types"
)

// vaultABIJSON covers the ERC-4626 and ERC-20 views the provider reads.
const vaultABIJSON = `[
	{"name":"totalAssets","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"name":"totalSupply","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"name":"asset","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"address"}]},
	{"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"string"}]},
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint8"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"type":"address"}],"outputs":[{"type":"uint256"}]}
]`

var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ethBackend is the slice of ethclient.Client the provider uses. Tests
// substitute a fake; production wiring passes real dialed clients.
type ethBackend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
}

// RPCProvider reads vault state straight from chain nodes. Vault discovery
// comes from a configured allow-list per chain; position holders are
// discovered by scanning share-token Transfer logs over a lookback window
// and checking balances of every address seen.
type RPCProvider struct {
	backends       map[types.ChainID]ethBackend
	eligibleVaults map[types.ChainID][]string
	vaultABI       abi.ABI
	lookbackBlocks uint64
	cache          Cache
	cacheTTL       time.Duration
	blockCacheTTL  time.Duration
	logger         *logging.Logger
}

// NewRPCProvider dials one RPC client per chain. eligibleVaults maps each
// chain to its configured vault allow-list.
func NewRPCProvider(ctx context.Context, rpcURLs map[types.ChainID]string, eligibleVaults map[types.ChainID][]string,
	lookbackBlocks uint64, cache Cache, cacheTTL, blockCacheTTL time.Duration) (*RPCProvider, error) {
	backends := make(map[types.ChainID]ethBackend, len(rpcURLs))
	for chain, url := range rpcURLs {
		if url == "" {
			return nil, fmt.Errorf("no RPC endpoint for chain %s", chain)
		}
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s RPC: %w", chain, err)
		}
		backends[chain] = client
	}
	return newRPCProvider(backends, eligibleVaults, lookbackBlocks, cache, cacheTTL, blockCacheTTL)
}

func newRPCProvider(backends map[types.ChainID]ethBackend, eligibleVaults map[types.ChainID][]string,
	lookbackBlocks uint64, cache Cache, cacheTTL, blockCacheTTL time.Duration) (*RPCProvider, error) {
	parsed, err := abi.JSON(strings.NewReader(vaultABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse vault ABI: %w", err)
	}

	normalized := make(map[types.ChainID][]string, len(eligibleVaults))
	for chain, vaults := range eligibleVaults {
		lowered := make([]string, 0, len(vaults))
		for _, v := range vaults {
			lowered = append(lowered, strings.ToLower(v))
		}
		normalized[chain] = lowered
	}

	return &RPCProvider{
		backends:       backends,
		eligibleVaults: normalized,
		vaultABI:       parsed,
		lookbackBlocks: lookbackBlocks,
		cache:          cache,
		cacheTTL:       cacheTTL,
		blockCacheTTL:  blockCacheTTL,
		logger:         logging.GetGlobalLogger().WithField("component", "rpc_provider"),
	}, nil
}

func (p *RPCProvider) backend(chain types.ChainID) (ethBackend, error) {
	backend, ok := p.backends[chain]
	if !ok {
		return nil, fmt.Errorf("%w: no RPC client for %s", apperrors.ErrUnsupportedChain, chain)
	}
	return backend, nil
}

// GetEligibleVaults returns the configured allow-list for a chain, filtered
// to vaults whose underlying asset is eligible and TVL is nonzero, ordered
// by TVL descending.
func (p *RPCProvider) GetEligibleVaults(ctx context.Context, chain types.ChainID) ([]string, error) {
	candidates := p.eligibleVaults[chain]
	if len(candidates) == 0 {
		return nil, nil
	}

	eligible := make(map[string]bool, len(types.EligibleAssetSymbols))
	for _, s := range types.EligibleAssetSymbols {
		eligible[s] = true
	}

	type vaultTVL struct {
		address string
		assets  *big.Int
	}
	var vaults []vaultTVL
	for _, address := range candidates {
		data, err := p.GetVaultData(ctx, address, chain)
		if err != nil {
			return nil, err
		}
		if data == nil {
			p.logger.WithField("vault", address).WithField("chain", string(chain)).Warn("configured vault not resolvable, skipping")
			continue
		}
		if !eligible[data.Asset.Symbol] {
			continue
		}
		assets, ok := new(big.Int).SetString(data.TotalAssets, 10)
		if !ok || assets.Sign() <= 0 {
			continue
		}
		vaults = append(vaults, vaultTVL{address: data.Address, assets: assets})
	}

	sort.SliceStable(vaults, func(i, j int) bool {
		return vaults[i].assets.Cmp(vaults[j].assets) > 0
	})

	result := make([]string, 0, len(vaults))
	for _, v := range vaults {
		result = append(result, v.address)
	}
	return result, nil
}

// GetVaultData reads vault and underlying-asset state via eth_call.
// Returns (nil, nil) when the address has no contract code behind it.
func (p *RPCProvider) GetVaultData(ctx context.Context, vaultAddress string, chain types.ChainID) (*types.VaultStaticData, error) {
	vaultAddress = strings.ToLower(vaultAddress)

	cacheKey := fmt.Sprintf("vault:data:%s:%s", chain, vaultAddress)
	if p.cache != nil {
		if raw, ok, err := p.cache.Lookup(ctx, cacheKey); err == nil && ok {
			var data types.VaultStaticData
			if err := json.Unmarshal([]byte(raw), &data); err == nil {
				return &data, nil
			}
		}
	}

	backend, err := p.backend(chain)
	if err != nil {
		return nil, apperrors.NewProviderError(chain, "GetVaultData", err)
	}

	vault := common.HexToAddress(vaultAddress)

	assetRaw, err := p.call(ctx, backend, vault, "asset", nil)
	if err != nil {
		return nil, apperrors.NewProviderError(chain, "GetVaultData", err)
	}
	if len(assetRaw) == 0 {
		// No code at the address, not a vault.
		return nil, nil
	}
	var assetAddr common.Address
	if err := p.vaultABI.UnpackIntoInterface(&assetAddr, "asset", assetRaw); err != nil {
		return nil, apperrors.NewProviderError(chain, "GetVaultData", fmt.Errorf("unpack asset: %w", err))
	}

	totalAssets, err := p.callUint256(ctx, backend, vault, "totalAssets", nil)
	if err != nil {
		return nil, apperrors.NewProviderError(chain, "GetVaultData", err)
	}
	totalSupply, err := p.callUint256(ctx, backend, vault, "totalSupply", nil)
	if err != nil {
		return nil, apperrors.NewProviderError(chain, "GetVaultData", err)
	}

	symbolRaw, err := p.call(ctx, backend, assetAddr, "symbol", nil)
	if err != nil {
		return nil, apperrors.NewProviderError(chain, "GetVaultData", err)
	}
	var symbol string
	if err := p.vaultABI.UnpackIntoInterface(&symbol, "symbol", symbolRaw); err != nil {
		return nil, apperrors.NewProviderError(chain, "GetVaultData", fmt.Errorf("unpack symbol: %w", err))
	}

	decimalsRaw, err := p.call(ctx, backend, assetAddr, "decimals", nil)
	if err != nil {
		return nil, apperrors.NewProviderError(chain, "GetVaultData", err)
	}
	var decimals uint8
	if err := p.vaultABI.UnpackIntoInterface(&decimals, "decimals", decimalsRaw); err != nil {
		return nil, apperrors.NewProviderError(chain, "GetVaultData", fmt.Errorf("unpack decimals: %w", err))
	}

	data := &types.VaultStaticData{
		Address:     vaultAddress,
		Chain:       chain,
		TotalAssets: totalAssets.String(),
		TotalSupply: totalSupply.String(),
		Asset: types.UnderlyingAsset{
			Address:  strings.ToLower(assetAddr.Hex()),
			Symbol:   strings.ToUpper(symbol),
			Decimals: int(decimals),
		},
	}

	if p.cache != nil {
		if encoded, err := json.Marshal(data); err == nil {
			if err := p.cache.Set(ctx, cacheKey, string(encoded), p.cacheTTL); err != nil {
				p.logger.WithError(err).Warn("failed to cache vault data")
			}
		}
	}
	return data, nil
}

// GetVaultPositions discovers share holders from Transfer logs over the
// lookback window, then reads each holder's balance at the pinned block.
func (p *RPCProvider) GetVaultPositions(ctx context.Context, vaultAddress string, chain types.ChainID, blockNumber uint64) ([]*types.RawPositionRecord, error) {
	vaultAddress = strings.ToLower(vaultAddress)

	backend, err := p.backend(chain)
	if err != nil {
		return nil, apperrors.NewProviderError(chain, "GetVaultPositions", err)
	}

	pinned := blockNumber
	if pinned == 0 {
		head, err := backend.BlockNumber(ctx)
		if err != nil {
			return nil, apperrors.NewProviderError(chain, "GetVaultPositions", err)
		}
		pinned = head
	}

	fromBlock := uint64(0)
	if pinned > p.lookbackBlocks {
		fromBlock = pinned - p.lookbackBlocks
	}

	logs, err := backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(pinned),
		Addresses: []common.Address{common.HexToAddress(vaultAddress)},
		Topics:    [][]common.Hash{{transferTopic}},
	})
	if err != nil {
		return nil, apperrors.NewProviderError(chain, "GetVaultPositions", err)
	}

	holders := make(map[common.Address]uint64)
	for _, entry := range logs {
		if len(entry.Topics) < 3 {
			continue
		}
		from := common.BytesToAddress(entry.Topics[1].Bytes())
		to := common.BytesToAddress(entry.Topics[2].Bytes())
		if from != (common.Address{}) {
			holders[from] = maxUint64(holders[from], entry.BlockNumber)
		}
		if to != (common.Address{}) {
			holders[to] = maxUint64(holders[to], entry.BlockNumber)
		}
	}

	pinnedBig := new(big.Int).SetUint64(pinned)
	vault := common.HexToAddress(vaultAddress)
	var records []*types.RawPositionRecord
	for holder, lastSeen := range holders {
		shares, err := p.callUint256(ctx, backend, vault, "balanceOf", pinnedBig, holder)
		if err != nil {
			return nil, apperrors.NewProviderError(chain, "GetVaultPositions", err)
		}
		if shares.Sign() <= 0 {
			continue
		}
		header, err := backend.HeaderByNumber(ctx, new(big.Int).SetUint64(lastSeen))
		if err != nil {
			return nil, apperrors.NewProviderError(chain, "GetVaultPositions", err)
		}
		records = append(records, &types.RawPositionRecord{
			VaultAddress: vaultAddress,
			Account:      strings.ToLower(holder.Hex()),
			Chain:        chain,
			Shares:       shares.String(),
			LastUpdated:  int64(header.Time),
		})
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Account < records[j].Account
	})
	return records, nil
}

// GetUserVaultPositions checks the account's share balance in every
// configured eligible vault, at blockNumber when nonzero, otherwise at the
// chain head.
func (p *RPCProvider) GetUserVaultPositions(ctx context.Context, account string, chain types.ChainID, blockNumber uint64) ([]*types.RawPositionRecord, error) {
	account = strings.ToLower(account)

	backend, err := p.backend(chain)
	if err != nil {
		return nil, apperrors.NewProviderError(chain, "GetUserVaultPositions", err)
	}

	var pinnedBig *big.Int
	lastUpdated := time.Now().Unix()
	if blockNumber > 0 {
		pinnedBig = new(big.Int).SetUint64(blockNumber)
		header, err := backend.HeaderByNumber(ctx, pinnedBig)
		if err != nil {
			return nil, apperrors.NewProviderError(chain, "GetUserVaultPositions", err)
		}
		lastUpdated = int64(header.Time)
	}

	vaults, err := p.GetEligibleVaults(ctx, chain)
	if err != nil {
		return nil, err
	}

	holder := common.HexToAddress(account)
	var records []*types.RawPositionRecord
	for _, vaultAddress := range vaults {
		shares, err := p.callUint256(ctx, backend, common.HexToAddress(vaultAddress), "balanceOf", pinnedBig, holder)
		if err != nil {
			return nil, apperrors.NewProviderError(chain, "GetUserVaultPositions", err)
		}
		if shares.Sign() <= 0 {
			continue
		}
		records = append(records, &types.RawPositionRecord{
			VaultAddress: vaultAddress,
			Account:      account,
			Chain:        chain,
			Shares:       shares.String(),
			LastUpdated:  lastUpdated,
		})
	}
	return records, nil
}

// GetBlockByTimestamp binary searches headers for the earliest block whose
// timestamp is at or after the target. Any header read failure mid-search
// fails the lookup.
func (p *RPCProvider) GetBlockByTimestamp(ctx context.Context, chain types.ChainID, timestamp int64) (uint64, error) {
	cacheKey := fmt.Sprintf("block:ts:%s:%d", chain, timestamp)
	if p.cache != nil {
		if raw, ok, err := p.cache.Lookup(ctx, cacheKey); err == nil && ok {
			if block, err := strconv.ParseUint(raw, 10, 64); err == nil {
				return block, nil
			}
		}
	}

	backend, err := p.backend(chain)
	if err != nil {
		return 0, apperrors.NewProviderError(chain, "GetBlockByTimestamp", err)
	}

	head, err := backend.BlockNumber(ctx)
	if err != nil {
		return 0, apperrors.NewProviderError(chain, "GetBlockByTimestamp", err)
	}
	headHeader, err := backend.HeaderByNumber(ctx, new(big.Int).SetUint64(head))
	if err != nil {
		return 0, apperrors.NewProviderError(chain, "GetBlockByTimestamp", err)
	}

	// Target beyond the head resolves to the head itself.
	if timestamp >= int64(headHeader.Time) {
		p.cacheBlock(ctx, cacheKey, head)
		return head, nil
	}

	low := uint64(0)
	high := head
	for low < high {
		mid := (low + high) / 2
		header, err := backend.HeaderByNumber(ctx, new(big.Int).SetUint64(mid))
		if err != nil {
			return 0, apperrors.NewProviderError(chain, "GetBlockByTimestamp", err)
		}
		if int64(header.Time) < timestamp {
			low = mid + 1
		} else {
			high = mid
		}
	}

	p.cacheBlock(ctx, cacheKey, low)
	return low, nil
}

func (p *RPCProvider) cacheBlock(ctx context.Context, key string, block uint64) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Set(ctx, key, strconv.FormatUint(block, 10), p.blockCacheTTL); err != nil {
		p.logger.WithError(err).Warn("failed to cache block lookup")
	}
}

func (p *RPCProvider) call(ctx context.Context, backend ethBackend, to common.Address, method string, blockNumber *big.Int, args ...interface{}) ([]byte, error) {
	input, err := p.vaultABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	return backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, blockNumber)
}

func (p *RPCProvider) callUint256(ctx context.Context, backend ethBackend, to common.Address, method string, blockNumber *big.Int, args ...interface{}) (*big.Int, error) {
	raw, err := p.call(ctx, backend, to, method, blockNumber, args...)
	if err != nil {
		return nil, err
	}
	var value *big.Int
	if err := p.vaultABI.UnpackIntoInterface(&value, method, raw); err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return value, nil
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
