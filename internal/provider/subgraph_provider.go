package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/vault-scanner/internal/errors"
	"github.com/vault-scanner/internal/logging"
	"github.com/vault-scanner/internal/types"
)

const (
	graphPageSize = 1000
	// Account-scoped queries are bounded by the eligible-vault count, so a
	// smaller page suffices.
	graphUserPageSize = 100
)

// graphErrors is the errors array of a GraphQL response body.
type graphErrors []struct {
	Message string `json:"message"`
}

func (e graphErrors) Error() string {
	return e[0].Message
}

type graphVault struct {
	ID          string      `json:"id"`
	TotalAssets string      `json:"totalAssets"`
	TotalSupply string      `json:"totalSupply"`
	Asset       *graphAsset `json:"asset"`
}

type graphAsset struct {
	ID       string `json:"id"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

type graphPosition struct {
	ID        string      `json:"id"`
	Account   string      `json:"account"`
	Shares    string      `json:"shares"`
	UpdatedAt string      `json:"updatedAt"`
	Vault     *graphVault `json:"vault"`
}

type graphBlock struct {
	Number    string `json:"number"`
	Timestamp string `json:"timestamp"`
}

// SubgraphProvider reads vault state from per-chain subgraph endpoints.
// Vault-level reads and block lookups go through the cache; position pages
// are always fetched fresh.
type SubgraphProvider struct {
	urls          map[types.ChainID]string
	client        *http.Client
	cache         Cache
	cacheTTL      time.Duration
	blockCacheTTL time.Duration
	logger        *logging.Logger
}

// NewSubgraphProvider creates a provider over the given chain -> subgraph
// endpoint map. cache may be nil, which disables caching.
func NewSubgraphProvider(urls map[types.ChainID]string, cache Cache, cacheTTL, blockCacheTTL time.Duration) *SubgraphProvider {
	return &SubgraphProvider{
		urls:          urls,
		client:        &http.Client{Timeout: 30 * time.Second},
		cache:         cache,
		cacheTTL:      cacheTTL,
		blockCacheTTL: blockCacheTTL,
		logger:        logging.GetGlobalLogger().WithField("component", "subgraph_provider"),
	}
}

// GetEligibleVaults returns vaults holding an eligible underlying asset,
// ordered by TVL descending.
func (p *SubgraphProvider) GetEligibleVaults(ctx context.Context, chain types.ChainID) ([]string, error) {
	symbols := make([]string, 0, len(types.EligibleAssetSymbols))
	for _, s := range types.EligibleAssetSymbols {
		symbols = append(symbols, strconv.Quote(s))
	}

	query := fmt.Sprintf(`{
		vaults(first: %d, orderBy: totalAssets, orderDirection: desc,
			where: { assetSymbol_in: [%s], totalAssets_gt: "0" }
		) {
			id
		}
	}`, graphPageSize, strings.Join(symbols, ", "))

	var resp struct {
		Vaults []graphVault `json:"vaults"`
	}
	if err := p.queryGraph(ctx, chain, query, &resp); err != nil {
		return nil, apperrors.NewProviderError(chain, "GetEligibleVaults", err)
	}

	vaults := make([]string, 0, len(resp.Vaults))
	for _, v := range resp.Vaults {
		vaults = append(vaults, strings.ToLower(v.ID))
	}
	return vaults, nil
}

// GetVaultData returns vault-level state, or (nil, nil) when the address is
// not a known vault.
func (p *SubgraphProvider) GetVaultData(ctx context.Context, vaultAddress string, chain types.ChainID) (*types.VaultStaticData, error) {
	vaultAddress = strings.ToLower(vaultAddress)

	cacheKey := fmt.Sprintf("vault:data:%s:%s", chain, vaultAddress)
	if p.cache != nil {
		if raw, ok, err := p.cache.Lookup(ctx, cacheKey); err == nil && ok {
			var data types.VaultStaticData
			if err := json.Unmarshal([]byte(raw), &data); err == nil {
				return &data, nil
			}
			p.logger.WithField("key", cacheKey).Warn("corrupt vault cache entry, refetching")
		}
	}

	query := fmt.Sprintf(`{
		vault(id: "%s") {
			id
			totalAssets
			totalSupply
			asset {
				id
				symbol
				decimals
			}
		}
	}`, vaultAddress)

	var resp struct {
		Vault *graphVault `json:"vault"`
	}
	if err := p.queryGraph(ctx, chain, query, &resp); err != nil {
		return nil, apperrors.NewProviderError(chain, "GetVaultData", err)
	}
	if resp.Vault == nil {
		return nil, nil
	}

	data := &types.VaultStaticData{
		Address:     strings.ToLower(resp.Vault.ID),
		Chain:       chain,
		TotalAssets: resp.Vault.TotalAssets,
		TotalSupply: resp.Vault.TotalSupply,
	}
	if resp.Vault.Asset != nil {
		data.Asset = types.UnderlyingAsset{
			Address:  strings.ToLower(resp.Vault.Asset.ID),
			Symbol:   strings.ToUpper(resp.Vault.Asset.Symbol),
			Decimals: resp.Vault.Asset.Decimals,
		}
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

// GetVaultPositions pages through every nonzero position in a vault using
// id_gt cursors. A full page means there may be more.
func (p *SubgraphProvider) GetVaultPositions(ctx context.Context, vaultAddress string, chain types.ChainID, blockNumber uint64) ([]*types.RawPositionRecord, error) {
	vaultAddress = strings.ToLower(vaultAddress)

	blockClause := ""
	if blockNumber > 0 {
		blockClause = fmt.Sprintf(", block: { number: %d }", blockNumber)
	}

	var records []*types.RawPositionRecord
	cursor := ""
	for {
		query := fmt.Sprintf(`{
			positions(first: %d, orderBy: id, orderDirection: asc%s,
				where: { vault: "%s", shares_gt: "0", id_gt: "%s" }
			) {
				id
				account
				shares
				updatedAt
			}
		}`, graphPageSize, blockClause, vaultAddress, cursor)

		var resp struct {
			Positions []graphPosition `json:"positions"`
		}
		if err := p.queryGraph(ctx, chain, query, &resp); err != nil {
			return nil, apperrors.NewProviderError(chain, "GetVaultPositions", err)
		}

		for _, pos := range resp.Positions {
			records = append(records, convertGraphPosition(pos, vaultAddress, chain))
		}

		if len(resp.Positions) < graphPageSize {
			return records, nil
		}
		cursor = resp.Positions[len(resp.Positions)-1].ID
	}
}

// GetUserVaultPositions returns one account's nonzero positions across all
// vaults on a chain, pinned to blockNumber when nonzero.
func (p *SubgraphProvider) GetUserVaultPositions(ctx context.Context, account string, chain types.ChainID, blockNumber uint64) ([]*types.RawPositionRecord, error) {
	account = strings.ToLower(account)

	blockClause := ""
	if blockNumber > 0 {
		blockClause = fmt.Sprintf(", block: { number: %d }", blockNumber)
	}

	var records []*types.RawPositionRecord
	cursor := ""
	for {
		query := fmt.Sprintf(`{
			positions(first: %d, orderBy: id, orderDirection: asc%s,
				where: { account: "%s", shares_gt: "0", id_gt: "%s" }
			) {
				id
				account
				shares
				updatedAt
				vault {
					id
				}
			}
		}`, graphUserPageSize, blockClause, account, cursor)

		var resp struct {
			Positions []graphPosition `json:"positions"`
		}
		if err := p.queryGraph(ctx, chain, query, &resp); err != nil {
			return nil, apperrors.NewProviderError(chain, "GetUserVaultPositions", err)
		}

		for _, pos := range resp.Positions {
			vault := ""
			if pos.Vault != nil {
				vault = strings.ToLower(pos.Vault.ID)
			}
			records = append(records, convertGraphPosition(pos, vault, chain))
		}

		if len(resp.Positions) < graphUserPageSize {
			return records, nil
		}
		cursor = resp.Positions[len(resp.Positions)-1].ID
	}
}

// GetBlockByTimestamp returns the earliest block at or after the timestamp.
// Timestamps in the future resolve to the chain head. Results are cached for
// a long TTL since historical block numbers never change.
func (p *SubgraphProvider) GetBlockByTimestamp(ctx context.Context, chain types.ChainID, timestamp int64) (uint64, error) {
	cacheKey := fmt.Sprintf("block:ts:%s:%d", chain, timestamp)
	if p.cache != nil {
		if raw, ok, err := p.cache.Lookup(ctx, cacheKey); err == nil && ok {
			if block, err := strconv.ParseUint(raw, 10, 64); err == nil {
				return block, nil
			}
		}
	}

	query := fmt.Sprintf(`{
		blocks(first: 1, orderBy: number, orderDirection: asc,
			where: { timestamp_gte: %d }
		) {
			number
			timestamp
		}
	}`, timestamp)

	var resp struct {
		Blocks []graphBlock `json:"blocks"`
	}
	if err := p.queryGraph(ctx, chain, query, &resp); err != nil {
		return 0, apperrors.NewProviderError(chain, "GetBlockByTimestamp", err)
	}

	if len(resp.Blocks) == 0 {
		// Timestamp beyond the chain head, use the latest indexed block.
		headQuery := `{
			blocks(first: 1, orderBy: number, orderDirection: desc) {
				number
				timestamp
			}
		}`
		var headResp struct {
			Blocks []graphBlock `json:"blocks"`
		}
		if err := p.queryGraph(ctx, chain, headQuery, &headResp); err != nil {
			return 0, apperrors.NewProviderError(chain, "GetBlockByTimestamp", err)
		}
		if len(headResp.Blocks) == 0 {
			return 0, apperrors.NewProviderError(chain, "GetBlockByTimestamp", fmt.Errorf("no blocks indexed"))
		}
		resp.Blocks = headResp.Blocks
	}

	block, err := strconv.ParseUint(resp.Blocks[0].Number, 10, 64)
	if err != nil {
		return 0, apperrors.NewProviderError(chain, "GetBlockByTimestamp",
			fmt.Errorf("unparsable block number %q: %w", resp.Blocks[0].Number, err))
	}

	if p.cache != nil {
		if err := p.cache.Set(ctx, cacheKey, strconv.FormatUint(block, 10), p.blockCacheTTL); err != nil {
			p.logger.WithError(err).Warn("failed to cache block lookup")
		}
	}
	return block, nil
}

// queryGraph posts a GraphQL query. Every failure surfaces immediately; the
// durable queue owns retries, so retrying here would multiply its attempt
// budget.
func (p *SubgraphProvider) queryGraph(ctx context.Context, chain types.ChainID, query string, out interface{}) error {
	endpoint, ok := p.urls[chain]
	if !ok || endpoint == "" {
		return fmt.Errorf("%w: no subgraph endpoint for %s", apperrors.ErrUnsupportedChain, chain)
	}

	payload, err := json.Marshal(struct {
		Query string `json:"query"`
	}{Query: query})
	if err != nil {
		return fmt.Errorf("failed to encode query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.WithError(err).WithField("chain", string(chain)).Warn("subgraph request failed")
		return fmt.Errorf("subgraph request failed: %w", err)
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		p.logger.WithField("status", resp.StatusCode).WithField("chain", string(chain)).Warn("unexpected subgraph status")
		return fmt.Errorf("subgraph HTTP %d: %s", resp.StatusCode, string(body))
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors graphErrors     `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return envelope.Errors
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return nil
}

func convertGraphPosition(pos graphPosition, vaultAddress string, chain types.ChainID) *types.RawPositionRecord {
	lastUpdated, _ := strconv.ParseInt(pos.UpdatedAt, 10, 64)
	return &types.RawPositionRecord{
		VaultAddress: vaultAddress,
		Account:      strings.ToLower(pos.Account),
		Chain:        chain,
		Shares:       pos.Shares,
		LastUpdated:  lastUpdated,
	}
}
