// Package main provides an ad hoc CLI for inspecting a wallet's vault
// positions without going through the HTTP server. Useful for verifying a
// chain's provider wiring against production data.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/vault-scanner/internal/config"
	"github.com/vault-scanner/internal/logging"
	"github.com/vault-scanner/internal/models"
	"github.com/vault-scanner/internal/pricing"
	"github.com/vault-scanner/internal/provider"
	"github.com/vault-scanner/internal/service"
	"github.com/vault-scanner/internal/storage"
	"github.com/vault-scanner/internal/types"
)

func main() {
	var (
		wallet    = flag.String("wallet", "", "Wallet address to inspect (required)")
		chainName = flag.String("chain", "base", "Chain to inspect")
		vault     = flag.String("vault", "", "Optional vault address for a single position lookup")
		block     = flag.Uint64("block", 0, "Block number to pin the lookup to (0 = latest)")
		dateStr   = flag.String("date", "", "Snapshot date YYYY-MM-DD for the wallet sync (default today)")
		season    = flag.String("season", "", "Season identifier stamped on sync logs")
		persist   = flag.Bool("persist", false, "Upsert the discovered positions into postgres")
	)
	flag.Parse()

	if *wallet == "" {
		log.Fatal("-wallet is required")
	}
	chain := types.ChainID(*chainName)
	if !types.IsSupportedChain(chain) {
		log.Fatalf("unsupported chain %q", *chainName)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.FormatText)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		log.Printf("WARNING: redis unavailable, running uncached: %v", err)
		redis = nil
	} else {
		defer redis.Close()
	}

	chainProvider, err := buildProvider(ctx, cfg, cacheOrNil(redis))
	if err != nil {
		log.Fatalf("Failed to build provider: %v", err)
	}
	prices := pricing.NewCoinGeckoClient(cfg.Pricing.APIKey, cfg.Pricing.BaseURL, pricingCacheOrNil(redis),
		cfg.Pricing.CacheTTL, cfg.Pricing.RequestsPerMinute)

	var positionRepo service.VaultPositionRepository
	if *persist {
		postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
		if err != nil {
			log.Fatalf("Failed to connect to postgres: %v", err)
		}
		defer postgres.Close()
		positionRepo = storage.NewVaultPositionRepository(postgres.Pool())
	} else {
		positionRepo = discardRepo{}
	}

	svc := service.NewVaultSyncService(chainProvider, prices, positionRepo, nil, nil, 0)

	if *vault != "" {
		position, err := svc.GetVaultPosition(ctx, *wallet, *vault, chain, *block)
		if err != nil {
			log.Fatalf("Position lookup failed: %v", err)
		}
		if position == nil {
			fmt.Printf("No position for %s in %s on %s\n", *wallet, *vault, chain)
			return
		}
		printPosition(position.VaultAddress, position.AssetSymbol, position.Shares, position.Balance, position.USDValue)
		return
	}

	var snapshotDate time.Time
	if *dateStr != "" {
		parsed, err := time.Parse("2006-01-02", *dateStr)
		if err != nil {
			log.Fatalf("invalid -date %q: %v", *dateStr, err)
		}
		snapshotDate = parsed.UTC()
	}

	positions, err := svc.SyncWalletPositions(ctx, *wallet, *season, chain, snapshotDate)
	if err != nil {
		log.Fatalf("Wallet sync failed: %v", err)
	}
	if len(positions) == 0 {
		fmt.Printf("No vault positions for %s on %s\n", *wallet, chain)
		return
	}

	total := 0.0
	for _, p := range positions {
		printPosition(p.VaultAddress, p.AssetSymbol, p.Shares, p.Balance, p.USDValue)
		total += p.USDValue
	}
	fmt.Printf("\nTotal: $%.2f across %d positions\n", total, len(positions))
}

func printPosition(vault, symbol, shares, balance string, usd float64) {
	fmt.Printf("%s  %-6s shares=%s balance=%s  $%.2f\n", vault, symbol, shares, balance, usd)
}

// discardRepo satisfies the repository interface for dry runs.
type discardRepo struct{}

func (discardRepo) DeleteByDateAndChain(ctx context.Context, date time.Time, chain types.ChainID) (int64, error) {
	return 0, nil
}

func (discardRepo) CreateBatch(ctx context.Context, positions []*models.VaultPosition) error {
	return nil
}

func (discardRepo) Upsert(ctx context.Context, position *models.VaultPosition) (*models.VaultPosition, error) {
	return position, nil
}

func (discardRepo) FindByWalletAndDate(ctx context.Context, wallet string, date time.Time) ([]*models.VaultPosition, error) {
	return nil, nil
}

func cacheOrNil(redis *storage.RedisCache) provider.Cache {
	if redis == nil {
		return nil
	}
	return redis
}

func pricingCacheOrNil(redis *storage.RedisCache) pricing.Cache {
	if redis == nil {
		return nil
	}
	return redis
}

func buildProvider(ctx context.Context, cfg *config.Config, cache provider.Cache) (service.ChainDataProvider, error) {
	switch cfg.Provider.Kind {
	case "rpc":
		rpcURLs := make(map[types.ChainID]string)
		vaults := make(map[types.ChainID][]string)
		for name, chainCfg := range cfg.Chains.Chains {
			chain := types.ChainID(name)
			rpcURLs[chain] = chainCfg.RPCPrimary
			vaults[chain] = chainCfg.EligibleVaults
		}
		return provider.NewRPCProvider(ctx, rpcURLs, vaults, cfg.Provider.LookbackBlocks,
			cache, cfg.Provider.CacheTTL, cfg.Provider.BlockCacheTTL)
	default:
		urls := make(map[types.ChainID]string)
		for name, chainCfg := range cfg.Chains.Chains {
			urls[types.ChainID(name)] = chainCfg.SubgraphURL
		}
		return provider.NewSubgraphProvider(urls, cache, cfg.Provider.CacheTTL, cfg.Provider.BlockCacheTTL), nil
	}
}
