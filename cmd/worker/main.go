// Package main provides the sync worker entry point. It claims durable vault
// sync jobs from postgres and processes them until shut down.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/vault-scanner/internal/config"
	"github.com/vault-scanner/internal/job"
	"github.com/vault-scanner/internal/logging"
	"github.com/vault-scanner/internal/pricing"
	"github.com/vault-scanner/internal/provider"
	"github.com/vault-scanner/internal/retry"
	"github.com/vault-scanner/internal/service"
	"github.com/vault-scanner/internal/storage"
	"github.com/vault-scanner/internal/types"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.GetGlobalLogger().WithError(err).Fatal("failed to load configuration")
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithField("service", "worker")
	logger.Info("vault sync worker starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var postgres *storage.PostgresDB
	err = retry.WithExponentialBackoff(ctx, retry.DefaultConfig(), func(ctx context.Context, attempt int) error {
		var err error
		postgres, err = storage.NewPostgresDB(&cfg.Database.Postgres)
		return err
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to postgres")
	}
	defer postgres.Close()

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to redis")
	}
	defer redis.Close()

	// The audit store is best effort; the worker runs without it.
	var runRecorder job.RunRecorder
	if clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse); err != nil {
		logger.WithError(err).Warn("clickhouse unavailable, sync runs will not be recorded")
	} else {
		defer clickhouse.Close()
		runRepo := storage.NewSyncRunRepository(clickhouse)
		if err := runRepo.EnsureSchema(ctx); err != nil {
			logger.WithError(err).Warn("failed to ensure sync run schema")
		} else {
			runRecorder = runRepo
		}
	}

	chainProvider, err := buildProvider(ctx, cfg, redis)
	if err != nil {
		logger.WithError(err).Fatal("failed to build chain data provider")
	}

	prices := pricing.NewCoinGeckoClient(cfg.Pricing.APIKey, cfg.Pricing.BaseURL, redis,
		cfg.Pricing.CacheTTL, cfg.Pricing.RequestsPerMinute)

	positionRepo := storage.NewVaultPositionRepository(postgres.Pool())
	jobRepo := storage.NewSyncJobRepository(postgres.Pool())

	syncService := service.NewVaultSyncService(chainProvider, prices, positionRepo, jobRepo,
		enabledChains(cfg), cfg.Scheduler.SyncHourUTC)

	queue := job.NewSyncQueue(jobRepo, syncService, runRecorder, job.Config{
		Workers:   cfg.Queue.Workers,
		PollEvery: cfg.Queue.PollEvery,
		BaseDelay: cfg.Queue.BaseDelay,
	})
	queue.Start(ctx)

	logger.WithField("workers", cfg.Queue.Workers).Info("worker running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")
	queue.Stop()
	logger.Info("worker stopped")
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

func enabledChains(cfg *config.Config) []types.ChainID {
	chains := make([]types.ChainID, 0, len(cfg.Chains.Enabled))
	for _, name := range cfg.Chains.Enabled {
		chain := types.ChainID(name)
		if types.IsSupportedChain(chain) {
			chains = append(chains, chain)
		}
	}
	return chains
}
