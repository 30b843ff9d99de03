// Package main provides the scheduler entry point. It runs the daily vault
// resync at the configured UTC hour and serves the internal ops HTTP API.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vault-scanner/internal/api"
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
	logger := logging.GetGlobalLogger().WithField("service", "scheduler")
	logger.Info("vault sync scheduler starting")

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

	pingers := map[string]api.Pinger{
		"postgres": postgres,
		"redis":    redis,
	}

	var runReader api.RunReader
	if clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse); err != nil {
		logger.WithError(err).Warn("clickhouse unavailable, run history disabled")
	} else {
		defer clickhouse.Close()
		runRepo := storage.NewSyncRunRepository(clickhouse)
		if err := runRepo.EnsureSchema(ctx); err != nil {
			logger.WithError(err).Warn("failed to ensure sync run schema")
		}
		runReader = runRepo
		pingers["clickhouse"] = clickhouse
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
	if err := syncService.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed to start sync scheduler")
	}

	// The scheduler host also drains its own share of the queue so a single
	// process deployment still makes progress.
	queue := job.NewSyncQueue(jobRepo, syncService, nil, job.Config{
		Workers:   cfg.Queue.Workers,
		PollEvery: cfg.Queue.PollEvery,
		BaseDelay: cfg.Queue.BaseDelay,
	})
	queue.Start(ctx)

	addr := net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
	server := api.NewServer(addr, syncService, runReader, pingers)
	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Fatal("http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("http server shutdown failed")
	}
	if err := syncService.Stop(); err != nil {
		logger.WithError(err).Error("scheduler stop failed")
	}
	queue.Stop()
	logger.Info("scheduler stopped")
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
