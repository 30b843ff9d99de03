// Package config provides configuration management for the vault scanner
// services. It loads configuration from environment variables and .env files
// once, at process start; components receive explicit config structs and never
// read the environment themselves.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Chains    ChainsConfig
	Provider  ProviderConfig
	Pricing   PricingConfig
	Queue     QueueConfig
	Scheduler SchedulerConfig
	Logging   LoggingConfig
}

// ServerConfig holds internal HTTP server configuration
type ServerConfig struct {
	Host string
	Port string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
	MigrationsPath string
}

// URL returns the connection URL used by the migration tooling.
func (c *PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ChainsConfig holds per-chain configuration
type ChainsConfig struct {
	Enabled []string
	Chains  map[string]ChainConfig
}

// ChainConfig holds configuration for a specific chain
type ChainConfig struct {
	RPCPrimary     string
	RPCSecondary   string
	SubgraphURL    string
	EligibleVaults []string // direct-RPC provider allow-list, hex addresses
}

// ProviderConfig selects and tunes the chain data provider implementation
type ProviderConfig struct {
	// Kind selects the provider variant: "subgraph" or "rpc"
	Kind string
	// LookbackBlocks bounds the Transfer-log scan the direct-RPC provider
	// uses for holder discovery
	LookbackBlocks uint64
	// CacheTTL is the short TTL for vault data and eligible-vault caches
	CacheTTL time.Duration
	// BlockCacheTTL is the long TTL for block-by-timestamp caches; finalized
	// block/timestamp mappings never change
	BlockCacheTTL time.Duration
}

// PricingConfig holds CoinGecko client configuration
type PricingConfig struct {
	APIKey            string
	BaseURL           string
	CacheTTL          time.Duration
	RequestsPerMinute int
}

// QueueConfig holds durable sync queue configuration
type QueueConfig struct {
	Workers     int
	MaxAttempts int
	BaseDelay   time.Duration
	PollEvery   time.Duration
}

// SchedulerConfig holds daily sync scheduler configuration
type SchedulerConfig struct {
	// SyncHourUTC is the hour of day (UTC) the full resync runs
	SyncHourUTC int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env file is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "127.0.0.1"),
			Port: getEnv("SERVER_PORT", "8081"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "vault_scanner"),
				User:           getEnv("POSTGRES_USER", "scanner"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
				MigrationsPath: getEnv("MIGRATIONS_PATH", "migrations"),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "vault_scanner"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
		},
		Provider: ProviderConfig{
			Kind:           getEnv("PROVIDER_KIND", "subgraph"),
			LookbackBlocks: uint64(getEnvAsInt("PROVIDER_LOOKBACK_BLOCKS", 500_000)),
			CacheTTL:       getEnvAsDuration("PROVIDER_CACHE_TTL", 5*time.Minute),
			BlockCacheTTL:  getEnvAsDuration("PROVIDER_BLOCK_CACHE_TTL", 30*24*time.Hour),
		},
		Pricing: PricingConfig{
			APIKey:            getEnv("COINGECKO_API_KEY", ""),
			BaseURL:           getEnv("COINGECKO_BASE_URL", "https://api.coingecko.com/api/v3"),
			CacheTTL:          getEnvAsDuration("PRICE_CACHE_TTL", 5*time.Minute),
			RequestsPerMinute: getEnvAsInt("COINGECKO_RPM", 30),
		},
		Queue: QueueConfig{
			Workers:     getEnvAsInt("QUEUE_WORKERS", 5),
			MaxAttempts: getEnvAsInt("QUEUE_MAX_ATTEMPTS", 3),
			BaseDelay:   getEnvAsDuration("QUEUE_BASE_DELAY", 5*time.Second),
			PollEvery:   getEnvAsDuration("QUEUE_POLL_INTERVAL", time.Second),
		},
		Scheduler: SchedulerConfig{
			SyncHourUTC: getEnvAsInt("SYNC_HOUR_UTC", 0),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	config.Chains = loadChainConfigs()

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) validate() error {
	switch c.Provider.Kind {
	case "subgraph", "rpc":
	default:
		return fmt.Errorf("invalid PROVIDER_KIND %q: must be subgraph or rpc", c.Provider.Kind)
	}
	if c.Scheduler.SyncHourUTC < 0 || c.Scheduler.SyncHourUTC > 23 {
		return fmt.Errorf("invalid SYNC_HOUR_UTC %d: must be 0-23", c.Scheduler.SyncHourUTC)
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("invalid QUEUE_WORKERS %d: must be positive", c.Queue.Workers)
	}
	return nil
}

// loadChainConfigs loads chain-specific configurations
func loadChainConfigs() ChainsConfig {
	enabledChains := strings.Split(getEnv("ENABLED_CHAINS", "base,ethereum,arbitrum,optimism"), ",")

	chains := make(map[string]ChainConfig)
	for _, chain := range enabledChains {
		chain = strings.TrimSpace(chain)
		if chain == "" {
			continue
		}

		prefix := strings.ToUpper(chain)
		chains[chain] = ChainConfig{
			RPCPrimary:     getEnv(prefix+"_RPC_PRIMARY", ""),
			RPCSecondary:   getEnv(prefix+"_RPC_SECONDARY", ""),
			SubgraphURL:    getEnv(prefix+"_SUBGRAPH_URL", ""),
			EligibleVaults: getEnvAsList(prefix+"_ELIGIBLE_VAULTS", nil),
		}
	}

	return ChainsConfig{
		Enabled: enabledChains,
		Chains:  chains,
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList gets a comma-separated environment variable as a string slice
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	parts := strings.Split(valueStr, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			values = append(values, part)
		}
	}
	return values
}
