// Package config defines the top-level configuration for keeperd and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by KEEPERD_* environment
// variables.
type Config struct {
	Wallet   WalletConfig   `toml:"wallet"`
	Chain    ChainConfig    `toml:"chain"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Pricing  PricingConfig  `toml:"pricing"`
	Protocol ProtocolConfig `toml:"protocol"`
	Breaker  BreakerConfig  `toml:"breaker"`
	Keeper   KeeperConfig   `toml:"keeper"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Storage  string         `toml:"storage"` // "postgres" or "memory"
	Mode     string         `toml:"mode"`    // "keeper", "server", "full"
	LogLevel string         `toml:"log_level"`
}

// WalletConfig holds the keeper's signing credentials. The same key signs
// custody transfers and router swaps.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ChainConfig holds settlement-network endpoints and venue addresses.
type ChainConfig struct {
	RPCURL        string `toml:"rpc_url"`
	ChainID       int64  `toml:"chain_id"`
	UniswapRouter string `toml:"uniswap_router"`
	CowAPIURL     string `toml:"cow_api_url"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for cold-storage
// archival. Leave Bucket empty to disable archival.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// FeedConfig binds one asset to its Chainlink aggregator.
type FeedConfig struct {
	Asset      string `toml:"asset"`
	Aggregator string `toml:"aggregator"`
}

// PoolConfig binds an asset pair to its Uniswap V3 pool for TWAP reads.
type PoolConfig struct {
	AssetIn     string `toml:"asset_in"`
	AssetOut    string `toml:"asset_out"`
	Pool        string `toml:"pool"`
	Inverted    bool   `toml:"inverted"`
	DecimalsIn  int    `toml:"decimals_in"`
	DecimalsOut int    `toml:"decimals_out"`
}

// PricingConfig holds oracle parameters.
type PricingConfig struct {
	MaxStaleness duration     `toml:"max_staleness"`
	Feeds        []FeedConfig `toml:"feeds"`
	Pools        []PoolConfig `toml:"pools"`
}

// ProtocolConfig holds fee and public-execution parameters.
type ProtocolConfig struct {
	FeeCollector         string   `toml:"fee_collector"`
	FixedExecutionFeeUSD string   `toml:"fixed_execution_fee_usd"` // decimal string at USD precision
	GasPremiumBps        int      `toml:"gas_premium_bps"`
	PublicGracePeriod    duration `toml:"public_grace_period"`
	PublicTipBps         int      `toml:"public_tip_bps"`
	QuoteAssets          []string `toml:"quote_assets"`
}

// BreakerConfig holds circuit-breaker limits. Zero values are uncapped.
type BreakerConfig struct {
	MaxPositionsPerOwner int      `toml:"max_positions_per_owner"`
	MaxGlobalPositions   int      `toml:"max_global_positions"`
	MinPositionUSD       string   `toml:"min_position_usd"` // decimal string at USD precision
	DailyVolumeCapUSD    string   `toml:"daily_volume_cap_usd"`
	MaxPriceMoveBps      int      `toml:"max_price_move_bps"`
	EmergencyDelay       duration `toml:"emergency_delay"`
}

// KeeperConfig holds automation-loop parameters.
type KeeperConfig struct {
	ScanInterval         duration `toml:"scan_interval"`
	BatchSize            int      `toml:"batch_size"`
	Parallel             int      `toml:"parallel"`
	SolvencyInterval     duration `toml:"solvency_interval"`
	ArchiveRetentionDays int      `toml:"archive_retention_days"`
	ArchiveCron          string   `toml:"archive_cron"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	AdminAPIKey string   `toml:"admin_api_key"`
	// PublicRateLimit caps permissionless execution calls per caller per
	// minute. Zero disables the limiter.
	PublicRateLimit int `toml:"public_rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			ChainID:   1,
			CowAPIURL: "https://api.cow.fi/mainnet",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "keeperd",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Pricing: PricingConfig{
			MaxStaleness: duration{30 * time.Minute},
		},
		Protocol: ProtocolConfig{
			FixedExecutionFeeUSD: "0",
			GasPremiumBps:        0,
			PublicGracePeriod:    duration{15 * time.Minute},
			PublicTipBps:         1000,
		},
		Breaker: BreakerConfig{
			MaxPositionsPerOwner: 50,
			EmergencyDelay:       duration{72 * time.Hour},
		},
		Keeper: KeeperConfig{
			ScanInterval:         duration{time.Minute},
			BatchSize:            50,
			Parallel:             4,
			SolvencyInterval:     duration{time.Hour},
			ArchiveRetentionDays: 90,
			ArchiveCron:          "0 3 1 * *",
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000"},
			PublicRateLimit: 30,
		},
		Notify: NotifyConfig{
			Events: []string{"settlement", "execution_skipped", "emergency_exit", "error"},
		},
		Storage:  "postgres",
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"keeper": true,
	"server": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: keeper, server, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Storage != "postgres" && c.Storage != "memory" {
		errs = append(errs, fmt.Sprintf("unknown storage %q (valid: postgres, memory)", c.Storage))
	}

	// Wallet is needed whenever the keeper loops run: moving custody funds
	// and submitting swaps both require the signing key.
	needsWallet := c.Mode == "keeper" || c.Mode == "full"
	if needsWallet {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url is required for mode "+c.Mode)
		}
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}

	if c.Storage == "postgres" {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis backs the signal bus and locks in every mode.
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	if c.S3.Bucket != "" {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when bucket is set")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when bucket is set")
		}
	}

	if c.Pricing.MaxStaleness.Duration <= 0 {
		errs = append(errs, "pricing: max_staleness must be > 0")
	}
	for i, f := range c.Pricing.Feeds {
		if f.Asset == "" || f.Aggregator == "" {
			errs = append(errs, fmt.Sprintf("pricing: feeds[%d] needs both asset and aggregator", i))
		}
	}
	for i, p := range c.Pricing.Pools {
		if p.AssetIn == "" || p.AssetOut == "" || p.Pool == "" {
			errs = append(errs, fmt.Sprintf("pricing: pools[%d] needs asset_in, asset_out, and pool", i))
		}
	}

	if needsWallet && c.Protocol.FeeCollector == "" {
		errs = append(errs, "protocol: fee_collector must be set for mode "+c.Mode)
	}
	if c.Protocol.GasPremiumBps < 0 || c.Protocol.GasPremiumBps > 10_000 {
		errs = append(errs, "protocol: gas_premium_bps must be 0-10000")
	}
	if c.Protocol.PublicTipBps < 0 || c.Protocol.PublicTipBps > 10_000 {
		errs = append(errs, "protocol: public_tip_bps must be 0-10000")
	}

	if c.Keeper.ScanInterval.Duration <= 0 {
		errs = append(errs, "keeper: scan_interval must be > 0")
	}
	if c.Keeper.BatchSize < 1 {
		errs = append(errs, "keeper: batch_size must be >= 1")
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
