package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads configuration from the TOML file at path, applies environment
// variable overrides, and validates the result. A missing file is not an
// error; defaults plus environment variables apply.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return cfg, fmt.Errorf("decode %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("stat %s: %w", path, err)
		}
	}

	// .env is optional and only fills the process environment; explicit
	// variables still win.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides mutates cfg with values from KEEPERD_* environment
// variables. Every override is optional.
func applyEnvOverrides(cfg *Config) {
	setStr("KEEPERD_MODE", &cfg.Mode)
	setStr("KEEPERD_LOG_LEVEL", &cfg.LogLevel)
	setStr("KEEPERD_STORAGE", &cfg.Storage)

	setStr("KEEPERD_WALLET_PRIVATE_KEY", &cfg.Wallet.PrivateKey)
	setStr("KEEPERD_WALLET_ENCRYPTED_KEY_PATH", &cfg.Wallet.EncryptedKeyPath)
	setStr("KEEPERD_WALLET_KEY_PASSWORD", &cfg.Wallet.KeyPassword)

	setStr("KEEPERD_CHAIN_RPC_URL", &cfg.Chain.RPCURL)
	setInt64("KEEPERD_CHAIN_ID", &cfg.Chain.ChainID)
	setStr("KEEPERD_UNISWAP_ROUTER", &cfg.Chain.UniswapRouter)
	setStr("KEEPERD_COW_API_URL", &cfg.Chain.CowAPIURL)

	setStr("KEEPERD_POSTGRES_DSN", &cfg.Postgres.DSN)
	setStr("KEEPERD_POSTGRES_HOST", &cfg.Postgres.Host)
	setInt("KEEPERD_POSTGRES_PORT", &cfg.Postgres.Port)
	setStr("KEEPERD_POSTGRES_DATABASE", &cfg.Postgres.Database)
	setStr("KEEPERD_POSTGRES_USER", &cfg.Postgres.User)
	setStr("KEEPERD_POSTGRES_PASSWORD", &cfg.Postgres.Password)
	setStr("KEEPERD_POSTGRES_SSL_MODE", &cfg.Postgres.SSLMode)
	setBool("KEEPERD_POSTGRES_RUN_MIGRATIONS", &cfg.Postgres.RunMigrations)

	setStr("KEEPERD_REDIS_ADDR", &cfg.Redis.Addr)
	setStr("KEEPERD_REDIS_PASSWORD", &cfg.Redis.Password)
	setInt("KEEPERD_REDIS_DB", &cfg.Redis.DB)
	setBool("KEEPERD_REDIS_TLS_ENABLED", &cfg.Redis.TLSEnabled)

	setStr("KEEPERD_S3_ENDPOINT", &cfg.S3.Endpoint)
	setStr("KEEPERD_S3_REGION", &cfg.S3.Region)
	setStr("KEEPERD_S3_BUCKET", &cfg.S3.Bucket)
	setStr("KEEPERD_S3_ACCESS_KEY", &cfg.S3.AccessKey)
	setStr("KEEPERD_S3_SECRET_KEY", &cfg.S3.SecretKey)

	setDuration("KEEPERD_PRICING_MAX_STALENESS", &cfg.Pricing.MaxStaleness)

	setStr("KEEPERD_FEE_COLLECTOR", &cfg.Protocol.FeeCollector)
	setStr("KEEPERD_FIXED_EXECUTION_FEE_USD", &cfg.Protocol.FixedExecutionFeeUSD)
	setInt("KEEPERD_GAS_PREMIUM_BPS", &cfg.Protocol.GasPremiumBps)
	setDuration("KEEPERD_PUBLIC_GRACE_PERIOD", &cfg.Protocol.PublicGracePeriod)
	setInt("KEEPERD_PUBLIC_TIP_BPS", &cfg.Protocol.PublicTipBps)

	setInt("KEEPERD_MAX_POSITIONS_PER_OWNER", &cfg.Breaker.MaxPositionsPerOwner)
	setInt("KEEPERD_MAX_GLOBAL_POSITIONS", &cfg.Breaker.MaxGlobalPositions)
	setStr("KEEPERD_MIN_POSITION_USD", &cfg.Breaker.MinPositionUSD)
	setStr("KEEPERD_DAILY_VOLUME_CAP_USD", &cfg.Breaker.DailyVolumeCapUSD)
	setInt("KEEPERD_MAX_PRICE_MOVE_BPS", &cfg.Breaker.MaxPriceMoveBps)
	setDuration("KEEPERD_EMERGENCY_DELAY", &cfg.Breaker.EmergencyDelay)

	setDuration("KEEPERD_SCAN_INTERVAL", &cfg.Keeper.ScanInterval)
	setInt("KEEPERD_BATCH_SIZE", &cfg.Keeper.BatchSize)
	setInt("KEEPERD_PARALLEL", &cfg.Keeper.Parallel)
	setDuration("KEEPERD_SOLVENCY_INTERVAL", &cfg.Keeper.SolvencyInterval)
	setInt("KEEPERD_ARCHIVE_RETENTION_DAYS", &cfg.Keeper.ArchiveRetentionDays)
	setStr("KEEPERD_ARCHIVE_CRON", &cfg.Keeper.ArchiveCron)

	setBool("KEEPERD_SERVER_ENABLED", &cfg.Server.Enabled)
	setInt("KEEPERD_SERVER_PORT", &cfg.Server.Port)
	setStringSlice("KEEPERD_CORS_ORIGINS", &cfg.Server.CORSOrigins)
	setStr("KEEPERD_ADMIN_API_KEY", &cfg.Server.AdminAPIKey)
	setInt("KEEPERD_PUBLIC_RATE_LIMIT", &cfg.Server.PublicRateLimit)

	setStr("KEEPERD_TELEGRAM_TOKEN", &cfg.Notify.TelegramToken)
	setStr("KEEPERD_TELEGRAM_CHAT_ID", &cfg.Notify.TelegramChatID)
	setStr("KEEPERD_DISCORD_WEBHOOK_URL", &cfg.Notify.DiscordWebhookURL)
	setStringSlice("KEEPERD_NOTIFY_EVENTS", &cfg.Notify.Events)
}

func setStr(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(key string, dst *int64) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(key string, dst *duration) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(key string, dst *[]string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				out = append(out, t)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}
