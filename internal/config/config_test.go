package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validBase returns defaults adjusted so Validate passes in server mode,
// which has the smallest required surface.
func validBase() Config {
	cfg := Defaults()
	cfg.Mode = "server"
	cfg.Storage = "memory"
	return cfg
}

func TestDefaultsValidateInServerMode(t *testing.T) {
	cfg := validBase()
	require.NoError(t, cfg.Validate())
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, "full", cfg.Mode)
	assert.Equal(t, "postgres", cfg.Storage)
	assert.Equal(t, 30*time.Minute, cfg.Pricing.MaxStaleness.Duration)
	assert.Equal(t, 15*time.Minute, cfg.Protocol.PublicGracePeriod.Duration)
	assert.Equal(t, 1000, cfg.Protocol.PublicTipBps)
	assert.Equal(t, 72*time.Hour, cfg.Breaker.EmergencyDelay.Duration)
	assert.Equal(t, time.Minute, cfg.Keeper.ScanInterval.Duration)
	assert.Equal(t, "0 3 1 * *", cfg.Keeper.ArchiveCron)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 30, cfg.Server.PublicRateLimit)
}

func TestValidateRejectsUnknownEnums(t *testing.T) {
	cfg := validBase()
	cfg.Mode = "worker"
	cfg.LogLevel = "verbose"
	cfg.Storage = "sqlite"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "unknown log_level")
	assert.Contains(t, err.Error(), "unknown storage")
}

func TestValidateKeeperModeRequiresWalletAndChain(t *testing.T) {
	cfg := validBase()
	cfg.Mode = "keeper"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet")
	assert.Contains(t, err.Error(), "rpc_url")
	assert.Contains(t, err.Error(), "fee_collector")

	cfg.Wallet.PrivateKey = "aa"
	cfg.Chain.RPCURL = "https://rpc.example"
	cfg.Protocol.FeeCollector = "0x1111111111111111111111111111111111111111"
	require.NoError(t, cfg.Validate())
}

func TestValidateEncryptedKeyNeedsPassword(t *testing.T) {
	cfg := validBase()
	cfg.Mode = "keeper"
	cfg.Wallet.EncryptedKeyPath = "/keys/keeper.json"
	cfg.Chain.RPCURL = "https://rpc.example"
	cfg.Protocol.FeeCollector = "0x1111111111111111111111111111111111111111"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key_password")
}

func TestValidateRedisRequiredForMemoryStorage(t *testing.T) {
	cfg := validBase()
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis: addr")
}

func TestValidateBpsRanges(t *testing.T) {
	cfg := validBase()
	cfg.Protocol.GasPremiumBps = 10_001
	cfg.Protocol.PublicTipBps = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gas_premium_bps")
	assert.Contains(t, err.Error(), "public_tip_bps")
}

func TestValidateS3RequiresEndpointWhenBucketSet(t *testing.T) {
	cfg := validBase()
	cfg.S3.Bucket = "archive"
	cfg.S3.Endpoint = ""
	cfg.S3.Region = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3: endpoint")
	assert.Contains(t, err.Error(), "s3: region")
}

func TestLoadFromTomlFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keeperd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "server"
storage = "memory"
log_level = "debug"

[server]
port = 9100

[pricing]
max_staleness = "5m"

[[pricing.feeds]]
asset = "0x2222222222222222222222222222222222222222"
aggregator = "0x3333333333333333333333333333333333333333"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Pricing.MaxStaleness.Duration)
	require.Len(t, cfg.Pricing.Feeds, 1)
	assert.Equal(t, "0x2222222222222222222222222222222222222222", cfg.Pricing.Feeds[0].Asset)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("KEEPERD_MODE", "server")
	t.Setenv("KEEPERD_STORAGE", "memory")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, 8000, cfg.Server.Port)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keeperd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "server"
storage = "memory"

[server]
port = 9100
`), 0o600))

	t.Setenv("KEEPERD_SERVER_PORT", "9200")
	t.Setenv("KEEPERD_SCAN_INTERVAL", "30s")
	t.Setenv("KEEPERD_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Keeper.ScanInterval.Duration)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := validBase()
	cfg.Wallet.PrivateKey = "deadbeef"
	cfg.Postgres.Password = "pgpass"
	cfg.Redis.Password = "rpass"
	cfg.Server.AdminAPIKey = "adminkey"
	cfg.Notify.TelegramToken = "tgtoken"

	red := RedactedConfig(&cfg)
	assert.NotEqual(t, "deadbeef", red.Wallet.PrivateKey)
	assert.NotEqual(t, "pgpass", red.Postgres.Password)
	assert.NotEqual(t, "rpass", red.Redis.Password)
	assert.NotEqual(t, "adminkey", red.Server.AdminAPIKey)
	assert.NotEqual(t, "tgtoken", red.Notify.TelegramToken)

	// Original is untouched.
	assert.Equal(t, "deadbeef", cfg.Wallet.PrivateKey)
}
