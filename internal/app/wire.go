package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/recurswap/keeperd/internal/blob/s3"
	"github.com/recurswap/keeperd/internal/cache/redis"
	"github.com/recurswap/keeperd/internal/config"
	"github.com/recurswap/keeperd/internal/crypto"
	"github.com/recurswap/keeperd/internal/custody"
	"github.com/recurswap/keeperd/internal/domain"
	"github.com/recurswap/keeperd/internal/engine"
	"github.com/recurswap/keeperd/internal/keeper"
	"github.com/recurswap/keeperd/internal/ledger"
	"github.com/recurswap/keeperd/internal/lock"
	"github.com/recurswap/keeperd/internal/notify"
	"github.com/recurswap/keeperd/internal/ownership"
	"github.com/recurswap/keeperd/internal/platform/chainlink"
	"github.com/recurswap/keeperd/internal/platform/cow"
	"github.com/recurswap/keeperd/internal/platform/uniswap"
	"github.com/recurswap/keeperd/internal/pricing"
	"github.com/recurswap/keeperd/internal/routing"
	"github.com/recurswap/keeperd/internal/store/memory"
	"github.com/recurswap/keeperd/internal/store/postgres"
)

// Dependencies bundles everything the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	PositionStore domain.PositionStore
	EventStore    domain.EventStore

	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	Custodian domain.Custodian
	Network   domain.NetworkCostSource
	Ownership *ownership.Registry

	Prices *pricing.Service
	Routes *routing.Registry
	Ledger *ledger.Ledger
	Engine *engine.Engine

	Archiver *keeper.Archiver
	Notifier *notify.Notifier
}

// defaultFeeTiers is the launch fee schedule: 30 bps under $1k notional,
// 20 bps under $10k, 10 bps above.
func defaultFeeTiers() []domain.FeeTier {
	usd := func(n int64) *big.Int {
		return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(domain.USDDecimals), nil))
	}
	return []domain.FeeTier{
		{MaxNotionalUSD: usd(1_000), Bps: 30},
		{MaxNotionalUSD: usd(10_000), Bps: 20},
		{MaxNotionalUSD: nil, Bps: 10},
	}
}

// needsChain reports whether the mode submits transactions and therefore
// requires an RPC endpoint plus signing key.
func needsChain(mode string) bool {
	return mode == "keeper" || mode == "full"
}

// Wire constructs all concrete dependency implementations from cfg and
// returns them with a cleanup function for shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Redis: signal bus, price cache, rate limiter ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- Storage ---
	switch cfg.Storage {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.PositionStore = postgres.NewPositionStore(pool)
		deps.EventStore = postgres.NewEventStore(pool)
		deps.LockManager = redis.NewLockManager(redisClient)

	case "memory":
		deps.PositionStore = memory.NewPositionStore()
		deps.EventStore = memory.NewEventStore()
		deps.LockManager = lock.NewLocal()

	default:
		cleanup()
		return nil, nil, fmt.Errorf("wire: unknown storage %q", cfg.Storage)
	}

	// --- Signing key and custody ---
	var signingKey string
	if needsChain(cfg.Mode) {
		signingKey, err = crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: signing key: %w", err)
		}

		wallet, err := custody.NewWallet(cfg.Chain.RPCURL, signingKey, cfg.Chain.ChainID, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: custody wallet: %w", err)
		}
		deps.Custodian = wallet
	} else {
		// Server-only deployments read state but never move funds.
		deps.Custodian = custody.NewMemory(common.Address{})
	}

	// --- Oracles ---
	var twap domain.TwapSource
	if cfg.Chain.RPCURL != "" {
		feedClient, err := chainlink.NewFeedClient(cfg.Chain.RPCURL, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: chainlink: %w", err)
		}
		closers = append(closers, feedClient.Close)
		deps.Network = chainlink.NewGasEstimator(feedClient)

		oracle, err := uniswap.NewTwapOracle(cfg.Chain.RPCURL)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: uniswap twap: %w", err)
		}
		closers = append(closers, oracle.Close)
		for _, p := range cfg.Pricing.Pools {
			oracle.RegisterPool(
				common.HexToAddress(p.AssetIn),
				common.HexToAddress(p.AssetOut),
				common.HexToAddress(p.Pool),
				p.Inverted,
				uint8(p.DecimalsIn),
				uint8(p.DecimalsOut),
			)
		}
		twap = oracle

		deps.Prices = pricing.NewService(twap, deps.PriceCache, logger)
		for _, f := range cfg.Pricing.Feeds {
			feed, err := feedClient.Register(ctx, common.HexToAddress(f.Asset), common.HexToAddress(f.Aggregator))
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: register feed %s: %w", f.Asset, err)
			}
			if err := deps.Prices.RegisterFeed(common.HexToAddress(f.Asset), feed); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: register feed %s: %w", f.Asset, err)
			}
		}
	} else {
		deps.Prices = pricing.NewService(nil, deps.PriceCache, logger)
	}
	deps.Prices.SetMaxStaleness(cfg.Pricing.MaxStaleness.Duration)

	// --- Ledger ---
	deps.Ownership = ownership.NewRegistry()

	protocol := domain.ProtocolConfig{
		FeeTiers:          defaultFeeTiers(),
		GasPremiumBps:     uint32(cfg.Protocol.GasPremiumBps),
		FeeCollector:      common.HexToAddress(cfg.Protocol.FeeCollector),
		PublicGracePeriod: cfg.Protocol.PublicGracePeriod.Duration,
		PublicTipBps:      uint32(cfg.Protocol.PublicTipBps),
	}
	if protocol.FixedExecutionFeeUSD, err = parseUSD(cfg.Protocol.FixedExecutionFeeUSD); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: fixed_execution_fee_usd: %w", err)
	}

	breaker := domain.BreakerState{
		MaxPositionsPerOwner: cfg.Breaker.MaxPositionsPerOwner,
		MaxGlobalPositions:   cfg.Breaker.MaxGlobalPositions,
		MaxPriceMoveBps:      uint32(cfg.Breaker.MaxPriceMoveBps),
		EmergencyDelay:       cfg.Breaker.EmergencyDelay.Duration,
	}
	if breaker.MinPositionUSD, err = parseUSD(cfg.Breaker.MinPositionUSD); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: min_position_usd: %w", err)
	}
	if breaker.DailyVolumeCapUSD, err = parseUSD(cfg.Breaker.DailyVolumeCapUSD); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: daily_volume_cap_usd: %w", err)
	}

	deps.Ledger = ledger.New(
		deps.PositionStore,
		deps.EventStore,
		deps.SignalBus,
		deps.LockManager,
		deps.Ownership,
		deps.Custodian,
		deps.Prices,
		protocol,
		breaker,
		logger,
	)
	deps.Ownership.Bind(deps.Ledger)

	for _, raw := range cfg.Protocol.QuoteAssets {
		if !common.IsHexAddress(raw) {
			cleanup()
			return nil, nil, fmt.Errorf("wire: invalid quote asset %q", raw)
		}
		deps.Ledger.AllowQuoteAsset(ctx, common.HexToAddress(raw))
	}

	if err := deps.Ledger.Restore(ctx); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: restore ledger: %w", err)
	}

	// --- Trade routes ---
	deps.Routes = routing.NewRegistry()
	if needsChain(cfg.Mode) {
		if cfg.Chain.UniswapRouter != "" {
			adapter, err := uniswap.NewAdapter(
				cfg.Chain.RPCURL,
				common.HexToAddress(cfg.Chain.UniswapRouter),
				signingKey,
				cfg.Chain.ChainID,
				logger,
			)
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: uniswap adapter: %w", err)
			}
			if err := deps.Routes.AddAdapter(domain.VenueUniswapV3, adapter); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: uniswap adapter: %w", err)
			}
		}
		if cfg.Chain.CowAPIURL != "" {
			cowAdapter := cow.NewAdapter(cfg.Chain.CowAPIURL, deps.Custodian.Address(), logger)
			if err := deps.Routes.AddAdapter(domain.VenueCowProtocol, cowAdapter); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: cow adapter: %w", err)
			}
		}
	}

	// --- Engine ---
	deps.Engine = engine.New(
		deps.Ledger,
		deps.Prices,
		deps.Routes,
		deps.LockManager,
		deps.Custodian,
		deps.Network,
		deps.EventStore,
		deps.SignalBus,
		logger,
	)

	// --- S3 cold storage ---
	if cfg.S3.Bucket != "" {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		writer := s3blob.NewWriter(s3Client)
		blobArchiver := s3blob.NewArchiver(writer, deps.EventStore)
		deps.Archiver = keeper.NewArchiver(blobArchiver, cfg.Keeper.ArchiveRetentionDays, logger)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// parseUSD parses a decimal string at protocol USD precision. Empty and "0"
// both mean unset.
func parseUSD(raw string) (*big.Int, error) {
	if raw == "" || raw == "0" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid USD amount %q", raw)
	}
	return v, nil
}
