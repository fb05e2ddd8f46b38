// Package pricing implements the price aggregation service: a per-asset feed
// registry, staleness and deviation verdicts, depeg detection, TWAP lookups,
// and exact USD conversion.
package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/recurswap/keeperd/internal/domain"
)

// DefaultMaxStaleness is the window within which an oracle reading counts as
// fresh unless reconfigured.
const DefaultMaxStaleness = 1800 * time.Second

// Service resolves reference prices for registered assets. One feed per
// asset; registration is admin-gated at the transport layer.
type Service struct {
	mu           sync.RWMutex
	feeds        map[common.Address]domain.PriceFeed
	maxStaleness time.Duration

	twap  domain.TwapSource
	cache domain.PriceCache // optional write-through, may be nil

	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a pricing Service. twap and cache may be nil when the
// deployment has no TWAP source or no cache layer.
func NewService(twap domain.TwapSource, cache domain.PriceCache, logger *slog.Logger) *Service {
	return &Service{
		feeds:        make(map[common.Address]domain.PriceFeed),
		maxStaleness: DefaultMaxStaleness,
		twap:         twap,
		cache:        cache,
		now:          time.Now,
		logger:       logger.With(slog.String("component", "pricing")),
	}
}

// RegisterFeed registers a feed for an asset. It fails when the asset
// already has one.
func (s *Service) RegisterFeed(asset common.Address, feed domain.PriceFeed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.feeds[asset]; ok {
		return fmt.Errorf("%w: feed for %s already registered", domain.ErrValidation, asset.Hex())
	}
	s.feeds[asset] = feed
	return nil
}

// UpdateFeed replaces the feed for an already-registered asset.
func (s *Service) UpdateFeed(asset common.Address, feed domain.PriceFeed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.feeds[asset]; !ok {
		return fmt.Errorf("pricing: update feed for %s: %w", asset.Hex(), domain.ErrFeedMissing)
	}
	s.feeds[asset] = feed
	return nil
}

// RemoveFeed unregisters the feed for an asset.
func (s *Service) RemoveFeed(asset common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.feeds[asset]; !ok {
		return fmt.Errorf("pricing: remove feed for %s: %w", asset.Hex(), domain.ErrFeedMissing)
	}
	delete(s.feeds, asset)
	return nil
}

// HasFeed reports whether a feed is registered for the asset.
func (s *Service) HasFeed(asset common.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.feeds[asset]
	return ok
}

// SetMaxStaleness reconfigures the freshness window.
func (s *Service) SetMaxStaleness(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.maxStaleness = d
	}
}

// MaxStaleness returns the configured freshness window.
func (s *Service) MaxStaleness() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxStaleness
}

// GetPrice resolves the latest reference price for an asset. It fails with
// ErrFeedMissing when no feed is registered.
func (s *Service) GetPrice(ctx context.Context, asset common.Address) (domain.PriceSample, error) {
	s.mu.RLock()
	feed, ok := s.feeds[asset]
	s.mu.RUnlock()
	if !ok {
		return domain.PriceSample{}, fmt.Errorf("pricing: get price for %s: %w", asset.Hex(), domain.ErrFeedMissing)
	}

	sample, err := feed.Latest(ctx)
	if err != nil {
		return domain.PriceSample{}, fmt.Errorf("pricing: read feed for %s: %w", asset.Hex(), err)
	}

	if s.cache != nil {
		if cacheErr := s.cache.SetPrice(ctx, asset, sample.Price, sample.UpdatedAt); cacheErr != nil {
			s.logger.WarnContext(ctx, "pricing: cache write failed",
				slog.String("asset", asset.Hex()),
				slog.String("error", cacheErr.Error()),
			)
		}
	}

	return sample, nil
}

// IsFresh reports whether a feed timestamp falls within the staleness
// window. A future timestamp (oracle clock ahead of ours) counts as fresh.
func (s *Service) IsFresh(updatedAt time.Time) bool {
	now := s.now()
	if updatedAt.After(now) {
		return true
	}
	return now.Sub(updatedAt) <= s.MaxStaleness()
}

// IsDepegged compares the asset's price against the fixed $1 peg using the
// symmetric deviation function.
func (s *Service) IsDepegged(ctx context.Context, asset common.Address, thresholdBps uint32) (bool, error) {
	sample, err := s.GetPrice(ctx, asset)
	if err != nil {
		return false, err
	}
	peg := pow10(sample.Decimals) // $1 at feed precision
	return DeviationBps(sample.Price, peg) > thresholdBps, nil
}

// TWAP delegates to the external windowed-average source.
func (s *Service) TWAP(ctx context.Context, assetIn, assetOut common.Address, window time.Duration) (*big.Int, error) {
	if window <= 0 {
		return nil, fmt.Errorf("%w: twap window must be positive", domain.ErrValidation)
	}
	if s.twap == nil {
		return nil, fmt.Errorf("pricing: twap source: %w", domain.ErrConfiguration)
	}
	price, err := s.twap.TWAP(ctx, assetIn, assetOut, window)
	if err != nil {
		return nil, fmt.Errorf("pricing: twap %s/%s: %w", assetIn.Hex(), assetOut.Hex(), err)
	}
	return price, nil
}

// UsdValue resolves the asset's price and converts amount to protocol USD
// precision.
func (s *Service) UsdValue(ctx context.Context, asset common.Address, amount *big.Int, tokenDecimals uint8) (*big.Int, error) {
	sample, err := s.GetPrice(ctx, asset)
	if err != nil {
		return nil, err
	}
	return UsdValue(amount, tokenDecimals, sample), nil
}
