package redis

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/recurswap/keeperd/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each asset's
// resolved price is stored at key "price:{address}" with fields "price" (a
// decimal string, integer at feed precision) and "ts" (Unix nanoseconds).
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceKey(asset common.Address) string {
	return "price:" + strings.ToLower(asset.Hex())
}

// SetPrice stores the latest resolved price and timestamp for an asset.
func (pc *PriceCache) SetPrice(ctx context.Context, asset common.Address, price *big.Int, ts time.Time) error {
	key := priceKey(asset)
	fields := map[string]interface{}{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", asset.Hex(), err)
	}
	return nil
}

// GetPrice retrieves the latest resolved price and timestamp for an asset.
// It returns domain.ErrNotFound when no price has been cached.
func (pc *PriceCache) GetPrice(ctx context.Context, asset common.Address) (*big.Int, time.Time, error) {
	key := priceKey(asset)
	vals, err := pc.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("redis: get price %s: %w", asset.Hex(), err)
	}
	if len(vals) == 0 {
		return nil, time.Time{}, fmt.Errorf("%w: price for %s", domain.ErrNotFound, asset.Hex())
	}

	priceStr, ok := vals["price"]
	if !ok {
		return nil, time.Time{}, fmt.Errorf("%w: price for %s", domain.ErrNotFound, asset.Hex())
	}
	price, ok := new(big.Int).SetString(priceStr, 10)
	if !ok {
		return nil, time.Time{}, fmt.Errorf("redis: parse price %s: malformed %q", asset.Hex(), priceStr)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return nil, time.Time{}, fmt.Errorf("%w: price for %s", domain.ErrNotFound, asset.Hex())
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", asset.Hex(), err)
	}

	return price, time.Unix(0, tsNano), nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
