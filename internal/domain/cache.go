package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PriceCache provides fast access to the latest resolved reference prices.
type PriceCache interface {
	SetPrice(ctx context.Context, asset common.Address, price *big.Int, ts time.Time) error
	GetPrice(ctx context.Context, asset common.Address) (*big.Int, time.Time, error)
}

// LockManager provides exclusive, call-scoped locks. Acquire fails fast with
// ErrLockHeld instead of blocking, which is what defeats reentrancy: a
// nested attempt on the same key from within an external call cannot
// proceed.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter throttles callers of the public execution surface.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// StreamMessage is a single entry read back from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub fan-out of telemetry and durable streams for
// indexers that need replay.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
