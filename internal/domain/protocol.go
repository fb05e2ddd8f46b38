package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// USDDecimals is the protocol-wide precision for USD-denominated values.
// Oracle prices are rescaled from their feed precision to this before any
// comparison or fee arithmetic.
const USDDecimals = 18

// BpsDenominator converts basis points to a fraction: 10_000 bps = 100%.
const BpsDenominator = 10_000

// FeeTier maps a notional bracket to a protocol fee rate. Tiers are ordered
// by ascending MaxNotionalUSD; a nil bound marks the open-ended top bracket.
type FeeTier struct {
	MaxNotionalUSD *big.Int
	Bps            uint32
}

// ProtocolConfig is the fee and caller-incentive configuration, mutated only
// through the authorization-gated admin surface.
type ProtocolConfig struct {
	FeeTiers             []FeeTier
	FixedExecutionFeeUSD *big.Int
	GasPremiumBps        uint32
	FeeCollector         common.Address
	DefaultReferralBps   uint32

	// Unprivileged callers may execute a due position only after this grace
	// period past NextExecAt, and receive PublicTipBps of the protocol fee.
	PublicGracePeriod time.Duration
	PublicTipBps      uint32
}

// TierBpsFor returns the fee rate for the given USD notional.
func (c ProtocolConfig) TierBpsFor(notionalUSD *big.Int) uint32 {
	for _, t := range c.FeeTiers {
		if t.MaxNotionalUSD == nil || notionalUSD.Cmp(t.MaxNotionalUSD) < 0 {
			return t.Bps
		}
	}
	if n := len(c.FeeTiers); n > 0 {
		return c.FeeTiers[n-1].Bps
	}
	return 0
}

// BreakerState holds the global circuit-breaker limits. ActivePositions is a
// best-effort counter, not a derived value: natural expiry does not decrement
// it, and the admin reconcile operation corrects drift.
type BreakerState struct {
	GlobalPause          bool
	MaxPositionsPerOwner int
	MaxGlobalPositions   int
	MinPositionUSD       *big.Int
	DailyVolumeCapUSD    *big.Int
	MaxPriceMoveBps      uint32
	EmergencyDelay       time.Duration
}
