package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Venue identifies an external liquidity source reachable through its
// registered trade adapter. The set is closed: routing dispatches over these
// identifiers only.
type Venue string

const (
	// VenueUniswapV3 is the default low-latency route.
	VenueUniswapV3 Venue = "uniswap_v3"
	// VenueCowProtocol batches orders off-chain; preferred for size because
	// of its minimal price impact, and inherently MEV-protected.
	VenueCowProtocol Venue = "cow_protocol"
	// VenueOneInch aggregates across pools.
	VenueOneInch Venue = "oneinch"
)

// Valid reports whether v is a recognized venue identifier.
func (v Venue) Valid() bool {
	switch v {
	case VenueUniswapV3, VenueCowProtocol, VenueOneInch:
		return true
	}
	return false
}

// SwapRequest carries everything a trade adapter needs for one exact-input
// swap. MinAmountOut already has the position's slippage tolerance applied.
type SwapRequest struct {
	AssetIn      common.Address
	AssetOut     common.Address
	AmountIn     *big.Int
	MinAmountOut *big.Int
	Recipient    common.Address
	MEVProtected bool
}

// TradeAdapter is the venue-agnostic trade-execution capability. The engine
// holds no assumptions about adapter internals beyond this contract: the
// adapter fails when output would be below MinAmountOut or the pair is
// unsupported.
type TradeAdapter interface {
	Venue() Venue
	SwapExactInput(ctx context.Context, req SwapRequest) (*big.Int, error)
}

// ExecStatus is the terminal state of one execution attempt.
type ExecStatus string

const (
	ExecStatusExecuted ExecStatus = "executed"
	ExecStatusSkipped  ExecStatus = "skipped"
	ExecStatusFailed   ExecStatus = "failed"
)

// Guard-skip reason strings. These are recorded in telemetry and surfaced to
// callers verbatim, so they are stable identifiers, not free text.
const (
	SkipNotFound         = "position not found"
	SkipGlobalPause      = "global pause"
	SkipNotDue           = "not due"
	SkipExpired          = "position expired"
	SkipPaused           = "position paused"
	SkipInsufficientFund = "insufficient escrow balance"
	SkipPublicGrace      = "public grace period not reached"
	SkipOracleStale      = "oracle stale"
	SkipTwapWindow       = "twap window below minimum"
	SkipNetworkCost      = "network cost above cap"
	SkipPriceAboveCap    = "price above cap"
	SkipPriceBelowFloor  = "price below floor"
	SkipDepegged         = "quote asset depegged"
	SkipPriceDeviation   = "price deviation above limit"
	SkipDailyVolumeCap   = "daily volume cap reached"
)

// FeeBreakdown itemizes the charges applied to one settlement. ProtocolFee
// and ExecutionFee are denominated in the spend asset; CallerTip is carved
// out of the protocol fee for unprivileged callers.
type FeeBreakdown struct {
	ProtocolFee  *big.Int
	ExecutionFee *big.Int
	CallerTip    *big.Int
	TierBps      uint32
}

// Outcome is the structured result of one execution attempt. A skipped
// attempt is not an error: the position stays scheduled and the reason is
// recorded for telemetry.
type Outcome struct {
	PositionID  PositionID
	Status      ExecStatus
	SkipReason  string
	Venue       Venue
	AmountIn    *big.Int
	AmountOut   *big.Int
	NotionalUSD *big.Int
	Fees        FeeBreakdown
	NextExecAt  time.Time
}

// Skipped returns an Outcome recording a guard skip.
func Skipped(id PositionID, reason string) Outcome {
	return Outcome{PositionID: id, Status: ExecStatusSkipped, SkipReason: reason}
}
