package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PositionID identifies a recurring position. IDs are allocated by the ledger
// and are never reused.
type PositionID uint64

// Frequency is the fixed execution cadence of a position.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Interval returns the fixed schedule interval for the frequency. Missed
// periods are not compounded; the schedule resumes one interval from the
// actual execution time.
func (f Frequency) Interval() time.Duration {
	switch f {
	case FrequencyDaily:
		return 24 * time.Hour
	case FrequencyWeekly:
		return 7 * 24 * time.Hour
	case FrequencyMonthly:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether f is a recognized frequency.
func (f Frequency) Valid() bool {
	return f.Interval() > 0
}

// Direction indicates which side of the pair a position accumulates.
type Direction string

const (
	// DirectionBuy spends the quote asset to accumulate the base asset.
	DirectionBuy Direction = "buy"
	// DirectionSell spends the base asset to accumulate the quote asset.
	DirectionSell Direction = "sell"
)

// Position is the authoritative record of one recurring strategy: schedule,
// guard parameters, escrowed balances, and lifecycle state. Positions are
// never deleted; a canceled position remains addressable so residual balances
// can still be withdrawn.
type Position struct {
	ID          PositionID
	Owner       common.Address
	Beneficiary common.Address

	QuoteAsset    common.Address
	BaseAsset     common.Address
	QuoteDecimals uint8
	BaseDecimals  uint8

	Direction       Direction
	AmountPerPeriod *big.Int // spend-asset base units per execution

	// Optional USD price guards at protocol USD precision. Nil means unset.
	PriceFloor *big.Int
	PriceCap   *big.Int

	StartAt    time.Time
	EndAt      time.Time // zero = open-ended
	NextExecAt time.Time
	Frequency  Frequency

	SlippageBps     uint32
	MaxDeviationBps uint32
	TwapWindow      time.Duration
	MaxBaseFeeWei   *big.Int // zero or nil = uncapped
	MaxTipWei       *big.Int

	Venue        Venue // empty = automatic route selection
	MEVProtected bool

	Paused   bool
	Canceled bool
	PausedAt time.Time

	// EmergencyUnlockAt is armed on the first pause (or first emergency-exit
	// call) and is never rearmed or cleared by pause/resume cycling. Only a
	// successful emergency exit consumes it.
	EmergencyUnlockAt time.Time

	ExecNonce       uint64
	PeriodsExecuted uint64

	QuoteBalance *big.Int
	BaseBalance  *big.Int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SpendAsset returns the asset debited on each execution.
func (p *Position) SpendAsset() common.Address {
	if p.Direction == DirectionSell {
		return p.BaseAsset
	}
	return p.QuoteAsset
}

// ReceiveAsset returns the asset credited with trade proceeds.
func (p *Position) ReceiveAsset() common.Address {
	if p.Direction == DirectionSell {
		return p.QuoteAsset
	}
	return p.BaseAsset
}

// SpendDecimals returns the decimals of the spend asset.
func (p *Position) SpendDecimals() uint8 {
	if p.Direction == DirectionSell {
		return p.BaseDecimals
	}
	return p.QuoteDecimals
}

// SpendBalance returns the escrowed balance of the spend asset.
func (p *Position) SpendBalance() *big.Int {
	if p.Direction == DirectionSell {
		return p.BaseBalance
	}
	return p.QuoteBalance
}

// Active reports whether the position is executable in principle: created,
// not paused, not canceled.
func (p *Position) Active() bool {
	return !p.Paused && !p.Canceled
}

// Expired reports whether the position's schedule has run past its end.
func (p *Position) Expired(now time.Time) bool {
	return !p.EndAt.IsZero() && now.After(p.EndAt)
}

// BalanceOf returns the escrowed balance for the given asset, or nil when the
// asset is neither side of the pair.
func (p *Position) BalanceOf(asset common.Address) *big.Int {
	switch asset {
	case p.QuoteAsset:
		return p.QuoteBalance
	case p.BaseAsset:
		return p.BaseBalance
	}
	return nil
}

// SetBalance overwrites the escrowed balance for the given asset. It is a
// no-op for assets outside the pair.
func (p *Position) SetBalance(asset common.Address, amount *big.Int) {
	switch asset {
	case p.QuoteAsset:
		p.QuoteBalance = amount
	case p.BaseAsset:
		p.BaseBalance = amount
	}
}
