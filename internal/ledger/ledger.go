// Package ledger implements the position ledger: the authoritative state,
// balance accounting, and ownership index for every recurring position.
// Positions move Active ⇄ Paused → Canceled, with a two-step, time-delayed
// emergency-exit path out of Paused. Canceled positions are never deleted so
// residual balances stay withdrawable.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/recurswap/keeperd/internal/domain"
	"github.com/recurswap/keeperd/internal/pricing"
)

const (
	// MaxSlippageBps is the protocol-wide ceiling on a position's slippage
	// tolerance.
	MaxSlippageBps = 1000

	// DefaultTwapWindow is applied when a position is created without an
	// explicit TWAP window.
	DefaultTwapWindow = time.Hour

	// lockTTL bounds how long a mutating operation may hold the exclusive
	// position lock, external calls included.
	lockTTL = 30 * time.Second
)

// ExecLockKey is the exclusive-lock key for a position. The settlement engine
// and every fund-moving ledger operation contend on the same key, so a
// reentrant attempt from within an external call fails immediately instead
// of proceeding.
func ExecLockKey(id domain.PositionID) string {
	return fmt.Sprintf("position:%d", id)
}

// Ledger owns position records, escrowed balances, the owner index, and the
// global circuit-breaker counters.
type Ledger struct {
	store     domain.PositionStore
	events    domain.EventStore
	bus       domain.SignalBus
	locks     domain.LockManager
	token     domain.OwnershipToken
	custodian domain.Custodian
	prices    *pricing.Service

	index *OwnerIndex

	mu          sync.RWMutex
	protocol    domain.ProtocolConfig
	breaker     domain.BreakerState
	quoteAllow  map[common.Address]bool
	activeCount int

	volDay time.Time // UTC midnight of the day volUSD covers
	volUSD *big.Int

	now    func() time.Time
	logger *slog.Logger
}

// New creates a Ledger. Call Restore before serving traffic so the owner
// index and active counter reflect the stored positions.
func New(
	store domain.PositionStore,
	events domain.EventStore,
	bus domain.SignalBus,
	locks domain.LockManager,
	token domain.OwnershipToken,
	custodian domain.Custodian,
	prices *pricing.Service,
	protocol domain.ProtocolConfig,
	breaker domain.BreakerState,
	logger *slog.Logger,
) *Ledger {
	return &Ledger{
		store:      store,
		events:     events,
		bus:        bus,
		locks:      locks,
		token:      token,
		custodian:  custodian,
		prices:     prices,
		index:      NewOwnerIndex(),
		protocol:   protocol,
		breaker:    breaker,
		quoteAllow: make(map[common.Address]bool),
		volUSD:     new(big.Int),
		now:        time.Now,
		logger:     logger.With(slog.String("component", "ledger")),
	}
}

// Restore rebuilds the owner index and the active-position counter from the
// store. Canceled positions are excluded from both.
func (l *Ledger) Restore(ctx context.Context) error {
	positions, err := l.store.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("ledger: restore: %w", err)
	}

	active := 0
	for _, p := range positions {
		if p.Canceled {
			continue
		}
		l.index.Insert(p.Owner, p.ID)
		active++
	}

	l.mu.Lock()
	l.activeCount = active
	l.mu.Unlock()

	l.logger.InfoContext(ctx, "ledger: state restored",
		slog.Int("positions", len(positions)),
		slog.Int("active", active),
	)
	return nil
}

// CreateParams carries everything needed to register a position.
type CreateParams struct {
	Owner           common.Address
	Beneficiary     common.Address
	QuoteAsset      common.Address
	BaseAsset       common.Address
	QuoteDecimals   uint8
	BaseDecimals    uint8
	Direction       domain.Direction
	AmountPerPeriod *big.Int
	PriceFloor      *big.Int
	PriceCap        *big.Int
	StartAt         time.Time
	EndAt           time.Time
	Frequency       domain.Frequency
	SlippageBps     uint32
	MaxDeviationBps uint32
	TwapWindow      time.Duration
	MaxBaseFeeWei   *big.Int
	MaxTipWei       *big.Int
	Venue           domain.Venue
	MEVProtected    bool
}

// Create validates params, allocates an id, inserts the position into the
// owner index, bumps the global active counter, and issues the ownership
// certificate. The new position starts with ExecNonce 1 and empty escrow.
func (l *Ledger) Create(ctx context.Context, caller common.Address, params CreateParams) (domain.Position, error) {
	now := l.now()

	if caller != params.Owner {
		return domain.Position{}, fmt.Errorf("%w: caller is not the declared owner", domain.ErrValidation)
	}
	if !l.QuoteAllowed(params.QuoteAsset) {
		return domain.Position{}, fmt.Errorf("%w: quote asset %s not allow-listed", domain.ErrValidation, params.QuoteAsset.Hex())
	}
	if params.QuoteAsset == params.BaseAsset {
		return domain.Position{}, fmt.Errorf("%w: quote and base asset must differ", domain.ErrValidation)
	}
	if params.Direction != domain.DirectionBuy && params.Direction != domain.DirectionSell {
		return domain.Position{}, fmt.Errorf("%w: unknown direction %q", domain.ErrValidation, params.Direction)
	}
	if !params.Frequency.Valid() {
		return domain.Position{}, fmt.Errorf("%w: unknown frequency %q", domain.ErrValidation, params.Frequency)
	}
	if params.AmountPerPeriod == nil || params.AmountPerPeriod.Sign() <= 0 {
		return domain.Position{}, fmt.Errorf("%w: amount per period must be positive", domain.ErrValidation)
	}
	if params.SlippageBps > MaxSlippageBps {
		return domain.Position{}, fmt.Errorf("%w: slippage %d bps above protocol max %d", domain.ErrValidation, params.SlippageBps, MaxSlippageBps)
	}
	if !params.StartAt.After(now) {
		return domain.Position{}, fmt.Errorf("%w: start time must be in the future", domain.ErrValidation)
	}
	if !params.EndAt.IsZero() && !params.EndAt.After(params.StartAt) {
		return domain.Position{}, fmt.Errorf("%w: end time must follow start time", domain.ErrValidation)
	}
	if params.Venue != "" && !params.Venue.Valid() {
		return domain.Position{}, fmt.Errorf("%w: unknown venue %q", domain.ErrValidation, params.Venue)
	}

	breaker := l.Breaker()
	if breaker.MaxPositionsPerOwner > 0 && l.index.Count(params.Owner) >= breaker.MaxPositionsPerOwner {
		return domain.Position{}, fmt.Errorf("%w: owner at position cap %d", domain.ErrValidation, breaker.MaxPositionsPerOwner)
	}
	if breaker.MaxGlobalPositions > 0 && l.ActiveCount() >= breaker.MaxGlobalPositions {
		return domain.Position{}, fmt.Errorf("%w: global active position cap reached", domain.ErrValidation)
	}

	if breaker.MinPositionUSD != nil && breaker.MinPositionUSD.Sign() > 0 {
		spendAsset := params.QuoteAsset
		spendDecimals := params.QuoteDecimals
		if params.Direction == domain.DirectionSell {
			spendAsset = params.BaseAsset
			spendDecimals = params.BaseDecimals
		}
		usd, err := l.prices.UsdValue(ctx, spendAsset, params.AmountPerPeriod, spendDecimals)
		if err != nil {
			return domain.Position{}, fmt.Errorf("ledger: min size check: %w", err)
		}
		if usd.Cmp(breaker.MinPositionUSD) < 0 {
			return domain.Position{}, fmt.Errorf("%w: position size below minimum", domain.ErrValidation)
		}
	}

	if params.TwapWindow <= 0 {
		params.TwapWindow = DefaultTwapWindow
	}

	id, err := l.store.NextID(ctx)
	if err != nil {
		return domain.Position{}, fmt.Errorf("ledger: allocate id: %w", err)
	}

	pos := domain.Position{
		ID:              id,
		Owner:           params.Owner,
		Beneficiary:     params.Beneficiary,
		QuoteAsset:      params.QuoteAsset,
		BaseAsset:       params.BaseAsset,
		QuoteDecimals:   params.QuoteDecimals,
		BaseDecimals:    params.BaseDecimals,
		Direction:       params.Direction,
		AmountPerPeriod: new(big.Int).Set(params.AmountPerPeriod),
		PriceFloor:      cloneBig(params.PriceFloor),
		PriceCap:        cloneBig(params.PriceCap),
		StartAt:         params.StartAt,
		EndAt:           params.EndAt,
		NextExecAt:      params.StartAt,
		Frequency:       params.Frequency,
		SlippageBps:     params.SlippageBps,
		MaxDeviationBps: params.MaxDeviationBps,
		TwapWindow:      params.TwapWindow,
		MaxBaseFeeWei:   cloneBig(params.MaxBaseFeeWei),
		MaxTipWei:       cloneBig(params.MaxTipWei),
		Venue:           params.Venue,
		MEVProtected:    params.MEVProtected,
		ExecNonce:       1,
		QuoteBalance:    new(big.Int),
		BaseBalance:     new(big.Int),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := l.store.Create(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("ledger: create position %d: %w", id, err)
	}

	if err := l.token.Issue(ctx, pos.Owner, id); err != nil {
		// The record exists but carries no funds; close it so the failed
		// create cannot be executed against.
		pos.Canceled = true
		pos.Paused = true
		pos.EndAt = now
		if updErr := l.store.Update(ctx, pos); updErr != nil {
			l.logger.ErrorContext(ctx, "ledger: close position after issue failure",
				slog.Uint64("position_id", uint64(id)),
				slog.String("error", updErr.Error()),
			)
		}
		return domain.Position{}, fmt.Errorf("ledger: issue ownership token for %d: %w", id, err)
	}

	l.index.Insert(pos.Owner, id)
	l.mu.Lock()
	l.activeCount++
	l.mu.Unlock()

	l.emit(ctx, domain.EventPositionCreated, id, map[string]any{
		"owner":             pos.Owner.Hex(),
		"beneficiary":       pos.Beneficiary.Hex(),
		"quote_asset":       pos.QuoteAsset.Hex(),
		"base_asset":        pos.BaseAsset.Hex(),
		"direction":         string(pos.Direction),
		"amount_per_period": pos.AmountPerPeriod.String(),
		"frequency":         string(pos.Frequency),
		"start_at":          pos.StartAt.UTC().Format(time.RFC3339),
		"venue":             string(pos.Venue),
	})

	l.logger.InfoContext(ctx, "ledger: position created",
		slog.Uint64("position_id", uint64(id)),
		slog.String("owner", pos.Owner.Hex()),
		slog.String("direction", string(pos.Direction)),
	)

	return pos, nil
}

// ModifyParams lists the mutable fields of a position. Nil pointer fields
// are left unchanged; ClearPriceFloor/Cap explicitly unset the guards.
type ModifyParams struct {
	SlippageBps     *uint32
	MaxDeviationBps *uint32
	MaxBaseFeeWei   *big.Int
	MaxTipWei       *big.Int
	PriceFloor      *big.Int
	PriceCap        *big.Int
	ClearPriceFloor bool
	ClearPriceCap   bool
	Beneficiary     *common.Address
	Venue           *domain.Venue
	MEVProtected    *bool
}

// Modify updates the documented mutable fields and bumps the exec nonce.
// Only the owner may modify, and canceled positions are immutable.
func (l *Ledger) Modify(ctx context.Context, caller common.Address, id domain.PositionID, params ModifyParams) (domain.Position, error) {
	unlock, err := l.locks.Acquire(ctx, ExecLockKey(id), lockTTL)
	if err != nil {
		return domain.Position{}, fmt.Errorf("ledger: modify %d: %w", id, err)
	}
	defer unlock()

	pos, err := l.store.Get(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("ledger: modify %d: %w", id, err)
	}
	if pos.Canceled {
		return domain.Position{}, fmt.Errorf("%w: position %d is canceled", domain.ErrStateConflict, id)
	}
	if caller != pos.Owner {
		return domain.Position{}, fmt.Errorf("%w: caller is not the owner", domain.ErrStateConflict)
	}

	changed := map[string]any{}

	if params.SlippageBps != nil {
		if *params.SlippageBps > MaxSlippageBps {
			return domain.Position{}, fmt.Errorf("%w: slippage %d bps above protocol max %d", domain.ErrValidation, *params.SlippageBps, MaxSlippageBps)
		}
		pos.SlippageBps = *params.SlippageBps
		changed["slippage_bps"] = *params.SlippageBps
	}
	if params.MaxDeviationBps != nil {
		pos.MaxDeviationBps = *params.MaxDeviationBps
		changed["max_deviation_bps"] = *params.MaxDeviationBps
	}
	if params.MaxBaseFeeWei != nil {
		pos.MaxBaseFeeWei = new(big.Int).Set(params.MaxBaseFeeWei)
		changed["max_base_fee_wei"] = params.MaxBaseFeeWei.String()
	}
	if params.MaxTipWei != nil {
		pos.MaxTipWei = new(big.Int).Set(params.MaxTipWei)
		changed["max_tip_wei"] = params.MaxTipWei.String()
	}
	if params.ClearPriceFloor {
		pos.PriceFloor = nil
		changed["price_floor"] = nil
	} else if params.PriceFloor != nil {
		pos.PriceFloor = new(big.Int).Set(params.PriceFloor)
		changed["price_floor"] = params.PriceFloor.String()
	}
	if params.ClearPriceCap {
		pos.PriceCap = nil
		changed["price_cap"] = nil
	} else if params.PriceCap != nil {
		pos.PriceCap = new(big.Int).Set(params.PriceCap)
		changed["price_cap"] = params.PriceCap.String()
	}
	if params.Beneficiary != nil {
		pos.Beneficiary = *params.Beneficiary
		changed["beneficiary"] = params.Beneficiary.Hex()
	}
	if params.Venue != nil {
		if *params.Venue != "" && !params.Venue.Valid() {
			return domain.Position{}, fmt.Errorf("%w: unknown venue %q", domain.ErrValidation, *params.Venue)
		}
		pos.Venue = *params.Venue
		changed["venue"] = string(*params.Venue)
	}
	if params.MEVProtected != nil {
		pos.MEVProtected = *params.MEVProtected
		changed["mev_protected"] = *params.MEVProtected
	}

	pos.ExecNonce++
	pos.UpdatedAt = l.now()

	if err := l.store.Update(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("ledger: modify %d: %w", id, err)
	}

	l.emit(ctx, domain.EventPositionModified, id, changed)
	return pos, nil
}

// Pause suspends execution. The first pause arms the emergency-exit unlock
// timestamp; once armed it survives any number of pause/resume cycles, so
// cycling cannot postpone an emergency exit.
func (l *Ledger) Pause(ctx context.Context, caller common.Address, id domain.PositionID) (domain.Position, error) {
	unlock, err := l.locks.Acquire(ctx, ExecLockKey(id), lockTTL)
	if err != nil {
		return domain.Position{}, fmt.Errorf("ledger: pause %d: %w", id, err)
	}
	defer unlock()

	pos, err := l.store.Get(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("ledger: pause %d: %w", id, err)
	}
	if pos.Canceled {
		return domain.Position{}, fmt.Errorf("%w: position %d is canceled", domain.ErrStateConflict, id)
	}
	if pos.Paused {
		return domain.Position{}, fmt.Errorf("%w: position %d already paused", domain.ErrStateConflict, id)
	}
	if caller != pos.Owner {
		return domain.Position{}, fmt.Errorf("%w: caller is not the owner", domain.ErrStateConflict)
	}

	now := l.now()
	pos.Paused = true
	pos.PausedAt = now
	if pos.EmergencyUnlockAt.IsZero() {
		pos.EmergencyUnlockAt = now.Add(l.Breaker().EmergencyDelay)
	}
	pos.ExecNonce++
	pos.UpdatedAt = now

	if err := l.store.Update(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("ledger: pause %d: %w", id, err)
	}

	l.emit(ctx, domain.EventPositionPaused, id, map[string]any{
		"emergency_unlock_at": pos.EmergencyUnlockAt.UTC().Format(time.RFC3339),
	})
	return pos, nil
}

// Resume clears the pause. The emergency unlock timestamp is deliberately
// left untouched.
func (l *Ledger) Resume(ctx context.Context, caller common.Address, id domain.PositionID) (domain.Position, error) {
	unlock, err := l.locks.Acquire(ctx, ExecLockKey(id), lockTTL)
	if err != nil {
		return domain.Position{}, fmt.Errorf("ledger: resume %d: %w", id, err)
	}
	defer unlock()

	pos, err := l.store.Get(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("ledger: resume %d: %w", id, err)
	}
	if pos.Canceled {
		return domain.Position{}, fmt.Errorf("%w: position %d is canceled", domain.ErrStateConflict, id)
	}
	if !pos.Paused {
		return domain.Position{}, fmt.Errorf("%w: position %d is not paused", domain.ErrStateConflict, id)
	}
	if caller != pos.Owner {
		return domain.Position{}, fmt.Errorf("%w: caller is not the owner", domain.ErrStateConflict)
	}

	pos.Paused = false
	pos.PausedAt = time.Time{}
	pos.ExecNonce++
	pos.UpdatedAt = l.now()

	if err := l.store.Update(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("ledger: resume %d: %w", id, err)
	}

	l.emit(ctx, domain.EventPositionResumed, id, nil)
	return pos, nil
}

// Cancel performs the terminal transition: the position stops scheduling,
// leaves the owner index, releases its ownership certificate, and decrements
// the active counter. Residual balances remain withdrawable.
func (l *Ledger) Cancel(ctx context.Context, caller common.Address, id domain.PositionID) (domain.Position, error) {
	unlock, err := l.locks.Acquire(ctx, ExecLockKey(id), lockTTL)
	if err != nil {
		return domain.Position{}, fmt.Errorf("ledger: cancel %d: %w", id, err)
	}
	defer unlock()

	pos, err := l.store.Get(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("ledger: cancel %d: %w", id, err)
	}
	if pos.Canceled {
		return domain.Position{}, fmt.Errorf("%w: position %d already canceled", domain.ErrStateConflict, id)
	}
	if caller != pos.Owner {
		return domain.Position{}, fmt.Errorf("%w: caller is not the owner", domain.ErrStateConflict)
	}

	if err := l.terminate(ctx, &pos); err != nil {
		return domain.Position{}, fmt.Errorf("ledger: cancel %d: %w", id, err)
	}

	l.emit(ctx, domain.EventPositionCanceled, id, map[string]any{
		"quote_balance": pos.QuoteBalance.String(),
		"base_balance":  pos.BaseBalance.String(),
	})
	return pos, nil
}

// terminate applies the shared terminal transition used by Cancel and the
// emergency exit. The caller holds the position lock.
func (l *Ledger) terminate(ctx context.Context, pos *domain.Position) error {
	now := l.now()
	pos.Paused = true
	pos.Canceled = true
	pos.NextExecAt = time.Time{}
	pos.EndAt = now
	pos.ExecNonce++
	pos.UpdatedAt = now

	if err := l.store.Update(ctx, *pos); err != nil {
		return err
	}

	if err := l.token.Revoke(ctx, pos.ID); err != nil {
		l.logger.WarnContext(ctx, "ledger: revoke ownership token failed",
			slog.Uint64("position_id", uint64(pos.ID)),
			slog.String("error", err.Error()),
		)
	}

	l.index.Remove(pos.ID)

	l.mu.Lock()
	if l.activeCount > 0 {
		l.activeCount--
	}
	l.mu.Unlock()

	return nil
}

// EmergencyExit is the two-phase forced withdrawal path. The position must
// be paused. The first call (unlock timestamp unset) arms the timer and
// fails with ErrEmergencyDelayPending, as does every call before the unlock
// timestamp. After it, both balances are paid out to the owner in full and
// the position takes the terminal transition.
func (l *Ledger) EmergencyExit(ctx context.Context, caller common.Address, id domain.PositionID) (domain.Position, error) {
	unlock, err := l.locks.Acquire(ctx, ExecLockKey(id), lockTTL)
	if err != nil {
		return domain.Position{}, fmt.Errorf("ledger: emergency exit %d: %w", id, err)
	}
	defer unlock()

	pos, err := l.store.Get(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("ledger: emergency exit %d: %w", id, err)
	}
	if pos.Canceled {
		return domain.Position{}, fmt.Errorf("%w: position %d already canceled", domain.ErrStateConflict, id)
	}
	if !pos.Paused {
		return domain.Position{}, fmt.Errorf("%w: position %d is not paused", domain.ErrStateConflict, id)
	}
	if caller != pos.Owner {
		return domain.Position{}, fmt.Errorf("%w: caller is not the owner", domain.ErrStateConflict)
	}

	now := l.now()
	if pos.EmergencyUnlockAt.IsZero() {
		pos.EmergencyUnlockAt = now.Add(l.Breaker().EmergencyDelay)
		pos.ExecNonce++
		pos.UpdatedAt = now
		if err := l.store.Update(ctx, pos); err != nil {
			return domain.Position{}, fmt.Errorf("ledger: arm emergency exit %d: %w", id, err)
		}
		return domain.Position{}, domain.ErrEmergencyDelayPending
	}
	if now.Before(pos.EmergencyUnlockAt) {
		return domain.Position{}, domain.ErrEmergencyDelayPending
	}

	quoteOut := new(big.Int).Set(pos.QuoteBalance)
	baseOut := new(big.Int).Set(pos.BaseBalance)

	if quoteOut.Sign() > 0 {
		if err := l.custodian.Transfer(ctx, pos.QuoteAsset, pos.Owner, quoteOut); err != nil {
			return domain.Position{}, fmt.Errorf("ledger: emergency payout quote for %d: %w", id, err)
		}
	}
	if baseOut.Sign() > 0 {
		if err := l.custodian.Transfer(ctx, pos.BaseAsset, pos.Owner, baseOut); err != nil {
			return domain.Position{}, fmt.Errorf("ledger: emergency payout base for %d: %w", id, err)
		}
	}

	pos.QuoteBalance = new(big.Int)
	pos.BaseBalance = new(big.Int)
	pos.EmergencyUnlockAt = time.Time{}

	if err := l.terminate(ctx, &pos); err != nil {
		return domain.Position{}, fmt.Errorf("ledger: emergency exit %d: %w", id, err)
	}

	l.emit(ctx, domain.EventEmergencyExit, id, map[string]any{
		"quote_paid": quoteOut.String(),
		"base_paid":  baseOut.String(),
	})

	l.logger.InfoContext(ctx, "ledger: emergency exit completed",
		slog.Uint64("position_id", uint64(id)),
		slog.String("quote_paid", quoteOut.String()),
		slog.String("base_paid", baseOut.String()),
	)
	return pos, nil
}

// Deposit credits escrow for one side of the pair. Deposits do not
// participate in execution-concurrency control and leave the exec nonce
// untouched.
func (l *Ledger) Deposit(ctx context.Context, caller common.Address, id domain.PositionID, asset common.Address, amount *big.Int) (domain.Position, error) {
	if amount == nil || amount.Sign() <= 0 {
		return domain.Position{}, fmt.Errorf("%w: deposit amount must be positive", domain.ErrValidation)
	}

	unlock, err := l.locks.Acquire(ctx, ExecLockKey(id), lockTTL)
	if err != nil {
		return domain.Position{}, fmt.Errorf("ledger: deposit %d: %w", id, err)
	}
	defer unlock()

	pos, err := l.store.Get(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("ledger: deposit %d: %w", id, err)
	}
	if pos.Canceled {
		return domain.Position{}, fmt.Errorf("%w: position %d is canceled", domain.ErrStateConflict, id)
	}

	bal := pos.BalanceOf(asset)
	if bal == nil {
		return domain.Position{}, fmt.Errorf("%w: asset %s is not part of the pair", domain.ErrValidation, asset.Hex())
	}
	pos.SetBalance(asset, new(big.Int).Add(bal, amount))
	pos.UpdatedAt = l.now()

	if err := l.store.Update(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("ledger: deposit %d: %w", id, err)
	}

	l.emit(ctx, domain.EventDeposit, id, map[string]any{
		"caller": caller.Hex(),
		"asset":  asset.Hex(),
		"amount": amount.String(),
	})
	return pos, nil
}

// Withdraw debits escrow and pays out through the custodian. Quote-asset
// withdrawals are owner-only; base-asset withdrawals permit the owner or the
// beneficiary. Canceled positions stay withdrawable.
func (l *Ledger) Withdraw(ctx context.Context, caller common.Address, id domain.PositionID, asset common.Address, amount *big.Int, to common.Address) (domain.Position, error) {
	if amount == nil || amount.Sign() <= 0 {
		return domain.Position{}, fmt.Errorf("%w: withdraw amount must be positive", domain.ErrValidation)
	}

	unlock, err := l.locks.Acquire(ctx, ExecLockKey(id), lockTTL)
	if err != nil {
		return domain.Position{}, fmt.Errorf("ledger: withdraw %d: %w", id, err)
	}
	defer unlock()

	pos, err := l.store.Get(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("ledger: withdraw %d: %w", id, err)
	}

	switch asset {
	case pos.QuoteAsset:
		if caller != pos.Owner {
			return domain.Position{}, fmt.Errorf("%w: quote withdrawal requires the owner", domain.ErrStateConflict)
		}
	case pos.BaseAsset:
		if caller != pos.Owner && caller != pos.Beneficiary {
			return domain.Position{}, fmt.Errorf("%w: base withdrawal requires owner or beneficiary", domain.ErrStateConflict)
		}
	default:
		return domain.Position{}, fmt.Errorf("%w: asset %s is not part of the pair", domain.ErrValidation, asset.Hex())
	}

	bal := pos.BalanceOf(asset)
	if bal.Cmp(amount) < 0 {
		return domain.Position{}, fmt.Errorf("ledger: withdraw %d: %w", id, domain.ErrInsufficientBalance)
	}

	if err := l.custodian.Transfer(ctx, asset, to, amount); err != nil {
		return domain.Position{}, fmt.Errorf("ledger: withdraw payout for %d: %w", id, err)
	}

	pos.SetBalance(asset, new(big.Int).Sub(bal, amount))
	pos.UpdatedAt = l.now()

	if err := l.store.Update(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("ledger: withdraw %d: %w", id, err)
	}

	l.emit(ctx, domain.EventWithdraw, id, map[string]any{
		"caller": caller.Hex(),
		"asset":  asset.Hex(),
		"amount": amount.String(),
		"to":     to.Hex(),
	})
	return pos, nil
}

// OnOwnershipTransferred is the ownership-token callback. It detaches the
// position from the previous owner's index; a burn (zero recipient) stops
// there. Otherwise the transfer is accepted only for paused positions whose
// recipient is below the per-owner cap.
func (l *Ledger) OnOwnershipTransferred(ctx context.Context, id domain.PositionID, from, to common.Address) error {
	unlock, err := l.locks.Acquire(ctx, ExecLockKey(id), lockTTL)
	if err != nil {
		return fmt.Errorf("ledger: ownership transfer %d: %w", id, err)
	}
	defer unlock()

	pos, err := l.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("ledger: ownership transfer %d: %w", id, err)
	}

	if owner, ok := l.index.OwnerOf(id); ok && owner == from {
		l.index.Remove(id)
	}

	if to == (common.Address{}) {
		return nil // burn path
	}

	if !pos.Paused || pos.Canceled {
		// Active positions are non-transferable; restore the index entry.
		l.index.Insert(from, id)
		return fmt.Errorf("%w: position %d must be paused to transfer", domain.ErrStateConflict, id)
	}
	breaker := l.Breaker()
	if breaker.MaxPositionsPerOwner > 0 && l.index.Count(to) >= breaker.MaxPositionsPerOwner {
		l.index.Insert(from, id)
		return fmt.Errorf("%w: recipient at position cap %d", domain.ErrValidation, breaker.MaxPositionsPerOwner)
	}

	pos.Owner = to
	pos.ExecNonce++
	pos.UpdatedAt = l.now()

	if err := l.store.Update(ctx, pos); err != nil {
		l.index.Insert(from, id)
		return fmt.Errorf("ledger: ownership transfer %d: %w", id, err)
	}

	l.index.Insert(to, id)

	l.emit(ctx, domain.EventOwnerChanged, id, map[string]any{
		"from": from.Hex(),
		"to":   to.Hex(),
	})
	return nil
}

// SettlementCommit carries one settled execution for the ledger to commit
// with the expected-nonce check. The engine holds the position lock while
// calling Settle, so Settle itself must not re-acquire it.
type SettlementCommit struct {
	Position      domain.Position
	ExpectedNonce uint64
	NotionalUSD   *big.Int
	Detail        map[string]any
}

// Settle commits a settlement: the stored nonce must still equal the nonce
// captured before the external trade call, else nothing is written and
// ErrNonceMismatch is returned. A successful commit bumps the nonce once
// more and records the settled USD volume for the daily cap.
func (l *Ledger) Settle(ctx context.Context, commit SettlementCommit) error {
	pos := commit.Position
	pos.ExecNonce = commit.ExpectedNonce + 1
	pos.UpdatedAt = l.now()

	if err := l.store.UpdateExecuted(ctx, pos, commit.ExpectedNonce); err != nil {
		if errors.Is(err, domain.ErrNonceMismatch) {
			return err
		}
		return fmt.Errorf("ledger: settle %d: %w", pos.ID, err)
	}

	l.recordVolume(commit.NotionalUSD)
	l.emit(ctx, domain.EventSettlement, pos.ID, commit.Detail)
	return nil
}

// Get returns one position.
func (l *Ledger) Get(ctx context.Context, id domain.PositionID) (domain.Position, error) {
	pos, err := l.store.Get(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("ledger: get %d: %w", id, err)
	}
	return pos, nil
}

// ListByOwner returns all positions owned by owner, canceled included.
func (l *Ledger) ListByOwner(ctx context.Context, owner common.Address) ([]domain.Position, error) {
	positions, err := l.store.ListByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("ledger: list by owner: %w", err)
	}
	return positions, nil
}

// CheckSolvency verifies that the externally custodied total of an asset
// covers the sum of all recorded position balances of that asset.
func (l *Ledger) CheckSolvency(ctx context.Context, asset common.Address) (bool, error) {
	positions, err := l.store.ListAll(ctx)
	if err != nil {
		return false, fmt.Errorf("ledger: solvency check: %w", err)
	}

	sum := new(big.Int)
	for _, p := range positions {
		if bal := p.BalanceOf(asset); bal != nil {
			sum.Add(sum, bal)
		}
	}

	custodied, err := l.custodian.Balance(ctx, asset)
	if err != nil {
		return false, fmt.Errorf("ledger: solvency check: %w", err)
	}
	return custodied.Cmp(sum) >= 0, nil
}

// emit appends a telemetry event and publishes it on the signal bus. Both
// paths are best-effort: telemetry failures never fail the operation that
// produced them.
func (l *Ledger) emit(ctx context.Context, typ string, id domain.PositionID, detail map[string]any) {
	evt := domain.Event{
		ID:         uuid.New().String(),
		Type:       typ,
		PositionID: id,
		Detail:     detail,
		At:         l.now().UTC(),
	}

	if err := l.events.Append(ctx, evt); err != nil {
		l.logger.WarnContext(ctx, "ledger: append event failed",
			slog.String("type", typ),
			slog.Uint64("position_id", uint64(id)),
			slog.String("error", err.Error()),
		)
	}

	payload, _ := json.Marshal(map[string]any{
		"event":       typ,
		"position_id": uint64(id),
		"at":          evt.At.Format(time.RFC3339Nano),
		"detail":      detail,
	})
	if err := l.bus.Publish(ctx, "positions", payload); err != nil {
		l.logger.WarnContext(ctx, "ledger: publish event failed",
			slog.String("type", typ),
			slog.String("error", err.Error()),
		)
	}
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
