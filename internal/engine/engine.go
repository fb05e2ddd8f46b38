// Package engine implements the execution guard and settlement pipeline: the
// admission-control sequence that decides whether, how, and at what price a
// due position may be settled. Guards short-circuit on first failure; guard
// failures are recorded skips, not errors, and the position stays scheduled.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/recurswap/keeperd/internal/domain"
	"github.com/recurswap/keeperd/internal/ledger"
	"github.com/recurswap/keeperd/internal/pricing"
	"github.com/recurswap/keeperd/internal/routing"
)

const (
	// MinTwapWindow is the protocol minimum for a position's configured
	// TWAP window.
	MinTwapWindow = 300 * time.Second

	// DepegThresholdBps is the fixed tolerance for the quote asset's price
	// around its $1 peg.
	DepegThresholdBps = 100

	// lockTTL bounds one execution attempt, the external trade call
	// included.
	lockTTL = 60 * time.Second
)

// AutoRouteNotionalUSD is the notional above which automatic route selection
// prefers the impact-minimizing venue (USD at protocol precision, $10,000).
var AutoRouteNotionalUSD = new(big.Int).Mul(big.NewInt(10_000), new(big.Int).Exp(big.NewInt(10), big.NewInt(domain.USDDecimals), nil))

// Engine orchestrates eligibility, guards, fee computation, route selection,
// and settlement against the ledger and an external trade adapter.
type Engine struct {
	ledger    *ledger.Ledger
	prices    *pricing.Service
	routes    *routing.Registry
	locks     domain.LockManager
	custodian domain.Custodian
	network   domain.NetworkCostSource
	events    domain.EventStore
	bus       domain.SignalBus

	now    func() time.Time
	logger *slog.Logger
}

// New creates an Engine. network may be nil when the deployment has no
// network-cost source; the network-cost guard then passes.
func New(
	led *ledger.Ledger,
	prices *pricing.Service,
	routes *routing.Registry,
	locks domain.LockManager,
	custodian domain.Custodian,
	network domain.NetworkCostSource,
	events domain.EventStore,
	bus domain.SignalBus,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		ledger:    led,
		prices:    prices,
		routes:    routes,
		locks:     locks,
		custodian: custodian,
		network:   network,
		events:    events,
		bus:       bus,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "engine")),
	}
}

// AttemptExecution runs the full pipeline for one position. public marks a
// permissionless caller: eligibility failures then degrade to recorded skips
// instead of hard errors, an extra grace-period gate applies, and a tip is
// carved out of the protocol fee. The exclusive position lock is held for
// the entire attempt, external trade call included.
func (e *Engine) AttemptExecution(ctx context.Context, id domain.PositionID, caller common.Address, public bool) (domain.Outcome, error) {
	unlock, err := e.locks.Acquire(ctx, ledger.ExecLockKey(id), lockTTL)
	if err != nil {
		return domain.Outcome{PositionID: id, Status: domain.ExecStatusFailed}, fmt.Errorf("engine: attempt %d: %w", id, err)
	}
	defer unlock()

	now := e.now()

	pos, err := e.ledger.Get(ctx, id)
	if err != nil {
		if public {
			return e.skip(ctx, id, domain.SkipNotFound), nil
		}
		return domain.Outcome{PositionID: id, Status: domain.ExecStatusFailed}, fmt.Errorf("engine: attempt %d: %w", id, err)
	}

	// Guard 1: eligibility. Privileged callers are expected to pre-filter
	// via CheckEligibility, so for them an ineligible position is a hard
	// failure; for public callers it degrades to a recorded skip.
	if reason := e.eligibility(&pos, now); reason != "" {
		if public {
			return e.skip(ctx, id, reason), nil
		}
		return domain.Outcome{PositionID: id, Status: domain.ExecStatusFailed},
			fmt.Errorf("%w: position %d not eligible: %s", domain.ErrStateConflict, id, reason)
	}

	// Public grace gate: permissionless execution only once the schedule is
	// overdue by the configured grace period.
	protocol := e.ledger.Protocol()
	if public && now.Before(pos.NextExecAt.Add(protocol.PublicGracePeriod)) {
		return e.skip(ctx, id, domain.SkipPublicGrace), nil
	}

	// The nonce captured here is re-validated at commit time; a concurrent
	// mutation between now and the commit aborts the settlement.
	capturedNonce := pos.ExecNonce

	spendSample, err := e.prices.GetPrice(ctx, pos.SpendAsset())
	if err != nil {
		return domain.Outcome{PositionID: id, Status: domain.ExecStatusFailed}, fmt.Errorf("engine: attempt %d: %w", id, err)
	}
	recvAsset := pos.ReceiveAsset()
	recvSample, err := e.prices.GetPrice(ctx, recvAsset)
	if err != nil {
		return domain.Outcome{PositionID: id, Status: domain.ExecStatusFailed}, fmt.Errorf("engine: attempt %d: %w", id, err)
	}

	// Guard 2: oracle freshness, clock skew in the oracle's favor.
	if !e.prices.IsFresh(spendSample.UpdatedAt) || !e.prices.IsFresh(recvSample.UpdatedAt) {
		return e.skip(ctx, id, domain.SkipOracleStale), nil
	}

	// Guard 3: TWAP window sanity, then spot-vs-TWAP deviation damping.
	if pos.TwapWindow < MinTwapWindow {
		return e.skip(ctx, id, domain.SkipTwapWindow), nil
	}
	if skipped, reason := e.deviationGuard(ctx, &pos, recvSample); skipped {
		return e.skip(ctx, id, reason), nil
	}

	// Guard 4: network execution cost against the position's caps.
	if skipped, err := e.networkCostGuard(ctx, &pos); err != nil {
		return domain.Outcome{PositionID: id, Status: domain.ExecStatusFailed}, fmt.Errorf("engine: attempt %d: %w", id, err)
	} else if skipped {
		return e.skip(ctx, id, domain.SkipNetworkCost), nil
	}

	// Guard 5: price floor/cap on the traded asset, USD terms.
	tradedPrice := pricing.Rescale(recvSample.Price, recvSample.Decimals, domain.USDDecimals)
	if pos.Direction == domain.DirectionBuy && pos.PriceCap != nil && tradedPrice.Cmp(pos.PriceCap) > 0 {
		return e.skip(ctx, id, domain.SkipPriceAboveCap), nil
	}
	if pos.Direction == domain.DirectionSell {
		soldPrice := pricing.Rescale(spendSample.Price, spendSample.Decimals, domain.USDDecimals)
		if pos.PriceFloor != nil && soldPrice.Cmp(pos.PriceFloor) < 0 {
			return e.skip(ctx, id, domain.SkipPriceBelowFloor), nil
		}
	}

	// Guard 6: quote-asset peg.
	depegged, err := e.prices.IsDepegged(ctx, pos.QuoteAsset, DepegThresholdBps)
	if err != nil {
		return domain.Outcome{PositionID: id, Status: domain.ExecStatusFailed}, fmt.Errorf("engine: attempt %d: %w", id, err)
	}
	if depegged {
		return e.skip(ctx, id, domain.SkipDepegged), nil
	}

	amountIn := new(big.Int).Set(pos.AmountPerPeriod)
	notionalUSD := pricing.UsdValue(amountIn, pos.SpendDecimals(), spendSample)

	// Guard 7: route selection. A missing adapter is a configuration error,
	// not a guard skip.
	venue := e.selectVenue(&pos, notionalUSD)
	adapter := e.routes.GetAdapter(venue)
	if adapter == nil {
		return domain.Outcome{PositionID: id, Status: domain.ExecStatusFailed},
			fmt.Errorf("engine: attempt %d: venue %q: %w", id, venue, domain.ErrAdapterMissing)
	}

	// Step 8: fees.
	fees := e.computeFees(&pos, notionalUSD, amountIn, spendSample, protocol, public)

	if !e.ledger.VolumeAllows(notionalUSD) {
		return e.skip(ctx, id, domain.SkipDailyVolumeCap), nil
	}

	totalDebit := new(big.Int).Add(amountIn, fees.ProtocolFee)
	totalDebit.Add(totalDebit, fees.ExecutionFee)
	if pos.SpendBalance().Cmp(totalDebit) < 0 {
		return e.skip(ctx, id, domain.SkipInsufficientFund), nil
	}

	// Step 9: settlement.
	recvDecimals := pos.BaseDecimals
	if pos.Direction == domain.DirectionSell {
		recvDecimals = pos.QuoteDecimals
	}
	expectedOut := pricing.AssetAmount(notionalUSD, recvDecimals, recvSample)
	minOut := pricing.ApplyBps(expectedOut, domain.BpsDenominator-pos.SlippageBps)

	amountOut, err := adapter.SwapExactInput(ctx, domain.SwapRequest{
		AssetIn:      pos.SpendAsset(),
		AssetOut:     recvAsset,
		AmountIn:     amountIn,
		MinAmountOut: minOut,
		Recipient:    e.custodian.Address(),
		MEVProtected: pos.MEVProtected,
	})
	if err != nil {
		return domain.Outcome{PositionID: id, Status: domain.ExecStatusFailed}, fmt.Errorf("engine: swap for %d via %s: %w", id, venue, err)
	}

	updated := pos
	updated.SetBalance(pos.SpendAsset(), new(big.Int).Sub(pos.SpendBalance(), totalDebit))
	recvBal := updated.BalanceOf(recvAsset)
	updated.SetBalance(recvAsset, new(big.Int).Add(recvBal, amountOut))

	next := pos.NextExecAt
	if now.After(next) {
		next = now
	}
	updated.NextExecAt = next.Add(pos.Frequency.Interval())
	updated.PeriodsExecuted = pos.PeriodsExecuted + 1

	commit := ledger.SettlementCommit{
		Position:      updated,
		ExpectedNonce: capturedNonce,
		NotionalUSD:   notionalUSD,
		Detail: map[string]any{
			"caller":       caller.Hex(),
			"public":       public,
			"venue":        string(venue),
			"amount_in":    amountIn.String(),
			"amount_out":   amountOut.String(),
			"notional_usd": notionalUSD.String(),
			"protocol_fee": fees.ProtocolFee.String(),
			"exec_fee":     fees.ExecutionFee.String(),
			"caller_tip":   fees.CallerTip.String(),
			"tier_bps":     fees.TierBps,
			"next_exec_at": updated.NextExecAt.UTC().Format(time.RFC3339),
		},
	}
	if err := e.ledger.Settle(ctx, commit); err != nil {
		return domain.Outcome{PositionID: id, Status: domain.ExecStatusFailed}, fmt.Errorf("engine: commit %d: %w", id, err)
	}

	// Fee payouts happen only after the commit: a nonce-mismatch abort must
	// leave no transfer behind.
	e.payFees(ctx, &pos, fees, caller)

	outcome := domain.Outcome{
		PositionID:  id,
		Status:      domain.ExecStatusExecuted,
		Venue:       venue,
		AmountIn:    amountIn,
		AmountOut:   amountOut,
		NotionalUSD: notionalUSD,
		Fees:        fees,
		NextExecAt:  updated.NextExecAt,
	}

	e.logger.InfoContext(ctx, "engine: settlement executed",
		slog.Uint64("position_id", uint64(id)),
		slog.String("venue", string(venue)),
		slog.String("amount_in", amountIn.String()),
		slog.String("amount_out", amountOut.String()),
		slog.String("notional_usd", notionalUSD.String()),
	)
	return outcome, nil
}

// CheckEligibility is the read-only pre-filter for privileged callers. It
// reports whether the position could pass the eligibility guard right now
// and, if not, the skip reason it would produce.
func (e *Engine) CheckEligibility(ctx context.Context, id domain.PositionID) (bool, string, error) {
	pos, err := e.ledger.Get(ctx, id)
	if err != nil {
		return false, domain.SkipNotFound, nil
	}
	if reason := e.eligibility(&pos, e.now()); reason != "" {
		return false, reason, nil
	}
	return true, "", nil
}

// eligibility returns the skip reason for guard 1, or "" when eligible.
func (e *Engine) eligibility(pos *domain.Position, now time.Time) string {
	if e.ledger.GloballyPaused() {
		return domain.SkipGlobalPause
	}
	if pos.Canceled || pos.Paused {
		return domain.SkipPaused
	}
	if pos.Expired(now) {
		return domain.SkipExpired
	}
	if now.Before(pos.NextExecAt) {
		return domain.SkipNotDue
	}
	if pos.SpendBalance().Cmp(pos.AmountPerPeriod) < 0 {
		return domain.SkipInsufficientFund
	}
	return ""
}

// deviationGuard compares the spot price against the pair TWAP to damp
// short-term spikes. It applies only when the position configured a
// deviation limit; the breaker's max price movement tightens it further.
func (e *Engine) deviationGuard(ctx context.Context, pos *domain.Position, spot domain.PriceSample) (bool, string) {
	limit := pos.MaxDeviationBps
	if brk := e.ledger.Breaker().MaxPriceMoveBps; brk > 0 && (limit == 0 || brk < limit) {
		limit = brk
	}
	if limit == 0 {
		return false, ""
	}

	twapPrice, err := e.prices.TWAP(ctx, pos.BaseAsset, pos.QuoteAsset, pos.TwapWindow)
	if err != nil {
		// No pool registered for the pair: deviation damping is
		// unavailable, not a reason to block the schedule.
		e.logger.WarnContext(ctx, "engine: twap unavailable",
			slog.Uint64("position_id", uint64(pos.ID)),
			slog.String("error", err.Error()),
		)
		return false, ""
	}

	if pricing.DeviationBps(pricing.Rescale(spot.Price, spot.Decimals, domain.USDDecimals), twapPrice) > limit {
		return true, domain.SkipPriceDeviation
	}
	return false, ""
}

// networkCostGuard checks the current network cost against the position's
// caps. Zero or nil caps are uncapped.
func (e *Engine) networkCostGuard(ctx context.Context, pos *domain.Position) (bool, error) {
	if e.network == nil {
		return false, nil
	}
	cost, err := e.network.Estimate(ctx)
	if err != nil {
		return false, fmt.Errorf("network cost estimate: %w", err)
	}
	if pos.MaxBaseFeeWei != nil && pos.MaxBaseFeeWei.Sign() > 0 && cost.BaseFeeWei != nil && cost.BaseFeeWei.Cmp(pos.MaxBaseFeeWei) > 0 {
		return true, nil
	}
	if pos.MaxTipWei != nil && pos.MaxTipWei.Sign() > 0 && cost.TipWei != nil && cost.TipWei.Cmp(pos.MaxTipWei) > 0 {
		return true, nil
	}
	return false, nil
}

// selectVenue resolves the route: the position's explicit venue when set,
// otherwise size-based automatic selection.
func (e *Engine) selectVenue(pos *domain.Position, notionalUSD *big.Int) domain.Venue {
	if pos.Venue != "" {
		return pos.Venue
	}
	if notionalUSD.Cmp(AutoRouteNotionalUSD) >= 0 {
		return domain.VenueCowProtocol
	}
	return domain.VenueUniswapV3
}

// computeFees applies the notional-tiered protocol fee and the fixed +
// gas-premium execution fee, both denominated in the spend asset. Public
// callers receive a tip carved out of the protocol fee.
func (e *Engine) computeFees(pos *domain.Position, notionalUSD, amountIn *big.Int, spendSample domain.PriceSample, protocol domain.ProtocolConfig, public bool) domain.FeeBreakdown {
	tierBps := protocol.TierBpsFor(notionalUSD)
	protocolFee := pricing.ApplyBps(amountIn, tierBps)

	execFeeUSD := new(big.Int)
	if protocol.FixedExecutionFeeUSD != nil {
		execFeeUSD.Set(protocol.FixedExecutionFeeUSD)
	}
	execFeeUSD.Add(execFeeUSD, pricing.ApplyBps(notionalUSD, protocol.GasPremiumBps))
	execFee := pricing.AssetAmount(execFeeUSD, pos.SpendDecimals(), spendSample)

	tip := new(big.Int)
	if public && protocol.PublicTipBps > 0 {
		tip = pricing.ApplyBps(protocolFee, protocol.PublicTipBps)
	}

	return domain.FeeBreakdown{
		ProtocolFee:  protocolFee,
		ExecutionFee: execFee,
		CallerTip:    tip,
		TierBps:      tierBps,
	}
}

// payFees forwards the protocol and execution fees to the fee collector and
// the tip to the caller. Transfer failures are logged, not fatal: the
// settlement is already committed and the custodian reconciles fee balances
// out of band.
func (e *Engine) payFees(ctx context.Context, pos *domain.Position, fees domain.FeeBreakdown, caller common.Address) {
	protocol := e.ledger.Protocol()
	spend := pos.SpendAsset()

	collectorShare := new(big.Int).Sub(fees.ProtocolFee, fees.CallerTip)
	collectorShare.Add(collectorShare, fees.ExecutionFee)
	if collectorShare.Sign() > 0 {
		if err := e.custodian.Transfer(ctx, spend, protocol.FeeCollector, collectorShare); err != nil {
			e.logger.ErrorContext(ctx, "engine: fee transfer failed",
				slog.Uint64("position_id", uint64(pos.ID)),
				slog.String("error", err.Error()),
			)
		}
	}
	if fees.CallerTip.Sign() > 0 {
		if err := e.custodian.Transfer(ctx, spend, caller, fees.CallerTip); err != nil {
			e.logger.ErrorContext(ctx, "engine: tip transfer failed",
				slog.Uint64("position_id", uint64(pos.ID)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// skip records a guard skip in telemetry and returns the skip outcome. The
// position's schedule and nonce are untouched.
func (e *Engine) skip(ctx context.Context, id domain.PositionID, reason string) domain.Outcome {
	evt := domain.Event{
		ID:         uuid.New().String(),
		Type:       domain.EventExecutionSkipped,
		PositionID: id,
		Detail:     map[string]any{"reason": reason},
		At:         e.now().UTC(),
	}
	if err := e.events.Append(ctx, evt); err != nil {
		e.logger.WarnContext(ctx, "engine: append skip event failed",
			slog.Uint64("position_id", uint64(id)),
			slog.String("error", err.Error()),
		)
	}

	payload, _ := json.Marshal(map[string]any{
		"event":       domain.EventExecutionSkipped,
		"position_id": uint64(id),
		"reason":      reason,
		"at":          evt.At.Format(time.RFC3339Nano),
	})
	if err := e.bus.Publish(ctx, "executions", payload); err != nil {
		e.logger.WarnContext(ctx, "engine: publish skip failed",
			slog.String("error", err.Error()),
		)
	}

	e.logger.InfoContext(ctx, "engine: execution skipped",
		slog.Uint64("position_id", uint64(id)),
		slog.String("reason", reason),
	)
	return domain.Skipped(id, reason)
}
