package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/recurswap/keeperd/internal/domain"
)

// Administrative surface. Authorization is enforced at the transport layer;
// every change lands in telemetry so configuration history is auditable.

// Protocol returns a copy of the current protocol configuration.
func (l *Ledger) Protocol() domain.ProtocolConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.protocol
}

// SetProtocol replaces the protocol configuration.
func (l *Ledger) SetProtocol(ctx context.Context, cfg domain.ProtocolConfig) {
	l.mu.Lock()
	l.protocol = cfg
	l.mu.Unlock()

	l.emit(ctx, domain.EventAdminChange, 0, map[string]any{
		"change":        "protocol_config",
		"gas_premium":   cfg.GasPremiumBps,
		"fee_collector": cfg.FeeCollector.Hex(),
		"tip_bps":       cfg.PublicTipBps,
	})
}

// Breaker returns a copy of the circuit-breaker state.
func (l *Ledger) Breaker() domain.BreakerState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.breaker
}

// SetBreaker replaces the circuit-breaker limits.
func (l *Ledger) SetBreaker(ctx context.Context, b domain.BreakerState) {
	l.mu.Lock()
	l.breaker = b
	l.mu.Unlock()

	l.emit(ctx, domain.EventAdminChange, 0, map[string]any{
		"change":             "breaker",
		"global_pause":       b.GlobalPause,
		"max_per_owner":      b.MaxPositionsPerOwner,
		"max_global":         b.MaxGlobalPositions,
		"max_price_move_bps": b.MaxPriceMoveBps,
	})
}

// SetGlobalPause flips the global pause flag.
func (l *Ledger) SetGlobalPause(ctx context.Context, paused bool) {
	l.mu.Lock()
	l.breaker.GlobalPause = paused
	l.mu.Unlock()

	l.emit(ctx, domain.EventAdminChange, 0, map[string]any{
		"change": "global_pause",
		"paused": paused,
	})
	l.logger.InfoContext(ctx, "ledger: global pause changed", slog.Bool("paused", paused))
}

// GloballyPaused reports the global pause flag.
func (l *Ledger) GloballyPaused() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.breaker.GlobalPause
}

// AllowQuoteAsset adds an asset to the quote allow list.
func (l *Ledger) AllowQuoteAsset(ctx context.Context, asset common.Address) {
	l.mu.Lock()
	l.quoteAllow[asset] = true
	l.mu.Unlock()

	l.emit(ctx, domain.EventAdminChange, 0, map[string]any{
		"change": "quote_allowed",
		"asset":  asset.Hex(),
	})
}

// DisallowQuoteAsset removes an asset from the quote allow list. Existing
// positions are unaffected; only creation checks the list.
func (l *Ledger) DisallowQuoteAsset(ctx context.Context, asset common.Address) {
	l.mu.Lock()
	delete(l.quoteAllow, asset)
	l.mu.Unlock()

	l.emit(ctx, domain.EventAdminChange, 0, map[string]any{
		"change": "quote_disallowed",
		"asset":  asset.Hex(),
	})
}

// QuoteAllowed reports whether an asset may be used as the quote side of new
// positions.
func (l *Ledger) QuoteAllowed(asset common.Address) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.quoteAllow[asset]
}

// ActiveCount returns the global active-position counter. It is a
// best-effort cache: natural expiry does not decrement it, and
// ReconcileActiveCount corrects the drift.
func (l *Ledger) ActiveCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.activeCount
}

// ReconcileActiveCount recounts active positions from the store and replaces
// the cached counter, returning the corrected value.
func (l *Ledger) ReconcileActiveCount(ctx context.Context) (int, error) {
	count, err := l.store.CountActive(ctx, l.now())
	if err != nil {
		return 0, fmt.Errorf("ledger: reconcile active count: %w", err)
	}

	l.mu.Lock()
	drift := l.activeCount - count
	l.activeCount = count
	l.mu.Unlock()

	l.emit(ctx, domain.EventAdminChange, 0, map[string]any{
		"change": "active_count_reconciled",
		"count":  count,
		"drift":  drift,
	})
	l.logger.InfoContext(ctx, "ledger: active count reconciled",
		slog.Int("count", count),
		slog.Int("drift", drift),
	)
	return count, nil
}

// VolumeAllows reports whether settling the given USD notional would stay
// within today's volume cap.
func (l *Ledger) VolumeAllows(notionalUSD *big.Int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	capUSD := l.breaker.DailyVolumeCapUSD
	if capUSD == nil || capUSD.Sign() <= 0 {
		return true
	}

	day := l.now().UTC().Truncate(24 * time.Hour)
	if !day.Equal(l.volDay) {
		return notionalUSD == nil || notionalUSD.Cmp(capUSD) <= 0
	}

	total := new(big.Int).Add(l.volUSD, notionalUSD)
	return total.Cmp(capUSD) <= 0
}

// recordVolume accumulates settled USD notional against the current UTC day.
func (l *Ledger) recordVolume(notionalUSD *big.Int) {
	if notionalUSD == nil || notionalUSD.Sign() <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	day := l.now().UTC().Truncate(24 * time.Hour)
	if !day.Equal(l.volDay) {
		l.volDay = day
		l.volUSD = new(big.Int)
	}
	l.volUSD.Add(l.volUSD, notionalUSD)
}

// SolvencyLine is the per-asset result of a solvency sweep.
type SolvencyLine struct {
	Asset     common.Address
	Recorded  *big.Int
	Custodied *big.Int
	Solvent   bool
}

// SolvencyReport runs the solvency check over every asset that appears on
// any recorded position.
func (l *Ledger) SolvencyReport(ctx context.Context) ([]SolvencyLine, error) {
	positions, err := l.store.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: solvency report: %w", err)
	}

	recorded := make(map[common.Address]*big.Int)
	add := func(asset common.Address, bal *big.Int) {
		if bal == nil {
			return
		}
		sum, ok := recorded[asset]
		if !ok {
			sum = new(big.Int)
			recorded[asset] = sum
		}
		sum.Add(sum, bal)
	}
	for _, p := range positions {
		add(p.QuoteAsset, p.QuoteBalance)
		add(p.BaseAsset, p.BaseBalance)
	}

	report := make([]SolvencyLine, 0, len(recorded))
	for asset, sum := range recorded {
		custodied, err := l.custodian.Balance(ctx, asset)
		if err != nil {
			return nil, fmt.Errorf("ledger: solvency report for %s: %w", asset.Hex(), err)
		}
		report = append(report, SolvencyLine{
			Asset:     asset,
			Recorded:  sum,
			Custodied: custodied,
			Solvent:   custodied.Cmp(sum) >= 0,
		})
	}
	return report, nil
}
