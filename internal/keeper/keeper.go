// Package keeper runs the privileged automation loops: scanning for due
// positions and driving them through the execution engine, periodic solvency
// checks, and cold-storage archival.
package keeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/recurswap/keeperd/internal/domain"
	"github.com/recurswap/keeperd/internal/engine"
	"github.com/recurswap/keeperd/internal/ledger"
	"github.com/recurswap/keeperd/internal/notify"
)

// Config tunes the keeper loops.
type Config struct {
	// ScanInterval is how often the due-position scan runs.
	ScanInterval time.Duration
	// BatchSize caps how many due positions one scan picks up.
	BatchSize int
	// Parallel caps concurrent execution attempts within a batch.
	Parallel int
	// SolvencyInterval is how often the solvency invariant is re-checked.
	// Zero disables the check.
	SolvencyInterval time.Duration
	// ArchiveCron is the 5-field cron schedule for telemetry archival.
	// Empty disables archival.
	ArchiveCron string
	// Caller is the keeper's operator address, recorded on settlements.
	Caller common.Address
}

// Keeper coordinates the automation loops over the ledger and engine.
type Keeper struct {
	store    domain.PositionStore
	engine   *engine.Engine
	ledger   *ledger.Ledger
	archiver *Archiver
	notifier *notify.Notifier
	cfg      Config
	logger   *slog.Logger
}

// New creates a Keeper. archiver and notifier may be nil when cold storage
// or alerting is not configured.
func New(store domain.PositionStore, eng *engine.Engine, led *ledger.Ledger, archiver *Archiver, notifier *notify.Notifier, cfg Config, logger *slog.Logger) *Keeper {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Keeper{
		store:    store,
		engine:   eng,
		ledger:   led,
		archiver: archiver,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "keeper")),
	}
}

// Run starts all keeper loops as concurrent goroutines using an errgroup.
// Each goroutine respects ctx cancellation; a clean shutdown returns nil.
func (k *Keeper) Run(ctx context.Context) error {
	k.logger.Info("keeper starting",
		slog.Duration("scan_interval", k.cfg.ScanInterval),
		slog.Int("batch_size", k.cfg.BatchSize),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := k.runScanLoop(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("scan loop: %w", err)
	})

	if k.cfg.SolvencyInterval > 0 {
		g.Go(func() error {
			err := k.runSolvencyLoop(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("solvency loop: %w", err)
		})
	}

	if k.archiver != nil && k.cfg.ArchiveCron != "" {
		g.Go(func() error {
			err := k.archiver.RunCron(ctx, k.cfg.ArchiveCron)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	err := g.Wait()
	if err != nil {
		k.logger.Error("keeper stopped with error", slog.String("error", err.Error()))
		return err
	}

	k.logger.Info("keeper stopped cleanly")
	return nil
}

// runScanLoop executes one scan immediately, then on every tick.
func (k *Keeper) runScanLoop(ctx context.Context) error {
	k.scanOnce(ctx)

	ticker := time.NewTicker(k.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			k.logger.Info("scan loop stopped")
			return ctx.Err()
		case <-ticker.C:
			k.scanOnce(ctx)
		}
	}
}

// scanOnce picks up due positions and runs a batch. One failing position
// never stops the scan; batch failures are already folded into the result.
func (k *Keeper) scanOnce(ctx context.Context) {
	if k.ledger.GloballyPaused() {
		k.logger.InfoContext(ctx, "scan skipped: global pause engaged")
		return
	}

	due, err := k.store.ListDue(ctx, time.Now().UTC(), k.cfg.BatchSize)
	if err != nil {
		k.logger.ErrorContext(ctx, "list due positions failed", slog.String("error", err.Error()))
		return
	}
	if len(due) == 0 {
		return
	}

	res := k.engine.ExecuteBatch(ctx, due, k.cfg.Caller, k.cfg.Parallel)
	k.logger.InfoContext(ctx, "scan batch complete",
		slog.Int("due", len(due)),
		slog.Int("executed", res.Executed),
		slog.Int("skipped", res.Skipped),
		slog.Int("failed", res.Failed),
	)

	if k.notifier != nil {
		for _, out := range res.Outcomes {
			switch out.Status {
			case domain.ExecStatusExecuted:
				if err := k.notifier.SettlementAlert(ctx, out); err != nil {
					k.logger.WarnContext(ctx, "settlement alert failed", slog.String("error", err.Error()))
				}
			case domain.ExecStatusFailed:
				if err := k.notifier.ErrorAlert(ctx, "engine", fmt.Errorf("position %d: %s", out.PositionID, out.SkipReason)); err != nil {
					k.logger.WarnContext(ctx, "error alert failed", slog.String("error", err.Error()))
				}
			}
		}
	}
}

// runSolvencyLoop periodically verifies that custody covers the sum of
// recorded balances. A violation is logged at error level; resolution is an
// operator action, not something the keeper can do on its own.
func (k *Keeper) runSolvencyLoop(ctx context.Context) error {
	ticker := time.NewTicker(k.cfg.SolvencyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			k.logger.Info("solvency loop stopped")
			return ctx.Err()
		case <-ticker.C:
			report, err := k.ledger.SolvencyReport(ctx)
			if err != nil {
				k.logger.ErrorContext(ctx, "solvency check failed", slog.String("error", err.Error()))
				continue
			}
			var violations []notify.SolvencyViolation
			for _, line := range report {
				if !line.Solvent {
					k.logger.ErrorContext(ctx, "solvency violation",
						slog.String("asset", line.Asset.Hex()),
						slog.String("recorded", line.Recorded.String()),
						slog.String("custodied", line.Custodied.String()),
					)
					violations = append(violations, notify.SolvencyViolation{
						Asset:     line.Asset.Hex(),
						Recorded:  line.Recorded,
						Custodied: line.Custodied,
					})
				}
			}
			if k.notifier != nil {
				if err := k.notifier.SolvencyAlert(ctx, violations); err != nil {
					k.logger.WarnContext(ctx, "solvency alert failed", slog.String("error", err.Error()))
				}
			}
		}
	}
}
