package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/recurswap/keeperd/internal/keeper"
	"github.com/recurswap/keeperd/internal/server"
	"github.com/recurswap/keeperd/internal/server/handler"
	"github.com/recurswap/keeperd/internal/server/ws"
)

// KeeperMode runs the automation loops only: due-position scanning, solvency
// sweeps, and cold-storage archival. No HTTP surface.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting keeper mode")
	return a.buildKeeper(deps).Run(ctx)
}

// ServerMode runs the HTTP and WebSocket API without the automation loops.
// Executions then only happen through the public endpoint.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startServer(ctx, g, deps)
	return waitClean(ctx, g)
}

// FullMode runs the keeper loops and the API server together.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	k := a.buildKeeper(deps)
	g.Go(func() error {
		err := k.Run(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("keeper: %w", err)
	})

	a.startServer(ctx, g, deps)
	return waitClean(ctx, g)
}

// buildKeeper assembles the keeper from config and wired dependencies.
func (a *App) buildKeeper(deps *Dependencies) *keeper.Keeper {
	cfg := keeper.Config{
		ScanInterval:     a.cfg.Keeper.ScanInterval.Duration,
		BatchSize:        a.cfg.Keeper.BatchSize,
		Parallel:         a.cfg.Keeper.Parallel,
		SolvencyInterval: a.cfg.Keeper.SolvencyInterval.Duration,
		ArchiveCron:      a.cfg.Keeper.ArchiveCron,
		Caller:           deps.Custodian.Address(),
	}
	return keeper.New(deps.PositionStore, deps.Engine, deps.Ledger, deps.Archiver, deps.Notifier, cfg, a.logger)
}

// startServer registers the HTTP server and WebSocket hub with the errgroup.
// A disabled server makes both mode starters no-ops.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Server.Enabled {
		a.logger.Warn("server disabled by configuration")
		return
	}

	startedAt := time.Now().UTC()

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: startedAt,
	})
	g.Go(func() error {
		err := hub.Run(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("ws hub: %w", err)
	})

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(a.logger),
		Status:    handler.NewStatusHandler(deps.Ledger, a.cfg.Mode, startedAt),
		Positions: handler.NewPositionHandler(deps.Ledger, deps.Ownership, a.logger),
		Execution: handler.NewExecutionHandler(deps.Engine, a.logger),
		Events:    handler.NewEventHandler(deps.EventStore, a.logger),
		Admin:     handler.NewAdminHandler(deps.Ledger, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		AdminAPIKey:     a.cfg.Server.AdminAPIKey,
		PublicRateLimit: a.cfg.Server.PublicRateLimit,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		if err := srv.Start(); err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	// Shut the server down when the context ends so Start can return.
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown failed", slog.String("error", err.Error()))
		}
		return nil
	})
}

// waitClean waits for the errgroup, treating context cancellation as a clean
// exit.
func waitClean(ctx context.Context, g *errgroup.Group) error {
	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
