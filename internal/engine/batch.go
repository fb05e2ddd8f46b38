package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/recurswap/keeperd/internal/domain"
)

// BatchResult aggregates the outcomes of one batch run.
type BatchResult struct {
	Executed int
	Skipped  int
	Failed   int
	Outcomes []domain.Outcome
}

// ExecuteBatch attempts the given positions concurrently, at most parallel
// at a time. One failing position never aborts the rest: per-position
// errors are folded into failed outcomes and the batch always returns a
// complete result.
func (e *Engine) ExecuteBatch(ctx context.Context, ids []domain.PositionID, caller common.Address, parallel int) BatchResult {
	if parallel <= 0 {
		parallel = 4
	}

	var (
		mu       sync.Mutex
		outcomes = make([]domain.Outcome, 0, len(ids))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for _, id := range ids {
		g.Go(func() error {
			out, err := e.AttemptExecution(gctx, id, caller, false)
			if err != nil {
				e.logger.WarnContext(gctx, "engine: batch attempt failed",
					slog.Uint64("position_id", uint64(id)),
					slog.String("error", err.Error()),
				)
				out = domain.Outcome{PositionID: id, Status: domain.ExecStatusFailed, SkipReason: err.Error()}
			}
			mu.Lock()
			outcomes = append(outcomes, out)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	res := BatchResult{Outcomes: outcomes}
	for _, out := range outcomes {
		switch out.Status {
		case domain.ExecStatusExecuted:
			res.Executed++
		case domain.ExecStatusSkipped:
			res.Skipped++
		default:
			res.Failed++
		}
	}
	return res
}
