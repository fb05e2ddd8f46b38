package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/recurswap/keeperd/internal/domain"
	"github.com/recurswap/keeperd/internal/engine"
)

// ExecutionHandler serves the permissionless execution endpoints. Callers
// reaching these routes are treated as public executors; the privileged path
// is the keeper loop, not HTTP.
type ExecutionHandler struct {
	engine *engine.Engine
	logger *slog.Logger
}

// NewExecutionHandler creates an ExecutionHandler.
func NewExecutionHandler(eng *engine.Engine, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{engine: eng, logger: logger}
}

// Execute attempts a public execution of a due position. A guard skip is a
// 200 with status "skipped"; only infrastructure failures are 5xx.
// POST /api/positions/{id}/execute
func (h *ExecutionHandler) Execute(w http.ResponseWriter, r *http.Request) {
	caller, err := callerAddress(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	id, err := parsePositionID(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out, err := h.engine.AttemptExecution(r.Context(), id, caller, true)
	if err != nil {
		// A held lock means another executor got there first.
		if errors.Is(err, domain.ErrLockHeld) {
			writeError(w, http.StatusConflict, "position is being executed")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: execution failed",
			slog.Uint64("position_id", uint64(id)),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toOutcomeJSON(out))
}

// Eligibility reports whether a position would currently pass the schedule
// and funding guards, without touching prices or routes.
// GET /api/positions/{id}/eligibility
func (h *ExecutionHandler) Eligibility(w http.ResponseWriter, r *http.Request) {
	id, err := parsePositionID(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	eligible, reason, err := h.engine.CheckEligibility(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := map[string]any{"position_id": uint64(id), "eligible": eligible}
	if reason != "" {
		resp["reason"] = reason
	}
	writeJSON(w, http.StatusOK, resp)
}
