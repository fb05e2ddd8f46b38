package handler

import (
	"net/http"
	"time"

	"github.com/recurswap/keeperd/internal/ledger"
)

// StatusHandler serves the runtime status snapshot for dashboards.
type StatusHandler struct {
	ledger    *ledger.Ledger
	mode      string
	startedAt time.Time
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(led *ledger.Ledger, mode string, startedAt time.Time) *StatusHandler {
	return &StatusHandler{ledger: led, mode: mode, startedAt: startedAt}
}

// GetStatus responds with the current mode, pause state, and counters.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":             h.mode,
		"global_pause":     h.ledger.GloballyPaused(),
		"active_positions": h.ledger.ActiveCount(),
		"uptime_seconds":   int64(time.Since(h.startedAt).Seconds()),
	})
}
