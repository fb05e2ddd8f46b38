package handler

import (
	"log/slog"
	"net/http"

	"github.com/recurswap/keeperd/internal/domain"
)

// EventHandler serves the telemetry event feed.
type EventHandler struct {
	events domain.EventStore
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(events domain.EventStore, logger *slog.Logger) *EventHandler {
	return &EventHandler{events: events, logger: logger}
}

// eventJSON is the wire representation of one event.
type eventJSON struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	PositionID uint64         `json:"position_id,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	At         string         `json:"at"`
}

func toEventJSON(e domain.Event) eventJSON {
	return eventJSON{
		ID:         e.ID,
		Type:       e.Type,
		PositionID: uint64(e.PositionID),
		Detail:     e.Detail,
		At:         timeString(e.At),
	}
}

// ListEvents returns the newest events first, paginated.
// GET /api/events?limit=50&offset=0
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	events, err := h.events.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list events failed",
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	out := make([]eventJSON, 0, len(events))
	for _, e := range events {
		out = append(out, toEventJSON(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

// ListPositionEvents returns the event history of one position.
// GET /api/positions/{id}/events
func (h *EventHandler) ListPositionEvents(w http.ResponseWriter, r *http.Request) {
	id, err := parsePositionID(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	opts := parseListOpts(r)

	events, err := h.events.ListByPosition(r.Context(), id, opts)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]eventJSON, 0, len(events))
	for _, e := range events {
		out = append(out, toEventJSON(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}
