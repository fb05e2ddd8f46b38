package memory

import (
	"context"
	"sync"
	"time"

	"github.com/recurswap/keeperd/internal/domain"
)

// EventStore keeps the telemetry log as an append-only slice.
type EventStore struct {
	mu     sync.RWMutex
	events []domain.Event
}

var _ domain.EventStore = (*EventStore)(nil)

func NewEventStore() *EventStore {
	return &EventStore{}
}

func (s *EventStore) Append(ctx context.Context, evt domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, cloneEvent(evt))
	return nil
}

func (s *EventStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return paginate(s.events, opts), nil
}

func (s *EventStore) ListByPosition(ctx context.Context, id domain.PositionID, opts domain.ListOpts) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []domain.Event
	for _, evt := range s.events {
		if evt.PositionID == id {
			matched = append(matched, evt)
		}
	}
	return paginate(matched, opts), nil
}

func (s *EventStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Event
	for _, evt := range s.events {
		if evt.At.Before(before) {
			out = append(out, cloneEvent(evt))
		}
	}
	return out, nil
}

func paginate(events []domain.Event, opts domain.ListOpts) []domain.Event {
	if opts.Offset >= len(events) {
		return nil
	}
	events = events[opts.Offset:]
	if opts.Limit > 0 && len(events) > opts.Limit {
		events = events[:opts.Limit]
	}
	out := make([]domain.Event, len(events))
	for i, evt := range events {
		out[i] = cloneEvent(evt)
	}
	return out
}

func cloneEvent(evt domain.Event) domain.Event {
	out := evt
	if evt.Detail != nil {
		out.Detail = make(map[string]any, len(evt.Detail))
		for k, v := range evt.Detail {
			out.Detail[k] = v
		}
	}
	return out
}
