// Package routing maintains the venue → trade-adapter registry. Venue
// registration is admin-gated at the transport layer.
package routing

import (
	"fmt"
	"sync"

	"github.com/recurswap/keeperd/internal/domain"
)

// Registry maps venue identifiers to trade adapters and keeps an enumerable
// venue list. Removal swaps the last venue into the removed slot, so the
// slot map stays consistent without reindexing the whole list.
type Registry struct {
	mu       sync.RWMutex
	adapters map[domain.Venue]domain.TradeAdapter
	venues   []domain.Venue
	slots    map[domain.Venue]int // venue -> 1-based slot in venues; 0 = absent
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[domain.Venue]domain.TradeAdapter),
		slots:    make(map[domain.Venue]int),
	}
}

// AddAdapter registers an adapter for a venue. It fails when the venue is
// unknown or already registered.
func (r *Registry) AddAdapter(venue domain.Venue, adapter domain.TradeAdapter) error {
	if !venue.Valid() {
		return fmt.Errorf("%w: unknown venue %q", domain.ErrValidation, venue)
	}
	if adapter == nil {
		return fmt.Errorf("%w: nil adapter for venue %q", domain.ErrValidation, venue)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.slots[venue] != 0 {
		return fmt.Errorf("%w: venue %q already registered", domain.ErrValidation, venue)
	}

	r.adapters[venue] = adapter
	r.venues = append(r.venues, venue)
	r.slots[venue] = len(r.venues)
	return nil
}

// UpdateAdapter replaces the adapter for an already-registered venue.
func (r *Registry) UpdateAdapter(venue domain.Venue, adapter domain.TradeAdapter) error {
	if adapter == nil {
		return fmt.Errorf("%w: nil adapter for venue %q", domain.ErrValidation, venue)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.slots[venue] == 0 {
		return fmt.Errorf("routing: update venue %q: %w", venue, domain.ErrAdapterMissing)
	}
	r.adapters[venue] = adapter
	return nil
}

// RemoveAdapter unregisters a venue, swap-removing it from the venue list.
func (r *Registry) RemoveAdapter(venue domain.Venue) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := r.slots[venue]
	if slot == 0 {
		return fmt.Errorf("routing: remove venue %q: %w", venue, domain.ErrAdapterMissing)
	}

	last := len(r.venues)
	if slot != last {
		moved := r.venues[last-1]
		r.venues[slot-1] = moved
		r.slots[moved] = slot
	}
	r.venues = r.venues[:last-1]
	delete(r.slots, venue)
	delete(r.adapters, venue)
	return nil
}

// GetAdapter returns the adapter for a venue, or nil when absent. Callers
// must treat a nil adapter as a configuration error.
func (r *Registry) GetAdapter(venue domain.Venue) domain.TradeAdapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[venue]
}

// ListVenues returns the registered venues in registration order (modulo
// swap-removal).
func (r *Registry) ListVenues() []domain.Venue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Venue, len(r.venues))
	copy(out, r.venues)
	return out
}
