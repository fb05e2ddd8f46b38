// Package memory provides in-process store implementations backed by maps.
// They are the test backend and the storage for single-process deployments
// that run without postgres.
package memory

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/recurswap/keeperd/internal/domain"
)

// PositionStore keeps positions in a map guarded by a mutex. Records are
// deep-copied on the way in and out so callers never share big.Int values
// with the store.
type PositionStore struct {
	mu     sync.RWMutex
	nextID domain.PositionID
	byID   map[domain.PositionID]domain.Position
}

var _ domain.PositionStore = (*PositionStore)(nil)

func NewPositionStore() *PositionStore {
	return &PositionStore{
		nextID: 1,
		byID:   make(map[domain.PositionID]domain.Position),
	}
}

func (s *PositionStore) NextID(ctx context.Context) (domain.PositionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	return id, nil
}

func (s *PositionStore) Create(ctx context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[pos.ID]; ok {
		return fmt.Errorf("%w: position %d already exists", domain.ErrStateConflict, pos.ID)
	}
	s.byID[pos.ID] = clonePosition(pos)
	return nil
}

func (s *PositionStore) Get(ctx context.Context, id domain.PositionID) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.byID[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("%w: position %d", domain.ErrNotFound, id)
	}
	return clonePosition(pos), nil
}

func (s *PositionStore) Update(ctx context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[pos.ID]; !ok {
		return fmt.Errorf("%w: position %d", domain.ErrNotFound, pos.ID)
	}
	s.byID[pos.ID] = clonePosition(pos)
	return nil
}

func (s *PositionStore) UpdateExecuted(ctx context.Context, pos domain.Position, expectedNonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.byID[pos.ID]
	if !ok {
		return fmt.Errorf("%w: position %d", domain.ErrNotFound, pos.ID)
	}
	if stored.ExecNonce != expectedNonce {
		return fmt.Errorf("engine commit for position %d: stored nonce %d, expected %d: %w",
			pos.ID, stored.ExecNonce, expectedNonce, domain.ErrNonceMismatch)
	}
	s.byID[pos.ID] = clonePosition(pos)
	return nil
}

func (s *PositionStore) ListByOwner(ctx context.Context, owner common.Address) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Position
	for _, pos := range s.byID {
		if pos.Owner == owner {
			out = append(out, clonePosition(pos))
		}
	}
	sortByID(out)
	return out, nil
}

func (s *PositionStore) ListAll(ctx context.Context) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Position, 0, len(s.byID))
	for _, pos := range s.byID {
		out = append(out, clonePosition(pos))
	}
	sortByID(out)
	return out, nil
}

func (s *PositionStore) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.PositionID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []domain.Position
	for _, pos := range s.byID {
		if pos.Active() && !pos.Expired(now) && !now.Before(pos.NextExecAt) {
			due = append(due, pos)
		}
	}
	// Oldest schedule first so a starved position is picked up before a
	// freshly due one.
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextExecAt.Equal(due[j].NextExecAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextExecAt.Before(due[j].NextExecAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]domain.PositionID, len(due))
	for i, pos := range due {
		ids[i] = pos.ID
	}
	return ids, nil
}

func (s *PositionStore) CountActive(ctx context.Context, now time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, pos := range s.byID {
		if !pos.Canceled && !pos.Expired(now) {
			n++
		}
	}
	return n, nil
}

func sortByID(positions []domain.Position) {
	sort.Slice(positions, func(i, j int) bool { return positions[i].ID < positions[j].ID })
}

func clonePosition(pos domain.Position) domain.Position {
	out := pos
	out.AmountPerPeriod = cloneBig(pos.AmountPerPeriod)
	out.PriceFloor = cloneBig(pos.PriceFloor)
	out.PriceCap = cloneBig(pos.PriceCap)
	out.MaxBaseFeeWei = cloneBig(pos.MaxBaseFeeWei)
	out.MaxTipWei = cloneBig(pos.MaxTipWei)
	out.QuoteBalance = cloneBig(pos.QuoteBalance)
	out.BaseBalance = cloneBig(pos.BaseBalance)
	return out
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
