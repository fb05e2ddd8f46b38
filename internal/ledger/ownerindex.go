package ledger

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/recurswap/keeperd/internal/domain"
)

// OwnerIndex maintains, per owner, an ordered duplicate-free list of owned
// position ids plus a reverse id → 1-based slot map (0 = absent). Membership
// test, insert, and removal are O(1); removal swaps the last id into the
// vacated slot and fixes up the moved id's recorded slot.
type OwnerIndex struct {
	mu    sync.RWMutex
	byown map[common.Address][]domain.PositionID
	slots map[domain.PositionID]int
	owner map[domain.PositionID]common.Address
}

// NewOwnerIndex creates an empty OwnerIndex.
func NewOwnerIndex() *OwnerIndex {
	return &OwnerIndex{
		byown: make(map[common.Address][]domain.PositionID),
		slots: make(map[domain.PositionID]int),
		owner: make(map[domain.PositionID]common.Address),
	}
}

// Insert adds id to the owner's list. Inserting an id that is already
// indexed is a no-op.
func (ix *OwnerIndex) Insert(owner common.Address, id domain.PositionID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.slots[id] != 0 {
		return
	}
	list := append(ix.byown[owner], id)
	ix.byown[owner] = list
	ix.slots[id] = len(list)
	ix.owner[id] = owner
}

// Remove detaches id from whichever owner currently holds it. Removing an
// unindexed id is a no-op.
func (ix *OwnerIndex) Remove(id domain.PositionID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	slot := ix.slots[id]
	if slot == 0 {
		return
	}
	owner := ix.owner[id]
	list := ix.byown[owner]

	last := len(list)
	if slot != last {
		moved := list[last-1]
		list[slot-1] = moved
		ix.slots[moved] = slot
	}
	list = list[:last-1]
	if len(list) == 0 {
		delete(ix.byown, owner)
	} else {
		ix.byown[owner] = list
	}
	delete(ix.slots, id)
	delete(ix.owner, id)
}

// Contains reports whether id is indexed.
func (ix *OwnerIndex) Contains(id domain.PositionID) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.slots[id] != 0
}

// OwnerOf returns the indexed owner of id; the second return is false when
// the id is not indexed.
func (ix *OwnerIndex) OwnerOf(id domain.PositionID) (common.Address, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	owner, ok := ix.owner[id]
	return owner, ok
}

// Count returns the number of positions indexed for owner.
func (ix *OwnerIndex) Count(owner common.Address) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byown[owner])
}

// List returns a copy of the owner's position ids in index order.
func (ix *OwnerIndex) List(owner common.Address) []domain.PositionID {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]domain.PositionID, len(ix.byown[owner]))
	copy(out, ix.byown[owner])
	return out
}
