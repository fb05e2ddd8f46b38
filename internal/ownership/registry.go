// Package ownership implements the transferable-certificate collaborator.
// Each position has one certificate; transferring it moves control of the
// position, and the registry calls the ledger back so ownership state stays
// consistent.
package ownership

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/recurswap/keeperd/internal/domain"
)

// TransferSink is the ledger's callback surface. On a transfer to the zero
// address the certificate is burned and the sink stops tracking it.
type TransferSink interface {
	OnOwnershipTransferred(ctx context.Context, id domain.PositionID, from, to common.Address) error
}

// Registry tracks certificate holders in-process and mirrors every transfer
// into the sink.
type Registry struct {
	mu      sync.Mutex
	holders map[domain.PositionID]common.Address
	sink    TransferSink
}

var _ domain.OwnershipToken = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{holders: make(map[domain.PositionID]common.Address)}
}

// Bind attaches the ledger callback. It must be called before any transfer;
// issuance alone does not need the sink.
func (r *Registry) Bind(sink TransferSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

// Issue mints the certificate for a freshly created position.
func (r *Registry) Issue(ctx context.Context, owner common.Address, id domain.PositionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.holders[id]; ok {
		return fmt.Errorf("%w: certificate for position %d already issued", domain.ErrStateConflict, id)
	}
	r.holders[id] = owner
	return nil
}

// Revoke burns the certificate on the position's terminal transition. It is
// a no-op when the certificate was already burned by a zero-address
// transfer.
func (r *Registry) Revoke(ctx context.Context, id domain.PositionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.holders, id)
	return nil
}

// HolderOf returns the current certificate holder.
func (r *Registry) HolderOf(id domain.PositionID) (common.Address, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	holder, ok := r.holders[id]
	return holder, ok
}

// Transfer moves the certificate and propagates the change to the ledger.
// The ledger may reject the transfer (active position, recipient at cap), in
// which case the certificate stays with the current holder.
func (r *Registry) Transfer(ctx context.Context, id domain.PositionID, from, to common.Address) error {
	r.mu.Lock()
	holder, ok := r.holders[id]
	sink := r.sink
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: certificate for position %d", domain.ErrNotFound, id)
	}
	if holder != from {
		return fmt.Errorf("%w: %s does not hold certificate for position %d", domain.ErrUnauthorized, from.Hex(), id)
	}
	if sink == nil {
		return fmt.Errorf("%w: ownership registry has no ledger bound", domain.ErrConfiguration)
	}

	if err := sink.OnOwnershipTransferred(ctx, id, from, to); err != nil {
		return err
	}

	r.mu.Lock()
	if to == (common.Address{}) {
		delete(r.holders, id)
	} else {
		r.holders[id] = to
	}
	r.mu.Unlock()
	return nil
}
