package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// PositionStore persists positions. Implementations must treat every method
// as atomic: a failed call leaves the stored record untouched.
type PositionStore interface {
	// NextID allocates a fresh, never-reused position id.
	NextID(ctx context.Context) (PositionID, error)

	Create(ctx context.Context, pos Position) error
	Get(ctx context.Context, id PositionID) (Position, error)

	// Update replaces the stored record unconditionally.
	Update(ctx context.Context, pos Position) error

	// UpdateExecuted replaces the stored record only while the stored
	// ExecNonce still equals expectedNonce; otherwise it fails with
	// ErrNonceMismatch and writes nothing. This is the settlement commit.
	UpdateExecuted(ctx context.Context, pos Position, expectedNonce uint64) error

	ListByOwner(ctx context.Context, owner common.Address) ([]Position, error)
	ListAll(ctx context.Context) ([]Position, error)

	// ListDue returns ids of active positions whose NextExecAt is at or
	// before now, up to limit.
	ListDue(ctx context.Context, now time.Time, limit int) ([]PositionID, error)

	// CountActive counts stored positions that are neither paused-canceled
	// nor expired; used by the admin reconcile operation.
	CountActive(ctx context.Context, now time.Time) (int, error)
}

// EventStore persists the append-only telemetry log.
type EventStore interface {
	Append(ctx context.Context, evt Event) error
	List(ctx context.Context, opts ListOpts) ([]Event, error)
	ListByPosition(ctx context.Context, id PositionID, opts ListOpts) ([]Event, error)

	// ListBefore returns events recorded strictly before the cutoff; used by
	// the cold-storage archiver.
	ListBefore(ctx context.Context, before time.Time) ([]Event, error)
}
