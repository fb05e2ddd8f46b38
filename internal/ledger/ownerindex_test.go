package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recurswap/keeperd/internal/domain"
)

func TestOwnerIndexInsertRemove(t *testing.T) {
	ix := NewOwnerIndex()

	ix.Insert(owner, 1)
	ix.Insert(owner, 2)
	ix.Insert(stranger, 3)

	assert.Equal(t, 2, ix.Count(owner))
	assert.Equal(t, 1, ix.Count(stranger))
	assert.True(t, ix.Contains(1))
	assert.ElementsMatch(t, []domain.PositionID{1, 2}, ix.List(owner))

	got, ok := ix.OwnerOf(2)
	require.True(t, ok)
	assert.Equal(t, owner, got)

	ix.Remove(1)
	assert.False(t, ix.Contains(1))
	assert.Equal(t, 1, ix.Count(owner))
	assert.Equal(t, []domain.PositionID{2}, ix.List(owner))

	// Removing an absent id is a no-op.
	ix.Remove(99)
	assert.Equal(t, 1, ix.Count(owner))
}

func TestOwnerIndexInsertIsIdempotent(t *testing.T) {
	ix := NewOwnerIndex()

	ix.Insert(owner, 1)
	ix.Insert(owner, 1)
	assert.Equal(t, 1, ix.Count(owner))

	// An indexed id stays with its owner; reassignment goes through Remove.
	ix.Insert(stranger, 1)
	got, ok := ix.OwnerOf(1)
	require.True(t, ok)
	assert.Equal(t, owner, got)
	assert.Equal(t, 1, ix.Count(owner))
	assert.Equal(t, 0, ix.Count(stranger))

	ix.Remove(1)
	ix.Insert(stranger, 1)
	got, ok = ix.OwnerOf(1)
	require.True(t, ok)
	assert.Equal(t, stranger, got)
}

func TestOwnerIndexListIsolated(t *testing.T) {
	ix := NewOwnerIndex()
	ix.Insert(owner, 1)
	ix.Insert(owner, 2)

	list := ix.List(owner)
	list[0] = 99

	assert.ElementsMatch(t, []domain.PositionID{1, 2}, ix.List(owner))
}
