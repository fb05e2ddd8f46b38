package ownership

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recurswap/keeperd/internal/domain"
)

type sinkCall struct {
	id       domain.PositionID
	from, to common.Address
}

type fakeSink struct {
	calls []sinkCall
	err   error
}

func (s *fakeSink) OnOwnershipTransferred(ctx context.Context, id domain.PositionID, from, to common.Address) error {
	if s.err != nil {
		return s.err
	}
	s.calls = append(s.calls, sinkCall{id: id, from: from, to: to})
	return nil
}

func addr(b byte) common.Address {
	return common.BytesToAddress([]byte{b})
}

func TestIssueRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	require.NoError(t, r.Issue(ctx, addr(1), 1))

	err := r.Issue(ctx, addr(2), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStateConflict)

	holder, ok := r.HolderOf(1)
	require.True(t, ok)
	assert.Equal(t, addr(1), holder)
}

func TestTransferMovesCertificate(t *testing.T) {
	r := NewRegistry()
	sink := &fakeSink{}
	r.Bind(sink)
	ctx := context.Background()

	require.NoError(t, r.Issue(ctx, addr(1), 1))
	require.NoError(t, r.Transfer(ctx, 1, addr(1), addr(2)))

	holder, ok := r.HolderOf(1)
	require.True(t, ok)
	assert.Equal(t, addr(2), holder)
	require.Len(t, sink.calls, 1)
	assert.Equal(t, sinkCall{id: 1, from: addr(1), to: addr(2)}, sink.calls[0])
}

func TestTransferRequiresCurrentHolder(t *testing.T) {
	r := NewRegistry()
	r.Bind(&fakeSink{})
	ctx := context.Background()

	require.NoError(t, r.Issue(ctx, addr(1), 1))

	err := r.Transfer(ctx, 1, addr(2), addr(3))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	holder, _ := r.HolderOf(1)
	assert.Equal(t, addr(1), holder)
}

func TestTransferUnknownCertificate(t *testing.T) {
	r := NewRegistry()
	r.Bind(&fakeSink{})

	err := r.Transfer(context.Background(), 9, addr(1), addr(2))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTransferWithoutSink(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	require.NoError(t, r.Issue(ctx, addr(1), 1))

	err := r.Transfer(ctx, 1, addr(1), addr(2))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestTransferToZeroAddressBurns(t *testing.T) {
	r := NewRegistry()
	r.Bind(&fakeSink{})
	ctx := context.Background()

	require.NoError(t, r.Issue(ctx, addr(1), 1))
	require.NoError(t, r.Transfer(ctx, 1, addr(1), common.Address{}))

	_, ok := r.HolderOf(1)
	assert.False(t, ok)
}

func TestSinkRejectionKeepsHolder(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("recipient at cap")
	r.Bind(&fakeSink{err: boom})
	ctx := context.Background()

	require.NoError(t, r.Issue(ctx, addr(1), 1))

	err := r.Transfer(ctx, 1, addr(1), addr(2))
	require.ErrorIs(t, err, boom)

	holder, ok := r.HolderOf(1)
	require.True(t, ok)
	assert.Equal(t, addr(1), holder)
}

func TestRevokeIsIdempotent(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	require.NoError(t, r.Issue(ctx, addr(1), 1))
	require.NoError(t, r.Revoke(ctx, 1))
	require.NoError(t, r.Revoke(ctx, 1))

	_, ok := r.HolderOf(1)
	assert.False(t, ok)
}
