package routing

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recurswap/keeperd/internal/domain"
)

type stubAdapter struct {
	venue domain.Venue
}

func (a *stubAdapter) Venue() domain.Venue { return a.venue }

func (a *stubAdapter) SwapExactInput(ctx context.Context, req domain.SwapRequest) (*big.Int, error) {
	return new(big.Int), nil
}

func TestAddAndGetAdapter(t *testing.T) {
	r := NewRegistry()
	uni := &stubAdapter{venue: domain.VenueUniswapV3}

	require.NoError(t, r.AddAdapter(domain.VenueUniswapV3, uni))
	assert.Same(t, uni, r.GetAdapter(domain.VenueUniswapV3))
	assert.Nil(t, r.GetAdapter(domain.VenueCowProtocol))
}

func TestAddAdapterValidation(t *testing.T) {
	r := NewRegistry()

	err := r.AddAdapter("binance", &stubAdapter{venue: "binance"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)

	err = r.AddAdapter(domain.VenueUniswapV3, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)

	require.NoError(t, r.AddAdapter(domain.VenueUniswapV3, &stubAdapter{venue: domain.VenueUniswapV3}))
	err = r.AddAdapter(domain.VenueUniswapV3, &stubAdapter{venue: domain.VenueUniswapV3})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestUpdateAdapter(t *testing.T) {
	r := NewRegistry()
	first := &stubAdapter{venue: domain.VenueCowProtocol}
	second := &stubAdapter{venue: domain.VenueCowProtocol}

	err := r.UpdateAdapter(domain.VenueCowProtocol, first)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAdapterMissing)

	require.NoError(t, r.AddAdapter(domain.VenueCowProtocol, first))
	require.NoError(t, r.UpdateAdapter(domain.VenueCowProtocol, second))
	assert.Same(t, second, r.GetAdapter(domain.VenueCowProtocol))
}

func TestRemoveAdapterSwapRemoves(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.AddAdapter(domain.VenueUniswapV3, &stubAdapter{venue: domain.VenueUniswapV3}))
	require.NoError(t, r.AddAdapter(domain.VenueCowProtocol, &stubAdapter{venue: domain.VenueCowProtocol}))
	require.NoError(t, r.AddAdapter(domain.VenueOneInch, &stubAdapter{venue: domain.VenueOneInch}))

	require.NoError(t, r.RemoveAdapter(domain.VenueUniswapV3))

	assert.Nil(t, r.GetAdapter(domain.VenueUniswapV3))
	assert.ElementsMatch(t,
		[]domain.Venue{domain.VenueCowProtocol, domain.VenueOneInch},
		r.ListVenues())

	// The swapped-in venue stays addressable.
	require.NoError(t, r.RemoveAdapter(domain.VenueOneInch))
	assert.Equal(t, []domain.Venue{domain.VenueCowProtocol}, r.ListVenues())

	err := r.RemoveAdapter(domain.VenueUniswapV3)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAdapterMissing)
}
