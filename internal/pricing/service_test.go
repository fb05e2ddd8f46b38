package pricing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recurswap/keeperd/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func addr(b byte) common.Address {
	return common.BytesToAddress([]byte{b})
}

// stubFeed returns a fixed sample or error.
type stubFeed struct {
	sample domain.PriceSample
	err    error
}

func (f *stubFeed) Latest(ctx context.Context) (domain.PriceSample, error) {
	return f.sample, f.err
}

func (f *stubFeed) Decimals() uint8 { return f.sample.Decimals }

func TestGetPriceRequiresRegisteredFeed(t *testing.T) {
	svc := NewService(nil, nil, testLogger())

	_, err := svc.GetPrice(context.Background(), addr(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrFeedMissing)
}

func TestGetPriceReturnsFeedSample(t *testing.T) {
	svc := NewService(nil, nil, testLogger())
	asset := addr(1)
	sample := domain.PriceSample{
		Price:     big.NewInt(100_000_000),
		Decimals:  8,
		UpdatedAt: time.Now(),
	}
	require.NoError(t, svc.RegisterFeed(asset, &stubFeed{sample: sample}))

	got, err := svc.GetPrice(context.Background(), asset)
	require.NoError(t, err)
	assert.Equal(t, sample.Price.String(), got.Price.String())
	assert.Equal(t, uint8(8), got.Decimals)
}

func TestRegisterFeedRejectsDuplicate(t *testing.T) {
	svc := NewService(nil, nil, testLogger())
	asset := addr(1)
	feed := &stubFeed{sample: domain.PriceSample{Price: big.NewInt(1), Decimals: 8}}

	require.NoError(t, svc.RegisterFeed(asset, feed))
	err := svc.RegisterFeed(asset, feed)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestRemoveFeed(t *testing.T) {
	svc := NewService(nil, nil, testLogger())
	asset := addr(1)
	require.NoError(t, svc.RegisterFeed(asset, &stubFeed{
		sample: domain.PriceSample{Price: big.NewInt(1), Decimals: 8},
	}))

	require.NoError(t, svc.RemoveFeed(asset))
	assert.False(t, svc.HasFeed(asset))

	err := svc.RemoveFeed(asset)
	assert.ErrorIs(t, err, domain.ErrFeedMissing)
}

func TestIsDepegged(t *testing.T) {
	svc := NewService(nil, nil, testLogger())
	asset := addr(1)

	// $0.985 at 8-decimal precision: 150 bps off the peg.
	require.NoError(t, svc.RegisterFeed(asset, &stubFeed{
		sample: domain.PriceSample{Price: big.NewInt(98_500_000), Decimals: 8, UpdatedAt: time.Now()},
	}))

	depegged, err := svc.IsDepegged(context.Background(), asset, 100)
	require.NoError(t, err)
	assert.True(t, depegged)

	depegged, err = svc.IsDepegged(context.Background(), asset, 200)
	require.NoError(t, err)
	assert.False(t, depegged)
}

func TestUsdValuePropagatesFeedError(t *testing.T) {
	svc := NewService(nil, nil, testLogger())
	asset := addr(1)
	require.NoError(t, svc.RegisterFeed(asset, &stubFeed{err: errors.New("rpc down")}))

	_, err := svc.UsdValue(context.Background(), asset, big.NewInt(1), 6)
	require.Error(t, err)
}
