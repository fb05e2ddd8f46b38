package pricing

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recurswap/keeperd/internal/domain"
)

func TestDeviationBpsSymmetric(t *testing.T) {
	a := big.NewInt(100_000)
	b := big.NewInt(95_000)

	assert.Equal(t, DeviationBps(a, b), DeviationBps(b, a))
	// 5% of the larger value.
	assert.Equal(t, uint32(500), DeviationBps(a, b))
}

func TestDeviationBpsEqual(t *testing.T) {
	v := big.NewInt(123_456)
	assert.Equal(t, uint32(0), DeviationBps(v, v))
}

func TestRescale(t *testing.T) {
	// Upscale is exact.
	up := Rescale(big.NewInt(1_500), 3, 6)
	assert.Equal(t, "1500000", up.String())

	// Downscale truncates toward zero.
	down := Rescale(big.NewInt(1_999_999), 6, 3)
	assert.Equal(t, "1999", down.String())

	// Same precision is identity.
	same := Rescale(big.NewInt(42), 8, 8)
	assert.Equal(t, "42", same.String())
}

func TestUsdValue(t *testing.T) {
	// 2.5 tokens at 6 decimals, price $2.00 at 8-decimal feed precision.
	amount := big.NewInt(2_500_000)
	sample := domain.PriceSample{
		Price:    big.NewInt(200_000_000),
		Decimals: 8,
	}

	usd := UsdValue(amount, 6, sample)

	want := new(big.Int).Mul(big.NewInt(5), pow10(domain.USDDecimals))
	assert.Equal(t, want.String(), usd.String())
}

func TestAssetAmountInvertsUsdValue(t *testing.T) {
	sample := domain.PriceSample{
		Price:    big.NewInt(350_000_000), // $3.50 at 8 decimals
		Decimals: 8,
	}
	amount := big.NewInt(4_000_000) // 4 tokens at 6 decimals

	usd := UsdValue(amount, 6, sample)
	back := AssetAmount(usd, 6, sample)

	assert.Equal(t, amount.String(), back.String())
}

func TestApplyBps(t *testing.T) {
	v := big.NewInt(1_000_000)

	assert.Equal(t, "500", ApplyBps(v, 5).String())
	assert.Equal(t, "1000000", ApplyBps(v, domain.BpsDenominator).String())
	assert.Equal(t, "0", ApplyBps(v, 0).String())
}

func TestIsFresh(t *testing.T) {
	svc := NewService(nil, nil, testLogger())
	svc.SetMaxStaleness(30 * time.Minute)

	now := time.Now()

	assert.True(t, svc.IsFresh(now.Add(-time.Minute)))
	assert.False(t, svc.IsFresh(now.Add(-time.Hour)))
	// An oracle clock slightly ahead of ours still counts as fresh.
	assert.True(t, svc.IsFresh(now.Add(time.Minute)))
}

func TestTWAPRequiresPositiveWindow(t *testing.T) {
	svc := NewService(nil, nil, testLogger())

	_, err := svc.TWAP(context.Background(), addr(1), addr(2), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)
}
