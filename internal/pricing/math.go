package pricing

import (
	"math/big"

	"github.com/recurswap/keeperd/internal/domain"
)

var bpsDenom = big.NewInt(domain.BpsDenominator)

// pow10 returns 10^n as a big integer.
func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// DeviationBps returns the relative deviation between two positive prices in
// basis points. The denominator is always the larger of the two, so the
// result is symmetric in its arguments: DeviationBps(a, b) == DeviationBps(b, a).
func DeviationBps(a, b *big.Int) uint32 {
	if a == nil || b == nil || a.Sign() <= 0 || b.Sign() <= 0 {
		return 0
	}

	diff := new(big.Int).Sub(a, b)
	diff.Abs(diff)

	denom := a
	if b.Cmp(a) > 0 {
		denom = b
	}

	bps := new(big.Int).Mul(diff, bpsDenom)
	bps.Quo(bps, denom)
	return uint32(bps.Uint64())
}

// Rescale converts a fixed-point value between decimal precisions. Upscaling
// is exact; downscaling truncates toward zero.
func Rescale(v *big.Int, from, to uint8) *big.Int {
	if v == nil {
		return nil
	}
	switch {
	case to > from:
		return new(big.Int).Mul(v, pow10(to-from))
	case from > to:
		return new(big.Int).Quo(v, pow10(from-to))
	default:
		return new(big.Int).Set(v)
	}
}

// UsdValue converts a token amount to protocol-precision USD:
// amount × price / 10^tokenDecimals, rescaled from the feed's price
// precision to USDDecimals.
func UsdValue(amount *big.Int, tokenDecimals uint8, sample domain.PriceSample) *big.Int {
	if amount == nil || sample.Price == nil {
		return new(big.Int)
	}
	price18 := Rescale(sample.Price, sample.Decimals, domain.USDDecimals)
	usd := new(big.Int).Mul(amount, price18)
	return usd.Quo(usd, pow10(tokenDecimals))
}

// AssetAmount converts a protocol-precision USD value back to token base
// units at the given reference price. It is the inverse of UsdValue modulo
// truncation.
func AssetAmount(usd *big.Int, tokenDecimals uint8, sample domain.PriceSample) *big.Int {
	if usd == nil || sample.Price == nil || sample.Price.Sign() <= 0 {
		return new(big.Int)
	}
	price18 := Rescale(sample.Price, sample.Decimals, domain.USDDecimals)
	amt := new(big.Int).Mul(usd, pow10(tokenDecimals))
	return amt.Quo(amt, price18)
}

// ApplyBps returns v × bps / 10_000.
func ApplyBps(v *big.Int, bps uint32) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(v, big.NewInt(int64(bps)))
	return out.Quo(out, bpsDenom)
}
