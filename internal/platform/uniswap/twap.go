// Package uniswap integrates Uniswap V3: pool oracles as the TWAP source for
// the deviation guard, and the swap router as the default trade venue.
package uniswap

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/recurswap/keeperd/internal/domain"
)

var poolABI abi.ABI

func init() {
	var err error
	poolABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "observe",
			"type": "function",
			"stateMutability": "view",
			"inputs": [{"name": "secondsAgos", "type": "uint32[]"}],
			"outputs": [
				{"name": "tickCumulatives", "type": "int56[]"},
				{"name": "secondsPerLiquidityCumulativeX128s", "type": "uint160[]"}
			]
		}
	]`))
	if err != nil {
		panic("uniswap: pool abi parse: " + err.Error())
	}
}

type pairKey struct {
	in, out common.Address
}

type poolRef struct {
	addr common.Address
	// inverted means the pool's token0 is the pair's out asset, so the tick
	// price must be flipped.
	inverted bool
	// decimalsIn - decimalsOut, applied when converting the tick price to
	// protocol USD precision.
	decimalShift int
}

// TwapOracle implements domain.TwapSource over registered V3 pools. The
// returned TWAP is the out-asset price of one in-asset unit at protocol USD
// precision, which holds when the out asset is a USD stablecoin.
type TwapOracle struct {
	client *ethclient.Client

	mu    sync.RWMutex
	pools map[pairKey]poolRef
}

var _ domain.TwapSource = (*TwapOracle)(nil)

// NewTwapOracle dials the RPC endpoint and returns an empty oracle.
func NewTwapOracle(rpcURL string) (*TwapOracle, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("uniswap: dial rpc %s: %w", rpcURL, err)
	}
	return &TwapOracle{client: client, pools: make(map[pairKey]poolRef)}, nil
}

// Close releases the RPC connection.
func (o *TwapOracle) Close() {
	o.client.Close()
}

// RegisterPool maps an asset pair to its V3 pool. inverted marks pools whose
// token0 is the out asset; decimals are the pair's ERC20 decimals.
func (o *TwapOracle) RegisterPool(assetIn, assetOut, pool common.Address, inverted bool, decimalsIn, decimalsOut uint8) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pools[pairKey{assetIn, assetOut}] = poolRef{
		addr:         pool,
		inverted:     inverted,
		decimalShift: int(decimalsIn) - int(decimalsOut),
	}
}

// TWAP returns the time-weighted average price over the window.
func (o *TwapOracle) TWAP(ctx context.Context, assetIn, assetOut common.Address, window time.Duration) (*big.Int, error) {
	if window <= 0 {
		return nil, fmt.Errorf("%w: twap window must be positive", domain.ErrValidation)
	}

	o.mu.RLock()
	ref, ok := o.pools[pairKey{assetIn, assetOut}]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no pool for pair %s/%s", domain.ErrNotFound, assetIn.Hex(), assetOut.Hex())
	}

	secondsAgo := uint32(window / time.Second)
	callData, err := poolABI.Pack("observe", []uint32{secondsAgo, 0})
	if err != nil {
		return nil, fmt.Errorf("uniswap: pack observe: %w", err)
	}
	result, err := o.client.CallContract(ctx, ethereum.CallMsg{To: &ref.addr, Data: callData}, nil)
	if err != nil {
		return nil, fmt.Errorf("uniswap: observe %s: %w", ref.addr.Hex(), err)
	}
	vals, err := poolABI.Unpack("observe", result)
	if err != nil || len(vals) == 0 {
		return nil, fmt.Errorf("uniswap: unpack observe %s: %w", ref.addr.Hex(), err)
	}

	cumulatives, ok := vals[0].([]*big.Int)
	if !ok || len(cumulatives) < 2 {
		return nil, fmt.Errorf("uniswap: observe %s: unexpected tick cumulatives", ref.addr.Hex())
	}

	delta := new(big.Int).Sub(cumulatives[1], cumulatives[0])
	avgTick := new(big.Int).Quo(delta, big.NewInt(int64(secondsAgo))).Int64()
	if ref.inverted {
		avgTick = -avgTick
	}

	return tickToPrice(avgTick, ref.decimalShift), nil
}

// tickToPrice converts a V3 tick to a price at protocol USD precision,
// adjusting for the pair's decimal difference: price = 1.0001^tick *
// 10^(decimalShift) * 10^USDDecimals.
func tickToPrice(tick int64, decimalShift int) *big.Int {
	price := new(big.Float).SetPrec(128)
	base := big.NewFloat(1.0001)
	price.SetInt64(1)

	abs := tick
	if abs < 0 {
		abs = -abs
	}
	pow := new(big.Float).Copy(base)
	for n := abs; n > 0; n >>= 1 {
		if n&1 == 1 {
			price.Mul(price, pow)
		}
		pow.Mul(pow, pow)
	}
	if tick < 0 {
		price.Quo(big.NewFloat(1), price)
	}

	shift := decimalShift + int(domain.USDDecimals)
	if shift > 0 {
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(shift)), nil)
		price.Mul(price, new(big.Float).SetInt(scale))
	} else if shift < 0 {
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-shift)), nil)
		price.Quo(price, new(big.Float).SetInt(scale))
	}

	out, _ := price.Int(nil)
	return out
}
