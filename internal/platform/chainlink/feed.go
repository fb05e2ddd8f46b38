// Package chainlink reads reference prices from Chainlink aggregator
// contracts over JSON-RPC. One FeedClient serves many assets; each asset is
// mapped to its aggregator address at registration time.
package chainlink

import (
	"context"
	"fmt"
	"log/slog"
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

var aggregatorABI abi.ABI

func init() {
	var err error
	aggregatorABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "latestRoundData",
			"type": "function",
			"stateMutability": "view",
			"inputs": [],
			"outputs": [
				{"name": "roundId", "type": "uint80"},
				{"name": "answer", "type": "int256"},
				{"name": "startedAt", "type": "uint256"},
				{"name": "updatedAt", "type": "uint256"},
				{"name": "answeredInRound", "type": "uint80"}
			]
		},
		{
			"name": "decimals",
			"type": "function",
			"stateMutability": "view",
			"inputs": [],
			"outputs": [{"name": "", "type": "uint8"}]
		}
	]`))
	if err != nil {
		panic("chainlink: aggregator abi parse: " + err.Error())
	}
}

// FeedClient dials one JSON-RPC endpoint and exposes per-asset price feeds.
type FeedClient struct {
	client *ethclient.Client
	logger *slog.Logger

	mu          sync.RWMutex
	aggregators map[common.Address]common.Address // asset -> aggregator
	decimals    map[common.Address]uint8          // aggregator -> cached decimals
}

// NewFeedClient dials the RPC endpoint and returns a FeedClient.
func NewFeedClient(rpcURL string, logger *slog.Logger) (*FeedClient, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chainlink: dial rpc %s: %w", rpcURL, err)
	}
	return &FeedClient{
		client:      client,
		logger:      logger.With(slog.String("component", "chainlink")),
		aggregators: make(map[common.Address]common.Address),
		decimals:    make(map[common.Address]uint8),
	}, nil
}

// Close releases the RPC connection.
func (fc *FeedClient) Close() {
	fc.client.Close()
}

// Register maps an asset to its aggregator contract and returns a
// domain.PriceFeed bound to that aggregator.
func (fc *FeedClient) Register(ctx context.Context, asset, aggregator common.Address) (domain.PriceFeed, error) {
	dec, err := fc.aggregatorDecimals(ctx, aggregator)
	if err != nil {
		return nil, err
	}

	fc.mu.Lock()
	fc.aggregators[asset] = aggregator
	fc.mu.Unlock()

	return &feed{client: fc, asset: asset, aggregator: aggregator, decimals: dec}, nil
}

func (fc *FeedClient) aggregatorDecimals(ctx context.Context, aggregator common.Address) (uint8, error) {
	fc.mu.RLock()
	dec, ok := fc.decimals[aggregator]
	fc.mu.RUnlock()
	if ok {
		return dec, nil
	}

	callData, err := aggregatorABI.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("chainlink: pack decimals: %w", err)
	}
	result, err := fc.client.CallContract(ctx, ethereum.CallMsg{To: &aggregator, Data: callData}, nil)
	if err != nil {
		return 0, fmt.Errorf("chainlink: decimals call %s: %w", aggregator.Hex(), err)
	}
	vals, err := aggregatorABI.Unpack("decimals", result)
	if err != nil || len(vals) == 0 {
		return 0, fmt.Errorf("chainlink: unpack decimals %s: %w", aggregator.Hex(), err)
	}
	dec = vals[0].(uint8)

	fc.mu.Lock()
	fc.decimals[aggregator] = dec
	fc.mu.Unlock()
	return dec, nil
}

func (fc *FeedClient) latestRoundData(ctx context.Context, aggregator common.Address) (*big.Int, time.Time, error) {
	callData, err := aggregatorABI.Pack("latestRoundData")
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("chainlink: pack latestRoundData: %w", err)
	}
	result, err := fc.client.CallContract(ctx, ethereum.CallMsg{To: &aggregator, Data: callData}, nil)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("chainlink: latestRoundData call %s: %w", aggregator.Hex(), err)
	}
	vals, err := aggregatorABI.Unpack("latestRoundData", result)
	if err != nil || len(vals) < 5 {
		return nil, time.Time{}, fmt.Errorf("chainlink: unpack latestRoundData %s: %w", aggregator.Hex(), err)
	}

	answer := vals[1].(*big.Int)
	if answer.Sign() <= 0 {
		return nil, time.Time{}, fmt.Errorf("chainlink: aggregator %s reported non-positive answer", aggregator.Hex())
	}
	updatedAt := vals[3].(*big.Int)
	return new(big.Int).Set(answer), time.Unix(updatedAt.Int64(), 0).UTC(), nil
}

// feed is one asset's view over the shared FeedClient.
type feed struct {
	client     *FeedClient
	asset      common.Address
	aggregator common.Address
	decimals   uint8
}

var _ domain.PriceFeed = (*feed)(nil)

func (f *feed) Latest(ctx context.Context) (domain.PriceSample, error) {
	price, updatedAt, err := f.client.latestRoundData(ctx, f.aggregator)
	if err != nil {
		return domain.PriceSample{}, err
	}
	return domain.PriceSample{
		Price:     price,
		Decimals:  f.decimals,
		UpdatedAt: updatedAt,
	}, nil
}

func (f *feed) Decimals() uint8 {
	return f.decimals
}
