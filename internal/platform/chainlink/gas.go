package chainlink

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/recurswap/keeperd/internal/domain"
)

// gasRefreshInterval bounds how often the RPC is asked for fresh fee data.
const gasRefreshInterval = 30 * time.Second

// GasEstimator implements domain.NetworkCostSource from the chain head's
// base fee and the node's suggested tip, with short-lived caching to avoid
// hammering the RPC on every guard evaluation.
type GasEstimator struct {
	client *ethclient.Client

	mu        sync.RWMutex
	cached    domain.NetworkCost
	refreshed time.Time
}

var _ domain.NetworkCostSource = (*GasEstimator)(nil)

// NewGasEstimator builds a GasEstimator on the FeedClient's RPC connection.
func NewGasEstimator(fc *FeedClient) *GasEstimator {
	return &GasEstimator{client: fc.client}
}

// Estimate returns the current base fee and suggested tip in wei.
func (g *GasEstimator) Estimate(ctx context.Context) (domain.NetworkCost, error) {
	g.mu.RLock()
	cached := g.cached
	refreshed := g.refreshed
	g.mu.RUnlock()

	if cached.BaseFeeWei != nil && time.Since(refreshed) < gasRefreshInterval {
		return cached, nil
	}

	head, err := g.client.HeaderByNumber(ctx, nil)
	if err != nil {
		if cached.BaseFeeWei != nil {
			return cached, nil
		}
		return domain.NetworkCost{}, fmt.Errorf("chainlink: fetch chain head: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		// Pre-EIP-1559 networks report no base fee.
		baseFee = new(big.Int)
	}

	tip, err := g.client.SuggestGasTipCap(ctx)
	if err != nil {
		if cached.TipWei != nil {
			tip = cached.TipWei
		} else {
			return domain.NetworkCost{}, fmt.Errorf("chainlink: suggest tip cap: %w", err)
		}
	}

	cost := domain.NetworkCost{
		BaseFeeWei: new(big.Int).Set(baseFee),
		TipWei:     new(big.Int).Set(tip),
	}

	g.mu.Lock()
	g.cached = cost
	g.refreshed = time.Now()
	g.mu.Unlock()

	return cost, nil
}
