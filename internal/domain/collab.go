package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PriceSample is one reading of a registered feed.
type PriceSample struct {
	Price     *big.Int
	Decimals  uint8
	UpdatedAt time.Time
}

// PriceFeed resolves the latest reference price for one asset.
type PriceFeed interface {
	Latest(ctx context.Context) (PriceSample, error)
	Decimals() uint8
}

// TwapSource resolves a time-weighted average price for an asset pair over a
// window. It fails when no pool is registered for the pair or the window is
// non-positive.
type TwapSource interface {
	TWAP(ctx context.Context, assetIn, assetOut common.Address, window time.Duration) (*big.Int, error)
}

// NetworkCost is the current execution cost of the settlement network.
type NetworkCost struct {
	BaseFeeWei *big.Int
	TipWei     *big.Int
}

// NetworkCostSource estimates the current network execution cost.
type NetworkCostSource interface {
	Estimate(ctx context.Context) (NetworkCost, error)
}

// OwnershipToken is the external transferable-certificate collaborator. The
// ledger issues a certificate on create and revokes it on the terminal
// transition; the collaborator calls the ledger back on every transfer.
type OwnershipToken interface {
	Issue(ctx context.Context, owner common.Address, id PositionID) error
	Revoke(ctx context.Context, id PositionID) error
}

// Custodian moves externally custodied funds and reports custodied totals.
// The solvency invariant is checked against it: for every asset the
// custodied total must cover the sum of recorded position balances.
type Custodian interface {
	// Address is the custody account that receives trade proceeds.
	Address() common.Address
	Transfer(ctx context.Context, asset, to common.Address, amount *big.Int) error
	Balance(ctx context.Context, asset common.Address) (*big.Int, error)
}
