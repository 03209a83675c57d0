package dex

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Venue is a swap venue able to convert one asset into another at its
// current price. The execution engine only ever needs exact-in swaps plus a
// reserve query for interim quoting.
type Venue interface {
	// Name returns the venue name.
	Name() string

	// SwapExactIn converts amountIn of assetIn into assetOut and returns
	// the output amount in the out asset's smallest units.
	SwapExactIn(ctx context.Context, assetIn, assetOut common.Address, amountIn *big.Int) (*big.Int, error)

	// GetReserves returns the venue's reserves for a pair, used for
	// interim quoting.
	GetReserves(ctx context.Context, assetIn, assetOut common.Address) (*Reserves, error)
}

// Reserves represents a pair's reserves at a point in time.
type Reserves struct {
	Reserve0    *big.Int
	Reserve1    *big.Int
	BlockNumber uint32
}
