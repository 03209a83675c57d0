package dex

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/lumina-fi/loanshield/types"
)

// StaticVenue is an in-memory venue quoting swaps at configured fixed rates.
// It backs the test-suite and the simulation backend; rates are expressed as
// smallest-unit out per smallest-unit in on the 1e18 scale, so decimal
// handling is the caller's price normalization, same as on a real venue.
type StaticVenue struct {
	mu       sync.RWMutex
	rates    map[pairKey]*big.Int
	reserves map[pairKey]*Reserves
}

type pairKey struct {
	in  common.Address
	out common.Address
}

// NewStaticVenue creates an empty fixed-rate venue.
func NewStaticVenue() *StaticVenue {
	return &StaticVenue{
		rates:    make(map[pairKey]*big.Int),
		reserves: make(map[pairKey]*Reserves),
	}
}

// Name returns the venue name.
func (v *StaticVenue) Name() string { return "static" }

// SetRate fixes the out-per-in rate for a directed pair.
func (v *StaticVenue) SetRate(assetIn, assetOut common.Address, rate *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rates[pairKey{assetIn, assetOut}] = new(big.Int).Set(rate)
}

// SetReserves fixes the reserves reported for a directed pair.
func (v *StaticVenue) SetReserves(assetIn, assetOut common.Address, reserve0, reserve1 *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.reserves[pairKey{assetIn, assetOut}] = &Reserves{
		Reserve0: new(big.Int).Set(reserve0),
		Reserve1: new(big.Int).Set(reserve1),
	}
}

// SwapExactIn quotes amountIn * rate / 1e18 with floor division.
func (v *StaticVenue) SwapExactIn(ctx context.Context, assetIn, assetOut common.Address, amountIn *big.Int) (*big.Int, error) {
	v.mu.RLock()
	rate, ok := v.rates[pairKey{assetIn, assetOut}]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("static venue: no rate for %s -> %s", assetIn.Hex(), assetOut.Hex())
	}

	out := new(big.Int).Mul(amountIn, rate)
	return out.Div(out, types.Scale), nil
}

// GetReserves returns the configured reserves for the pair.
func (v *StaticVenue) GetReserves(ctx context.Context, assetIn, assetOut common.Address) (*Reserves, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if r, ok := v.reserves[pairKey{assetIn, assetOut}]; ok {
		return &Reserves{
			Reserve0:    new(big.Int).Set(r.Reserve0),
			Reserve1:    new(big.Int).Set(r.Reserve1),
			BlockNumber: r.BlockNumber,
		}, nil
	}
	return nil, fmt.Errorf("static venue: no reserves for %s -> %s", assetIn.Hex(), assetOut.Hex())
}
