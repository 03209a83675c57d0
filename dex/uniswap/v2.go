// Package uniswap adapts a Uniswap V2 style venue for read-path quoting.
// The service only quotes through it off-chain; settlement of a live swap
// happens inside the on-chain execution unit, not from here.
package uniswap

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	lru "github.com/hashicorp/golang-lru"

	"github.com/lumina-fi/loanshield/dex"
)

// Mainnet deployment constants.
var (
	MainnetRouter  = common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	MainnetFactory = common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f")
)

const pairCacheSize = 256

// UniswapV2 implements dex.Venue over a Uniswap V2 factory.
type UniswapV2 struct {
	client   *ethclient.Client
	factory  common.Address
	router   common.Address
	initCode []byte
	pairs    *lru.Cache
	pairABI  abi.ABI
}

// NewUniswapV2 creates a quoting venue bound to the mainnet factory.
func NewUniswapV2(client *ethclient.Client) (*UniswapV2, error) {
	parsedABI, err := abi.JSON(strings.NewReader(pairABIJson))
	if err != nil {
		return nil, fmt.Errorf("failed to parse pair ABI: %w", err)
	}

	cache, err := lru.New(pairCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create pair cache: %w", err)
	}

	return &UniswapV2{
		client:   client,
		factory:  MainnetFactory,
		router:   MainnetRouter,
		initCode: common.FromHex("0x96e8ac4277198ff8b6f785478aa9a39f403cb768dd02cbee326c3e7da348845f"),
		pairs:    cache,
		pairABI:  parsedABI,
	}, nil
}

// Name returns the venue name.
func (u *UniswapV2) Name() string { return "UniswapV2" }

// GetRouterAddress returns the router contract address.
func (u *UniswapV2) GetRouterAddress() common.Address {
	return u.router
}

// SwapExactIn quotes the output of swapping amountIn through the pair's
// current reserves with the 30 bps pool fee applied.
func (u *UniswapV2) SwapExactIn(ctx context.Context, assetIn, assetOut common.Address, amountIn *big.Int) (*big.Int, error) {
	reserveIn, reserveOut, err := u.orientedReserves(ctx, assetIn, assetOut)
	if err != nil {
		return nil, err
	}
	if reserveIn.Sign() == 0 || reserveOut.Sign() == 0 {
		return nil, fmt.Errorf("insufficient liquidity for %s -> %s", assetIn.Hex(), assetOut.Hex())
	}
	return getAmountOut(amountIn, reserveIn, reserveOut), nil
}

// GetReserves returns the reserves of the pair, oriented so Reserve0 is the
// in asset's side.
func (u *UniswapV2) GetReserves(ctx context.Context, assetIn, assetOut common.Address) (*dex.Reserves, error) {
	reserveIn, reserveOut, err := u.orientedReserves(ctx, assetIn, assetOut)
	if err != nil {
		return nil, err
	}
	return &dex.Reserves{
		Reserve0: reserveIn,
		Reserve1: reserveOut,
	}, nil
}

func (u *UniswapV2) orientedReserves(ctx context.Context, assetIn, assetOut common.Address) (*big.Int, *big.Int, error) {
	pair, err := u.getPair(assetIn, assetOut)
	if err != nil {
		return nil, nil, err
	}

	reserve0, reserve1, err := pair.GetReserves(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get reserves: %w", err)
	}

	// Pair reserves are stored in token-address order.
	if sortsBefore(assetIn, assetOut) {
		return reserve0, reserve1, nil
	}
	return reserve1, reserve0, nil
}

// getPair returns the pair contract for two tokens, from cache when present.
func (u *UniswapV2) getPair(token0, token1 common.Address) (*Pair, error) {
	pairAddr := u.pairFor(token0, token1)
	if cached, ok := u.pairs.Get(pairAddr); ok {
		return cached.(*Pair), nil
	}

	pair, err := NewPair(pairAddr, u.client, u.pairABI)
	if err != nil {
		return nil, fmt.Errorf("failed to create pair contract: %w", err)
	}

	u.pairs.Add(pairAddr, pair)
	return pair, nil
}

// pairFor computes the CREATE2 pair address for two tokens.
func (u *UniswapV2) pairFor(token0, token1 common.Address) common.Address {
	if !sortsBefore(token0, token1) {
		token0, token1 = token1, token0
	}

	salt := crypto.Keccak256(token0.Bytes(), token1.Bytes())
	return common.BytesToAddress(crypto.Keccak256([]byte{
		0xff,
	}, u.factory.Bytes(), salt, u.initCode))
}

func sortsBefore(a, b common.Address) bool {
	return strings.ToLower(a.Hex()) < strings.ToLower(b.Hex())
}

// getAmountOut applies the constant-product formula with the 0.3% fee.
func getAmountOut(amountIn, reserveIn, reserveOut *big.Int) *big.Int {
	amountInWithFee := new(big.Int).Mul(amountIn, big.NewInt(997))
	numerator := new(big.Int).Mul(amountInWithFee, reserveOut)
	denominator := new(big.Int).Add(
		new(big.Int).Mul(reserveIn, big.NewInt(1000)),
		amountInWithFee,
	)
	return new(big.Int).Div(numerator, denominator)
}
