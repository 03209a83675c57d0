package market

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/lumina-fi/loanshield/types"
)

// ChainMarket is a read-only adapter over a Compound-fork comptroller and its
// cToken markets. It serves the monitoring path: the keeper reads positions
// through it, while execution is settled by the on-chain unit, so FlashLoan is
// unsupported here.
type ChainMarket struct {
	client      *ethclient.Client
	comptroller *bind.BoundContract
	tokenABI    abi.ABI
	logger      *zap.Logger

	mu         sync.RWMutex
	underlying map[common.Address]common.Address // cToken -> underlying
	decimals   map[common.Address]uint8          // cToken -> underlying decimals
}

const comptrollerABIJson = `[{
	"constant": true,
	"inputs": [{"name": "account", "type": "address"}],
	"name": "getAssetsIn",
	"outputs": [{"name": "", "type": "address[]"}],
	"stateMutability": "view",
	"type": "function"
}, {
	"constant": true,
	"inputs": [{"name": "", "type": "address"}],
	"name": "markets",
	"outputs": [
		{"name": "isListed", "type": "bool"},
		{"name": "collateralFactorMantissa", "type": "uint256"}
	],
	"stateMutability": "view",
	"type": "function"
}, {
	"constant": true,
	"inputs": [{"name": "account", "type": "address"}],
	"name": "getAccountLiquidity",
	"outputs": [
		{"name": "", "type": "uint256"},
		{"name": "", "type": "uint256"},
		{"name": "", "type": "uint256"}
	],
	"stateMutability": "view",
	"type": "function"
}]`

const cTokenABIJson = `[{
	"constant": true,
	"inputs": [{"name": "account", "type": "address"}],
	"name": "balanceOf",
	"outputs": [{"name": "", "type": "uint256"}],
	"stateMutability": "view",
	"type": "function"
}, {
	"constant": true,
	"inputs": [{"name": "account", "type": "address"}],
	"name": "borrowBalanceStored",
	"outputs": [{"name": "", "type": "uint256"}],
	"stateMutability": "view",
	"type": "function"
}, {
	"constant": true,
	"inputs": [],
	"name": "exchangeRateStored",
	"outputs": [{"name": "", "type": "uint256"}],
	"stateMutability": "view",
	"type": "function"
}, {
	"constant": true,
	"inputs": [],
	"name": "underlying",
	"outputs": [{"name": "", "type": "address"}],
	"stateMutability": "view",
	"type": "function"
}, {
	"constant": true,
	"inputs": [],
	"name": "decimals",
	"outputs": [{"name": "", "type": "uint8"}],
	"stateMutability": "view",
	"type": "function"
}]`

const priceOracleABIJson = `[{
	"constant": true,
	"inputs": [{"name": "cToken", "type": "address"}],
	"name": "getUnderlyingPrice",
	"outputs": [{"name": "", "type": "uint256"}],
	"stateMutability": "view",
	"type": "function"
}]`

// NewChainMarket binds the comptroller at the given address.
func NewChainMarket(client *ethclient.Client, comptroller common.Address, logger *zap.Logger) (*ChainMarket, error) {
	comptrollerABI, err := abi.JSON(strings.NewReader(comptrollerABIJson))
	if err != nil {
		return nil, fmt.Errorf("failed to parse comptroller ABI: %w", err)
	}
	tokenABI, err := abi.JSON(strings.NewReader(cTokenABIJson))
	if err != nil {
		return nil, fmt.Errorf("failed to parse cToken ABI: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChainMarket{
		client:      client,
		comptroller: bind.NewBoundContract(comptroller, comptrollerABI, client, client, client),
		tokenABI:    tokenABI,
		logger:      logger,
		underlying:  make(map[common.Address]common.Address),
		decimals:    make(map[common.Address]uint8),
	}, nil
}

func (m *ChainMarket) token(asset common.Address) *bind.BoundContract {
	return bind.NewBoundContract(asset, m.tokenABI, m.client, m.client, m.client)
}

// AssetsIn returns the cToken markets the borrower has entered.
func (m *ChainMarket) AssetsIn(ctx context.Context, borrower common.Address) ([]common.Address, error) {
	var out []interface{}
	if err := m.comptroller.Call(&bind.CallOpts{Context: ctx}, &out, "getAssetsIn", borrower); err != nil {
		return nil, fmt.Errorf("%w: getAssetsIn: %v", ErrMarketRead, err)
	}
	assets, ok := out[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("%w: getAssetsIn: unexpected output type", ErrMarketRead)
	}
	return assets, nil
}

// CollateralFactor returns the market's 1e18-scaled collateral factor.
func (m *ChainMarket) CollateralFactor(ctx context.Context, asset common.Address) (*big.Int, error) {
	var out []interface{}
	if err := m.comptroller.Call(&bind.CallOpts{Context: ctx}, &out, "markets", asset); err != nil {
		return nil, fmt.Errorf("%w: markets(%s): %v", ErrMarketRead, asset.Hex(), err)
	}
	listed, ok := out[0].(bool)
	if !ok || !listed {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotListed, asset.Hex())
	}
	factor, ok := out[1].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: markets(%s): unexpected output type", ErrMarketRead, asset.Hex())
	}
	return factor, nil
}

// Decimals returns the underlying asset's decimals, cached after first read.
func (m *ChainMarket) Decimals(ctx context.Context, asset common.Address) (uint8, error) {
	m.mu.RLock()
	if dec, ok := m.decimals[asset]; ok {
		m.mu.RUnlock()
		return dec, nil
	}
	m.mu.RUnlock()

	token := m.token(asset)
	var out []interface{}
	if err := token.Call(&bind.CallOpts{Context: ctx}, &out, "underlying"); err != nil {
		return 0, fmt.Errorf("%w: underlying(%s): %v", ErrMarketRead, asset.Hex(), err)
	}
	underlying, ok := out[0].(common.Address)
	if !ok {
		return 0, fmt.Errorf("%w: underlying(%s): unexpected output type", ErrMarketRead, asset.Hex())
	}

	out = out[:0]
	if err := m.token(underlying).Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
		return 0, fmt.Errorf("%w: decimals(%s): %v", ErrMarketRead, underlying.Hex(), err)
	}
	dec, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("%w: decimals(%s): unexpected output type", ErrMarketRead, underlying.Hex())
	}

	m.mu.Lock()
	m.underlying[asset] = underlying
	m.decimals[asset] = dec
	m.mu.Unlock()
	return dec, nil
}

// CollateralBalance converts the borrower's cToken balance into underlying
// units through the stored exchange rate.
func (m *ChainMarket) CollateralBalance(ctx context.Context, asset, borrower common.Address) (*big.Int, error) {
	token := m.token(asset)

	var out []interface{}
	if err := token.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", borrower); err != nil {
		return nil, fmt.Errorf("%w: balanceOf(%s): %v", ErrMarketRead, asset.Hex(), err)
	}
	shares, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: balanceOf(%s): unexpected output type", ErrMarketRead, asset.Hex())
	}

	out = out[:0]
	if err := token.Call(&bind.CallOpts{Context: ctx}, &out, "exchangeRateStored"); err != nil {
		return nil, fmt.Errorf("%w: exchangeRateStored(%s): %v", ErrMarketRead, asset.Hex(), err)
	}
	rate, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: exchangeRateStored(%s): unexpected output type", ErrMarketRead, asset.Hex())
	}

	balance := new(big.Int).Mul(shares, rate)
	return balance.Div(balance, types.Scale), nil
}

// BorrowBalance returns the borrower's stored debt in underlying units.
func (m *ChainMarket) BorrowBalance(ctx context.Context, asset, borrower common.Address) (*big.Int, error) {
	var out []interface{}
	if err := m.token(asset).Call(&bind.CallOpts{Context: ctx}, &out, "borrowBalanceStored", borrower); err != nil {
		return nil, fmt.Errorf("%w: borrowBalanceStored(%s): %v", ErrMarketRead, asset.Hex(), err)
	}
	borrowed, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: borrowBalanceStored(%s): unexpected output type", ErrMarketRead, asset.Hex())
	}
	return borrowed, nil
}

// AccountLiquidity returns the comptroller's signed surplus: liquidity when
// positive, negated shortfall when the account is under water.
func (m *ChainMarket) AccountLiquidity(ctx context.Context, borrower common.Address) (*big.Int, error) {
	var out []interface{}
	if err := m.comptroller.Call(&bind.CallOpts{Context: ctx}, &out, "getAccountLiquidity", borrower); err != nil {
		return nil, fmt.Errorf("%w: getAccountLiquidity: %v", ErrMarketRead, err)
	}
	errCode, ok := out[0].(*big.Int)
	if !ok || errCode.Sign() != 0 {
		return nil, fmt.Errorf("%w: getAccountLiquidity error code %v", ErrMarketRead, out[0])
	}
	liquidity := out[1].(*big.Int)
	shortfall := out[2].(*big.Int)
	if shortfall.Sign() > 0 {
		return new(big.Int).Neg(shortfall), nil
	}
	return new(big.Int).Set(liquidity), nil
}

// FlashLoan is not available on the read-only adapter. Execution settles
// through the on-chain unit; the keeper's dry-run path never gets here.
func (m *ChainMarket) FlashLoan(ctx context.Context, operator, asset common.Address, amount *big.Int, data []byte, fn FlashLoanCallback) error {
	return fmt.Errorf("%w: chain market is read-only", ErrMarketRead)
}

// ChainOracle reads a Compound-style price oracle. getUnderlyingPrice scales
// prices by 10^(36-decimals); dividing back by 10^(18-decimals) recovers the
// 1e18 whole-token convention the rest of the service uses.
type ChainOracle struct {
	contract *bind.BoundContract
	market   *ChainMarket
}

// NewChainOracle binds the oracle contract and pairs it with the market whose
// decimal metadata normalizes raw prices.
func NewChainOracle(client *ethclient.Client, oracle common.Address, m *ChainMarket) (*ChainOracle, error) {
	oracleABI, err := abi.JSON(strings.NewReader(priceOracleABIJson))
	if err != nil {
		return nil, fmt.Errorf("failed to parse oracle ABI: %w", err)
	}
	return &ChainOracle{
		contract: bind.NewBoundContract(oracle, oracleABI, client, client, client),
		market:   m,
	}, nil
}

// Price returns the 1e18-scaled anchor price of one whole underlying token of
// the given cToken market.
func (o *ChainOracle) Price(ctx context.Context, asset common.Address) (*big.Int, error) {
	var out []interface{}
	if err := o.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getUnderlyingPrice", asset); err != nil {
		return nil, fmt.Errorf("%w: getUnderlyingPrice(%s): %v", ErrOracleUnavailable, asset.Hex(), err)
	}
	raw, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: getUnderlyingPrice(%s): unexpected output type", ErrOracleUnavailable, asset.Hex())
	}
	if raw.Sign() == 0 {
		return nil, fmt.Errorf("%w: zero price for %s", ErrOracleUnavailable, asset.Hex())
	}

	decimals, err := o.market.Decimals(ctx, asset)
	if err != nil {
		return nil, err
	}
	if decimals >= 18 {
		exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-18)), nil)
		return new(big.Int).Mul(raw, exp), nil
	}
	exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(18-decimals)), nil)
	return new(big.Int).Div(raw, exp), nil
}

// StaticOracle is a fixed-price oracle for the memory market and tests.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[common.Address]*big.Int
}

// NewStaticOracle creates an empty oracle; unpriced assets error.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{prices: make(map[common.Address]*big.Int)}
}

// SetPrice fixes the 1e18-scaled whole-token anchor price of an asset.
func (o *StaticOracle) SetPrice(asset common.Address, price *big.Int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[asset] = new(big.Int).Set(price)
}

// Price returns the configured price or ErrOracleUnavailable.
func (o *StaticOracle) Price(ctx context.Context, asset common.Address) (*big.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	price, ok := o.prices[asset]
	if !ok {
		return nil, fmt.Errorf("%w: no price for %s", ErrOracleUnavailable, asset.Hex())
	}
	return new(big.Int).Set(price), nil
}
