package market

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/lumina-fi/loanshield/types"
)

// AccountDataProvider reads market and oracle state for a borrower and
// produces a normalized AccountSnapshot. It holds no mutable state of its
// own; every call recomputes from live collaborator reads.
type AccountDataProvider struct {
	reader     Reader
	oracle     Oracle
	quoteAsset common.Address
	logger     *zap.Logger
}

// NewAccountDataProvider wires a provider over a market reader and an
// oracle. quoteAsset is the reference asset whose oracle price fixes the
// anchor-to-quote conversion for the whole snapshot.
func NewAccountDataProvider(reader Reader, oracle Oracle, quoteAsset common.Address, logger *zap.Logger) *AccountDataProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountDataProvider{
		reader:     reader,
		oracle:     oracle,
		quoteAsset: quoteAsset,
		logger:     logger,
	}
}

// CalculateHealthFactor returns totalCollateral * 1e18 / totalBorrow with
// floor division. A zero borrow yields 0, not an "infinite" sentinel: a
// debt-free account deliberately reads as factor zero, and callers must not
// treat that as a safe reading. The solver depends on this exact rounding.
func CalculateHealthFactor(totalCollateral, totalBorrow *big.Int) *big.Int {
	if totalBorrow == nil || totalBorrow.Sign() == 0 {
		return new(big.Int)
	}
	hf := new(big.Int).Mul(totalCollateral, types.Scale)
	return hf.Div(hf, totalBorrow)
}

// NormalizeUnitPrice rescales a 1e18-scaled whole-token price onto the
// per-smallest-unit convention used in aggregation: price * 10^(18-decimals).
// Tokens with more than 18 decimals divide instead. Mixing up this step is
// the classic decimal-mismatch bug, so it lives in exactly one place.
func NormalizeUnitPrice(price *big.Int, decimals uint8) *big.Int {
	if decimals == 18 {
		return new(big.Int).Set(price)
	}
	if decimals < 18 {
		exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(18-decimals)), nil)
		return new(big.Int).Mul(price, exp)
	}
	exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-18)), nil)
	return new(big.Int).Div(price, exp)
}

// UnitPrice returns the normalized per-smallest-unit anchor price of an
// asset, combining the oracle's whole-token price with the market's decimal
// metadata.
func (p *AccountDataProvider) UnitPrice(ctx context.Context, asset common.Address) (*big.Int, error) {
	return p.unitPriceFrom(ctx, p.reader, asset)
}

func (p *AccountDataProvider) unitPriceFrom(ctx context.Context, reader Reader, asset common.Address) (*big.Int, error) {
	price, err := p.oracle.Price(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOracleUnavailable, asset.Hex(), err)
	}
	if price == nil || price.Sign() == 0 {
		return nil, fmt.Errorf("%w: zero price for %s", ErrOracleUnavailable, asset.Hex())
	}
	decimals, err := reader.Decimals(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("%w: decimals for %s: %v", ErrMarketRead, asset.Hex(), err)
	}
	return NormalizeUnitPrice(price, decimals), nil
}

// GetUserAccountData computes the borrower's snapshot from the provider's
// default reader.
func (p *AccountDataProvider) GetUserAccountData(ctx context.Context, borrower common.Address) (*types.AccountSnapshot, error) {
	return p.UserAccountDataFrom(ctx, p.reader, borrower)
}

// UserAccountDataFrom computes the snapshot through an alternate reader,
// letting the execution engine evaluate the staged state of an in-flight
// flash loan transaction with the same arithmetic as the live path.
func (p *AccountDataProvider) UserAccountDataFrom(ctx context.Context, reader Reader, borrower common.Address) (*types.AccountSnapshot, error) {
	assets, err := reader.AssetsIn(ctx, borrower)
	if err != nil {
		return nil, fmt.Errorf("%w: assets in: %v", ErrMarketRead, err)
	}

	collateralAnchor := new(big.Int)
	unadjustedAnchor := new(big.Int)
	borrowAnchor := new(big.Int)

	for _, asset := range assets {
		unitPrice, err := p.unitPriceFrom(ctx, reader, asset)
		if err != nil {
			return nil, err
		}

		supplied, err := reader.CollateralBalance(ctx, asset, borrower)
		if err != nil {
			return nil, fmt.Errorf("%w: collateral balance of %s: %v", ErrMarketRead, asset.Hex(), err)
		}
		if supplied.Sign() > 0 {
			factor, err := reader.CollateralFactor(ctx, asset)
			if err != nil {
				return nil, fmt.Errorf("%w: collateral factor of %s: %v", ErrMarketRead, asset.Hex(), err)
			}
			value := new(big.Int).Mul(supplied, unitPrice)
			value.Div(value, types.Scale)
			unadjustedAnchor.Add(unadjustedAnchor, value)

			adjusted := new(big.Int).Mul(value, factor)
			adjusted.Div(adjusted, types.Scale)
			collateralAnchor.Add(collateralAnchor, adjusted)
		}

		borrowed, err := reader.BorrowBalance(ctx, asset, borrower)
		if err != nil {
			return nil, fmt.Errorf("%w: borrow balance of %s: %v", ErrMarketRead, asset.Hex(), err)
		}
		if borrowed.Sign() > 0 {
			value := new(big.Int).Mul(borrowed, unitPrice)
			value.Div(value, types.Scale)
			borrowAnchor.Add(borrowAnchor, value)
		}
	}

	quotePerAnchor, err := p.quotePerAnchor(ctx)
	if err != nil {
		return nil, err
	}

	snapshot := &types.AccountSnapshot{
		TotalCollateralInAnchor:      collateralAnchor,
		TotalBorrowInAnchor:          borrowAnchor,
		UnadjustedCollateralInAnchor: unadjustedAnchor,
		TotalCollateralInQuote:       anchorToQuote(collateralAnchor, quotePerAnchor),
		TotalBorrowInQuote:           anchorToQuote(borrowAnchor, quotePerAnchor),
		HealthFactor:                 CalculateHealthFactor(collateralAnchor, borrowAnchor),
		QuotePerAnchor:               quotePerAnchor,
	}

	p.logger.Debug("computed account snapshot",
		zap.String("borrower", borrower.Hex()),
		zap.String("health_factor", snapshot.HealthFactor.String()),
		zap.String("collateral_quote", snapshot.TotalCollateralInQuote.String()),
		zap.String("borrow_quote", snapshot.TotalBorrowInQuote.String()),
	)
	return snapshot, nil
}

// quotePerAnchor inverts the reference asset's anchor price: one anchor unit
// is worth 1e36 / price quote units on the 1e18 scale.
func (p *AccountDataProvider) quotePerAnchor(ctx context.Context) (*big.Int, error) {
	price, err := p.oracle.Price(ctx, p.quoteAsset)
	if err != nil {
		return nil, fmt.Errorf("%w: quote asset %s: %v", ErrOracleUnavailable, p.quoteAsset.Hex(), err)
	}
	if price == nil || price.Sign() == 0 {
		return nil, fmt.Errorf("%w: zero price for quote asset %s", ErrOracleUnavailable, p.quoteAsset.Hex())
	}
	out := new(big.Int).Mul(types.Scale, types.Scale)
	return out.Div(out, price), nil
}

func anchorToQuote(anchor, quotePerAnchor *big.Int) *big.Int {
	out := new(big.Int).Mul(anchor, quotePerAnchor)
	return out.Div(out, types.Scale)
}
