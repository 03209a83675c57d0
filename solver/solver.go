// Package solver computes the flash-borrow size that restores a position to
// its wanted health factor. Everything here is pure integer arithmetic on the
// 1e18 fixed-point scale; the execution engine depends on the exact floor
// semantics, so no helper may round differently.
package solver

import (
	"errors"
	"math/big"

	"github.com/lumina-fi/loanshield/types"
)

var (
	// ErrTargetUnreachable means the fee load eats the whole collateral
	// discount headroom: no finite flash borrow can reach the target.
	ErrTargetUnreachable = errors.New("solver: wanted health factor unreachable under current fees")

	// ErrNoOutstandingBorrow means there is nothing to deleverage. Callers
	// are expected to reject this case before solving.
	ErrNoOutstandingBorrow = errors.New("solver: account has no outstanding borrow")

	// ErrAlreadyAtTarget means the position already sits at or above the
	// wanted health factor.
	ErrAlreadyAtTarget = errors.New("solver: health factor already at or above target")
)

// Input carries everything the closed-form solve needs. Collateral and
// borrow totals are anchor-denominated on the 1e18 scale; TotalCollateral is
// the raw (undiscounted) collateral value of the position, CollateralFactor
// its 1e18-scaled discount. Asset prices are anchor per smallest asset unit,
// scaled by 1e18 * 10^(18-decimals) as the oracle reports them.
type Input struct {
	CollateralFactor        *big.Int
	WantedHealthFactor      *big.Int
	TotalCollateral         *big.Int
	TotalBorrow             *big.Int
	AnchorPerCollateralUnit *big.Int
	AnchorPerDebtUnit       *big.Int
	ProtectionFeeBps        uint16
	FlashLoanFeeBps         uint16
}

// feeLoadedDiscount returns collateralFactor * (10_000 + fees) / 10_000 on
// the 1e18 scale: the per-unit collateral value consumed by withdrawing one
// unit of deleverage value plus its fee overhead.
func feeLoadedDiscount(in Input) *big.Int {
	feeBps := new(big.Int).Add(types.BpsDenominator, big.NewInt(int64(in.FlashLoanFeeBps)))
	feeBps.Add(feeBps, big.NewInt(int64(in.ProtectionFeeBps)))

	term := new(big.Int).Mul(in.CollateralFactor, feeBps.Mul(feeBps, types.BpsToScale))
	return term.Div(term, types.Scale)
}

// DeleverageValue solves, in anchor terms, the amount X of debt value to
// repay so that the post-operation health factor equals the wanted one:
//
//	numerator   = wanted * totalBorrow - totalCollateral * collateralFactor
//	denominator = wanted - collateralFactor * (10_000 + fees) * 1e14 / 1e18
//	X           = numerator / denominator    (floor)
//
// Repaying X of debt is funded by swapping flash-borrowed collateral worth X
// and settled by withdrawing collateral worth X * (1 + fees); the numerator
// uses the risk-adjusted collateral value, the denominator the fee-loaded
// collateral discount, which is the value-conservation solve of that chain.
func DeleverageValue(in Input) (*big.Int, error) {
	if in.TotalBorrow == nil || in.TotalBorrow.Sign() == 0 {
		return nil, ErrNoOutstandingBorrow
	}

	numerator := new(big.Int).Mul(in.WantedHealthFactor, in.TotalBorrow)
	discounted := new(big.Int).Mul(in.TotalCollateral, in.CollateralFactor)
	numerator.Sub(numerator, discounted)
	if numerator.Sign() <= 0 {
		return nil, ErrAlreadyAtTarget
	}

	denominator := new(big.Int).Sub(in.WantedHealthFactor, feeLoadedDiscount(in))
	if denominator.Sign() <= 0 {
		return nil, ErrTargetUnreachable
	}

	return numerator.Div(numerator, denominator), nil
}

// CalculateCollateralToBorrow returns the flash-borrow size in smallest
// collateral units. The final division is by the collateral asset's price:
// the borrowed amount is denominated in collateral, and its anchor value at
// the current price funds the deleverage value being swapped away. The
// division rounds up; rounding down would leave the swap leg short of the
// debt repayment by a fraction of a unit.
func CalculateCollateralToBorrow(in Input) (*big.Int, error) {
	if in.AnchorPerCollateralUnit == nil || in.AnchorPerCollateralUnit.Sign() <= 0 {
		return nil, errors.New("solver: collateral price must be positive")
	}

	value, err := DeleverageValue(in)
	if err != nil {
		return nil, err
	}

	amount := new(big.Int).Mul(value, types.Scale)
	rem := new(big.Int)
	amount.DivMod(amount, in.AnchorPerCollateralUnit, rem)
	if rem.Sign() > 0 {
		amount.Add(amount, big.NewInt(1))
	}
	return amount, nil
}

// CalculateDebtToRepay converts the same deleverage value into smallest debt
// units, fixing the swap leg's minimum output. It must use the same value as
// CalculateCollateralToBorrow or the two legs drift apart.
func CalculateDebtToRepay(in Input) (*big.Int, error) {
	if in.AnchorPerDebtUnit == nil || in.AnchorPerDebtUnit.Sign() <= 0 {
		return nil, errors.New("solver: debt price must be positive")
	}

	value, err := DeleverageValue(in)
	if err != nil {
		return nil, err
	}

	amount := new(big.Int).Mul(value, types.Scale)
	return amount.Div(amount, in.AnchorPerDebtUnit), nil
}
