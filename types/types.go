package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Fixed-point conventions shared across the service. All value-denominated
// quantities carry 18 decimals of precision; fee rates are basis points.
var (
	// Scale is the common 1e18 fixed-point scale.
	Scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	// BpsDenominator is the basis-point denominator (10_000).
	BpsDenominator = big.NewInt(10_000)

	// BpsToScale converts a bps rate onto the 1e18 scale (1e14 = 1e18 / 1e4).
	BpsToScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(14), nil)
)

// AccountSnapshot is the normalized view of a borrower's position, derived
// live from the market and the oracle. Quote-denominated values share the
// 1e18 scale; the anchor-denominated totals are kept alongside so downstream
// sizing never loses precision converting back.
type AccountSnapshot struct {
	TotalCollateralInQuote *big.Int // risk-adjusted collateral value, quote units
	TotalBorrowInQuote     *big.Int // outstanding debt value, quote units
	HealthFactor           *big.Int // collateral / borrow, 1e18 scale; 0 when borrow is 0
	QuotePerAnchor         *big.Int // quote units per anchor unit, 1e18 scale

	TotalCollateralInAnchor *big.Int // risk-adjusted collateral value, anchor units
	TotalBorrowInAnchor     *big.Int // outstanding debt value, anchor units

	// UnadjustedCollateralInAnchor is the collateral value before the
	// collateral-factor discount; the solver applies the factor itself.
	UnadjustedCollateralInAnchor *big.Int
}

// ProtectionInstruction is a borrower's standing deleverage instruction.
// The ID is keccak256 over the ABI encoding of the remaining fields, so a
// resubmission with identical parameters aliases the same entry.
type ProtectionInstruction struct {
	ID                    common.Hash
	Borrower              common.Address
	ThresholdHealthFactor *big.Int
	WantedHealthFactor    *big.Int
	CollateralAsset       common.Address
	DebtAsset             common.Address
	TriggerPayload        []byte
	UseExternalFunding    bool
}

// Clone returns a deep copy so registry internals never leak mutable state.
func (p *ProtectionInstruction) Clone() *ProtectionInstruction {
	cp := *p
	cp.ThresholdHealthFactor = new(big.Int).Set(p.ThresholdHealthFactor)
	cp.WantedHealthFactor = new(big.Int).Set(p.WantedHealthFactor)
	cp.TriggerPayload = append([]byte(nil), p.TriggerPayload...)
	return &cp
}

// FeeConfig is the service-wide fee state read by every solve and execution.
type FeeConfig struct {
	ProtectionFeeBps uint16
	FlashLoanFeeBps  uint16
}
