package market

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Error kinds surfaced by market and oracle collaborators. The core never
// recovers from these locally; they fail the whole atomic unit.
var (
	ErrOracleUnavailable  = errors.New("market: oracle price unavailable")
	ErrMarketRead         = errors.New("market: market read failure")
	ErrAssetNotListed     = errors.New("market: asset not listed")
	ErrDelegationMissing  = errors.New("market: borrower has not delegated collateral withdrawal")
	ErrInsufficientFunds  = errors.New("market: insufficient funds")
	ErrFlashLoanNotRepaid = errors.New("market: flash loan not repaid within the atomic unit")
)

// Reader is the read-only market surface the account data provider needs.
// All reads reflect live state; nothing is cached between calls.
type Reader interface {
	// AssetsIn returns the assets the borrower has entered as collateral
	// or debt legs.
	AssetsIn(ctx context.Context, borrower common.Address) ([]common.Address, error)

	// CollateralFactor returns the asset's 1e18-scaled collateral factor.
	CollateralFactor(ctx context.Context, asset common.Address) (*big.Int, error)

	// Decimals returns the asset's decimal precision.
	Decimals(ctx context.Context, asset common.Address) (uint8, error)

	// CollateralBalance returns the borrower's supplied balance in smallest
	// asset units.
	CollateralBalance(ctx context.Context, asset, borrower common.Address) (*big.Int, error)

	// BorrowBalance returns the borrower's outstanding debt in smallest
	// asset units.
	BorrowBalance(ctx context.Context, asset, borrower common.Address) (*big.Int, error)

	// AccountLiquidity returns the signed surplus (collateral minus borrow)
	// of the account in quote units.
	AccountLiquidity(ctx context.Context, borrower common.Address) (*big.Int, error)
}

// Oracle prices assets in the common anchor unit. Price returns the
// 1e18-scaled anchor value of one whole token; a missing or zero price is an
// error, never silently defaulted.
type Oracle interface {
	Price(ctx context.Context, asset common.Address) (*big.Int, error)
}

// FlashLoanCallback runs inside the flash loan's atomic unit. The borrowed
// amount is already credited to the transaction's working balance; fee is the
// lender's charge on top of the principal. Returning an error discards every
// staged mutation.
type FlashLoanCallback func(ctx context.Context, txn Txn, fee *big.Int, data []byte) error

// Market is the full lending-market surface consumed by the execution
// engine. FlashLoan issues an uncollateralized loan of the asset to the
// operator, runs the callback against a staged transaction, then requires
// principal plus fee back from the working balance before committing.
type Market interface {
	Reader

	FlashLoan(ctx context.Context, operator, asset common.Address, amount *big.Int, data []byte, fn FlashLoanCallback) error
}

// Txn is the mutable staged view handed to a flash loan callback. Reads go
// through the staged state so a post-operation health check observes the
// effect of every step before anything commits.
type Txn interface {
	Reader

	// Balance returns the operator's working balance of the asset inside
	// the atomic unit.
	Balance(asset common.Address) *big.Int

	// SwapExactIn converts amountIn of assetIn from the working balance
	// into assetOut via the configured swap venue.
	SwapExactIn(ctx context.Context, assetIn, assetOut common.Address, amountIn *big.Int) (*big.Int, error)

	// RepayBorrowBehalf repays the borrower's debt from the working
	// balance, capped at the outstanding amount; returns what was repaid.
	RepayBorrowBehalf(ctx context.Context, asset, borrower common.Address, amount *big.Int) (*big.Int, error)

	// WithdrawCollateral redeems the borrower's collateral into the working
	// balance. Requires a standing delegation from the borrower to the
	// operator.
	WithdrawCollateral(ctx context.Context, asset, borrower common.Address, amount *big.Int) error

	// Transfer moves funds from the working balance to an external
	// account, e.g. the protection fee sink.
	Transfer(ctx context.Context, asset, to common.Address, amount *big.Int) error
}
