package protection

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/lumina-fi/loanshield/market"
	"github.com/lumina-fi/loanshield/solver"
	"github.com/lumina-fi/loanshield/types"
	"github.com/lumina-fi/loanshield/utils/metrics"
)

// DefaultGoalToleranceBps absorbs the integer flooring accumulated across the
// solve and the unit conversions when checking the post-save health factor.
const DefaultGoalToleranceBps = 5

var swapAuxArgs = abi.Arguments{
	{Type: addressTy},
	{Type: addressTy},
	{Type: uint256Ty},
}

// Engine executes protection instructions. A single mutex serializes saves,
// so concurrent triggers for the same instruction resolve to exactly one
// execution; the loser observes the instruction already gone.
type Engine struct {
	mu               sync.Mutex
	registry         *Registry
	admin            *Admin
	provider         *market.AccountDataProvider
	market           market.Market
	operator         common.Address
	goalToleranceBps uint16
	metrics          *metrics.ProtectionMetrics
	logger           *zap.Logger
}

// NewEngine wires the execution engine. operator is the account the market
// sees as flash loan taker and delegation grantee.
func NewEngine(registry *Registry, admin *Admin, provider *market.AccountDataProvider, mkt market.Market, operator common.Address, m *metrics.ProtectionMetrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		registry:         registry,
		admin:            admin,
		provider:         provider,
		market:           mkt,
		operator:         operator,
		goalToleranceBps: DefaultGoalToleranceBps,
		metrics:          m,
		logger:           logger,
	}
}

// SetGoalToleranceBps overrides the post-save health factor tolerance.
func (e *Engine) SetGoalToleranceBps(bps uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.goalToleranceBps = bps
}

// IsUnderThreshold reports whether the borrower's live health factor sits
// below the highest threshold among their standing instructions. A borrower
// with no instructions, or no outstanding borrow, is never under threshold.
func (e *Engine) IsUnderThreshold(ctx context.Context, borrower common.Address) (bool, error) {
	threshold := e.registry.MaxThreshold(borrower)
	if threshold == nil {
		return false, nil
	}
	snapshot, err := e.provider.GetUserAccountData(ctx, borrower)
	if err != nil {
		return false, err
	}
	if snapshot.TotalBorrowInAnchor.Sign() == 0 {
		return false, nil
	}
	return snapshot.HealthFactor.Cmp(threshold) < 0, nil
}

// SaveLoan executes the instruction: flash-borrow collateral, swap it into
// the debt asset, repay the borrower's debt, then settle principal and fees
// by withdrawing the borrower's collateral. The whole chain runs inside the
// market's atomic unit; any failure, including a missed health factor goal,
// rolls every step back. On success the instruction is consumed. borrower
// must match the instruction's owner; ids are content-addressed over the
// borrower, so a mismatch names an instruction that was never registered.
func (e *Engine) SaveLoan(ctx context.Context, borrower common.Address, id common.Hash) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	if e.metrics != nil {
		e.metrics.Attempts.Inc()
		defer func() {
			e.metrics.ExecutionTime.Observe(time.Since(start).Seconds())
			e.metrics.UpdateSuccessRate()
		}()
	}

	err := e.saveLoan(ctx, borrower, id)
	if e.metrics != nil {
		switch {
		case err == nil:
			e.metrics.Successes.Inc()
		case errors.Is(err, ErrThresholdNotMet):
			e.metrics.ThresholdRejected.Inc()
		case errors.Is(err, ErrHealthFactorGoalMissed):
			e.metrics.GoalMissed.Inc()
			e.metrics.Failures.Inc()
		case errors.Is(err, solver.ErrTargetUnreachable),
			errors.Is(err, solver.ErrNoOutstandingBorrow),
			errors.Is(err, solver.ErrAlreadyAtTarget):
			e.metrics.SolverRejected.Inc()
		default:
			e.metrics.Failures.Inc()
		}
	}
	return err
}

func (e *Engine) saveLoan(ctx context.Context, borrower common.Address, id common.Hash) error {
	instruction, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	if instruction.Borrower != borrower {
		return fmt.Errorf("%w: %s is not registered to %s", ErrInstructionNotFound, id.Hex(), borrower.Hex())
	}

	snapshot, err := e.provider.GetUserAccountData(ctx, instruction.Borrower)
	if err != nil {
		return fmt.Errorf("account snapshot: %w", err)
	}
	if snapshot.TotalBorrowInAnchor.Sign() == 0 {
		return fmt.Errorf("%w: no outstanding borrow", ErrThresholdNotMet)
	}
	if snapshot.HealthFactor.Cmp(instruction.ThresholdHealthFactor) >= 0 {
		return fmt.Errorf("%w: %s >= %s", ErrThresholdNotMet,
			snapshot.HealthFactor, instruction.ThresholdHealthFactor)
	}

	collateralPrice, err := e.provider.UnitPrice(ctx, instruction.CollateralAsset)
	if err != nil {
		return err
	}
	debtPrice, err := e.provider.UnitPrice(ctx, instruction.DebtAsset)
	if err != nil {
		return err
	}
	collateralFactor, err := e.market.CollateralFactor(ctx, instruction.CollateralAsset)
	if err != nil {
		return err
	}

	fees := e.admin.Fees()
	in := solver.Input{
		CollateralFactor:        collateralFactor,
		WantedHealthFactor:      instruction.WantedHealthFactor,
		TotalCollateral:         snapshot.UnadjustedCollateralInAnchor,
		TotalBorrow:             snapshot.TotalBorrowInAnchor,
		AnchorPerCollateralUnit: collateralPrice,
		AnchorPerDebtUnit:       debtPrice,
		ProtectionFeeBps:        fees.ProtectionFeeBps,
		FlashLoanFeeBps:         fees.FlashLoanFeeBps,
	}

	value, err := solver.DeleverageValue(in)
	if err != nil {
		return fmt.Errorf("sizing deleverage: %w", err)
	}
	borrowAmount, err := solver.CalculateCollateralToBorrow(in)
	if err != nil {
		return err
	}
	debtToRepay, err := solver.CalculateDebtToRepay(in)
	if err != nil {
		return err
	}
	if borrowAmount.Sign() == 0 || debtToRepay.Sign() == 0 {
		return fmt.Errorf("sizing deleverage: %w", solver.ErrAlreadyAtTarget)
	}

	auxData, err := swapAuxArgs.Pack(instruction.CollateralAsset, instruction.DebtAsset, debtToRepay)
	if err != nil {
		return fmt.Errorf("failed to encode swap data: %w", err)
	}

	e.logger.Info("executing save",
		zap.String("id", id.Hex()),
		zap.String("borrower", instruction.Borrower.Hex()),
		zap.String("health_factor", snapshot.HealthFactor.String()),
		zap.String("deleverage_value", value.String()),
		zap.String("flash_borrow", borrowAmount.String()),
	)

	err = e.market.FlashLoan(ctx, e.operator, instruction.CollateralAsset, borrowAmount, auxData,
		func(ctx context.Context, txn market.Txn, flashFee *big.Int, data []byte) error {
			return e.deleverage(ctx, txn, instruction, borrowAmount, flashFee, data)
		})
	if err != nil {
		e.logger.Warn("save rolled back",
			zap.String("id", id.Hex()),
			zap.Error(err),
		)
		return err
	}

	if e.metrics != nil {
		v, _ := new(big.Float).SetInt(value).Float64()
		e.metrics.DeleverageValue.Observe(v)
	}
	if err := e.registry.Remove(id); err != nil {
		return err
	}
	e.logger.Info("save committed", zap.String("id", id.Hex()))
	return nil
}

// deleverage runs inside the flash loan's atomic unit against the staged
// transaction.
func (e *Engine) deleverage(ctx context.Context, txn market.Txn, instruction *types.ProtectionInstruction, borrowAmount, flashFee *big.Int, data []byte) error {
	values, err := swapAuxArgs.Unpack(data)
	if err != nil {
		return fmt.Errorf("failed to decode swap data: %w", err)
	}
	assetIn := values[0].(common.Address)
	assetOut := values[1].(common.Address)
	debtToRepay := values[2].(*big.Int)

	swapped, err := txn.SwapExactIn(ctx, assetIn, assetOut, borrowAmount)
	if err != nil {
		return fmt.Errorf("swap leg: %w", err)
	}
	if swapped.Cmp(debtToRepay) < 0 {
		return fmt.Errorf("%w: got %s, need %s", ErrInsufficientSwapOutput, swapped, debtToRepay)
	}

	if _, err := txn.RepayBorrowBehalf(ctx, assetOut, instruction.Borrower, swapped); err != nil {
		return fmt.Errorf("repay leg: %w", err)
	}

	protectionFee := new(big.Int).Mul(borrowAmount, big.NewInt(int64(e.admin.Fees().ProtectionFeeBps)))
	protectionFee.Div(protectionFee, types.BpsDenominator)

	settlement := new(big.Int).Add(borrowAmount, flashFee)
	settlement.Add(settlement, protectionFee)
	if err := txn.WithdrawCollateral(ctx, assetIn, instruction.Borrower, settlement); err != nil {
		return fmt.Errorf("settlement leg: %w", err)
	}

	if protectionFee.Sign() > 0 {
		if err := txn.Transfer(ctx, assetIn, e.admin.FeeSink(), protectionFee); err != nil {
			return fmt.Errorf("fee leg: %w", err)
		}
		if e.metrics != nil {
			v, _ := new(big.Float).SetInt(protectionFee).Float64()
			e.metrics.FeesCollected.Add(v)
		}
	}

	post, err := e.provider.UserAccountDataFrom(ctx, txn, instruction.Borrower)
	if err != nil {
		return fmt.Errorf("post snapshot: %w", err)
	}
	floor := e.goalFloor(instruction.WantedHealthFactor)
	if post.TotalBorrowInAnchor.Sign() > 0 && post.HealthFactor.Cmp(floor) < 0 {
		return fmt.Errorf("%w: %s < %s", ErrHealthFactorGoalMissed, post.HealthFactor, floor)
	}
	return nil
}

// goalFloor is the wanted health factor less the flooring tolerance.
func (e *Engine) goalFloor(wanted *big.Int) *big.Int {
	tolerance := new(big.Int).Mul(wanted, big.NewInt(int64(e.goalToleranceBps)))
	tolerance.Div(tolerance, types.BpsDenominator)
	return new(big.Int).Sub(wanted, tolerance)
}
