package protection

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/lumina-fi/loanshield/market"
	"github.com/lumina-fi/loanshield/types"
)

const saveLoanABIJson = `[{
	"inputs": [
		{"name": "onBehalf", "type": "address"},
		{"name": "id", "type": "bytes32"}
	],
	"name": "saveLoan",
	"outputs": [],
	"stateMutability": "nonpayable",
	"type": "function"
}]`

// Resolver is the trigger adapter polled by automation infrastructure. Check
// answers "should anything execute for this borrower right now", and when the
// answer is yes returns the ready-to-dispatch saveLoan calldata.
type Resolver struct {
	registry *Registry
	provider *market.AccountDataProvider
	saveABI  abi.ABI
	logger   *zap.Logger
}

// NewResolver builds a resolver over the registry and the account data
// provider.
func NewResolver(registry *Registry, provider *market.AccountDataProvider, logger *zap.Logger) (*Resolver, error) {
	parsed, err := abi.JSON(strings.NewReader(saveLoanABIJson))
	if err != nil {
		return nil, fmt.Errorf("failed to parse saveLoan ABI: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		registry: registry,
		provider: provider,
		saveABI:  parsed,
		logger:   logger,
	}, nil
}

// CheckAt evaluates the instruction at the given index of the borrower's
// list. This is the form automation networks poll: they enumerate indices
// per cycle, and an index that went stale between cycles (executed, canceled,
// or reordered away) answers (false, nil) instead of failing. Because removal
// swap-deletes inside the per-borrower list, callers must re-enumerate from
// zero each cycle rather than assume stable positions across cycles.
func (r *Resolver) CheckAt(ctx context.Context, borrower common.Address, position int) (bool, []byte, error) {
	instruction, err := r.registry.InstructionAt(borrower, position)
	if err != nil {
		return false, nil, nil
	}

	snapshot, err := r.provider.GetUserAccountData(ctx, borrower)
	if err != nil {
		return false, nil, fmt.Errorf("account snapshot: %w", err)
	}
	return r.evaluate(snapshot, instruction)
}

// Check evaluates the borrower's standing instructions against the live
// health factor. It returns (true, calldata) for the first instruction whose
// threshold is breached, and (false, nil) when the position is healthy,
// stale, or unregistered. Read failures surface as errors so the caller can
// distinguish "healthy" from "unknown".
func (r *Resolver) Check(ctx context.Context, borrower common.Address) (bool, []byte, error) {
	instructions := r.registry.ListByBorrower(borrower)
	if len(instructions) == 0 {
		return false, nil, nil
	}

	snapshot, err := r.provider.GetUserAccountData(ctx, borrower)
	if err != nil {
		return false, nil, fmt.Errorf("account snapshot: %w", err)
	}

	for _, instruction := range instructions {
		ready, payload, err := r.evaluate(snapshot, instruction)
		if err != nil || ready {
			return ready, payload, err
		}
	}
	return false, nil, nil
}

func (r *Resolver) evaluate(snapshot *types.AccountSnapshot, instruction *types.ProtectionInstruction) (bool, []byte, error) {
	// A position with no outstanding borrow reads as factor zero; there is
	// nothing to deleverage, so it never triggers.
	if snapshot.TotalBorrowInAnchor.Sign() == 0 {
		return false, nil, nil
	}
	if snapshot.HealthFactor.Cmp(instruction.ThresholdHealthFactor) >= 0 {
		return false, nil, nil
	}
	payload, err := r.saveABI.Pack("saveLoan", instruction.Borrower, instruction.ID)
	if err != nil {
		return false, nil, fmt.Errorf("failed to encode saveLoan call: %w", err)
	}
	r.logger.Debug("trigger condition met",
		zap.String("borrower", instruction.Borrower.Hex()),
		zap.String("id", instruction.ID.Hex()),
		zap.String("health_factor", snapshot.HealthFactor.String()),
	)
	return true, payload, nil
}

// DecodePayload recovers the borrower and instruction id from saveLoan
// calldata produced by Check.
func (r *Resolver) DecodePayload(payload []byte) (common.Address, common.Hash, error) {
	method, err := r.saveABI.MethodById(payload[:4])
	if err != nil {
		return common.Address{}, common.Hash{}, fmt.Errorf("failed to resolve method: %w", err)
	}
	values, err := method.Inputs.Unpack(payload[4:])
	if err != nil {
		return common.Address{}, common.Hash{}, fmt.Errorf("failed to decode saveLoan call: %w", err)
	}
	borrower := values[0].(common.Address)
	id := values[1].([32]byte)
	return borrower, common.Hash(id), nil
}
