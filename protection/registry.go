package protection

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/zap"

	"github.com/lumina-fi/loanshield/types"
)

// EventType distinguishes registry lifecycle notifications.
type EventType int

const (
	EventSubmitted EventType = iota
	EventCanceled
	EventExecuted
)

// Event is a registry lifecycle notification carrying a snapshot of the
// instruction involved.
type Event struct {
	Type        EventType
	Instruction *types.ProtectionInstruction
}

var (
	addressTy, _ = abi.NewType("address", "", nil)
	uint256Ty, _ = abi.NewType("uint256", "", nil)
	bytesTy, _   = abi.NewType("bytes", "", nil)

	instructionIDArgs = abi.Arguments{
		{Type: addressTy},
		{Type: uint256Ty},
		{Type: uint256Ty},
		{Type: addressTy},
		{Type: addressTy},
		{Type: bytesTy},
	}
)

// ComputeInstructionID derives the content-addressed instruction id:
// keccak256 over the ABI encoding of (borrower, threshold, wanted,
// collateralAsset, debtAsset, triggerPayload). Identical parameters always
// alias the same id.
func ComputeInstructionID(p *types.ProtectionInstruction) (common.Hash, error) {
	packed, err := instructionIDArgs.Pack(
		p.Borrower,
		p.ThresholdHealthFactor,
		p.WantedHealthFactor,
		p.CollateralAsset,
		p.DebtAsset,
		p.TriggerPayload,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode instruction: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

// Registry stores standing protection instructions, indexed by id and by
// borrower. Removal swap-deletes inside the borrower index, so per-borrower
// iteration order is insertion order disturbed only by removals.
type Registry struct {
	mu         sync.RWMutex
	admin      *Admin
	byID       map[common.Hash]*types.ProtectionInstruction
	byBorrower map[common.Address][]common.Hash
	feed       event.Feed
	logger     *zap.Logger
}

// NewRegistry creates an empty registry gated by the admin's whitelist.
func NewRegistry(admin *Admin, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		admin:      admin,
		byID:       make(map[common.Hash]*types.ProtectionInstruction),
		byBorrower: make(map[common.Address][]common.Hash),
		logger:     logger,
	}
}

// Subscribe delivers lifecycle events to ch until the subscription is
// unsubscribed.
func (r *Registry) Subscribe(ch chan<- Event) event.Subscription {
	return r.feed.Subscribe(ch)
}

// Submit registers a protection instruction for the caller. Both assets must
// be whitelisted at submission time and the wanted health factor must sit
// strictly above the threshold, otherwise a trigger would re-fire immediately
// after a successful save. Resubmitting identical parameters is a no-op
// returning the existing id.
func (r *Registry) Submit(borrower common.Address, threshold, wanted *big.Int, collateralAsset, debtAsset common.Address, triggerPayload []byte, useExternalFunding bool) (common.Hash, error) {
	if threshold == nil || wanted == nil || wanted.Cmp(threshold) <= 0 {
		return common.Hash{}, fmt.Errorf("%w: wanted %v, threshold %v", ErrInvalidThreshold, wanted, threshold)
	}
	if !r.admin.IsWhitelisted(collateralAsset) {
		return common.Hash{}, fmt.Errorf("%w: collateral %s", ErrAssetNotWhitelisted, collateralAsset.Hex())
	}
	if !r.admin.IsWhitelisted(debtAsset) {
		return common.Hash{}, fmt.Errorf("%w: debt %s", ErrAssetNotWhitelisted, debtAsset.Hex())
	}

	instruction := &types.ProtectionInstruction{
		Borrower:              borrower,
		ThresholdHealthFactor: new(big.Int).Set(threshold),
		WantedHealthFactor:    new(big.Int).Set(wanted),
		CollateralAsset:       collateralAsset,
		DebtAsset:             debtAsset,
		TriggerPayload:        append([]byte(nil), triggerPayload...),
		UseExternalFunding:    useExternalFunding,
	}
	id, err := ComputeInstructionID(instruction)
	if err != nil {
		return common.Hash{}, err
	}
	instruction.ID = id

	r.mu.Lock()
	if _, exists := r.byID[id]; exists {
		r.mu.Unlock()
		return id, nil
	}
	r.byID[id] = instruction
	r.byBorrower[borrower] = append(r.byBorrower[borrower], id)
	r.mu.Unlock()

	r.logger.Info("instruction submitted",
		zap.String("id", id.Hex()),
		zap.String("borrower", borrower.Hex()),
		zap.String("threshold", threshold.String()),
		zap.String("wanted", wanted.String()),
	)
	r.feed.Send(Event{Type: EventSubmitted, Instruction: instruction.Clone()})
	return id, nil
}

// Cancel removes an instruction. Only its owner may cancel it.
func (r *Registry) Cancel(caller common.Address, id common.Hash) error {
	r.mu.Lock()
	instruction, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInstructionNotFound, id.Hex())
	}
	if instruction.Borrower != caller {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotOwner, caller.Hex())
	}
	r.removeLocked(id, instruction)
	r.mu.Unlock()

	r.logger.Info("instruction canceled",
		zap.String("id", id.Hex()),
		zap.String("borrower", caller.Hex()),
	)
	r.feed.Send(Event{Type: EventCanceled, Instruction: instruction.Clone()})
	return nil
}

// Remove deletes an executed instruction, emitting EventExecuted. The engine
// calls this exactly once per successful save.
func (r *Registry) Remove(id common.Hash) error {
	r.mu.Lock()
	instruction, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInstructionNotFound, id.Hex())
	}
	r.removeLocked(id, instruction)
	r.mu.Unlock()

	r.feed.Send(Event{Type: EventExecuted, Instruction: instruction.Clone()})
	return nil
}

// removeLocked swap-removes the id from the borrower index and drops the map
// entry. Callers hold r.mu.
func (r *Registry) removeLocked(id common.Hash, instruction *types.ProtectionInstruction) {
	delete(r.byID, id)
	ids := r.byBorrower[instruction.Borrower]
	for i, candidate := range ids {
		if candidate == id {
			ids[i] = ids[len(ids)-1]
			ids = ids[:len(ids)-1]
			break
		}
	}
	if len(ids) == 0 {
		delete(r.byBorrower, instruction.Borrower)
	} else {
		r.byBorrower[instruction.Borrower] = ids
	}
}

// Get returns a copy of the instruction with the given id.
func (r *Registry) Get(id common.Hash) (*types.ProtectionInstruction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	instruction, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstructionNotFound, id.Hex())
	}
	return instruction.Clone(), nil
}

// Count returns the borrower's number of standing instructions.
func (r *Registry) Count(borrower common.Address) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byBorrower[borrower])
}

// InstructionAt returns the borrower's instruction at the given index of the
// per-borrower list.
func (r *Registry) InstructionAt(borrower common.Address, index int) (*types.ProtectionInstruction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byBorrower[borrower]
	if index < 0 || index >= len(ids) {
		return nil, fmt.Errorf("%w: index %d of %d", ErrInstructionNotFound, index, len(ids))
	}
	return r.byID[ids[index]].Clone(), nil
}

// ListByBorrower returns copies of all the borrower's standing instructions.
func (r *Registry) ListByBorrower(borrower common.Address) []*types.ProtectionInstruction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byBorrower[borrower]
	out := make([]*types.ProtectionInstruction, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.byID[id].Clone())
	}
	return out
}

// MaxThreshold returns the highest threshold health factor among the
// borrower's instructions, or nil when none are registered.
func (r *Registry) MaxThreshold(borrower common.Address) *big.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var max *big.Int
	for _, id := range r.byBorrower[borrower] {
		threshold := r.byID[id].ThresholdHealthFactor
		if max == nil || threshold.Cmp(max) > 0 {
			max = new(big.Int).Set(threshold)
		}
	}
	return max
}
