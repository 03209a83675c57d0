package protection

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/lumina-fi/loanshield/types"
)

// MaxFeeBps caps both the protection fee and the flash loan fee. Setters
// reject rates above the ceiling instead of clamping.
const MaxFeeBps = 500

// Admin holds the owner-gated service parameters: the asset whitelist, the
// fee schedule and the fee sink. Every mutator takes the caller's address and
// rejects anyone but the owner.
type Admin struct {
	mu        sync.RWMutex
	owner     common.Address
	feeSink   common.Address
	whitelist map[common.Address]bool
	fees      types.FeeConfig
	logger    *zap.Logger
}

// NewAdmin creates the parameter store with its initial owner and fee sink.
func NewAdmin(owner, feeSink common.Address, fees types.FeeConfig, logger *zap.Logger) (*Admin, error) {
	if fees.ProtectionFeeBps > MaxFeeBps || fees.FlashLoanFeeBps > MaxFeeBps {
		return nil, fmt.Errorf("%w: max %d bps", ErrFeeTooHigh, MaxFeeBps)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Admin{
		owner:     owner,
		feeSink:   feeSink,
		whitelist: make(map[common.Address]bool),
		fees:      fees,
		logger:    logger,
	}, nil
}

// Owner returns the current service owner.
func (a *Admin) Owner() common.Address {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.owner
}

// FeeSink returns the account receiving protection fees.
func (a *Admin) FeeSink() common.Address {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.feeSink
}

// Fees returns the current fee schedule.
func (a *Admin) Fees() types.FeeConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.fees
}

// IsWhitelisted reports whether the asset may appear in new instructions.
func (a *Admin) IsWhitelisted(asset common.Address) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.whitelist[asset]
}

func (a *Admin) requireOwner(caller common.Address) error {
	if caller != a.owner {
		return fmt.Errorf("%w: %s", ErrUnauthorized, caller.Hex())
	}
	return nil
}

// TransferOwnership hands the service to a new owner.
func (a *Admin) TransferOwnership(caller, newOwner common.Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.requireOwner(caller); err != nil {
		return err
	}
	a.logger.Info("ownership transferred",
		zap.String("from", a.owner.Hex()),
		zap.String("to", newOwner.Hex()),
	)
	a.owner = newOwner
	return nil
}

// SetWhitelist adds or removes an asset from the whitelist. Existing
// instructions referencing a delisted asset stay valid; the check only gates
// submission.
func (a *Admin) SetWhitelist(caller, asset common.Address, allowed bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.requireOwner(caller); err != nil {
		return err
	}
	if allowed {
		a.whitelist[asset] = true
	} else {
		delete(a.whitelist, asset)
	}
	a.logger.Info("whitelist updated",
		zap.String("asset", asset.Hex()),
		zap.Bool("allowed", allowed),
	)
	return nil
}

// SetProtectionFeeBps updates the service fee, bounded by MaxFeeBps.
func (a *Admin) SetProtectionFeeBps(caller common.Address, bps uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.requireOwner(caller); err != nil {
		return err
	}
	if bps > MaxFeeBps {
		return fmt.Errorf("%w: %d > %d bps", ErrFeeTooHigh, bps, MaxFeeBps)
	}
	a.fees.ProtectionFeeBps = bps
	a.logger.Info("protection fee updated", zap.Uint16("bps", bps))
	return nil
}

// SetFlashLoanFeeBps updates the flash loan fee assumed when sizing, bounded
// by MaxFeeBps.
func (a *Admin) SetFlashLoanFeeBps(caller common.Address, bps uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.requireOwner(caller); err != nil {
		return err
	}
	if bps > MaxFeeBps {
		return fmt.Errorf("%w: %d > %d bps", ErrFeeTooHigh, bps, MaxFeeBps)
	}
	a.fees.FlashLoanFeeBps = bps
	a.logger.Info("flash loan fee updated", zap.Uint16("bps", bps))
	return nil
}

// SetFeeSink changes the account receiving protection fees.
func (a *Admin) SetFeeSink(caller, sink common.Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.requireOwner(caller); err != nil {
		return err
	}
	a.feeSink = sink
	a.logger.Info("fee sink updated", zap.String("sink", sink.Hex()))
	return nil
}
