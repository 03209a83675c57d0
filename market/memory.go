package market

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/lumina-fi/loanshield/dex"
	"github.com/lumina-fi/loanshield/types"
)

// MemoryMarket is a deterministic in-process lending market with
// Compound-style accounting. It backs the test-suite and the simulation
// backend: one mutex serializes every mutating call, and a flash loan runs
// its callback against a cloned state that only replaces the live state when
// the loan is repaid in full, giving the same all-or-nothing semantics the
// core expects from its host.
type MemoryMarket struct {
	mu          sync.Mutex
	state       *marketState
	venue       dex.Venue
	oracle      Oracle
	flashFeeBps uint16
	logger      *zap.Logger
}

type assetInfo struct {
	decimals         uint8
	collateralFactor *big.Int
	cash             *big.Int
}

type marketState struct {
	assets      map[common.Address]*assetInfo
	entered     map[common.Address][]common.Address
	collateral  map[common.Address]map[common.Address]*big.Int
	borrows     map[common.Address]map[common.Address]*big.Int
	wallets     map[common.Address]map[common.Address]*big.Int
	delegations map[common.Address]map[common.Address]bool
}

func newMarketState() *marketState {
	return &marketState{
		assets:      make(map[common.Address]*assetInfo),
		entered:     make(map[common.Address][]common.Address),
		collateral:  make(map[common.Address]map[common.Address]*big.Int),
		borrows:     make(map[common.Address]map[common.Address]*big.Int),
		wallets:     make(map[common.Address]map[common.Address]*big.Int),
		delegations: make(map[common.Address]map[common.Address]bool),
	}
}

func cloneBalances(src map[common.Address]map[common.Address]*big.Int) map[common.Address]map[common.Address]*big.Int {
	out := make(map[common.Address]map[common.Address]*big.Int, len(src))
	for owner, balances := range src {
		inner := make(map[common.Address]*big.Int, len(balances))
		for asset, amount := range balances {
			inner[asset] = new(big.Int).Set(amount)
		}
		out[owner] = inner
	}
	return out
}

func (s *marketState) clone() *marketState {
	cp := newMarketState()
	for asset, info := range s.assets {
		cp.assets[asset] = &assetInfo{
			decimals:         info.decimals,
			collateralFactor: new(big.Int).Set(info.collateralFactor),
			cash:             new(big.Int).Set(info.cash),
		}
	}
	for borrower, assets := range s.entered {
		cp.entered[borrower] = append([]common.Address(nil), assets...)
	}
	cp.collateral = cloneBalances(s.collateral)
	cp.borrows = cloneBalances(s.borrows)
	cp.wallets = cloneBalances(s.wallets)
	for borrower, operators := range s.delegations {
		inner := make(map[common.Address]bool, len(operators))
		for op, ok := range operators {
			inner[op] = ok
		}
		cp.delegations[borrower] = inner
	}
	return cp
}

func getBalance(m map[common.Address]map[common.Address]*big.Int, owner, asset common.Address) *big.Int {
	if inner, ok := m[owner]; ok {
		if amount, ok := inner[asset]; ok {
			return amount
		}
	}
	return new(big.Int)
}

func addBalance(m map[common.Address]map[common.Address]*big.Int, owner, asset common.Address, delta *big.Int) {
	inner, ok := m[owner]
	if !ok {
		inner = make(map[common.Address]*big.Int)
		m[owner] = inner
	}
	amount, ok := inner[asset]
	if !ok {
		amount = new(big.Int)
		inner[asset] = amount
	}
	amount.Add(amount, delta)
}

// NewMemoryMarket creates an empty market swapping through venue and pricing
// account liquidity through oracle.
func NewMemoryMarket(venue dex.Venue, oracle Oracle, flashFeeBps uint16, logger *zap.Logger) *MemoryMarket {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryMarket{
		state:       newMarketState(),
		venue:       venue,
		oracle:      oracle,
		flashFeeBps: flashFeeBps,
		logger:      logger,
	}
}

// ListAsset registers an asset with its decimal precision and 1e18-scaled
// collateral factor.
func (m *MemoryMarket) ListAsset(asset common.Address, decimals uint8, collateralFactor *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.assets[asset] = &assetInfo{
		decimals:         decimals,
		collateralFactor: new(big.Int).Set(collateralFactor),
		cash:             new(big.Int),
	}
}

// AddCash funds the asset's lending pool, bounding borrow and flash loan
// capacity.
func (m *MemoryMarket) AddCash(asset common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.state.assets[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAssetNotListed, asset.Hex())
	}
	info.cash.Add(info.cash, amount)
	return nil
}

func (m *MemoryMarket) enter(s *marketState, borrower, asset common.Address) {
	for _, a := range s.entered[borrower] {
		if a == asset {
			return
		}
	}
	s.entered[borrower] = append(s.entered[borrower], asset)
}

// Supply deposits collateral for the borrower.
func (m *MemoryMarket) Supply(borrower, asset common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.state.assets[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAssetNotListed, asset.Hex())
	}
	addBalance(m.state.collateral, borrower, asset, amount)
	info.cash.Add(info.cash, amount)
	m.enter(m.state, borrower, asset)
	return nil
}

// Borrow draws debt against the borrower's collateral. The memory market
// does not run a risk engine; tests construct whatever position they need.
func (m *MemoryMarket) Borrow(borrower, asset common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.state.assets[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAssetNotListed, asset.Hex())
	}
	if info.cash.Cmp(amount) < 0 {
		return fmt.Errorf("%w: borrow %s of %s", ErrInsufficientFunds, amount, asset.Hex())
	}
	info.cash.Sub(info.cash, amount)
	addBalance(m.state.borrows, borrower, asset, amount)
	m.enter(m.state, borrower, asset)
	return nil
}

// Redeem withdraws the borrower's own collateral.
func (m *MemoryMarket) Redeem(borrower, asset common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.state.assets[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAssetNotListed, asset.Hex())
	}
	balance := getBalance(m.state.collateral, borrower, asset)
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: redeem %s of %s", ErrInsufficientFunds, amount, asset.Hex())
	}
	if info.cash.Cmp(amount) < 0 {
		return fmt.Errorf("%w: market cash for %s", ErrInsufficientFunds, asset.Hex())
	}
	balance.Sub(balance, amount)
	info.cash.Sub(info.cash, amount)
	addBalance(m.state.wallets, borrower, asset, amount)
	return nil
}

// ApproveDelegate grants the operator a standing allowance to withdraw the
// borrower's collateral, the external precondition the engine checks before
// settling a flash loan from the position.
func (m *MemoryMarket) ApproveDelegate(borrower, operator common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inner, ok := m.state.delegations[borrower]
	if !ok {
		inner = make(map[common.Address]bool)
		m.state.delegations[borrower] = inner
	}
	inner[operator] = true
}

// WalletBalance returns an external account's token balance, e.g. the fee
// sink's accrued protection fees.
func (m *MemoryMarket) WalletBalance(owner, asset common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(getBalance(m.state.wallets, owner, asset))
}

// Reader implementation over the committed state.

func (m *MemoryMarket) AssetsIn(ctx context.Context, borrower common.Address) ([]common.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]common.Address(nil), m.state.entered[borrower]...), nil
}

func (m *MemoryMarket) CollateralFactor(ctx context.Context, asset common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return stateCollateralFactor(m.state, asset)
}

func (m *MemoryMarket) Decimals(ctx context.Context, asset common.Address) (uint8, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return stateDecimals(m.state, asset)
}

func (m *MemoryMarket) CollateralBalance(ctx context.Context, asset, borrower common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(getBalance(m.state.collateral, borrower, asset)), nil
}

func (m *MemoryMarket) BorrowBalance(ctx context.Context, asset, borrower common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(getBalance(m.state.borrows, borrower, asset)), nil
}

func (m *MemoryMarket) AccountLiquidity(ctx context.Context, borrower common.Address) (*big.Int, error) {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	return accountLiquidity(ctx, state, m.oracle, borrower)
}

func stateCollateralFactor(s *marketState, asset common.Address) (*big.Int, error) {
	info, ok := s.assets[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotListed, asset.Hex())
	}
	return new(big.Int).Set(info.collateralFactor), nil
}

func stateDecimals(s *marketState, asset common.Address) (uint8, error) {
	info, ok := s.assets[asset]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrAssetNotListed, asset.Hex())
	}
	return info.decimals, nil
}

// accountLiquidity returns the signed anchor-denominated surplus of the
// account: risk-adjusted collateral minus outstanding borrow.
func accountLiquidity(ctx context.Context, s *marketState, oracle Oracle, borrower common.Address) (*big.Int, error) {
	surplus := new(big.Int)
	for _, asset := range s.entered[borrower] {
		info := s.assets[asset]
		price, err := oracle.Price(ctx, asset)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrOracleUnavailable, asset.Hex(), err)
		}
		unitPrice := NormalizeUnitPrice(price, info.decimals)

		supplied := getBalance(s.collateral, borrower, asset)
		if supplied.Sign() > 0 {
			value := new(big.Int).Mul(supplied, unitPrice)
			value.Div(value, types.Scale)
			value.Mul(value, info.collateralFactor)
			value.Div(value, types.Scale)
			surplus.Add(surplus, value)
		}

		borrowed := getBalance(s.borrows, borrower, asset)
		if borrowed.Sign() > 0 {
			value := new(big.Int).Mul(borrowed, unitPrice)
			value.Div(value, types.Scale)
			surplus.Sub(surplus, value)
		}
	}
	return surplus, nil
}

// FlashLoan lends amount of asset to the operator for the duration of fn.
// fn runs against a cloned state; the clone replaces the live state only if
// fn succeeds and the working balance still covers principal plus fee.
func (m *MemoryMarket) FlashLoan(ctx context.Context, operator, asset common.Address, amount *big.Int, data []byte, fn FlashLoanCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.state.assets[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAssetNotListed, asset.Hex())
	}
	if info.cash.Cmp(amount) < 0 {
		return fmt.Errorf("%w: flash loan %s of %s", ErrInsufficientFunds, amount, asset.Hex())
	}

	fee := new(big.Int).Mul(amount, big.NewInt(int64(m.flashFeeBps)))
	fee.Div(fee, types.BpsDenominator)

	staged := m.state.clone()
	staged.assets[asset].cash.Sub(staged.assets[asset].cash, amount)

	txn := &memoryTxn{
		state:    staged,
		venue:    m.venue,
		oracle:   m.oracle,
		operator: operator,
		balances: make(map[common.Address]*big.Int),
	}
	txn.credit(asset, amount)

	if err := fn(ctx, txn, fee, data); err != nil {
		return err
	}

	owed := new(big.Int).Add(amount, fee)
	if txn.balance(asset).Cmp(owed) < 0 {
		return fmt.Errorf("%w: owed %s, held %s", ErrFlashLoanNotRepaid, owed, txn.balance(asset))
	}
	txn.debit(asset, owed)
	staged.assets[asset].cash.Add(staged.assets[asset].cash, owed)

	// Whatever the operator still holds leaves the unit as wallet funds.
	for leftAsset, left := range txn.balances {
		if left.Sign() > 0 {
			addBalance(staged.wallets, operator, leftAsset, left)
		}
	}

	m.state = staged
	m.logger.Debug("flash loan committed",
		zap.String("operator", operator.Hex()),
		zap.String("asset", asset.Hex()),
		zap.String("amount", amount.String()),
		zap.String("fee", fee.String()),
	)
	return nil
}

// memoryTxn is the staged view handed to a flash loan callback.
type memoryTxn struct {
	state    *marketState
	venue    dex.Venue
	oracle   Oracle
	operator common.Address
	balances map[common.Address]*big.Int
}

func (t *memoryTxn) balance(asset common.Address) *big.Int {
	if b, ok := t.balances[asset]; ok {
		return b
	}
	b := new(big.Int)
	t.balances[asset] = b
	return b
}

func (t *memoryTxn) credit(asset common.Address, amount *big.Int) {
	t.balance(asset).Add(t.balance(asset), amount)
}

func (t *memoryTxn) debit(asset common.Address, amount *big.Int) {
	t.balance(asset).Sub(t.balance(asset), amount)
}

func (t *memoryTxn) Balance(asset common.Address) *big.Int {
	return new(big.Int).Set(t.balance(asset))
}

func (t *memoryTxn) AssetsIn(ctx context.Context, borrower common.Address) ([]common.Address, error) {
	return append([]common.Address(nil), t.state.entered[borrower]...), nil
}

func (t *memoryTxn) CollateralFactor(ctx context.Context, asset common.Address) (*big.Int, error) {
	return stateCollateralFactor(t.state, asset)
}

func (t *memoryTxn) Decimals(ctx context.Context, asset common.Address) (uint8, error) {
	return stateDecimals(t.state, asset)
}

func (t *memoryTxn) CollateralBalance(ctx context.Context, asset, borrower common.Address) (*big.Int, error) {
	return new(big.Int).Set(getBalance(t.state.collateral, borrower, asset)), nil
}

func (t *memoryTxn) BorrowBalance(ctx context.Context, asset, borrower common.Address) (*big.Int, error) {
	return new(big.Int).Set(getBalance(t.state.borrows, borrower, asset)), nil
}

func (t *memoryTxn) AccountLiquidity(ctx context.Context, borrower common.Address) (*big.Int, error) {
	return accountLiquidity(ctx, t.state, t.oracle, borrower)
}

func (t *memoryTxn) SwapExactIn(ctx context.Context, assetIn, assetOut common.Address, amountIn *big.Int) (*big.Int, error) {
	if t.balance(assetIn).Cmp(amountIn) < 0 {
		return nil, fmt.Errorf("%w: swap %s of %s", ErrInsufficientFunds, amountIn, assetIn.Hex())
	}
	out, err := t.venue.SwapExactIn(ctx, assetIn, assetOut, amountIn)
	if err != nil {
		return nil, err
	}
	t.debit(assetIn, amountIn)
	t.credit(assetOut, out)
	return out, nil
}

func (t *memoryTxn) RepayBorrowBehalf(ctx context.Context, asset, borrower common.Address, amount *big.Int) (*big.Int, error) {
	info, ok := t.state.assets[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotListed, asset.Hex())
	}
	outstanding := getBalance(t.state.borrows, borrower, asset)
	repaid := new(big.Int).Set(amount)
	if repaid.Cmp(outstanding) > 0 {
		repaid.Set(outstanding)
	}
	if t.balance(asset).Cmp(repaid) < 0 {
		return nil, fmt.Errorf("%w: repay %s of %s", ErrInsufficientFunds, repaid, asset.Hex())
	}
	t.debit(asset, repaid)
	outstanding.Sub(outstanding, repaid)
	info.cash.Add(info.cash, repaid)
	return repaid, nil
}

func (t *memoryTxn) WithdrawCollateral(ctx context.Context, asset, borrower common.Address, amount *big.Int) error {
	info, ok := t.state.assets[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAssetNotListed, asset.Hex())
	}
	if !t.state.delegations[borrower][t.operator] {
		return fmt.Errorf("%w: %s -> %s", ErrDelegationMissing, borrower.Hex(), t.operator.Hex())
	}
	supplied := getBalance(t.state.collateral, borrower, asset)
	if supplied.Cmp(amount) < 0 {
		return fmt.Errorf("%w: withdraw %s of %s", ErrInsufficientFunds, amount, asset.Hex())
	}
	if info.cash.Cmp(amount) < 0 {
		return fmt.Errorf("%w: market cash for %s", ErrInsufficientFunds, asset.Hex())
	}
	supplied.Sub(supplied, amount)
	info.cash.Sub(info.cash, amount)
	t.credit(asset, amount)
	return nil
}

func (t *memoryTxn) Transfer(ctx context.Context, asset, to common.Address, amount *big.Int) error {
	if t.balance(asset).Cmp(amount) < 0 {
		return fmt.Errorf("%w: transfer %s of %s", ErrInsufficientFunds, amount, asset.Hex())
	}
	t.debit(asset, amount)
	addBalance(t.state.wallets, to, asset, amount)
	return nil
}
