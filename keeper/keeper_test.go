package keeper

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/lumina-fi/loanshield/dex"
	"github.com/lumina-fi/loanshield/market"
	"github.com/lumina-fi/loanshield/protection"
	"github.com/lumina-fi/loanshield/types"
)

var (
	kOwner      = common.HexToAddress("0x0000000000000000000000000000000000000001")
	kFeeSink    = common.HexToAddress("0x0000000000000000000000000000000000000002")
	kOperator   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	kBorrower   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	kCollateral = common.HexToAddress("0x0000000000000000000000000000000000000c01")
	kDebt       = common.HexToAddress("0x0000000000000000000000000000000000000d01")
	kQuote      = common.HexToAddress("0x0000000000000000000000000000000000000e01")
)

type keeperStack struct {
	market   *market.MemoryMarket
	registry *protection.Registry
	keeper   *Keeper
}

func mustBig(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	require.True(t, ok, "bad big.Int literal %q", s)
	return v
}

func newKeeperStack(t *testing.T, dryRun bool) *keeperStack {
	t.Helper()
	logger := zaptest.NewLogger(t)

	venue := dex.NewStaticVenue()
	venue.SetRate(kCollateral, kDebt, mustBig(t, "10000000000000000000000000000"))

	oracle := market.NewStaticOracle()
	oracle.SetPrice(kCollateral, mustBig(t, "1000000000000000"))
	oracle.SetPrice(kDebt, mustBig(t, "100000000000000000"))
	oracle.SetPrice(kQuote, mustBig(t, "1000000000000000"))

	mkt := market.NewMemoryMarket(venue, oracle, 0, logger)
	mkt.ListAsset(kCollateral, 6, mustBig(t, "900000000000000000"))
	mkt.ListAsset(kDebt, 18, mustBig(t, "750000000000000000"))
	require.NoError(t, mkt.Supply(kBorrower, kCollateral, big.NewInt(1_000_000)))
	require.NoError(t, mkt.AddCash(kDebt, mustBig(t, "2000000000000000")))
	require.NoError(t, mkt.Borrow(kBorrower, kDebt, mustBig(t, "1000000000000000")))
	mkt.ApproveDelegate(kBorrower, kOperator)

	provider := market.NewAccountDataProvider(mkt, oracle, kQuote, logger)

	admin, err := protection.NewAdmin(kOwner, kFeeSink, types.FeeConfig{}, logger)
	require.NoError(t, err)
	require.NoError(t, admin.SetWhitelist(kOwner, kCollateral, true))
	require.NoError(t, admin.SetWhitelist(kOwner, kDebt, true))

	registry := protection.NewRegistry(admin, logger)
	engine := protection.NewEngine(registry, admin, provider, mkt, kOperator, nil, logger)
	resolver, err := protection.NewResolver(registry, provider, logger)
	require.NoError(t, err)

	k := New(Config{
		PollInterval: 10 * time.Millisecond,
		RateLimit:    rate.Inf,
		Burst:        1,
		DedupTTL:     time.Minute,
		DryRun:       dryRun,
	}, registry, resolver, engine, nil, logger)

	return &keeperStack{market: mkt, registry: registry, keeper: k}
}

func (s *keeperStack) submit(t *testing.T) common.Hash {
	t.Helper()
	id, err := s.registry.Submit(kBorrower, big.NewInt(5e18), big.NewInt(9e18), kCollateral, kDebt, nil, false)
	require.NoError(t, err)
	return id
}

func (s *keeperStack) degrade(t *testing.T) {
	t.Helper()
	require.NoError(t, s.market.Redeem(kBorrower, kCollateral, big.NewInt(500_000)))
}

func TestKeeperPoll(t *testing.T) {
	ctx := context.Background()

	t.Run("HealthyPositionUntouched", func(t *testing.T) {
		s := newKeeperStack(t, false)
		id := s.submit(t)
		s.keeper.Track(kBorrower)

		s.keeper.poll(ctx)

		_, err := s.registry.Get(id)
		assert.NoError(t, err)
	})

	t.Run("TriggeredSaveExecutes", func(t *testing.T) {
		s := newKeeperStack(t, false)
		id := s.submit(t)
		s.keeper.Track(kBorrower)
		s.degrade(t)

		s.keeper.poll(ctx)

		_, err := s.registry.Get(id)
		assert.ErrorIs(t, err, protection.ErrInstructionNotFound)
	})

	t.Run("DryRunLeavesState", func(t *testing.T) {
		s := newKeeperStack(t, true)
		id := s.submit(t)
		s.keeper.Track(kBorrower)
		s.degrade(t)

		s.keeper.poll(ctx)

		_, err := s.registry.Get(id)
		assert.NoError(t, err)

		borrowed, err := s.market.BorrowBalance(ctx, kDebt, kBorrower)
		require.NoError(t, err)
		assert.Equal(t, "1000000000000000", borrowed.String())
	})

	t.Run("IdenticalPayloadDeduplicated", func(t *testing.T) {
		s := newKeeperStack(t, true)
		s.submit(t)
		s.keeper.Track(kBorrower)
		s.degrade(t)

		s.keeper.poll(ctx)
		s.keeper.poll(ctx)

		s.keeper.mu.Lock()
		defer s.keeper.mu.Unlock()
		assert.Len(t, s.keeper.recent, 1)
	})

	t.Run("EachBreachedPositionDispatches", func(t *testing.T) {
		s := newKeeperStack(t, true)
		s.submit(t)
		_, err := s.registry.Submit(kBorrower, big.NewInt(6e18), big.NewInt(7e18), kCollateral, kDebt, nil, false)
		require.NoError(t, err)
		s.keeper.Track(kBorrower)
		s.degrade(t)

		s.keeper.poll(ctx)

		// Both instructions produced distinct payloads in a single round.
		s.keeper.mu.Lock()
		defer s.keeper.mu.Unlock()
		assert.Len(t, s.keeper.recent, 2)
	})
}

func TestKeeperDedupWindow(t *testing.T) {
	s := newKeeperStack(t, true)
	s.keeper.cfg.DedupTTL = 10 * time.Millisecond

	assert.False(t, s.keeper.seenRecently(42))
	assert.True(t, s.keeper.seenRecently(42))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, s.keeper.seenRecently(42))
}

func TestKeeperEventTracking(t *testing.T) {
	s := newKeeperStack(t, true)
	id := s.submit(t)
	instruction, err := s.registry.Get(id)
	require.NoError(t, err)

	s.keeper.handleEvent(protection.Event{Type: protection.EventSubmitted, Instruction: instruction})
	assert.Equal(t, 1, s.keeper.TrackedCount())

	// Tracking survives while any instruction remains registered.
	s.keeper.handleEvent(protection.Event{Type: protection.EventExecuted, Instruction: instruction})
	assert.Equal(t, 1, s.keeper.TrackedCount())

	require.NoError(t, s.registry.Cancel(kBorrower, id))
	s.keeper.handleEvent(protection.Event{Type: protection.EventCanceled, Instruction: instruction})
	assert.Equal(t, 0, s.keeper.TrackedCount())
}

func TestKeeperRunStopsOnCancel(t *testing.T) {
	s := newKeeperStack(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.keeper.Run(ctx)
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("keeper did not stop on context cancellation")
	}
}
