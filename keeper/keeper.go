// Package keeper runs the polling daemon that watches registered borrowers
// and dispatches saves when their trigger conditions fire. It is the
// off-chain half of the protection service: the resolver decides, the engine
// executes, the keeper paces and deduplicates.
package keeper

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lumina-fi/loanshield/protection"
	"github.com/lumina-fi/loanshield/utils/metrics"
)

// Config paces the daemon.
type Config struct {
	// PollInterval is the cadence of full scans over tracked borrowers.
	PollInterval time.Duration

	// RateLimit and Burst bound dispatches per second across all borrowers.
	RateLimit rate.Limit
	Burst     int

	// DedupTTL suppresses re-dispatch of an identical payload within the
	// window. Triggers re-fire while a position stays unhealthy; the TTL
	// keeps one failed save from being hammered every poll.
	DedupTTL time.Duration

	// DryRun logs would-be dispatches without executing them.
	DryRun bool
}

// DefaultConfig returns the production pacing defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Second,
		RateLimit:    rate.Limit(2),
		Burst:        4,
		DedupTTL:     2 * time.Minute,
	}
}

// Keeper polls tracked borrowers and dispatches ready saves. Borrowers are
// tracked from registry lifecycle events: submission starts tracking, the
// last cancel or execution stops it.
type Keeper struct {
	cfg      Config
	registry *protection.Registry
	resolver *protection.Resolver
	engine   *protection.Engine
	limiter  *rate.Limiter
	metrics  *metrics.KeeperMetrics
	logger   *zap.Logger

	mu      sync.Mutex
	tracked map[common.Address]struct{}
	recent  map[uint64]time.Time
}

// New wires a keeper over the registry, resolver and engine.
func New(cfg Config, registry *protection.Registry, resolver *protection.Resolver, engine *protection.Engine, m *metrics.KeeperMetrics, logger *zap.Logger) *Keeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Keeper{
		cfg:      cfg,
		registry: registry,
		resolver: resolver,
		engine:   engine,
		limiter:  rate.NewLimiter(cfg.RateLimit, cfg.Burst),
		metrics:  m,
		logger:   logger,
		tracked:  make(map[common.Address]struct{}),
		recent:   make(map[uint64]time.Time),
	}
}

// Track adds a borrower to the polling set without waiting for a registry
// event, used when starting against pre-existing instructions.
func (k *Keeper) Track(borrower common.Address) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.tracked[borrower] = struct{}{}
	k.updateTrackedGauge()
}

// TrackedCount returns the current polling set size.
func (k *Keeper) TrackedCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.tracked)
}

func (k *Keeper) updateTrackedGauge() {
	if k.metrics != nil {
		k.metrics.TrackedAccounts.Set(float64(len(k.tracked)))
	}
}

// Run polls until ctx is canceled. It consumes registry events concurrently
// with the polling loop; both stop when ctx ends.
func (k *Keeper) Run(ctx context.Context) error {
	events := make(chan protection.Event, 64)
	sub := k.registry.Subscribe(events)
	defer sub.Unsubscribe()

	ticker := time.NewTicker(k.cfg.PollInterval)
	defer ticker.Stop()

	k.logger.Info("keeper started",
		zap.Duration("poll_interval", k.cfg.PollInterval),
		zap.Bool("dry_run", k.cfg.DryRun),
	)

	for {
		select {
		case <-ctx.Done():
			k.logger.Info("keeper stopped")
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case ev := <-events:
			k.handleEvent(ev)
		case <-ticker.C:
			k.poll(ctx)
		}
	}
}

func (k *Keeper) handleEvent(ev protection.Event) {
	borrower := ev.Instruction.Borrower
	k.mu.Lock()
	defer k.mu.Unlock()
	switch ev.Type {
	case protection.EventSubmitted:
		k.tracked[borrower] = struct{}{}
	case protection.EventCanceled, protection.EventExecuted:
		if k.registry.Count(borrower) == 0 {
			delete(k.tracked, borrower)
		}
	}
	k.updateTrackedGauge()
}

// poll scans every tracked borrower once.
func (k *Keeper) poll(ctx context.Context) {
	start := time.Now()
	if k.metrics != nil {
		k.metrics.Polls.Inc()
		defer func() {
			k.metrics.PollLatency.Observe(time.Since(start).Seconds())
		}()
	}

	k.mu.Lock()
	borrowers := make([]common.Address, 0, len(k.tracked))
	for borrower := range k.tracked {
		borrowers = append(borrowers, borrower)
	}
	k.mu.Unlock()

	for _, borrower := range borrowers {
		if ctx.Err() != nil {
			return
		}
		if err := k.pollBorrower(ctx, borrower); err != nil {
			if k.metrics != nil {
				k.metrics.PollErrors.Inc()
			}
			k.logger.Warn("poll failed",
				zap.String("borrower", borrower.Hex()),
				zap.Error(err),
			)
		}
	}
}

// pollBorrower enumerates the borrower's instructions by position, the same
// way an external automation network would, dispatching every one whose
// trigger fires. Executions shrink the list mid-loop; the stale tail
// positions then answer not-ready and are skipped.
func (k *Keeper) pollBorrower(ctx context.Context, borrower common.Address) error {
	count := k.registry.Count(borrower)
	for position := 0; position < count; position++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		ready, payload, err := k.resolver.CheckAt(ctx, borrower, position)
		if err != nil {
			return err
		}
		if !ready {
			continue
		}
		if k.metrics != nil {
			k.metrics.Triggers.Inc()
		}

		digest := xxhash.Sum64(payload)
		if k.seenRecently(digest) {
			if k.metrics != nil {
				k.metrics.DuplicateSkips.Inc()
			}
			continue
		}

		if err := k.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := k.dispatch(ctx, payload, digest); err != nil {
			return err
		}
	}
	return nil
}

// seenRecently checks and garbage-collects the dedup window.
func (k *Keeper) seenRecently(digest uint64) bool {
	now := time.Now()
	k.mu.Lock()
	defer k.mu.Unlock()
	for d, at := range k.recent {
		if now.Sub(at) > k.cfg.DedupTTL {
			delete(k.recent, d)
		}
	}
	if _, ok := k.recent[digest]; ok {
		return true
	}
	k.recent[digest] = now
	return false
}

func (k *Keeper) dispatch(ctx context.Context, payload []byte, digest uint64) error {
	onBehalf, id, err := k.resolver.DecodePayload(payload)
	if err != nil {
		return err
	}

	instruction, err := k.registry.Get(id)
	if err != nil {
		// Gone between check and dispatch; another executor won the race.
		return nil
	}

	fields := []zap.Field{
		zap.String("borrower", onBehalf.Hex()),
		zap.String("id", id.Hex()),
		zap.Uint64("payload_digest", digest),
		zap.Bool("external_funding", instruction.UseExternalFunding),
	}

	if k.cfg.DryRun {
		k.logger.Info("dry run: would execute save", fields...)
		return nil
	}

	if k.metrics != nil {
		k.metrics.Executions.Inc()
	}
	if err := k.engine.SaveLoan(ctx, onBehalf, id); err != nil {
		if k.metrics != nil {
			k.metrics.ExecErrors.Inc()
		}
		k.logger.Warn("save dispatch failed", append(fields, zap.Error(err))...)
		return nil
	}
	k.logger.Info("save dispatched", fields...)
	return nil
}
