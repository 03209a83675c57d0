package cmd

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lumina-fi/loanshield/config"
	"github.com/lumina-fi/loanshield/dex"
	"github.com/lumina-fi/loanshield/keeper"
	"github.com/lumina-fi/loanshield/market"
	"github.com/lumina-fi/loanshield/protection"
	"github.com/lumina-fi/loanshield/types"
	"github.com/lumina-fi/loanshield/utils"
	"github.com/lumina-fi/loanshield/utils/metrics"
)

var backend string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the protection keeper",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := utils.GetLogger()

		if err := config.LoadEnv(); err != nil {
			log.Debug("no .env file loaded", zap.Error(err))
		}

		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		metrics.Initialize(&metrics.MetricsConfig{
			ReportInterval: 10 * time.Second,
			LogMetrics:     cfg.PrometheusEnabled,
		}, log)
		metrics.StartReporter(cmd.Context())

		mkt, oracle, err := buildBackend(cfg, log)
		if err != nil {
			return err
		}

		provider := market.NewAccountDataProvider(
			mkt, oracle, common.HexToAddress(cfg.QuoteAsset), log)

		admin, err := protection.NewAdmin(
			common.HexToAddress(cfg.Owner),
			common.HexToAddress(cfg.FeeSink),
			types.FeeConfig{
				ProtectionFeeBps: cfg.ProtectionFeeBps,
				FlashLoanFeeBps:  cfg.FlashLoanFeeBps,
			}, log)
		if err != nil {
			return err
		}
		owner := common.HexToAddress(cfg.Owner)
		for _, asset := range cfg.WhitelistedAssets {
			if err := admin.SetWhitelist(owner, common.HexToAddress(asset), true); err != nil {
				return err
			}
		}

		registry := protection.NewRegistry(admin, log)
		engine := protection.NewEngine(registry, admin, provider, mkt,
			common.HexToAddress(cfg.Operator),
			metrics.NewProtectionMetrics("loanshield_protection"), log)
		if cfg.GoalToleranceBps > 0 {
			engine.SetGoalToleranceBps(cfg.GoalToleranceBps)
		}

		resolver, err := protection.NewResolver(registry, provider, log)
		if err != nil {
			return err
		}

		dryRun := cfg.Keeper.DryRun
		if backend == "rpc" && !dryRun {
			// The chain adapter is read-only; execution requires the
			// on-chain unit, so a live backend always dry-runs.
			log.Warn("rpc backend forces dry-run mode")
			dryRun = true
		}

		k := keeper.New(keeper.Config{
			PollInterval: cfg.Keeper.PollInterval,
			RateLimit:    rate.Limit(cfg.Keeper.DispatchPerSecond),
			Burst:        cfg.Keeper.DispatchBurst,
			DedupTTL:     cfg.Keeper.DedupTTL,
			DryRun:       dryRun,
		}, registry, resolver, engine,
			metrics.NewKeeperMetrics("loanshield_keeper"), log)

		log.Info("starting keeper",
			zap.String("backend", backend),
			zap.Uint64("chain_id", cfg.ChainID),
		)
		return k.Run(cmd.Context())
	},
}

// buildBackend selects the execution backend: a deterministic in-memory
// market for simulation, or the read-only chain adapter for live monitoring.
// The oracle is shared with the market so both price identically.
func buildBackend(cfg *config.Config, log *zap.Logger) (market.Market, market.Oracle, error) {
	switch backend {
	case "memory":
		venue := dex.NewStaticVenue()
		oracle := market.NewStaticOracle()
		return market.NewMemoryMarket(venue, oracle, cfg.FlashLoanFeeBps, log), oracle, nil
	case "rpc":
		client, err := ethclient.Dial(cfg.RPCEndpoint)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to node: %w", err)
		}
		mkt, err := market.NewChainMarket(client, common.HexToAddress(cfg.Comptroller), log)
		if err != nil {
			return nil, nil, err
		}
		oracle, err := market.NewChainOracle(client, common.HexToAddress(cfg.PriceOracle), mkt)
		if err != nil {
			return nil, nil, err
		}
		return mkt, oracle, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", backend)
	}
}

func init() {
	rootCmd.AddCommand(startCmd)
	startCmd.Flags().StringVar(&backend, "backend", "rpc", "market backend: rpc or memory")
}
