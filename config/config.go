package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	yaml "gopkg.in/yaml.v2"
)

type Config struct {
	// Chain and network settings
	ChainID     uint64 `json:"chain_id" yaml:"chain_id"`
	RPCEndpoint string `json:"rpc_endpoint" yaml:"rpc_endpoint"`
	WSEndpoint  string `json:"ws_endpoint" yaml:"ws_endpoint"`

	// Protocol addresses
	Comptroller string `json:"comptroller" yaml:"comptroller"`
	PriceOracle string `json:"price_oracle" yaml:"price_oracle"`
	QuoteAsset  string `json:"quote_asset" yaml:"quote_asset"`
	Operator    string `json:"operator" yaml:"operator"`
	FeeSink     string `json:"fee_sink" yaml:"fee_sink"`
	Owner       string `json:"owner" yaml:"owner"`

	// Fee schedule, basis points
	ProtectionFeeBps uint16 `json:"protection_fee_bps" yaml:"protection_fee_bps"`
	FlashLoanFeeBps  uint16 `json:"flash_loan_fee_bps" yaml:"flash_loan_fee_bps"`
	GoalToleranceBps uint16 `json:"goal_tolerance_bps" yaml:"goal_tolerance_bps"`

	// Asset whitelist
	WhitelistedAssets []string `json:"whitelisted_assets" yaml:"whitelisted_assets"`

	// Keeper settings
	Keeper KeeperConfig `json:"keeper" yaml:"keeper"`

	// Rate limiting for outbound RPC
	RPCRateLimit RateLimitConfig `json:"rpc_rate_limit" yaml:"rpc_rate_limit"`

	// Feature flags
	PrometheusEnabled  bool   `json:"prometheus_enabled" yaml:"prometheus_enabled"`
	PrometheusEndpoint string `json:"prometheus_endpoint" yaml:"prometheus_endpoint"`

	// Internal components
	Logger *zap.Logger `json:"-" yaml:"-"`
}

type KeeperConfig struct {
	PollInterval      time.Duration `json:"poll_interval" yaml:"poll_interval"`
	DispatchPerSecond float64       `json:"dispatch_per_second" yaml:"dispatch_per_second"`
	DispatchBurst     int           `json:"dispatch_burst" yaml:"dispatch_burst"`
	DedupTTL          time.Duration `json:"dedup_ttl" yaml:"dedup_ttl"`
	DryRun            bool          `json:"dry_run" yaml:"dry_run"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64       `json:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int           `json:"burst_size" yaml:"burst_size"`
	WaitTimeout       time.Duration `json:"wait_timeout" yaml:"wait_timeout"`
}

const maxFeeBps = 500

func (c *Config) ValidateConfig() error {
	var errors []string

	if c.ChainID == 0 {
		errors = append(errors, "chain_id must be specified")
	}
	if c.RPCEndpoint == "" {
		errors = append(errors, "rpc_endpoint must be specified")
	}
	if c.Comptroller != "" && !common.IsHexAddress(c.Comptroller) {
		errors = append(errors, "comptroller must be a hex address")
	}
	if c.PriceOracle != "" && !common.IsHexAddress(c.PriceOracle) {
		errors = append(errors, "price_oracle must be a hex address")
	}
	if c.QuoteAsset == "" || !common.IsHexAddress(c.QuoteAsset) {
		errors = append(errors, "quote_asset must be a hex address")
	}
	if c.Operator == "" || !common.IsHexAddress(c.Operator) {
		errors = append(errors, "operator must be a hex address")
	}
	if c.FeeSink == "" || !common.IsHexAddress(c.FeeSink) {
		errors = append(errors, "fee_sink must be a hex address")
	}

	if c.ProtectionFeeBps > maxFeeBps {
		errors = append(errors, fmt.Sprintf("protection_fee_bps must not exceed %d", maxFeeBps))
	}
	if c.FlashLoanFeeBps > maxFeeBps {
		errors = append(errors, fmt.Sprintf("flash_loan_fee_bps must not exceed %d", maxFeeBps))
	}

	for _, asset := range c.WhitelistedAssets {
		if !common.IsHexAddress(asset) {
			errors = append(errors, fmt.Sprintf("whitelisted asset %q is not a hex address", asset))
		}
	}

	if err := c.Keeper.Validate(); err != nil {
		errors = append(errors, fmt.Sprintf("keeper config error: %v", err))
	}
	if err := c.RPCRateLimit.Validate(); err != nil {
		errors = append(errors, fmt.Sprintf("RPC rate limit error: %v", err))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}

	return nil
}

func (k *KeeperConfig) Validate() error {
	if k.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if k.DispatchPerSecond <= 0 {
		return fmt.Errorf("dispatch rate must be positive")
	}
	if k.DispatchBurst <= 0 {
		return fmt.Errorf("dispatch burst must be positive")
	}
	if k.DedupTTL <= 0 {
		return fmt.Errorf("dedup TTL must be positive")
	}
	return nil
}

func (r *RateLimitConfig) Validate() error {
	if r.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests per second must be positive")
	}
	if r.BurstSize <= 0 {
		return fmt.Errorf("burst size must be positive")
	}
	if r.WaitTimeout <= 0 {
		return fmt.Errorf("wait timeout must be positive")
	}
	return nil
}

// LoadConfig reads a JSON or YAML config file, picked by extension, falling
// back to ~/.loanshield.json when no path is given.
func LoadConfig(cfgFile string) (*Config, error) {
	if cfgFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfgFile = filepath.Join(home, ".loanshield.json")
	}

	raw, err := os.ReadFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	switch filepath.Ext(cfgFile) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	default:
		if err := json.Unmarshal(raw, &config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	config.applyEnvOverrides()

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	config.Logger = logger

	if err := config.ValidateConfig(); err != nil {
		return nil, err
	}

	return &config, nil
}

// applyEnvOverrides fills gaps the config file left empty from the
// environment: endpoints derive from INFURA_API_KEY/NETWORK, the operator
// from OPERATOR_ADDRESS. Explicit file values always win.
func (c *Config) applyEnvOverrides() {
	if c.RPCEndpoint == "" {
		if httpEndpoint, wsEndpoint, err := GetNetworkEndpoints(); err == nil {
			c.RPCEndpoint = httpEndpoint
			if c.WSEndpoint == "" {
				c.WSEndpoint = wsEndpoint
			}
		}
	}
	if c.Operator == "" {
		c.Operator = os.Getenv(EnvOperator)
	}
}

func SaveConfig(cfg *Config, cfgFile string) error {
	if cfgFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		cfgFile = filepath.Join(home, ".loanshield.json")
	}

	file, err := os.Create(cfgFile)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "    ")
	return encoder.Encode(cfg)
}

func DefaultConfig() *Config {
	return &Config{
		Logger:           zap.NewNop(),
		ChainID:          1,
		RPCEndpoint:      "http://localhost:8545",
		WSEndpoint:       "ws://localhost:8546",
		ProtectionFeeBps: 50,
		FlashLoanFeeBps:  9,
		GoalToleranceBps: 5,
		Keeper: KeeperConfig{
			PollInterval:      15 * time.Second,
			DispatchPerSecond: 2,
			DispatchBurst:     4,
			DedupTTL:          2 * time.Minute,
			DryRun:            true,
		},
		RPCRateLimit: RateLimitConfig{
			RequestsPerSecond: 10,
			BurstSize:         100,
			WaitTimeout:       time.Second,
		},
		PrometheusEnabled:  false,
		PrometheusEndpoint: "",
	}
}
