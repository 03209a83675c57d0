package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.QuoteAsset = "0x0000000000000000000000000000000000000e01"
	cfg.Operator = "0x00000000000000000000000000000000000000a1"
	cfg.FeeSink = "0x0000000000000000000000000000000000000002"
	cfg.Owner = "0x0000000000000000000000000000000000000001"
	return cfg
}

func TestValidateConfig(t *testing.T) {
	t.Run("DefaultsWithAddressesValidate", func(t *testing.T) {
		require.NoError(t, validConfig().ValidateConfig())
	})

	t.Run("MissingEndpoint", func(t *testing.T) {
		cfg := validConfig()
		cfg.RPCEndpoint = ""
		err := cfg.ValidateConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rpc_endpoint")
	})

	t.Run("BadAddress", func(t *testing.T) {
		cfg := validConfig()
		cfg.FeeSink = "not-an-address"
		err := cfg.ValidateConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fee_sink")
	})

	t.Run("FeeAboveCeiling", func(t *testing.T) {
		cfg := validConfig()
		cfg.ProtectionFeeBps = 501
		err := cfg.ValidateConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "protection_fee_bps")
	})

	t.Run("BadWhitelistEntry", func(t *testing.T) {
		cfg := validConfig()
		cfg.WhitelistedAssets = []string{"0xZZ"}
		assert.Error(t, cfg.ValidateConfig())
	})

	t.Run("KeeperPacing", func(t *testing.T) {
		cfg := validConfig()
		cfg.Keeper.PollInterval = 0
		err := cfg.ValidateConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "keeper")
	})
}

func TestLoadConfig(t *testing.T) {
	t.Run("JSONRoundTrip", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "loanshield.json")
		require.NoError(t, SaveConfig(validConfig(), path))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), cfg.ChainID)
		assert.Equal(t, 15*time.Second, cfg.Keeper.PollInterval)
		assert.True(t, cfg.Keeper.DryRun)
	})

	t.Run("YAML", func(t *testing.T) {
		raw := `
chain_id: 1
rpc_endpoint: http://localhost:8545
quote_asset: "0x0000000000000000000000000000000000000e01"
operator: "0x00000000000000000000000000000000000000a1"
fee_sink: "0x0000000000000000000000000000000000000002"
owner: "0x0000000000000000000000000000000000000001"
protection_fee_bps: 50
keeper:
  poll_interval: 10000000000
  dispatch_per_second: 2
  dispatch_burst: 4
  dedup_ttl: 60000000000
rpc_rate_limit:
  requests_per_second: 10
  burst_size: 100
  wait_timeout: 1000000000
`
		path := filepath.Join(t.TempDir(), "loanshield.yaml")
		require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, uint16(50), cfg.ProtectionFeeBps)
		assert.Equal(t, 10*time.Second, cfg.Keeper.PollInterval)
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
		assert.Error(t, err)
	})

	t.Run("EndpointsFromEnvironment", func(t *testing.T) {
		t.Setenv(EnvInfuraKey, "testkey")
		t.Setenv(EnvNetwork, "sepolia")
		t.Setenv(EnvOperator, "0x00000000000000000000000000000000000000a1")

		cfg := validConfig()
		cfg.RPCEndpoint = ""
		cfg.WSEndpoint = ""
		cfg.Operator = ""
		path := filepath.Join(t.TempDir(), "loanshield.json")
		require.NoError(t, SaveConfig(cfg, path))

		loaded, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "https://sepolia.infura.io/v3/testkey", loaded.RPCEndpoint)
		assert.Equal(t, "wss://sepolia.infura.io/ws/v3/testkey", loaded.WSEndpoint)
		assert.Equal(t, "0x00000000000000000000000000000000000000a1", loaded.Operator)
	})

	t.Run("FileEndpointWinsOverEnvironment", func(t *testing.T) {
		t.Setenv(EnvInfuraKey, "testkey")
		t.Setenv(EnvNetwork, "mainnet")

		path := filepath.Join(t.TempDir(), "loanshield.json")
		require.NoError(t, SaveConfig(validConfig(), path))

		loaded, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:8545", loaded.RPCEndpoint)
	})
}
