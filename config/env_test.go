package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetNetworkEndpoints(t *testing.T) {
	t.Run("DefaultsToMainnet", func(t *testing.T) {
		t.Setenv(EnvInfuraKey, "abc123")
		t.Setenv(EnvNetwork, "")

		httpEndpoint, wsEndpoint, err := GetNetworkEndpoints()
		require.NoError(t, err)
		assert.Equal(t, "https://mainnet.infura.io/v3/abc123", httpEndpoint)
		assert.Equal(t, "wss://mainnet.infura.io/ws/v3/abc123", wsEndpoint)
	})

	t.Run("Testnets", func(t *testing.T) {
		t.Setenv(EnvInfuraKey, "abc123")
		for _, network := range []string{"sepolia", "holesky"} {
			t.Setenv(EnvNetwork, network)
			httpEndpoint, _, err := GetNetworkEndpoints()
			require.NoError(t, err)
			assert.Contains(t, httpEndpoint, network)
		}
	})

	t.Run("MissingKey", func(t *testing.T) {
		t.Setenv(EnvInfuraKey, "")
		_, _, err := GetNetworkEndpoints()
		assert.Error(t, err)
	})

	t.Run("UnsupportedNetwork", func(t *testing.T) {
		t.Setenv(EnvInfuraKey, "abc123")
		t.Setenv(EnvNetwork, "ropsten")
		_, _, err := GetNetworkEndpoints()
		assert.Error(t, err)
	})
}
