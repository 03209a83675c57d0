package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Environment variables
const (
	EnvInfuraKey = "INFURA_API_KEY"
	EnvOperator  = "OPERATOR_ADDRESS"
	EnvNetwork   = "NETWORK" // mainnet, sepolia, holesky
)

// LoadEnv loads environment variables from .env file
func LoadEnv() error {
	return godotenv.Load()
}

// GetEnvWithDefault gets an environment variable with a default value
func GetEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// GetRequiredEnv errors when the variable is unset or empty.
func GetRequiredEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("required environment variable %s not set", key)
	}
	return value, nil
}

// GetNetworkEndpoints derives the RPC endpoints for the configured network.
func GetNetworkEndpoints() (string, string, error) {
	network := GetEnvWithDefault(EnvNetwork, "mainnet")
	infuraKey, err := GetRequiredEnv(EnvInfuraKey)
	if err != nil {
		return "", "", err
	}

	var httpEndpoint, wsEndpoint string
	switch network {
	case "mainnet":
		httpEndpoint = fmt.Sprintf("https://mainnet.infura.io/v3/%s", infuraKey)
		wsEndpoint = fmt.Sprintf("wss://mainnet.infura.io/ws/v3/%s", infuraKey)
	case "sepolia":
		httpEndpoint = fmt.Sprintf("https://sepolia.infura.io/v3/%s", infuraKey)
		wsEndpoint = fmt.Sprintf("wss://sepolia.infura.io/ws/v3/%s", infuraKey)
	case "holesky":
		httpEndpoint = fmt.Sprintf("https://holesky.infura.io/v3/%s", infuraKey)
		wsEndpoint = fmt.Sprintf("wss://holesky.infura.io/ws/v3/%s", infuraKey)
	default:
		return "", "", fmt.Errorf("unsupported network: %s", network)
	}

	return httpEndpoint, wsEndpoint, nil
}
