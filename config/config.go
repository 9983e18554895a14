// Package config loads engine configuration from the environment with
// development defaults.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/midatopay/qrsettle/oracle"
	"github.com/midatopay/qrsettle/types"
)

type Config struct {
	Database DatabaseConfig
	Engine   types.EngineConfig
}

type DatabaseConfig struct {
	DSN             string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// Load reads configuration from the environment. Per-network settings
// use the QRSETTLE_<NETWORK>_* prefix, with dashes in the network name
// mapped to underscores (QRSETTLE_POLYGON_AMOY_RPC_URL).
func Load() *Config {
	cfg := &Config{
		Database: DatabaseConfig{
			DSN:             getEnv("QRSETTLE_DB_DSN", "qrsettle:qrsettle@tcp(localhost:3306)/qrsettle?charset=utf8mb4&parseTime=True&loc=Local"),
			MaxIdleConns:    10,
			MaxOpenConns:    100,
			ConnMaxLifetime: time.Hour,
		},
		Engine: types.EngineConfig{
			DefaultTimeout:  getDuration("QRSETTLE_DEFAULT_TIMEOUT", 30*time.Second),
			SessionTTL:      getDuration("QRSETTLE_SESSION_TTL", types.SessionTTL),
			CacheTTL:        getDuration("QRSETTLE_CACHE_TTL", oracle.DefaultCacheTTL),
			RefreshInterval: getDuration("QRSETTLE_REFRESH_INTERVAL", oracle.DefaultRefreshInterval),
			FallbackRate:    getDecimal("QRSETTLE_FALLBACK_RATE", oracle.DefaultFallbackRate),
			LogLevel:        getEnv("QRSETTLE_LOG_LEVEL", "info"),
			EnableMetrics:   getBool("QRSETTLE_ENABLE_METRICS", false),
			Networks:        map[types.Network]types.NetworkConfig{},
		},
	}

	for _, network := range types.AllNetworks {
		nc := networkFromEnv(network)
		if nc.RPCUrl == "" {
			continue
		}
		cfg.Engine.Networks[network] = nc
	}
	return cfg
}

func networkFromEnv(network types.Network) types.NetworkConfig {
	prefix := "QRSETTLE_" + strings.ToUpper(strings.ReplaceAll(string(network), "-", "_")) + "_"
	return types.NetworkConfig{
		RPCUrl:         os.Getenv(prefix + "RPC_URL"),
		GatewayAddress: os.Getenv(prefix + "GATEWAY_ADDRESS"),
		OracleAddress:  os.Getenv(prefix + "ORACLE_ADDRESS"),
		TokenAddress:   getEnv(prefix+"TOKEN_ADDRESS", network.DefaultTokenAddress()),
		SigningKeyHex:  os.Getenv(prefix + "SIGNING_KEY"),
		Timeout:        getDuration(prefix+"TIMEOUT", 0),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return fallback
}
