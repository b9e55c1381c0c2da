// Package config loads the service's environment-backed configuration
// through koanf, layering an optional config.toml under environment
// variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"

	"github.com/paravex/subdag-observatory/internal/xerrors"
)

// Config is the fully resolved service configuration.
type Config struct {
	DatabaseURL   string
	RedisURL      string // optional; empty disables the shared mapping-cache tier
	NatsURL       string // optional; empty disables the NATS JetStream event relay
	ChainSDKURL   string
	NetworkType   string // "mainnet" | "testnet"
	SyncStartBlock uint64

	UptimeRoundSpan      uint64
	UptimeInterval       time.Duration
	PerformanceConcurrency int

	RateLimit       int
	RateLimitWindow time.Duration

	RangeFetcherConcurrency int
	MetricsAddress          string
	LogLevel                string
	CheckpointDBPath        string
}

const (
	defaultSyncStartBlock           = 0
	defaultUptimeRoundSpan          = 500
	defaultUptimeInterval           = 5 * time.Minute
	defaultPerformanceConcurrency   = 8
	defaultRateLimit                = 10
	defaultRateLimitWindow          = time.Second
	defaultRangeFetcherConcurrency  = 5
	defaultMetricsAddress           = ":9100"
	defaultCheckpointDBPath         = "data/mapping-cache.db"
)

// Load reads config.toml (if present) then overlays environment
// variables.
func Load(logger *zerolog.Logger, tomlPath string) (*Config, error) {
	ko := koanf.New(".")

	if tomlPath != "" {
		if err := ko.Load(file.Provider(tomlPath), toml.Parser()); err != nil {
			logger.Warn().Err(err).Str("path", tomlPath).Msg("no config file loaded, relying on environment")
		}
	}

	if err := ko.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		logger.Warn().Err(err).Msg("failed to load environment variables")
	}

	cfg := &Config{
		DatabaseURL:             ko.String("database_url"),
		RedisURL:                ko.String("redis_url"),
		NatsURL:                 ko.String("nats_url"),
		ChainSDKURL:             ko.String("chain_sdk_url"),
		NetworkType:             orDefault(ko.String("network_type"), "mainnet"),
		SyncStartBlock:          uintOrDefault(ko.Int64("sync_start_block"), defaultSyncStartBlock),
		UptimeRoundSpan:         uintOrDefault(ko.Int64("uptime_calculation_round_span"), defaultUptimeRoundSpan),
		UptimeInterval:          durationOrDefault(ko, "uptime_calculation_interval", defaultUptimeInterval),
		PerformanceConcurrency:  intOrDefault(ko.Int("performance_concurrency_limit"), defaultPerformanceConcurrency),
		RateLimit:               intOrDefault(ko.Int("rate_limit"), defaultRateLimit),
		RateLimitWindow:         durationOrDefault(ko, "rate_limit_window", defaultRateLimitWindow),
		RangeFetcherConcurrency: intOrDefault(ko.Int("range_fetcher_concurrency"), defaultRangeFetcherConcurrency),
		MetricsAddress:          orDefault(ko.String("metrics_address"), defaultMetricsAddress),
		LogLevel:                orDefault(ko.String("log_level"), "info"),
		CheckpointDBPath:        orDefault(ko.String("checkpoint_db_path"), defaultCheckpointDBPath),
	}

	if cfg.DatabaseURL == "" {
		return nil, &xerrors.ConfigError{Field: "DATABASE_URL", Err: fmt.Errorf("required")}
	}
	if cfg.ChainSDKURL == "" {
		return nil, &xerrors.ConfigError{Field: "CHAIN_SDK_URL", Err: fmt.Errorf("required")}
	}
	if cfg.NetworkType != "mainnet" && cfg.NetworkType != "testnet" {
		return nil, &xerrors.ConfigError{Field: "NETWORK_TYPE", Err: fmt.Errorf("must be mainnet or testnet, got %q", cfg.NetworkType)}
	}

	return cfg, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func intOrDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func uintOrDefault(v int64, def uint64) uint64 {
	if v <= 0 {
		return def
	}
	return uint64(v)
}

func durationOrDefault(ko *koanf.Koanf, key string, def time.Duration) time.Duration {
	d := ko.Duration(key)
	if d <= 0 {
		return def
	}
	return d
}
