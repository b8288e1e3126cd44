// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/atmx/risk-engine/internal/fixed"
)

// Config is the full service configuration.
type Config struct {
	Port string

	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	RedisStream       string
	RedisStreamMaxLen int64

	LogLevel  string
	LogFormat string

	OracleMaxStaleness  time.Duration
	OracleMaxConfidence fixed.Value

	LiquidationBufferRatio  fixed.Value
	LiquidationPreferSingle bool
	LiquidatorID            string

	KeeperEnabled      bool
	KeeperInterval     time.Duration
	KeeperConcurrency  int
	KeeperMaxAttempts  int
	KeeperRetryBackoff time.Duration

	// RouterURL selects a remote router; empty means the in-process ledger.
	RouterURL                string
	RouterTimeout            time.Duration
	RouterAllowedLiquidators []string
}

var defaults = map[string]any{
	"PORT":                       "8080",
	"CACHE_TTL":                  "30s",
	"KAFKA_TOPIC":                "risk.liquidations",
	"REDIS_STREAM":               "risk:liquidations",
	"REDIS_STREAM_MAXLEN":        100000,
	"LOG_LEVEL":                  "info",
	"LOG_FORMAT":                 "json",
	"ORACLE_MAX_STALENESS":       "60s",
	"ORACLE_MAX_CONFIDENCE":      "1",
	"LIQUIDATION_BUFFER_RATIO":   "0.1",
	"LIQUIDATION_PREFER_SINGLE":  true,
	"LIQUIDATOR_ID":              "",
	"KEEPER_ENABLED":             true,
	"KEEPER_INTERVAL":            "5s",
	"KEEPER_CONCURRENCY":         4,
	"KEEPER_MAX_ATTEMPTS":        3,
	"KEEPER_RETRY_BACKOFF":       "250ms",
	"ROUTER_TIMEOUT":             "5s",
	"ROUTER_ALLOWED_LIQUIDATORS": "",
}

// Load reads configuration from the environment. Each of envFiles is loaded
// into the environment first if it exists; variables already set win.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	v := viper.New()
	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:                     v.GetString("PORT"),
		DatabaseURL:              v.GetString("DATABASE_URL"),
		RedisURL:                 v.GetString("REDIS_URL"),
		CacheTTL:                 v.GetDuration("CACHE_TTL"),
		KafkaBrokers:             splitList(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:               v.GetString("KAFKA_TOPIC"),
		RedisStream:              v.GetString("REDIS_STREAM"),
		RedisStreamMaxLen:        v.GetInt64("REDIS_STREAM_MAXLEN"),
		LogLevel:                 v.GetString("LOG_LEVEL"),
		LogFormat:                v.GetString("LOG_FORMAT"),
		OracleMaxStaleness:       v.GetDuration("ORACLE_MAX_STALENESS"),
		LiquidationPreferSingle:  v.GetBool("LIQUIDATION_PREFER_SINGLE"),
		LiquidatorID:             v.GetString("LIQUIDATOR_ID"),
		KeeperEnabled:            v.GetBool("KEEPER_ENABLED"),
		KeeperInterval:           v.GetDuration("KEEPER_INTERVAL"),
		KeeperConcurrency:        v.GetInt("KEEPER_CONCURRENCY"),
		KeeperMaxAttempts:        v.GetInt("KEEPER_MAX_ATTEMPTS"),
		KeeperRetryBackoff:       v.GetDuration("KEEPER_RETRY_BACKOFF"),
		RouterURL:                v.GetString("ROUTER_URL"),
		RouterTimeout:            v.GetDuration("ROUTER_TIMEOUT"),
		RouterAllowedLiquidators: splitList(v.GetString("ROUTER_ALLOWED_LIQUIDATORS")),
	}

	var err error
	if cfg.OracleMaxConfidence, err = fixed.Parse(v.GetString("ORACLE_MAX_CONFIDENCE")); err != nil {
		return nil, fmt.Errorf("config: ORACLE_MAX_CONFIDENCE: %w", err)
	}
	if cfg.LiquidationBufferRatio, err = fixed.Parse(v.GetString("LIQUIDATION_BUFFER_RATIO")); err != nil {
		return nil, fmt.Errorf("config: LIQUIDATION_BUFFER_RATIO: %w", err)
	}
	if cfg.LiquidatorID == "" {
		host, _ := os.Hostname()
		cfg.LiquidatorID = "keeper-" + host
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and combinations.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("config: "+format, args...))
		}
	}

	check(c.Port != "", "PORT is required")
	check(c.OracleMaxStaleness > 0, "ORACLE_MAX_STALENESS must be positive, got %s", c.OracleMaxStaleness)
	check(!c.OracleMaxConfidence.IsNegative(), "ORACLE_MAX_CONFIDENCE must not be negative, got %s", c.OracleMaxConfidence)
	check(!c.LiquidationBufferRatio.IsNegative(), "LIQUIDATION_BUFFER_RATIO must not be negative, got %s", c.LiquidationBufferRatio)
	check(c.CacheTTL >= 0, "CACHE_TTL must not be negative")
	check(c.KeeperInterval > 0, "KEEPER_INTERVAL must be positive, got %s", c.KeeperInterval)
	check(c.KeeperConcurrency > 0, "KEEPER_CONCURRENCY must be positive, got %d", c.KeeperConcurrency)
	check(c.KeeperMaxAttempts > 0, "KEEPER_MAX_ATTEMPTS must be positive, got %d", c.KeeperMaxAttempts)
	check(c.KeeperRetryBackoff >= 0, "KEEPER_RETRY_BACKOFF must not be negative")
	check(c.RouterTimeout > 0, "ROUTER_TIMEOUT must be positive, got %s", c.RouterTimeout)
	check(len(c.KafkaBrokers) == 0 || c.KafkaTopic != "", "KAFKA_TOPIC is required with KAFKA_BROKERS")
	check(c.RedisStream == "" || c.RedisStreamMaxLen >= 0, "REDIS_STREAM_MAXLEN must not be negative")

	return errors.Join(errs...)
}

// LogValue renders the configuration without connection strings.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("port", c.Port),
		slog.Bool("postgres", c.DatabaseURL != ""),
		slog.Bool("redis", c.RedisURL != ""),
		slog.Int("kafka_brokers", len(c.KafkaBrokers)),
		slog.String("oracle_max_staleness", c.OracleMaxStaleness.String()),
		slog.String("oracle_max_confidence", c.OracleMaxConfidence.String()),
		slog.String("buffer_ratio", c.LiquidationBufferRatio.String()),
		slog.Bool("prefer_single", c.LiquidationPreferSingle),
		slog.Bool("keeper", c.KeeperEnabled),
		slog.String("router", routerMode(c.RouterURL)),
		slog.String("liquidator", c.LiquidatorID),
	)
}

func routerMode(url string) string {
	if url == "" {
		return "ledger"
	}
	return "http"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
