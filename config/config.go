// Package config loads service settings from an optional YAML file and
// the environment. Environment variables override the file.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"foundry-backend/chain"
	"foundry-backend/core/reward"
	"foundry-backend/core/settlement"
	"foundry-backend/core/treasury"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// StoreConfig selects the ledger backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ArchiveConfig points at an S3-compatible bucket for the settlement
// archive. An empty endpoint disables archiving.
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Exporter    string  `yaml:"exporter"`
	SampleRatio float64 `yaml:"sample_ratio"`
	Environment string  `yaml:"environment"`
}

// Config is the full service configuration.
type Config struct {
	Port           string        `yaml:"port"`
	LogLevel       string        `yaml:"log_level"`
	LogFormat      string        `yaml:"log_format"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimit      int           `yaml:"rate_limit_per_minute"`
	ScorerKey      string        `yaml:"scorer_key"`
	PoolAccount    string        `yaml:"pool_account"`

	Store      StoreConfig           `yaml:"store"`
	Settlement settlement.Config     `yaml:"settlement"`
	Treasury   treasury.Config       `yaml:"treasury"`
	Chain      chain.ResilientConfig `yaml:"chain"`
	Archive    ArchiveConfig         `yaml:"archive"`
	Tracing    TracingConfig         `yaml:"tracing"`
}

// Default returns a configuration that runs in memory on port 3001.
func Default() Config {
	return Config{
		Port:           "3001",
		LogLevel:       "info",
		LogFormat:      "json",
		RequestTimeout: 30 * time.Second,
		RateLimit:      600,
		PoolAccount:    "foundry-genesis-pool",
		Store:          StoreConfig{Driver: StoreMemory},
		Settlement:     settlement.DefaultConfig(),
		Treasury:       treasury.DefaultConfig(),
		Chain:          chain.DefaultResilientConfig(),
		Archive:        ArchiveConfig{Bucket: "foundry-settlements", Prefix: "settlements"},
		Tracing:        TracingConfig{Exporter: "none", SampleRatio: 1},
	}
}

// Load builds the configuration from FOUNDRY_CONFIG (if set) and the
// environment.
func Load() (Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("FOUNDRY_CONFIG")); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

// applyEnv overlays environment variables. Parse failures are collected
// so one run reports every bad variable.
func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	str := func(key string, dst *string) {
		if v, ok := get(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int64) {
		if v, ok := get(key); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	tokens := func(key string, dst *int64) {
		if v, ok := get(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || f < 0 || math.IsInf(f, 0) {
				errs = append(errs, fmt.Errorf("%s: invalid token amount %q", key, v))
				return
			}
			*dst = reward.ToUnits(f)
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := get(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := get(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := get(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("PORT", &c.Port)
	str("FOUNDRY_PORT", &c.Port)
	str("FOUNDRY_LOG_LEVEL", &c.LogLevel)
	str("FOUNDRY_LOG_FORMAT", &c.LogFormat)
	duration("FOUNDRY_REQUEST_TIMEOUT", &c.RequestTimeout)
	if v, ok := get("FOUNDRY_RATE_LIMIT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("FOUNDRY_RATE_LIMIT: %w", err))
		} else {
			c.RateLimit = n
		}
	}
	str("FOUNDRY_SCORER_KEY", &c.ScorerKey)
	str("FOUNDRY_POOL_ACCOUNT", &c.PoolAccount)

	str("FOUNDRY_STORE", &c.Store.Driver)
	str("DATABASE_URL", &c.Store.DSN)
	str("FOUNDRY_DATABASE_URL", &c.Store.DSN)

	s := &c.Settlement
	str("FOUNDRY_TREASURY_WALLET", &s.TreasuryWallet)
	str("FOUNDRY_FOUNDER_WALLET", &s.FounderWallet)
	integer("FOUNDRY_TREASURY_FEE_BPS", &s.TreasuryFeeBps)
	integer("FOUNDRY_FOUNDER_FEE_BPS", &s.FounderFeeBps)
	tokens("FOUNDRY_DAILY_CAP_MINT", &s.DailyCap)
	duration("FOUNDRY_FRESHNESS_WINDOW", &s.FreshnessWindow)
	duration("FOUNDRY_CLOCK_SKEW", &s.ClockSkew)
	duration("FOUNDRY_MIN_DURATION", &s.MinDuration)
	duration("FOUNDRY_ACTIVITY_WINDOW", &s.Activity.Window)
	float("FOUNDRY_ACTIVITY_BASELINE", &s.Activity.Baseline)
	float("FOUNDRY_BASE_RATE", &s.Reward.BaseRate)
	if v, ok := get("FOUNDRY_LAUNCH_TIME"); ok {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			errs = append(errs, fmt.Errorf("FOUNDRY_LAUNCH_TIME: %w", err))
		} else {
			s.LaunchTime = t.UTC()
		}
	}

	t := &c.Treasury
	tokens("FOUNDRY_GENESIS_ALLOCATION_MINT", &t.GenesisAllocation)
	integer("FOUNDRY_RELEASE_THRESHOLD_BPS", &t.ReleaseThresholdBps)
	boolean("FOUNDRY_MINT_AUTHORITY", &t.MintAuthority)
	duration("FOUNDRY_REPLENISH_INTERVAL", &t.ReplenishInterval)

	a := &c.Archive
	str("FOUNDRY_ARCHIVE_ENDPOINT", &a.Endpoint)
	str("FOUNDRY_ARCHIVE_BUCKET", &a.Bucket)
	str("FOUNDRY_ARCHIVE_PREFIX", &a.Prefix)
	str("FOUNDRY_ARCHIVE_ACCESS_KEY", &a.AccessKey)
	str("FOUNDRY_ARCHIVE_SECRET_KEY", &a.SecretKey)
	boolean("FOUNDRY_ARCHIVE_USE_SSL", &a.UseSSL)

	str("FOUNDRY_OTEL_EXPORTER", &c.Tracing.Exporter)
	float("FOUNDRY_OTEL_SAMPLE_RATIO", &c.Tracing.SampleRatio)
	str("FOUNDRY_ENVIRONMENT", &c.Tracing.Environment)

	return errors.Join(errs...)
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("postgres store requires DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	s := c.Settlement
	if s.TreasuryFeeBps < 0 || s.FounderFeeBps < 0 || s.TreasuryFeeBps+s.FounderFeeBps >= 10000 {
		errs = append(errs, fmt.Errorf("fee bps %d+%d must be non-negative and below 10000", s.TreasuryFeeBps, s.FounderFeeBps))
	}
	if s.FreshnessWindow <= 0 {
		errs = append(errs, errors.New("freshness window must be positive"))
	}
	if s.MinDuration < 0 {
		errs = append(errs, errors.New("minimum duration must not be negative"))
	}
	if c.Treasury.ReleaseThresholdBps < 0 || c.Treasury.ReleaseThresholdBps > 10000 {
		errs = append(errs, fmt.Errorf("release threshold %d bps out of range", c.Treasury.ReleaseThresholdBps))
	}
	if c.Treasury.GenesisAllocation < 0 {
		errs = append(errs, errors.New("genesis allocation must not be negative"))
	}
	return errors.Join(errs...)
}

// Addr is the listen address.
func (c Config) Addr() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}
