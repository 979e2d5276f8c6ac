// Package config is the typed configuration surface for the field-bus
// pipeline: one struct enumerating every recognized option, built with a
// Defaults constructor and populated from environment variables via viper —
// no stringly-typed map[string]interface{} config surfaces anywhere.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ErrValidation is returned when a caller-supplied Config value fails
// Validate.
var ErrValidation = errors.New("config: validation failed")

// Config is the typed record enumerating pool sizing, batch/buffer sizing,
// health-check cadence, connection/retry behavior, and the
// operator-extensible agricultural PGN list.
type Config struct {
	// Database connection.
	DatabaseURL           string
	SQLiteURL             string
	TokenUsageDatabaseURL string

	// Pool.
	MaxConnections      int
	MinConnections      int
	PoolTimeout         time.Duration
	PoolRecycle         time.Duration
	PoolPrePing         bool
	HealthCheckInterval time.Duration

	// Buffer.
	BatchSize int
	MaxBuffer int

	// HAL / connection behavior.
	ConnectionTimeout time.Duration
	RetryAttempts     int

	// Bus selection.
	PreferredInterface string
	PreferredChannel   string
	AllowFallback      bool
	Bitrate            int

	// AgriculturalPGNsPath is a path to a YAML file of additional PGN/SPN
	// definitions, hot-reloaded by PGNWatcher. Empty means "built-in table
	// only".
	AgriculturalPGNsPath string
}

// Defaults returns a Config with conservative recommended values: a 30s pool
// timeout, a 60s health-check interval, a 500-message batch size, a buffer
// ten times that, and so on. Database URLs are left empty; callers must
// supply at least one before the store can open.
func Defaults() Config {
	return Config{
		MaxConnections:      10,
		MinConnections:      1,
		PoolTimeout:         30 * time.Second,
		PoolRecycle:         30 * time.Minute,
		PoolPrePing:         true,
		HealthCheckInterval: 60 * time.Second,

		BatchSize: 500,
		MaxBuffer: 5000,

		ConnectionTimeout: 5 * time.Second,
		RetryAttempts:     3,

		AllowFallback: true,
		Bitrate:       500000,
	}
}

// envBindings lists every (field, primary env var, legacy fallback env var)
// triple, in viper BindEnv order. Fields with no legacy alias repeat their
// primary name.
var envBindings = []struct {
	key     string
	primary string
	legacy  string
}{
	{"database_url", "AFS_DATABASE_URL", "DATABASE_URL"},
	{"sqlite_url", "AFS_SQLITE_URL", "SQLITE_URL"},
	{"token_usage_database_url", "TOKEN_USAGE_DATABASE_URL", "TOKEN_USAGE_DATABASE_URL"},
	{"max_connections", "AFS_MAX_CONNECTIONS", "AFS_MAX_CONNECTIONS"},
	{"min_connections", "AFS_MIN_CONNECTIONS", "AFS_MIN_CONNECTIONS"},
	{"pool_timeout_seconds", "AFS_POOL_TIMEOUT_SECONDS", "AFS_POOL_TIMEOUT_SECONDS"},
	{"pool_recycle_seconds", "AFS_POOL_RECYCLE_SECONDS", "AFS_POOL_RECYCLE_SECONDS"},
	{"pool_pre_ping", "AFS_POOL_PRE_PING", "AFS_POOL_PRE_PING"},
	{"health_check_interval_seconds", "AFS_HEALTH_CHECK_INTERVAL_SECONDS", "AFS_HEALTH_CHECK_INTERVAL_SECONDS"},
	{"batch_size", "AFS_BATCH_SIZE", "AFS_BATCH_SIZE"},
	{"max_buffer", "AFS_MAX_BUFFER", "AFS_MAX_BUFFER"},
	{"connection_timeout_seconds", "AFS_CONNECTION_TIMEOUT_SECONDS", "AFS_CONNECTION_TIMEOUT_SECONDS"},
	{"retry_attempts", "AFS_RETRY_ATTEMPTS", "AFS_RETRY_ATTEMPTS"},
	{"preferred_interface", "AFS_INTERFACE", "AFS_INTERFACE"},
	{"preferred_channel", "AFS_CHANNEL", "AFS_CHANNEL"},
	{"allow_fallback", "AFS_ALLOW_FALLBACK", "AFS_ALLOW_FALLBACK"},
	{"bitrate", "AFS_BITRATE", "AFS_BITRATE"},
	{"agricultural_pgns_path", "AFS_AGRICULTURAL_PGNS_PATH", "AFS_AGRICULTURAL_PGNS_PATH"},
}

// Load builds a Config starting from Defaults, overridden by whichever of
// the AFS_*-prefixed or legacy bare environment variables viper finds set.
// This module takes no config file; its configuration surface is env-only.
func Load() (Config, error) {
	v := viper.New()
	for _, b := range envBindings {
		// BindEnv with two names: viper checks them in the order given, so
		// the AFS_-prefixed name wins when both are set.
		if b.primary == b.legacy {
			_ = v.BindEnv(b.key, b.primary)
		} else {
			_ = v.BindEnv(b.key, b.primary, b.legacy)
		}
	}

	cfg := Defaults()
	if s := v.GetString("database_url"); s != "" {
		cfg.DatabaseURL = s
	}
	if s := v.GetString("sqlite_url"); s != "" {
		cfg.SQLiteURL = s
	}
	if s := v.GetString("token_usage_database_url"); s != "" {
		cfg.TokenUsageDatabaseURL = s
	}
	if v.IsSet("max_connections") {
		cfg.MaxConnections = v.GetInt("max_connections")
	}
	if v.IsSet("min_connections") {
		cfg.MinConnections = v.GetInt("min_connections")
	}
	if v.IsSet("pool_timeout_seconds") {
		cfg.PoolTimeout = time.Duration(v.GetInt("pool_timeout_seconds")) * time.Second
	}
	if v.IsSet("pool_recycle_seconds") {
		cfg.PoolRecycle = time.Duration(v.GetInt("pool_recycle_seconds")) * time.Second
	}
	if v.IsSet("pool_pre_ping") {
		cfg.PoolPrePing = v.GetBool("pool_pre_ping")
	}
	if v.IsSet("health_check_interval_seconds") {
		cfg.HealthCheckInterval = time.Duration(v.GetInt("health_check_interval_seconds")) * time.Second
	}
	if v.IsSet("batch_size") {
		cfg.BatchSize = v.GetInt("batch_size")
	}
	if v.IsSet("max_buffer") {
		cfg.MaxBuffer = v.GetInt("max_buffer")
	}
	if v.IsSet("connection_timeout_seconds") {
		cfg.ConnectionTimeout = time.Duration(v.GetInt("connection_timeout_seconds")) * time.Second
	}
	if v.IsSet("retry_attempts") {
		cfg.RetryAttempts = v.GetInt("retry_attempts")
	}
	if s := v.GetString("preferred_interface"); s != "" {
		cfg.PreferredInterface = s
	}
	if s := v.GetString("preferred_channel"); s != "" {
		cfg.PreferredChannel = s
	}
	if v.IsSet("allow_fallback") {
		cfg.AllowFallback = v.GetBool("allow_fallback")
	}
	if v.IsSet("bitrate") {
		cfg.Bitrate = v.GetInt("bitrate")
	}
	if s := v.GetString("agricultural_pgns_path"); s != "" {
		cfg.AgriculturalPGNsPath = s
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants Load and direct callers must satisfy before
// handing a Config to the composition root.
func Validate(cfg Config) error {
	if cfg.DatabaseURL == "" && cfg.SQLiteURL == "" {
		return fmt.Errorf("%w: one of database_url or sqlite_url must be set", ErrValidation)
	}
	if cfg.MaxConnections <= 0 {
		return fmt.Errorf("%w: max_connections must be positive, got %d", ErrValidation, cfg.MaxConnections)
	}
	if cfg.MinConnections < 0 || cfg.MinConnections > cfg.MaxConnections {
		return fmt.Errorf("%w: min_connections must be in [0, max_connections], got %d", ErrValidation, cfg.MinConnections)
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("%w: batch_size must be positive, got %d", ErrValidation, cfg.BatchSize)
	}
	if cfg.MaxBuffer < cfg.BatchSize {
		return fmt.Errorf("%w: max_buffer must be >= batch_size, got %d < %d", ErrValidation, cfg.MaxBuffer, cfg.BatchSize)
	}
	if cfg.Bitrate <= 0 {
		return fmt.Errorf("%w: bitrate must be positive, got %d", ErrValidation, cfg.Bitrate)
	}
	return nil
}

// Dialect reports which dbpool dialect this Config resolves to: "postgres"
// when DatabaseURL is set, otherwise "sqlite".
func (c Config) Dialect() (dialect, dsn string) {
	if c.DatabaseURL != "" {
		return "postgres", c.DatabaseURL
	}
	return "sqlite", c.SQLiteURL
}
