// Package config implements TOML runtime configuration loading, validation,
// and platform-specific path resolution for ubssync, plus the YAML entity
// mapping file. Runtime settings follow a four-layer override chain
// (defaults -> config file -> environment -> CLI flags).
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	StoreA  StoreConfig   `toml:"store_a"`
	StoreB  StoreConfig   `toml:"store_b"`
	Sync    SyncConfig    `toml:"sync"`
	State   StateConfig   `toml:"state"`
	Logging LoggingConfig `toml:"logging"`
}

// StoreConfig describes how to reach one of the two stores. Driver is one
// of mysql, postgres, or sqlite.
type StoreConfig struct {
	Driver       string `toml:"driver"`
	DSN          string `toml:"dsn"`
	MaxOpenConns int    `toml:"max_open_conns"`
	// Transactions can be turned off for legacy engines without them;
	// writes then proceed without rollback.
	Transactions bool `toml:"transactions"`
}

// SyncConfig controls the reconciliation engine.
type SyncConfig struct {
	MappingFile     string   `toml:"mapping_file"`
	ChunkSize       int      `toml:"chunk_size"`
	MaxIterations   int      `toml:"max_iterations"`
	GracePeriod     string   `toml:"grace_period"`
	ChunkDelay      string   `toml:"chunk_delay"`
	EntityDelay     string   `toml:"entity_delay"`
	RetryAttempts   int      `toml:"retry_attempts"`
	RetryBase       string   `toml:"retry_base"`
	Runner          string   `toml:"runner"`
	SiblingRunners  []string `toml:"sibling_runners"`
	BreakerFailures int      `toml:"breaker_failures"`
	BreakerTimeout  string   `toml:"breaker_timeout"`
	ConflictLog     bool     `toml:"conflict_log"`
}

// StateConfig locates the local state database and lock directory.
type StateConfig struct {
	DBPath  string `toml:"db_path"`
	LockDir string `toml:"lock_dir"`
}

// LoggingConfig controls log output: level, format, and destination.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"`
}

// Timing holds the duration settings parsed during resolution.
type Timing struct {
	GracePeriod    time.Duration
	ChunkDelay     time.Duration
	EntityDelay    time.Duration
	RetryBase      time.Duration
	BreakerTimeout time.Duration
}

// Resolved is a fully merged and validated configuration.
type Resolved struct {
	Config
	// Path is the config file consulted (it may not exist).
	Path   string
	Timing Timing
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from an explicit zero value.
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	LogLevel   *string // derived from --verbose / --quiet
}
