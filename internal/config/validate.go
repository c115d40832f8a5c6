package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/ubs-connector/ubssync/internal/store"
)

// Validation range constants.
const (
	minChunkSize     = 1
	maxChunkSize     = 100_000
	minMaxIterations = 1
	minRetryAttempts = 1
	maxRetryAttempts = 10
	maxOpenConnsCap  = 256
)

// Validate checks all configuration values and returns all errors found,
// so users can fix every issue in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateStore("store_a", &cfg.StoreA)...)
	errs = append(errs, validateStore("store_b", &cfg.StoreB)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateState(&cfg.State)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

// ValidateStores checks the settings needed to open both stores. Commands
// that never connect (entities, config show) skip it.
func ValidateStores(cfg *Config) error {
	var errs []error

	if cfg.StoreA.DSN == "" {
		errs = append(errs, fmt.Errorf("store_a.dsn: must be set (or %s)", EnvStoreADSN))
	}

	if cfg.StoreB.DSN == "" {
		errs = append(errs, fmt.Errorf("store_b.dsn: must be set (or %s)", EnvStoreBDSN))
	}

	return errors.Join(errs...)
}

func validateStore(section string, s *StoreConfig) []error {
	var errs []error

	if _, err := store.ParseDialect(s.Driver); err != nil {
		errs = append(errs, fmt.Errorf("%s.driver: %w", section, err))
	}

	if s.MaxOpenConns < 0 || s.MaxOpenConns > maxOpenConnsCap {
		errs = append(errs, fmt.Errorf("%s.max_open_conns: must be between 0 and %d, got %d",
			section, maxOpenConnsCap, s.MaxOpenConns))
	}

	return errs
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	if s.MappingFile == "" {
		errs = append(errs, errors.New("sync.mapping_file: must not be empty"))
	}

	if s.ChunkSize < minChunkSize || s.ChunkSize > maxChunkSize {
		errs = append(errs, fmt.Errorf("sync.chunk_size: must be between %d and %d, got %d",
			minChunkSize, maxChunkSize, s.ChunkSize))
	}

	if s.MaxIterations < minMaxIterations {
		errs = append(errs, fmt.Errorf("sync.max_iterations: must be >= %d, got %d", minMaxIterations, s.MaxIterations))
	}

	if s.RetryAttempts < minRetryAttempts || s.RetryAttempts > maxRetryAttempts {
		errs = append(errs, fmt.Errorf("sync.retry_attempts: must be between %d and %d, got %d",
			minRetryAttempts, maxRetryAttempts, s.RetryAttempts))
	}

	if s.Runner == "" {
		errs = append(errs, errors.New("sync.runner: must not be empty"))
	}

	if s.BreakerFailures < 0 {
		errs = append(errs, fmt.Errorf("sync.breaker_failures: must be >= 0, got %d", s.BreakerFailures))
	}

	for _, d := range []struct {
		key, value string
	}{
		{"sync.grace_period", s.GracePeriod},
		{"sync.chunk_delay", s.ChunkDelay},
		{"sync.entity_delay", s.EntityDelay},
		{"sync.retry_base", s.RetryBase},
		{"sync.breaker_timeout", s.BreakerTimeout},
	} {
		if err := validateDuration(d.key, d.value); err != nil {
			errs = append(errs, err)
		}
	}

	return errs
}

func validateState(s *StateConfig) []error {
	var errs []error

	if s.DBPath == "" {
		errs = append(errs, errors.New("state.db_path: must not be empty"))
	}

	if s.LockDir == "" {
		errs = append(errs, errors.New("state.lock_dir: must not be empty"))
	}

	return errs
}

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"auto": true, "text": true, "json": true}
)

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

func validateDuration(key, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}

	if d < 0 {
		return fmt.Errorf("%s: must not be negative, got %s", key, value)
	}

	return nil
}

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}

	return d
}
