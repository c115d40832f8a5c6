package config

import "path/filepath"

// Default values for configuration options: layer 0 of the override chain.
const (
	defaultDriverA         = "mysql"
	defaultDriverB         = "mysql"
	defaultMaxOpenConns    = 4
	defaultMappingFile     = "entities.yaml"
	defaultChunkSize       = 5000
	defaultMaxIterations   = 100
	defaultGracePeriod     = "5m"
	defaultChunkDelay      = "0s"
	defaultEntityDelay     = "0s"
	defaultRetryAttempts   = 3
	defaultRetryBase       = "1s"
	defaultRunner          = "ubssync"
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = "30s"
	defaultLogLevel        = "info"
	defaultLogFormat       = "auto"
	stateDBFileName        = "state.db"
	lockDirName            = "locks"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset fields keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		StoreA:  defaultStoreConfig(defaultDriverA),
		StoreB:  defaultStoreConfig(defaultDriverB),
		Sync:    defaultSyncConfig(),
		State:   defaultStateConfig(),
		Logging: defaultLoggingConfig(),
	}
}

func defaultStoreConfig(driver string) StoreConfig {
	return StoreConfig{
		Driver:       driver,
		MaxOpenConns: defaultMaxOpenConns,
		Transactions: true,
	}
}

func defaultSyncConfig() SyncConfig {
	return SyncConfig{
		MappingFile:     defaultMappingFile,
		ChunkSize:       defaultChunkSize,
		MaxIterations:   defaultMaxIterations,
		GracePeriod:     defaultGracePeriod,
		ChunkDelay:      defaultChunkDelay,
		EntityDelay:     defaultEntityDelay,
		RetryAttempts:   defaultRetryAttempts,
		RetryBase:       defaultRetryBase,
		Runner:          defaultRunner,
		BreakerFailures: defaultBreakerFailures,
		BreakerTimeout:  defaultBreakerTimeout,
		ConflictLog:     true,
	}
}

func defaultStateConfig() StateConfig {
	dir := DefaultDataDir()
	if dir == "" {
		return StateConfig{}
	}

	return StateConfig{
		DBPath:  filepath.Join(dir, stateDBFileName),
		LockDir: filepath.Join(dir, lockDirName),
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
	}
}
