package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal, with "did you mean?" suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	// 1. Config path: CLI > env > default
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	// 2. File over defaults
	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	// 3. Environment
	env.apply(cfg)

	// 4. CLI flags
	if cli.LogLevel != nil {
		cfg.Logging.LogLevel = *cli.LogLevel
	}

	// 5. Paths are anchored at the config file's directory.
	cfg.Sync.MappingFile = resolveRelative(cfgPath, cfg.Sync.MappingFile)
	cfg.State.DBPath = resolveRelative(cfgPath, cfg.State.DBPath)
	cfg.State.LockDir = resolveRelative(cfgPath, cfg.State.LockDir)
	cfg.Logging.LogFile = resolveRelative(cfgPath, cfg.Logging.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &Resolved{
		Config: *cfg,
		Path:   cfgPath,
		Timing: timingOf(&cfg.Sync),
	}, nil
}

// timingOf parses the duration settings. Validate has already rejected
// malformed values.
func timingOf(s *SyncConfig) Timing {
	return Timing{
		GracePeriod:    mustDuration(s.GracePeriod),
		ChunkDelay:     mustDuration(s.ChunkDelay),
		EntityDelay:    mustDuration(s.EntityDelay),
		RetryBase:      mustDuration(s.RetryBase),
		BreakerTimeout: mustDuration(s.BreakerTimeout),
	}
}
