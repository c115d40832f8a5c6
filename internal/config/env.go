package config

import "os"

// Environment variables consulted between the config file and CLI flags.
const (
	EnvConfig    = "UBSSYNC_CONFIG"
	EnvStoreADSN = "UBSSYNC_STORE_A_DSN"
	EnvStoreBDSN = "UBSSYNC_STORE_B_DSN"
	// EnvRunner lets two hosts share one config file yet hold distinct
	// runner locks.
	EnvRunner   = "UBSSYNC_RUNNER"
	EnvLogLevel = "UBSSYNC_LOG_LEVEL"
)

// EnvOverrides holds values derived from environment variables. DSNs
// usually carry credentials, so deployments inject them here rather than in
// the config file. Empty means unset.
type EnvOverrides struct {
	ConfigPath string
	StoreADSN  string
	StoreBDSN  string
	Runner     string
	LogLevel   string
}

// ReadEnvOverrides reads the UBSSYNC_* variables.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		StoreADSN:  os.Getenv(EnvStoreADSN),
		StoreBDSN:  os.Getenv(EnvStoreBDSN),
		Runner:     os.Getenv(EnvRunner),
		LogLevel:   os.Getenv(EnvLogLevel),
	}
}

// apply overlays the set variables onto cfg.
func (e EnvOverrides) apply(cfg *Config) {
	for _, o := range []struct {
		value string
		dst   *string
	}{
		{e.StoreADSN, &cfg.StoreA.DSN},
		{e.StoreBDSN, &cfg.StoreB.DSN},
		{e.Runner, &cfg.Sync.Runner},
		{e.LogLevel, &cfg.Logging.LogLevel},
	} {
		if o.value != "" {
			*o.dst = o.value
		}
	}
}
