package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	appName        = "ubssync"
	configFileName = "config.toml"

	// System-wide locations used when running as root on Linux, which is
	// how the sync job is normally installed (a systemd timer or cron).
	systemConfigDir = "/etc/ubssync"
	systemDataDir   = "/var/lib/ubssync"
)

// layout computes default directories from the process environment. The
// fields are injectable so every platform branch can be tested anywhere.
type layout struct {
	goos   string
	root   bool
	home   string
	getenv func(string) string
}

func currentLayout() layout {
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}

	return layout{
		goos:   runtime.GOOS,
		root:   os.Geteuid() == 0,
		home:   home,
		getenv: os.Getenv,
	}
}

func (l layout) configDir() string {
	switch {
	case l.goos == "linux" && l.root:
		return systemConfigDir
	case l.home == "":
		return ""
	case l.goos == "darwin":
		return filepath.Join(l.home, "Library", "Application Support", appName)
	}

	return l.xdg("XDG_CONFIG_HOME", ".config")
}

func (l layout) dataDir() string {
	switch {
	case l.goos == "linux" && l.root:
		return systemDataDir
	case l.home == "":
		return ""
	case l.goos == "darwin":
		return filepath.Join(l.home, "Library", "Application Support", appName)
	}

	return l.xdg("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

func (l layout) xdg(env, fallback string) string {
	if dir := l.getenv(env); dir != "" {
		return filepath.Join(dir, appName)
	}

	return filepath.Join(l.home, fallback, appName)
}

// DefaultConfigDir returns the directory searched for config.toml:
// /etc/ubssync for root on Linux, otherwise the user's XDG (or macOS
// Application Support) directory. Empty when no home directory exists.
func DefaultConfigDir() string {
	return currentLayout().configDir()
}

// DefaultDataDir returns the directory for the state database and locks:
// /var/lib/ubssync for root on Linux, otherwise the user's data directory.
func DefaultDataDir() string {
	return currentLayout().dataDir()
}

// DefaultConfigPath is the config file used when neither UBSSYNC_CONFIG nor
// --config names one.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// expandHome replaces a leading "~" or "~/" with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// resolveRelative anchors a relative path at the directory of the config
// file that named it, so a config directory can be moved as a unit.
func resolveRelative(configPath, path string) string {
	path = expandHome(path)
	if path == "" || filepath.IsAbs(path) || configPath == "" {
		return path
	}

	return filepath.Join(filepath.Dir(configPath), path)
}
