// Package testutil provides shared environment helpers for E2E tests that
// run the ubssync binary against live MySQL and PostgreSQL servers. It
// depends only on stdlib so that E2E tests (which cannot import internal/)
// can use it.
package testutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Environment variables read by the E2E suite.
const (
	EnvStoreADSN = "UBSSYNC_E2E_STORE_A_DSN" // go-sql-driver/mysql DSN
	EnvStoreBDSN = "UBSSYNC_E2E_STORE_B_DSN" // lib/pq URL
	// EnvAllowDestructive must name both database hosts. The suite drops
	// and recreates its tables, so it refuses to run against anything else.
	EnvAllowDestructive = "UBSSYNC_E2E_ALLOWED_DATABASES"
)

// LoadDotEnv reads KEY=VALUE pairs from a .env file at the given path.
// A missing file is not an error (CI sets env vars directly). Existing env
// vars take precedence over .env values.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), "\"'")

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// StoreDSNs returns the two E2E DSNs. ok is false when either is unset, in
// which case the suite should skip.
func StoreDSNs() (a, b string, ok bool) {
	a, b = os.Getenv(EnvStoreADSN), os.Getenv(EnvStoreBDSN)

	return a, b, a != "" && b != ""
}

// ValidateAllowlist exits the process unless every dsn mentions one of the
// entries in UBSSYNC_E2E_ALLOWED_DATABASES (comma-separated host or
// database names).
func ValidateAllowlist(dsns ...string) {
	allowlist := os.Getenv(EnvAllowDestructive)
	if allowlist == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", EnvAllowDestructive)
		fmt.Fprintln(os.Stderr, "The E2E suite drops tables; list the databases it may use.")
		fmt.Fprintf(os.Stderr, "Example: %s=ubssync_e2e\n", EnvAllowDestructive)
		os.Exit(1)
	}

	for _, dsn := range dsns {
		if !allowed(dsn, allowlist) {
			fmt.Fprintf(os.Stderr, "FATAL: DSN %q does not match %s=%q\n", maskPassword(dsn), EnvAllowDestructive, allowlist)
			os.Exit(1)
		}
	}
}

func allowed(dsn, allowlist string) bool {
	for _, a := range strings.Split(allowlist, ",") {
		if a = strings.TrimSpace(a); a != "" && strings.Contains(dsn, a) {
			return true
		}
	}

	return false
}

// maskPassword hides everything between the first ':' after the scheme or
// user and the '@'.
func maskPassword(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	if at < 0 {
		return dsn
	}

	userinfo := dsn[:at]
	if i := strings.Index(userinfo, "://"); i >= 0 {
		userinfo = userinfo[i+3:]
	}

	user, _, ok := strings.Cut(userinfo, ":")
	if !ok {
		return dsn
	}

	prefix := dsn[:at-len(userinfo)]

	return prefix + user + ":*****" + dsn[at:]
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}
