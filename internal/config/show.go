package config

import (
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"
)

// RenderEffective writes the resolved configuration as an annotated TOML
// summary. DSN passwords are masked.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", r.Path)

	renderStoreSection(ew, "store_a", &r.StoreA)
	renderStoreSection(ew, "store_b", &r.StoreB)
	renderSyncSection(ew, &r.Sync)
	renderStateSection(ew, &r.State)
	renderLoggingSection(ew, &r.Logging)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderStoreSection(ew *errWriter, name string, s *StoreConfig) {
	ew.printf("[%s]\n", name)
	ew.printf("  driver         = %q\n", s.Driver)
	ew.printf("  dsn            = %q\n", MaskDSN(s.DSN))
	ew.printf("  max_open_conns = %d\n", s.MaxOpenConns)
	ew.printf("  transactions   = %t\n", s.Transactions)
	ew.printf("\n")
}

func renderSyncSection(ew *errWriter, s *SyncConfig) {
	ew.printf("[sync]\n")
	ew.printf("  mapping_file     = %q\n", s.MappingFile)
	ew.printf("  chunk_size       = %d\n", s.ChunkSize)
	ew.printf("  max_iterations   = %d\n", s.MaxIterations)
	ew.printf("  grace_period     = %q\n", s.GracePeriod)
	ew.printf("  chunk_delay      = %q\n", s.ChunkDelay)
	ew.printf("  entity_delay     = %q\n", s.EntityDelay)
	ew.printf("  retry_attempts   = %d\n", s.RetryAttempts)
	ew.printf("  retry_base       = %q\n", s.RetryBase)
	ew.printf("  runner           = %q\n", s.Runner)

	if len(s.SiblingRunners) > 0 {
		ew.printf("  sibling_runners  = [%s]\n", joinQuoted(s.SiblingRunners))
	}

	ew.printf("  breaker_failures = %d\n", s.BreakerFailures)
	ew.printf("  breaker_timeout  = %q\n", s.BreakerTimeout)
	ew.printf("  conflict_log     = %t\n", s.ConflictLog)
	ew.printf("\n")
}

func renderStateSection(ew *errWriter, s *StateConfig) {
	ew.printf("[state]\n")
	ew.printf("  db_path  = %q\n", s.DBPath)
	ew.printf("  lock_dir = %q\n", s.LockDir)
	ew.printf("\n")
}

func renderLoggingSection(ew *errWriter, l *LoggingConfig) {
	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", l.LogLevel)
	ew.printf("  log_format = %q\n", l.LogFormat)

	if l.LogFile != "" {
		ew.printf("  log_file   = %q\n", l.LogFile)
	}
}

func joinQuoted(ss []string) string {
	quoted := make([]string, len(ss))
	for i, s := range ss {
		quoted[i] = fmt.Sprintf("%q", s)
	}

	return strings.Join(quoted, ", ")
}

// mysqlUserinfo matches "user:password@" at the start of a go-sql-driver DSN.
var mysqlUserinfo = regexp.MustCompile(`^([^:@/]*):([^@]*)@`)

// MaskDSN hides the password in URL-style and MySQL-style DSNs.
func MaskDSN(dsn string) string {
	if dsn == "" {
		return ""
	}

	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" && u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
			return u.String()
		}

		return dsn
	}

	return mysqlUserinfo.ReplaceAllString(dsn, "$1:*****@")
}
