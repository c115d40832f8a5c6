package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ubs-connector/ubssync/internal/config"
	"github.com/ubs-connector/ubssync/internal/lock"
	"github.com/ubs-connector/ubssync/internal/record"
	"github.com/ubs-connector/ubssync/internal/store"
)

// Global flag reset pattern: newRootCmd() binds flags via StringVar/BoolVar,
// which reset the global flag variables to their zero values. Tests either
// set globals after newRootCmd() returns or pass flags through SetArgs.
// Tests that touch globals do not run in parallel.

const cliMapping = `entities:
  - name: customer
    normalize: {trim: true, key_case: upper}
    a: {table: arcust, key: CUSTNO, recency: UPDATED_ON}
    b: {table: customers, key: customer_code, recency: updated_at, surrogate: id}
    fields:
      - {a: CUSTNO, b: customer_code}
      - {a: NAME, b: name}
`

const (
	cliSchemaA = `CREATE TABLE arcust (CUSTNO TEXT PRIMARY KEY, NAME TEXT, UPDATED_ON TEXT);`
	cliSchemaB = `CREATE TABLE customers (id INTEGER PRIMARY KEY AUTOINCREMENT,
	customer_code TEXT NOT NULL UNIQUE, name TEXT, updated_at TEXT);`
)

// cliFixture is a config directory with two SQLite stores, a mapping file,
// and a config file pointing at them.
type cliFixture struct {
	dir        string
	configPath string
	a, b       *store.SQLStore
}

func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()

	dir := t.TempDir()
	f := &cliFixture{dir: dir, configPath: filepath.Join(dir, "config.toml")}

	dsnA := "file:" + filepath.Join(dir, "a.db")
	dsnB := "file:" + filepath.Join(dir, "b.db")
	f.a = openCLIStore(t, "A", dsnA, cliSchemaA)
	f.b = openCLIStore(t, "B", dsnB, cliSchemaB)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "entities.yaml"), []byte(cliMapping), 0o600))

	cfg := fmt.Sprintf(`[store_a]
driver = "sqlite"
dsn = %q

[store_b]
driver = "sqlite"
dsn = %q

[sync]
mapping_file = "entities.yaml"
chunk_size = 10
retry_attempts = 1

[state]
db_path = "state.db"
lock_dir = "locks"
`, dsnA, dsnB)
	require.NoError(t, os.WriteFile(f.configPath, []byte(cfg), 0o600))

	t.Setenv(config.EnvConfig, "")
	t.Setenv(config.EnvStoreADSN, "")
	t.Setenv(config.EnvStoreBDSN, "")
	t.Setenv(config.EnvRunner, "")
	t.Setenv(config.EnvLogLevel, "")

	return f
}

func openCLIStore(t *testing.T, name, dsn, ddl string) *store.SQLStore {
	t.Helper()

	ctx := context.Background()

	s, err := store.Open(ctx, store.Options{Name: name, Dialect: store.SQLite, DSN: dsn},
		slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.DB().ExecContext(ctx, ddl)
	require.NoError(t, err)

	return s
}

// run executes the root command with the fixture's config and returns
// stdout.
func (f *cliFixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", f.configPath, "--quiet"}, args...))

	err := cmd.Execute()
	closeLogFile()

	return out.String(), err
}

func (f *cliFixture) insertA(t *testing.T, key, name string, age time.Duration) {
	t.Helper()

	now, _ := record.ParseTime(time.Now())
	_, err := f.a.DB().Exec(`INSERT INTO arcust (CUSTNO, NAME, UPDATED_ON) VALUES (?, ?, ?)`,
		key, name, record.FormatDateTime(now.Add(-age)))
	require.NoError(t, err)
}

// --- logger and exit code tests ---

func TestParseLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestNewLogger_Format(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		format string
		tty    bool
		json   bool
	}{
		{"auto on terminal", "auto", true, false},
		{"auto piped", "auto", false, true},
		{"forced json", "json", true, true},
		{"forced text", "text", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			newLogger(&buf, slog.LevelInfo, tt.format, tt.tty).Info("hello")

			if tt.json {
				assert.Contains(t, buf.String(), `"msg":"hello"`)
			} else {
				assert.Contains(t, buf.String(), "msg=hello")
			}
		})
	}
}

func TestNewLogger_Level(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := newLogger(&buf, slog.LevelWarn, "text", false)

	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, exitLockHeld, exitCode(fmt.Errorf("run: %w", lock.ErrHeld)))
	assert.Equal(t, exitIncomplete, exitCode(fmt.Errorf("%w: status partial", errRunIncomplete)))
	assert.Equal(t, exitError, exitCode(errors.New("boom")))
}

func TestLoadConfig_VerboseOverridesLevel(t *testing.T) {
	f := newCLIFixture(t)

	cmd := newRootCmd()
	flagConfigPath = f.configPath
	flagVerbose = true

	t.Cleanup(func() {
		flagVerbose = false
		resolvedCfg = nil
	})

	require.NoError(t, loadConfig(cmd))
	assert.Equal(t, "debug", resolvedCfg.Logging.LogLevel)
	assert.Equal(t, filepath.Join(f.dir, "entities.yaml"), resolvedCfg.Sync.MappingFile)
	assert.Equal(t, filepath.Join(f.dir, "state.db"), resolvedCfg.State.DBPath)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[sync]\nchunk_size = 0\n"), 0o600))

	cmd := newRootCmd()
	flagConfigPath = path

	t.Cleanup(func() { resolvedCfg = nil })

	err := loadConfig(cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync.chunk_size")
}

func TestRootCmd_VerboseQuietExclusive(t *testing.T) {
	f := newCLIFixture(t)

	_, err := f.run(t, "--verbose", "entities")
	require.Error(t, err)
}
