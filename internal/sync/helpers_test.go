package sync

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ubs-connector/ubssync/internal/identity"
	"github.com/ubs-connector/ubssync/internal/lock"
	"github.com/ubs-connector/ubssync/internal/record"
	"github.com/ubs-connector/ubssync/internal/schema"
	"github.com/ubs-connector/ubssync/internal/store"
)

// testLogger creates a debug-level logger that writes to t.Log.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T to io.Writer for slog.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// Table layouts of the two test stores: the legacy side uses upper-case
// record-file column names, the application side its own names and
// surrogate ids.
const (
	schemaA = `
CREATE TABLE arcust (CUSTNO TEXT PRIMARY KEY, NAME TEXT, UPDATED_ON TEXT);
CREATE TABLE oeordh (REFNO TEXT PRIMARY KEY, CUSTNO TEXT, UPDATED_ON TEXT);
CREATE TABLE oeordd (REFNO TEXT NOT NULL, LINENO TEXT NOT NULL, QTY INTEGER, UPDATED_ON TEXT,
	PRIMARY KEY (REFNO, LINENO));`

	schemaB = `
CREATE TABLE customers (id INTEGER PRIMARY KEY AUTOINCREMENT, customer_code TEXT NOT NULL UNIQUE,
	name TEXT, updated_at TEXT);
CREATE TABLE orders (id INTEGER PRIMARY KEY AUTOINCREMENT, reference_no TEXT NOT NULL UNIQUE,
	customer_code TEXT, customer_id INTEGER, updated_at TEXT);
CREATE TABLE order_lines (order_ref TEXT NOT NULL, line_no TEXT NOT NULL, qty INTEGER, updated_at TEXT,
	PRIMARY KEY (order_ref, line_no));`
)

// testBase is the fixed "now" of the first run in engine tests.
var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// ts renders testBase shifted by d as a stored timestamp.
func ts(d time.Duration) string {
	return record.FormatDateTime(testBase.Add(d))
}

func customerEntity() *schema.Entity {
	return &schema.Entity{
		Name:        "customer",
		A:           schema.Table{Name: "arcust", Key: []string{"CUSTNO"}, Recency: "UPDATED_ON"},
		B:           schema.Table{Name: "customers", Key: []string{"customer_code"}, Recency: "updated_at", Surrogate: "id"},
		Mode:        schema.ModeIncremental,
		OrphanSweep: true,
		Normalize:   identity.Normalizer{TrimValues: true, KeyCase: identity.KeyCaseUpper},
		Fields: []schema.FieldMap{
			{A: schema.Column("CUSTNO"), B: schema.Column("customer_code")},
			{A: schema.Column("NAME"), B: schema.Column("name"), Type: schema.TypeString},
		},
	}
}

func orderEntity() *schema.Entity {
	return &schema.Entity{
		Name:            "order",
		A:               schema.Table{Name: "oeordh", Key: []string{"REFNO"}, Recency: "UPDATED_ON"},
		B:               schema.Table{Name: "orders", Key: []string{"reference_no"}, Recency: "updated_at", Surrogate: "id"},
		Mode:            schema.ModeIncremental,
		Parent:          &schema.ParentLink{Entity: "customer", Fields: []string{"CUSTNO"}, LinkB: []string{"customer_code"}},
		RequireChildren: &schema.ChildLink{Entity: "order_line", LinkB: []string{"order_ref"}},
		OrphanSweep:     true,
		Normalize:       identity.Normalizer{TrimValues: true},
		Fields: []schema.FieldMap{
			{A: schema.Column("REFNO"), B: schema.Column("reference_no")},
			{A: schema.Column("CUSTNO"), B: schema.Column("customer_code")},
			{A: schema.LookupOf("customer", "CUSTNO"), B: schema.Column("customer_id")},
		},
	}
}

func orderLineEntity() *schema.Entity {
	return &schema.Entity{
		Name:        "order_line",
		A:           schema.Table{Name: "oeordd", Key: []string{"REFNO", "LINENO"}, Recency: "UPDATED_ON"},
		B:           schema.Table{Name: "order_lines", Key: []string{"order_ref", "line_no"}, Recency: "updated_at"},
		Mode:        schema.ModeIncremental,
		Parent:      &schema.ParentLink{Entity: "order", Fields: []string{"REFNO"}, LinkB: []string{"order_ref"}},
		OrphanSweep: true,
		Normalize:   identity.Normalizer{TrimValues: true},
		Fields: []schema.FieldMap{
			{A: schema.Column("REFNO"), B: schema.Column("order_ref")},
			{A: schema.Column("LINENO"), B: schema.Column("line_no")},
			{A: schema.Column("QTY"), B: schema.Column("qty"), Type: schema.TypeInt},
		},
	}
}

func testCatalog(t *testing.T, entities ...*schema.Entity) *schema.Catalog {
	t.Helper()

	if len(entities) == 0 {
		entities = []*schema.Entity{customerEntity(), orderEntity(), orderLineEntity()}
	}

	cat, err := schema.NewCatalog(entities)
	require.NoError(t, err)

	return cat
}

// openTestStore opens a temp-file SQLite store and applies ddl.
func openTestStore(t *testing.T, name, ddl string) *store.SQLStore {
	t.Helper()

	ctx := context.Background()

	s, err := store.Open(ctx, store.Options{
		Name:    name,
		Dialect: store.SQLite,
		DSN:     "file:" + filepath.Join(t.TempDir(), name+".db"),
	}, testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.DB().ExecContext(ctx, ddl)
	require.NoError(t, err)

	return s
}

func newTestState(t *testing.T) *State {
	t.Helper()

	st, err := OpenState(context.Background(), filepath.Join(t.TempDir(), "state.db"), testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return st
}

// engineFixture wires an Engine to two SQLite stores, a state database and
// a file lock provider, with a controllable clock.
type engineFixture struct {
	a, b    *store.SQLStore
	state   *State
	locks   *lock.FileProvider
	lockDir string
	catalog *schema.Catalog
	engine  *Engine
	now     time.Time
}

func newEngineFixture(t *testing.T, entities ...*schema.Entity) *engineFixture {
	t.Helper()

	lockDir := t.TempDir()

	f := &engineFixture{
		a:       openTestStore(t, "A", schemaA),
		b:       openTestStore(t, "B", schemaB),
		state:   newTestState(t),
		locks:   lock.NewFileProvider(lockDir, testLogger(t)),
		lockDir: lockDir,
		catalog: testCatalog(t, entities...),
		now:     testBase,
	}

	e, err := NewEngine(&EngineConfig{
		A:             f.a,
		B:             f.b,
		Catalog:       f.catalog,
		State:         f.state,
		Locks:         f.locks,
		Logger:        testLogger(t),
		ChunkSize:     2,
		MaxIterations: 50,
		Grace:         5 * time.Minute,
		Retry:         store.RetryPolicy{Attempts: 1},
		Runner:        "ubssync-test",
		ConflictLog:   true,
	})
	require.NoError(t, err)

	e.nowFunc = func() time.Time { return f.now }
	f.engine = e

	return f
}

func (f *engineFixture) run(t *testing.T, opts RunOptions) *RunReport {
	t.Helper()

	rep, err := f.engine.RunOnce(context.Background(), opts)
	require.NoError(t, err)

	for _, e := range rep.Entities {
		require.NoError(t, e.Err, "entity %s", e.Entity)
	}

	return rep
}

func mustExec(t *testing.T, s store.Store, q string, args ...any) {
	t.Helper()

	_, err := s.Exec(context.Background(), q, args...)
	require.NoError(t, err)
}

func mustQuery(t *testing.T, s store.Store, q string, args ...any) []*record.Row {
	t.Helper()

	rows, err := s.Query(context.Background(), q, args...)
	require.NoError(t, err)

	return rows
}

// entityReport returns the named entity's report from rep.
func entityReport(t *testing.T, rep *RunReport, name string) *EntityReport {
	t.Helper()

	for _, e := range rep.Entities {
		if e.Entity == name {
			return e
		}
	}

	require.Failf(t, "entity not in report", "entity %s", name)

	return nil
}
