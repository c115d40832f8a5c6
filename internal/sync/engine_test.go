package sync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ubs-connector/ubssync/internal/lock"
	"github.com/ubs-connector/ubssync/internal/record"
	"github.com/ubs-connector/ubssync/internal/schema"
)

func TestRunOnce_PushesNewRowAndIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, customerEntity())
	mustExec(t, f.a, `INSERT INTO arcust VALUES ('C100', 'Acme', '2024-01-01 10:00:00')`)

	rep := f.run(t, RunOptions{})
	assert.Equal(t, RunCompleted, rep.Status)
	assert.True(t, rep.Advanced)

	cust := entityReport(t, rep, "customer")
	assert.Equal(t, WindowFull, cust.Window, "no watermark yet")
	assert.Equal(t, []string{"C100"}, cust.InsertedB)

	rows := mustQuery(t, f.b, `SELECT customer_code, name, updated_at FROM customers`)
	require.Len(t, rows, 1)
	assert.Equal(t, "C100", rows[0].String("customer_code"))
	assert.Equal(t, "Acme", rows[0].String("name"))
	assert.Equal(t, "2024-01-01 10:00:00", rows[0].String("updated_at"))

	// Incremental re-run: nothing changed since the watermark.
	f.now = testBase.Add(time.Hour)
	rep = f.run(t, RunOptions{})
	cust = entityReport(t, rep, "customer")
	assert.Equal(t, WindowIncremental, cust.Window)
	assert.Zero(t, cust.Written())

	// Full re-run compares every row and finds them equal.
	rep = f.run(t, RunOptions{Full: true})
	cust = entityReport(t, rep, "customer")
	assert.Zero(t, cust.Written())
	assert.Equal(t, 1, cust.NoOp)
}

func TestRunOnce_NewerStoreBRowIsPulled(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, customerEntity())
	mustExec(t, f.a, `INSERT INTO arcust VALUES ('C100', 'Old name', '2024-01-01 10:00:00')`)
	mustExec(t, f.b, `INSERT INTO customers (customer_code, name, updated_at) VALUES ('C100', 'New name', '2024-01-02 09:00:00')`)

	rep := f.run(t, RunOptions{})
	cust := entityReport(t, rep, "customer")
	assert.Equal(t, []string{"C100"}, cust.UpdatedA)
	assert.Empty(t, cust.UpdatedB, "the older side must not overwrite the newer one")

	rows := mustQuery(t, f.a, `SELECT NAME, UPDATED_ON FROM arcust WHERE CUSTNO = 'C100'`)
	require.Len(t, rows, 1)
	assert.Equal(t, "New name", rows[0].String("NAME"))
	assert.Equal(t, "2024-01-02 09:00:00", rows[0].String("UPDATED_ON"))

	rows = mustQuery(t, f.b, `SELECT name FROM customers WHERE customer_code = 'C100'`)
	assert.Equal(t, "New name", rows[0].String("name"))

	rep = f.run(t, RunOptions{Full: true})
	assert.Zero(t, entityReport(t, rep, "customer").Written())
}

func TestRunOnce_NewerStoreARowIsPushed(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, customerEntity())
	mustExec(t, f.a, `INSERT INTO arcust VALUES ('C1', 'Edited in A', ?)`, ts(-time.Hour))
	mustExec(t, f.b, `INSERT INTO customers (customer_code, name, updated_at) VALUES ('C1', 'Stale', ?)`, ts(-2*time.Hour))

	rep := f.run(t, RunOptions{})
	assert.Equal(t, []string{"C1"}, entityReport(t, rep, "customer").UpdatedB)

	rows := mustQuery(t, f.b, `SELECT name, updated_at FROM customers`)
	assert.Equal(t, "Edited in A", rows[0].String("name"))
	assert.Equal(t, ts(-time.Hour), rows[0].String("updated_at"))
}

func TestRunOnce_KeyNormalizationMatchesAcrossStores(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, customerEntity())
	mustExec(t, f.a, `INSERT INTO arcust VALUES ('c100  ', 'Padded', ?)`, ts(-time.Hour))
	mustExec(t, f.b, `INSERT INTO customers (customer_code, name, updated_at) VALUES ('C100', 'Padded', ?)`, ts(-time.Hour))

	rep := f.run(t, RunOptions{})
	cust := entityReport(t, rep, "customer")
	assert.Zero(t, cust.Written())
	assert.Equal(t, 1, cust.NoOp)
}

func TestRunOnce_PaddedStoreAKeyIsUpdatedInPlace(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, customerEntity())
	mustExec(t, f.a, `INSERT INTO arcust VALUES ('C100  ', 'Old', ?)`, ts(-2*time.Hour))
	mustExec(t, f.b, `INSERT INTO customers (customer_code, name, updated_at) VALUES ('C100', 'New', ?)`, ts(-time.Hour))

	rep := f.run(t, RunOptions{})
	cust := entityReport(t, rep, "customer")
	assert.Equal(t, []string{"C100"}, cust.UpdatedA)
	assert.Empty(t, cust.InsertedA)

	rows := mustQuery(t, f.a, `SELECT CUSTNO, NAME FROM arcust`)
	require.Len(t, rows, 1, "the padded row is updated, not duplicated")
	assert.Equal(t, "C100  ", rows[0].String("CUSTNO"))
	assert.Equal(t, "New", rows[0].String("NAME"))

	rep = f.run(t, RunOptions{Full: true})
	assert.Zero(t, entityReport(t, rep, "customer").Written())
}

func TestRunOnce_CaseFoldedStoreBKeyIsUpdatedInPlace(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, customerEntity())
	mustExec(t, f.a, `INSERT INTO arcust VALUES ('C100', 'New', ?)`, ts(-time.Hour))
	mustExec(t, f.b, `INSERT INTO customers (customer_code, name, updated_at) VALUES ('c100', 'Old', ?)`, ts(-2*time.Hour))

	rep := f.run(t, RunOptions{})
	cust := entityReport(t, rep, "customer")
	assert.Equal(t, []string{"C100"}, cust.UpdatedB)
	assert.Empty(t, cust.InsertedB)
	assert.Empty(t, cust.InsertedA)

	rows := mustQuery(t, f.b, `SELECT customer_code, name FROM customers`)
	require.Len(t, rows, 1, "the lower-case row is updated, not duplicated")
	assert.Equal(t, "c100", rows[0].String("customer_code"))
	assert.Equal(t, "New", rows[0].String("name"))

	rep = f.run(t, RunOptions{Full: true})
	assert.Zero(t, entityReport(t, rep, "customer").Written())
}

func TestRunOnce_CaseFoldedParentPassesGate(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, customerEntity(), orderEntity(), orderLineEntity())
	mustExec(t, f.b, `INSERT INTO customers (customer_code, name, updated_at) VALUES ('c100', 'Acme', ?)`, ts(-time.Hour))
	mustExec(t, f.a, `INSERT INTO arcust VALUES ('C100', 'Acme', ?)`, ts(-time.Hour))
	mustExec(t, f.a, `INSERT INTO oeordh (REFNO, CUSTNO, UPDATED_ON) VALUES ('R1', 'C100', ?)`, ts(-time.Hour))

	rep := f.run(t, RunOptions{Entities: []string{"order"}})
	ord := entityReport(t, rep, "order")
	assert.Empty(t, ord.Held)
	assert.Equal(t, []string{"R1"}, ord.InsertedB)
}

func TestRunOnce_MissingRecencyIsStampedOnBothSides(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, customerEntity())
	mustExec(t, f.a, `INSERT INTO arcust VALUES ('C100', 'Acme', NULL)`)
	mustExec(t, f.b, `INSERT INTO customers (customer_code, name, updated_at) VALUES ('C200', 'Beta', NULL)`)

	rep := f.run(t, RunOptions{})
	cust := entityReport(t, rep, "customer")
	assert.Equal(t, []string{"C100"}, cust.InsertedB)
	assert.Equal(t, []string{"C200"}, cust.InsertedA)
	assert.Empty(t, cust.UpdatedA, "stamps are not reported as writes")
	assert.Empty(t, cust.UpdatedB)

	for _, code := range []string{"C100", "C200"} {
		a := mustQuery(t, f.a, `SELECT UPDATED_ON FROM arcust WHERE CUSTNO = ?`, code)
		b := mustQuery(t, f.b, `SELECT updated_at FROM customers WHERE customer_code = ?`, code)
		require.Len(t, a, 1)
		require.Len(t, b, 1)
		assert.NotEmpty(t, a[0].String("UPDATED_ON"), code)
		assert.Equal(t, a[0].String("UPDATED_ON"), b[0].String("updated_at"), code)
	}

	rep = f.run(t, RunOptions{Full: true})
	cust = entityReport(t, rep, "customer")
	assert.Zero(t, cust.Written())
	assert.Equal(t, 2, cust.NoOp)
}

func TestRunOnce_OneSidedRowsReachTheOtherStore(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, customerEntity())
	mustExec(t, f.a, `INSERT INTO arcust VALUES ('C1', 'Only A', ?)`, ts(-time.Hour))
	mustExec(t, f.b, `INSERT INTO customers (customer_code, name, updated_at) VALUES ('C7', 'Only B', ?)`, ts(-time.Hour))

	rep := f.run(t, RunOptions{})
	cust := entityReport(t, rep, "customer")
	assert.Equal(t, []string{"C1"}, cust.InsertedB)
	assert.Equal(t, []string{"C7"}, cust.InsertedA)

	assert.Len(t, mustQuery(t, f.a, `SELECT * FROM arcust`), 2)
	assert.Len(t, mustQuery(t, f.b, `SELECT * FROM customers`), 2)
}

func TestRunOnce_EmptyStoreAStillSweepsStoreB(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, customerEntity())

	for _, code := range []string{"C5", "C6", "C7"} {
		mustExec(t, f.b, `INSERT INTO customers (customer_code, name, updated_at) VALUES (?, 'b', ?)`, code, ts(-time.Hour))
	}

	rep := f.run(t, RunOptions{})
	cust := entityReport(t, rep, "customer")
	assert.Zero(t, cust.CountA)
	assert.Equal(t, int64(3), cust.CountB)
	assert.Equal(t, []string{"C5", "C6", "C7"}, cust.InsertedA)
}

func TestRunOnce_CompositeKeyPushesOnlyMissingLine(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	at := "2024-01-01 10:00:00"

	mustExec(t, f.a, `INSERT INTO arcust VALUES ('C1', 'Acme', ?)`, at)
	mustExec(t, f.a, `INSERT INTO oeordh VALUES ('ORD1', 'C1', ?)`, at)
	mustExec(t, f.a, `INSERT INTO oeordd VALUES ('ORD1', '1', 5, ?), ('ORD1', '2', 7, ?)`, at, at)

	mustExec(t, f.b, `INSERT INTO customers (customer_code, name, updated_at) VALUES ('C1', 'Acme', ?)`, at)
	mustExec(t, f.b, `INSERT INTO orders (reference_no, customer_code, updated_at) VALUES ('ORD1', 'C1', ?)`, at)
	mustExec(t, f.b, `INSERT INTO order_lines VALUES ('ORD1', '1', 5, ?)`, at)

	rep := f.run(t, RunOptions{})

	lines := entityReport(t, rep, "order_line")
	assert.Equal(t, []string{"ORD1|2"}, lines.InsertedB)
	assert.Empty(t, lines.UpdatedB)
	assert.Empty(t, lines.InsertedA)
	assert.Empty(t, lines.UpdatedA)

	assert.Zero(t, entityReport(t, rep, "customer").Written())
	assert.Zero(t, entityReport(t, rep, "order").Written())

	rows := mustQuery(t, f.b, `SELECT qty FROM order_lines WHERE order_ref = 'ORD1' AND line_no = '2'`)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(7), rows[0].Value("qty"))
}

func TestRunOnce_ParentGatingHoldsOrphansUntilParentExists(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)

	mustExec(t, f.a, `INSERT INTO arcust VALUES ('C1', 'Acme', ?)`, ts(-3*time.Hour))
	mustExec(t, f.a, `INSERT INTO oeordh VALUES ('R1', 'C1', ?), ('R2', 'C9', ?)`, ts(-2*time.Hour), ts(-2*time.Hour))
	mustExec(t, f.a, `INSERT INTO oeordd VALUES ('R1', '001', 1, ?), ('R2', '001', 2, ?)`, ts(-time.Hour), ts(-time.Hour))

	rep := f.run(t, RunOptions{})
	assert.Equal(t, RunCompleted, rep.Status)
	assert.False(t, rep.Advanced, "held rows keep the watermark where it was")

	orders := entityReport(t, rep, "order")
	assert.Equal(t, []string{"R1"}, orders.InsertedB)
	assert.Equal(t, []string{"R2"}, orders.Held)

	lines := entityReport(t, rep, "order_line")
	assert.Equal(t, []string{"R1|001"}, lines.InsertedB, "parent written earlier in the same run")
	assert.Equal(t, []string{"R2|001"}, lines.Held)

	// The lookup cache was rebuilt after customers, so the pushed order
	// carries the new surrogate id.
	cust := mustQuery(t, f.b, `SELECT id FROM customers WHERE customer_code = 'C1'`)
	ord := mustQuery(t, f.b, `SELECT customer_id FROM orders WHERE reference_no = 'R1'`)
	require.Len(t, cust, 1)
	require.Len(t, ord, 1)
	assert.Equal(t, record.ToString(cust[0].Value("id")), record.ToString(ord[0].Value("customer_id")))

	// The missing customer appears; the next run releases the held rows.
	mustExec(t, f.a, `INSERT INTO arcust VALUES ('C9', 'Late', ?)`, ts(-3*time.Hour))
	f.now = testBase.Add(time.Hour)

	rep = f.run(t, RunOptions{})
	assert.True(t, rep.Advanced)
	assert.Equal(t, []string{"C9"}, entityReport(t, rep, "customer").InsertedB)
	assert.Equal(t, []string{"R2"}, entityReport(t, rep, "order").InsertedB)
	assert.Equal(t, []string{"R2|001"}, entityReport(t, rep, "order_line").InsertedB)
	assert.Empty(t, entityReport(t, rep, "order_line").Held)
}

func TestRunOnce_HeadersWithoutLinesAreNotPulled(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	at := ts(-time.Hour)

	mustExec(t, f.b, `INSERT INTO customers (customer_code, name, updated_at) VALUES ('C1', 'Acme', ?)`, at)
	mustExec(t, f.b, `INSERT INTO orders (reference_no, customer_code, updated_at) VALUES ('R5', 'C1', ?), ('R6', 'C1', ?)`, at, at)
	mustExec(t, f.b, `INSERT INTO order_lines VALUES ('R6', '1', 3, ?)`, at)

	rep := f.run(t, RunOptions{})

	orders := entityReport(t, rep, "order")
	assert.Equal(t, int64(1), orders.CountB, "R5 has no lines yet")
	assert.Equal(t, []string{"R6"}, orders.InsertedA)
	assert.Equal(t, []string{"R6|1"}, entityReport(t, rep, "order_line").InsertedA)

	rows := mustQuery(t, f.a, `SELECT REFNO, CUSTNO FROM oeordh`)
	require.Len(t, rows, 1)
	assert.Equal(t, "R6", rows[0].String("REFNO"))
	assert.Equal(t, "C1", rows[0].String("CUSTNO"))
}

func TestRunOnce_IncrementalWindowSelectsOnlyChanges(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, customerEntity())
	mustExec(t, f.a, `INSERT INTO arcust VALUES ('C1', 'Acme', ?)`, ts(-time.Hour))

	f.run(t, RunOptions{})

	wm, ok, err := f.state.LastRunAt(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testBase, wm)

	mustExec(t, f.a, `INSERT INTO arcust VALUES ('C2', 'Beta', ?)`, ts(10*time.Minute))
	f.now = testBase.Add(time.Hour)

	rep := f.run(t, RunOptions{})
	cust := entityReport(t, rep, "customer")
	assert.Equal(t, WindowIncremental, cust.Window)
	assert.Equal(t, int64(1), cust.CountA)
	assert.Equal(t, []string{"C2"}, cust.InsertedB)
	assert.Equal(t, testBase, rep.Watermark)
}

func TestRunOnce_BothSidesChangedRecordsConflict(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, customerEntity())
	mustExec(t, f.a, `INSERT INTO arcust VALUES ('C1', 'Same', ?)`, ts(-2*time.Hour))
	mustExec(t, f.b, `INSERT INTO customers (customer_code, name, updated_at) VALUES ('C1', 'Same', ?)`, ts(-2*time.Hour))

	f.run(t, RunOptions{})

	mustExec(t, f.a, `UPDATE arcust SET NAME = 'A edit', UPDATED_ON = ?`, ts(10*time.Minute))
	mustExec(t, f.b, `UPDATE customers SET name = 'B edit', updated_at = ?`, ts(20*time.Minute))
	f.now = testBase.Add(time.Hour)

	rep := f.run(t, RunOptions{})
	cust := entityReport(t, rep, "customer")
	assert.Equal(t, []string{"C1"}, cust.UpdatedA)
	assert.Equal(t, 1, cust.Conflicts)

	rows := mustQuery(t, f.a, `SELECT NAME FROM arcust`)
	assert.Equal(t, "B edit", rows[0].String("NAME"))

	conflicts, err := f.state.Conflicts(context.Background(), rep.RunID, 10)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "C1", conflicts[0].Key)
	assert.Equal(t, "B", conflicts[0].Winner)
	assert.Equal(t, testBase.Add(10*time.Minute), conflicts[0].RecencyA)
	assert.Equal(t, testBase.Add(20*time.Minute), conflicts[0].RecencyB)
}

func TestRunOnce_CrossCheckPullsRowsMissingFromA(t *testing.T) {
	t.Parallel()

	order := orderEntity()
	order.CrossCheck = true
	f := newEngineFixture(t, customerEntity(), order, orderLineEntity())

	f.run(t, RunOptions{})

	// Old rows, outside any incremental window.
	old := "2020-05-05 05:05:05"
	mustExec(t, f.b, `INSERT INTO customers (customer_code, name, updated_at) VALUES ('C1', 'Acme', ?)`, old)
	mustExec(t, f.b, `INSERT INTO orders (reference_no, customer_code, updated_at) VALUES ('R8', 'C1', ?)`, old)
	mustExec(t, f.b, `INSERT INTO order_lines VALUES ('R8', '1', 1, ?)`, old)
	f.now = testBase.Add(time.Hour)

	rep := f.run(t, RunOptions{})
	orders := entityReport(t, rep, "order")
	assert.Zero(t, orders.CountA)
	assert.Zero(t, orders.CountB)
	assert.Equal(t, []string{"R8"}, orders.InsertedA)

	assert.Empty(t, entityReport(t, rep, "customer").InsertedA, "no cross-check configured for customers")
}

func TestRunOnce_ResyncDateSelectsOneDay(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, customerEntity())
	mustExec(t, f.a, `INSERT INTO arcust VALUES ('C1', 'In', '2024-01-01 10:00:00'), ('C2', 'Out', '2024-01-02 00:00:00')`)

	rep := f.run(t, RunOptions{ResyncDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)})
	cust := entityReport(t, rep, "customer")
	assert.Equal(t, WindowResync, cust.Window)
	assert.Equal(t, []string{"C1"}, cust.InsertedB)
	assert.False(t, rep.Advanced, "resync runs never move the watermark")
}

func TestRunOnce_DryRunWritesNothing(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, customerEntity())
	mustExec(t, f.a, `INSERT INTO arcust VALUES ('C1', 'Acme', ?)`, ts(-time.Hour))
	mustExec(t, f.b, `INSERT INTO customers (customer_code, name, updated_at) VALUES ('C7', 'b', ?)`, ts(-time.Hour))

	rep := f.run(t, RunOptions{DryRun: true})
	assert.True(t, rep.DryRun)
	assert.False(t, rep.Advanced)

	cust := entityReport(t, rep, "customer")
	assert.Equal(t, []string{"C1"}, cust.InsertedB)
	assert.Equal(t, []string{"C7"}, cust.InsertedA)

	assert.Len(t, mustQuery(t, f.b, `SELECT * FROM customers`), 1)
	assert.Len(t, mustQuery(t, f.a, `SELECT * FROM arcust`), 1)

	_, ok, err := f.state.LastRunAt(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunOnce_EntityFilter(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	mustExec(t, f.a, `INSERT INTO arcust VALUES ('C1', 'Acme', ?)`, ts(-time.Hour))

	rep := f.run(t, RunOptions{Entities: []string{"customer"}})
	require.Len(t, rep.Entities, 1)
	assert.Equal(t, "customer", rep.Entities[0].Entity)
	assert.False(t, rep.Advanced)

	_, err := f.engine.RunOnce(context.Background(), RunOptions{Entities: []string{"invoice"}})
	assert.ErrorIs(t, err, ErrUnknownEntity)
}

func TestRunOnce_ScopeFailureSkipsEntityAndContinues(t *testing.T) {
	t.Parallel()

	ghost := &schema.Entity{
		Name:        "ghost",
		A:           schema.Table{Name: "no_such_table", Key: []string{"K"}, Recency: "U"},
		B:           schema.Table{Name: "customers", Key: []string{"customer_code"}, Recency: "updated_at"},
		Mode:        schema.ModeIncremental,
		OrphanSweep: true,
	}

	f := newEngineFixture(t, ghost, customerEntity())
	mustExec(t, f.a, `INSERT INTO arcust VALUES ('C1', 'Acme', ?)`, ts(-time.Hour))

	rep, err := f.engine.RunOnce(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, RunPartial, rep.Status)
	assert.False(t, rep.Advanced)

	g := entityReport(t, rep, "ghost")
	assert.True(t, g.Skipped)
	assert.ErrorIs(t, g.Err, ErrScope)

	cust := entityReport(t, rep, "customer")
	require.NoError(t, cust.Err)
	assert.Equal(t, []string{"C1"}, cust.InsertedB)

	runs, err := f.state.RecentRuns(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunPartial, runs[0].Status)
}

func TestRunOnce_IterationCeiling(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, customerEntity())
	f.engine.maxIter = 1

	for _, c := range []string{"C1", "C2", "C3"} {
		mustExec(t, f.a, `INSERT INTO arcust VALUES (?, 'x', ?)`, c, ts(-time.Hour))
	}

	rep, err := f.engine.RunOnce(context.Background(), RunOptions{})
	require.NoError(t, err)

	cust := entityReport(t, rep, "customer")
	assert.ErrorIs(t, cust.Err, ErrIterationCeiling)
	assert.Equal(t, []string{"C1", "C2"}, cust.InsertedB, "the first chunk committed before the ceiling")
	assert.Equal(t, RunPartial, rep.Status)
	assert.True(t, strings.HasPrefix(cust.Err.Error(), "entity customer: sync: iteration ceiling exceeded"), cust.Err.Error())
}

func TestRunOnce_ExactlyFullPagesAtCeilingComplete(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, customerEntity())
	f.engine.maxIter = 1

	for _, c := range []string{"C1", "C2"} {
		mustExec(t, f.a, `INSERT INTO arcust VALUES (?, 'x', ?)`, c, ts(-time.Hour))
	}

	rep := f.run(t, RunOptions{})
	assert.Equal(t, RunCompleted, rep.Status)
	assert.True(t, rep.Advanced)
	assert.Equal(t, []string{"C1", "C2"}, entityReport(t, rep, "customer").InsertedB)
}

func TestRunOnce_LockContention(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, customerEntity())

	other := lock.NewFileProvider(f.lockDir, testLogger(t))
	ok, err := other.Acquire("ubssync-test")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.engine.RunOnce(context.Background(), RunOptions{})
	require.ErrorIs(t, err, lock.ErrHeld)

	require.NoError(t, other.Release("ubssync-test"))

	f.run(t, RunOptions{})
}

func TestRunOnce_SiblingRunnerBlocks(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, customerEntity())
	f.engine.siblings = []string{"night-batch"}

	other := lock.NewFileProvider(f.lockDir, testLogger(t))
	ok, err := other.Acquire("night-batch")
	require.NoError(t, err)
	require.True(t, ok)

	t.Cleanup(func() { other.Release("night-batch") })

	_, err = f.engine.RunOnce(context.Background(), RunOptions{})
	require.ErrorIs(t, err, lock.ErrHeld)

	held, err := f.locks.IsHeld("ubssync-test")
	require.NoError(t, err)
	assert.False(t, held, "own lock released on the error path")
}

func TestRunOnce_CancelledContext(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, customerEntity())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := f.engine.RunOnce(ctx, RunOptions{})
	if err != nil {
		// Cancellation may surface while reading the watermark.
		assert.True(t, errors.Is(err, context.Canceled))
		return
	}

	assert.Equal(t, RunCancelled, rep.Status)
	assert.False(t, rep.Advanced)
}

func TestRunOnce_RecordsAuditAndEntityCounts(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, customerEntity())
	mustExec(t, f.a, `INSERT INTO arcust VALUES ('C1', 'a', ?), ('C2', 'b', ?)`, ts(-time.Hour), ts(-time.Hour))
	mustExec(t, f.b, `INSERT INTO customers (customer_code, name, updated_at) VALUES ('C3', 'c', ?)`, ts(-time.Hour))

	rep := f.run(t, RunOptions{})

	var n int
	require.NoError(t, f.state.db.QueryRow(
		`SELECT COUNT(*) FROM sync_audit WHERE run_id = ? AND entity = 'customer'`, rep.RunID).Scan(&n))
	assert.Equal(t, 3, n)

	ents, err := f.state.RunEntities(context.Background(), rep.RunID)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, 2, ents[0].InsertedB)
	assert.Equal(t, 1, ents[0].InsertedA)
	assert.Equal(t, WindowFull, ents[0].Window)
}
