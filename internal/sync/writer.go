package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ubs-connector/ubssync/internal/identity"
	"github.com/ubs-connector/ubssync/internal/record"
	"github.com/ubs-connector/ubssync/internal/schema"
	"github.com/ubs-connector/ubssync/internal/store"
)

// Writer applies reconciled, already-translated rows to both stores as one
// unit: a transaction per store, Store B rows first, committed B then A.
type Writer struct {
	a, b   store.Store
	retry  store.RetryPolicy
	dryRun bool
	logger *slog.Logger
}

// NewWriter creates a Writer over the two stores. In dry-run mode it only
// probes for existence and reports what it would have written.
func NewWriter(a, b store.Store, retry store.RetryPolicy, dryRun bool, logger *slog.Logger) *Writer {
	return &Writer{a: a, b: b, retry: retry, dryRun: dryRun, logger: logger}
}

// target is one side of a commit: where rows go and the querier that
// writes them (a transaction, or the store itself when it has none).
type target struct {
	side  schema.Side
	st    store.Store
	q     store.Querier
	tx    store.Tx
	table schema.Table
}

// Batch is one commit unit. StampA and StampB hold key fields plus the
// recency column for source rows that had no valid recency: they receive
// the value written to the other side, and are not reported as writes.
type Batch struct {
	ToB, ToA       []*record.Row
	StampA, StampB []*record.Row
}

func (b Batch) empty() bool {
	return len(b.ToB)+len(b.ToA)+len(b.StampA)+len(b.StampB) == 0
}

// Commit upserts toB (Store B form) into Store B and toA (Store A form)
// into Store A. See CommitBatch.
func (w *Writer) Commit(ctx context.Context, e *schema.Entity, toB, toA []*record.Row) (WriteResult, error) {
	return w.CommitBatch(ctx, e, Batch{ToB: toB, ToA: toA})
}

// CommitBatch writes b as one unit. Any write error rolls back both sides.
// Transient failures retry the whole unit. A Store A commit failure after
// Store B committed returns ErrPartialCommit and is not retried.
func (w *Writer) CommitBatch(ctx context.Context, e *schema.Entity, b Batch) (WriteResult, error) {
	if b.empty() {
		return WriteResult{}, nil
	}

	if w.dryRun {
		return w.probe(ctx, e, b.ToB, b.ToA)
	}

	var res WriteResult

	err := w.retry.Do(ctx, w.logger, "commit "+e.Name, func(ctx context.Context) error {
		var err error
		res, err = w.commitOnce(ctx, e, b)

		return err
	})
	if err != nil {
		return WriteResult{}, err
	}

	return res, nil
}

func (w *Writer) commitOnce(ctx context.Context, e *schema.Entity, b Batch) (WriteResult, error) {
	tb, err := w.begin(ctx, schema.SideB, w.b, e.B, len(b.ToB)+len(b.StampB) > 0)
	if err != nil {
		return WriteResult{}, err
	}

	ta, err := w.begin(ctx, schema.SideA, w.a, e.A, len(b.ToA)+len(b.StampA) > 0)
	if err != nil {
		rollback(tb)
		return WriteResult{}, err
	}

	var res WriteResult

	res.InsertedB, res.UpdatedB, err = w.upsertAll(ctx, e, tb, b.ToB)
	if err == nil {
		err = w.stampAll(ctx, e, tb, b.StampB)
	}

	if err == nil {
		res.InsertedA, res.UpdatedA, err = w.upsertAll(ctx, e, ta, b.ToA)
	}

	if err == nil {
		err = w.stampAll(ctx, e, ta, b.StampA)
	}

	if err != nil {
		rollback(tb)
		rollback(ta)

		return WriteResult{}, err
	}

	if err := commit(tb); err != nil {
		rollback(ta)
		return WriteResult{}, &EntityError{Entity: e.Name, Err: fmt.Errorf("committing store B: %w", err)}
	}

	if err := commit(ta); err != nil {
		w.logger.Error("store A commit failed after store B committed",
			slog.String("entity", e.Name),
			slog.Int("rows_b", len(b.ToB)),
			slog.Int("rows_a", len(b.ToA)),
			slog.String("error", err.Error()),
		)

		// %v, not %w: the unit must not be retried against a committed B.
		return WriteResult{}, &EntityError{
			Entity: e.Name,
			Err:    fmt.Errorf("%w: committing store A after store B: %v", ErrPartialCommit, err),
		}
	}

	return res, nil
}

// begin opens a transaction on st, or falls back to the store itself when
// transactions are unsupported. No transaction is opened for an empty side.
func (w *Writer) begin(ctx context.Context, side schema.Side, st store.Store, table schema.Table, needed bool) (*target, error) {
	t := &target{side: side, st: st, q: st, table: table}
	if !needed {
		return t, nil
	}

	tx, err := st.Begin(ctx)
	if errors.Is(err, store.ErrTxUnsupported) {
		w.logger.Warn("store has no transactions, writing without one",
			slog.String("store", st.Name()),
		)

		return t, nil
	}

	if err != nil {
		return nil, fmt.Errorf("sync: begin store %s: %w", side, err)
	}

	t.q, t.tx = tx, tx

	return t, nil
}

// upsertAll probes each row by key and updates or inserts it. It returns
// the natural keys inserted and updated.
func (w *Writer) upsertAll(ctx context.Context, e *schema.Entity, t *target, rows []*record.Row) (inserted, updated []string, err error) {
	d := t.st.Dialect()

	for _, row := range rows {
		key := identity.KeyOf(t.table.Key, row)

		for _, k := range t.table.Key {
			if !row.Has(k) {
				return nil, nil, &EntityError{Entity: e.Name, Key: key,
					Err: fmt.Errorf("row for store %s lacks key field %s", t.side, k)}
			}
		}

		exists, err := w.exists(ctx, t.q, d, e, t.table, row)
		if err != nil {
			return nil, nil, &EntityError{Entity: e.Name, Key: key, Err: err}
		}

		if exists {
			q, args := store.UpdateSQL(d, t.table.Name, row, t.table.Key, e.Normalize.KeyCase)
			if _, err := t.q.Exec(ctx, q, args...); err != nil {
				return nil, nil, &EntityError{Entity: e.Name, Key: key, Err: err}
			}

			updated = append(updated, key)

			continue
		}

		q, args := store.InsertSQL(d, t.table.Name, row)
		if _, err := t.q.Exec(ctx, q, args...); err != nil {
			return nil, nil, &EntityError{Entity: e.Name, Key: key, Err: err}
		}

		inserted = append(inserted, key)
	}

	return inserted, updated, nil
}

// stampAll updates the recency column of existing rows, matched by key.
func (w *Writer) stampAll(ctx context.Context, e *schema.Entity, t *target, rows []*record.Row) error {
	d := t.st.Dialect()

	for _, row := range rows {
		q, args := store.UpdateSQL(d, t.table.Name, row, t.table.Key, e.Normalize.KeyCase)
		if _, err := t.q.Exec(ctx, q, args...); err != nil {
			return &EntityError{Entity: e.Name, Key: identity.KeyOf(t.table.Key, row),
				Err: fmt.Errorf("stamping recency on store %s: %w", t.side, err)}
		}
	}

	return nil
}

// exists probes for the stored row matching row's normalized key.
func (w *Writer) exists(ctx context.Context, q store.Querier, d store.Dialect, e *schema.Entity, table schema.Table, row *record.Row) (bool, error) {
	sql, args := store.ExistsSQL(d, table.Name, row, table.Key, e.Normalize.KeyCase)

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return false, err
	}

	return len(rows) > 0, nil
}

// probe classifies rows as insert or update without writing.
func (w *Writer) probe(ctx context.Context, e *schema.Entity, toB, toA []*record.Row) (WriteResult, error) {
	var res WriteResult

	classify := func(st store.Store, table schema.Table, rows []*record.Row) (ins, upd []string, err error) {
		for _, row := range rows {
			key := identity.KeyOf(table.Key, row)

			exists, err := w.exists(ctx, st, st.Dialect(), e, table, row)
			if err != nil {
				return nil, nil, &EntityError{Entity: e.Name, Key: key, Err: err}
			}

			if exists {
				upd = append(upd, key)
			} else {
				ins = append(ins, key)
			}
		}

		return ins, upd, nil
	}

	var err error

	if res.InsertedB, res.UpdatedB, err = classify(w.b, e.B, toB); err != nil {
		return WriteResult{}, err
	}

	if res.InsertedA, res.UpdatedA, err = classify(w.a, e.A, toA); err != nil {
		return WriteResult{}, err
	}

	return res, nil
}

func commit(t *target) error {
	if t.tx == nil {
		return nil
	}

	return t.tx.Commit()
}

func rollback(t *target) {
	if t == nil || t.tx == nil {
		return
	}

	t.tx.Rollback() //nolint:errcheck // the write error is what surfaces
}
