package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ubs-connector/ubssync/internal/identity"
	"github.com/ubs-connector/ubssync/internal/record"
	"github.com/ubs-connector/ubssync/internal/schema"
	"github.com/ubs-connector/ubssync/internal/store"
)

// run carries the state of one RunOnce call across entities.
type run struct {
	*Engine

	report *RunReport
	opts   RunOptions
	mapper *schema.Mapper
	writer *Writer
	pacer  *Pacer

	// written records, per entity, the natural keys pushed to Store B in
	// this run. Children consult it before their parent is visible to a
	// Store B read.
	written map[string]map[string]bool
}

func (e *Engine) newRun(report *RunReport, opts RunOptions) *run {
	return &run{
		Engine:  e,
		report:  report,
		opts:    opts,
		mapper:  schema.NewMapper(e.catalog, e.cache, storeRefs{a: e.a, b: e.b}, e.logger),
		writer:  NewWriter(e.a, e.b, e.retry, opts.DryRun, e.logger),
		pacer:   NewPacer(e.chunkDelay, "chunk", e.logger),
		written: make(map[string]map[string]bool),
	}
}

// syncEntity is one entity's state machine:
// count scope, then either the chunk loop or (when Store A has nothing in
// scope) the optional cross-check, then the orphan sweep.
func (r *run) syncEntity(ctx context.Context, ent *schema.Entity, rep *EntityReport) error {
	w := SelectWindow(ent, r.opts, r.report.Watermark, r.report.StartedAt, r.grace)
	rep.Window = w.Kind

	predA, argsA := w.PredicateA(ent, r.a.Dialect())
	predB, argsB := w.PredicateB(ent, r.catalog, r.b.Dialect())

	countA, err := r.a.Count(ctx, ent.A.Name, predA, argsA...)
	if err != nil {
		return r.skip(ent, rep, "A", err)
	}

	countB, err := r.b.Count(ctx, ent.B.Name, predB, argsB...)
	if err != nil {
		return r.skip(ent, rep, "B", err)
	}

	rep.CountA, rep.CountB = countA, countB

	r.emit(slog.LevelInfo, ent.Name, "scope counted", map[string]int64{"a": countA, "b": countB})
	r.logger.Info("entity scope",
		slog.String("entity", ent.Name),
		slog.String("window", string(w.Kind)),
		slog.Time("since", w.Since),
		slog.Int64("count_a", countA),
		slog.Int64("count_b", countB),
	)

	processed := make(map[string]bool)

	if countA == 0 {
		if ent.CrossCheck {
			if err := r.crossCheck(ctx, ent, rep, processed); err != nil {
				return err
			}
		}
	} else if err := r.chunkLoop(ctx, ent, w, predA, argsA, countA, countB > 0, rep, processed); err != nil {
		return err
	}

	if ent.OrphanSweep && countB > 0 {
		if err := r.orphanSweep(ctx, ent, w, predB, argsB, countB, rep, processed); err != nil {
			return err
		}
	}

	r.emit(slog.LevelInfo, ent.Name, "entity done", map[string]int64{
		"inserted_b": int64(len(rep.InsertedB)),
		"updated_b":  int64(len(rep.UpdatedB)),
		"inserted_a": int64(len(rep.InsertedA)),
		"updated_a":  int64(len(rep.UpdatedA)),
		"held":       int64(len(rep.Held)),
	})

	return nil
}

func (r *run) skip(ent *schema.Entity, rep *EntityReport, side string, err error) error {
	rep.Skipped = true

	r.logger.Warn("entity skipped, scope unavailable",
		slog.String("entity", ent.Name),
		slog.String("store", side),
		slog.String("error", err.Error()),
	)
	r.emit(slog.LevelWarn, ent.Name, "skipped: scope unavailable on store "+side, nil)

	return &EntityError{Entity: ent.Name, Err: fmt.Errorf("%w: counting store %s: %w", ErrScope, side, err)}
}

// chunkLoop pages through Store A's countA in-scope rows in key order and
// reconciles each page against the Store B rows with the same keys.
func (r *run) chunkLoop(ctx context.Context, ent *schema.Entity, w Window, pred string, args []any,
	countA int64, fetchB bool, rep *EntityReport, processed map[string]bool,
) error {
	d := r.a.Dialect()
	sel := store.Select{
		Table:   ent.A.Name,
		Where:   pred,
		Args:    args,
		OrderBy: quoteEach(d, ent.A.Key),
		Limit:   r.chunkSize,
	}

	return r.paginate(ctx, ent, "chunk", countA, func(ctx context.Context, page int) (int, error) {
		sel.Offset = page * r.chunkSize

		rowsA, err := r.a.Query(ctx, sel.SQL(d), sel.Args...)
		if err != nil {
			return 0, fmt.Errorf("reading store A page %d: %w", page, err)
		}

		if len(rowsA) == 0 {
			return 0, nil
		}

		rep.Chunks++

		keys := normalizeAll(ent, schema.SideA, rowsA)

		var rowsB []*record.Row
		if fetchB {
			if rowsB, err = r.fetchByKeys(ctx, ent, schema.SideB, keys); err != nil {
				return 0, err
			}
		}

		if err := r.reconcileAndApply(ctx, ent, w, rowsA, rowsB, rep, processed); err != nil {
			return 0, err
		}

		return len(rowsA), nil
	})
}

// orphanSweep pages through Store B's in-scope rows and reconciles the
// keys the chunk loop did not see against a targeted Store A read.
func (r *run) orphanSweep(ctx context.Context, ent *schema.Entity, w Window, pred string, args []any,
	countB int64, rep *EntityReport, processed map[string]bool,
) error {
	d := r.b.Dialect()
	sel := store.Select{
		Table:   ent.B.Name,
		Where:   pred,
		Args:    args,
		OrderBy: quoteEach(d, ent.B.Key),
		Limit:   r.chunkSize,
	}

	return r.paginate(ctx, ent, "sweep", countB, func(ctx context.Context, page int) (int, error) {
		sel.Offset = page * r.chunkSize

		rowsB, err := r.b.Query(ctx, sel.SQL(d), sel.Args...)
		if err != nil {
			return 0, fmt.Errorf("reading store B page %d: %w", page, err)
		}

		normalizeAll(ent, schema.SideB, rowsB)

		fresh, keys := unprocessed(ent, rowsB, processed)
		if len(fresh) == 0 {
			return len(rowsB), nil
		}

		rowsA, err := r.fetchByKeys(ctx, ent, schema.SideA, keys)
		if err != nil {
			return 0, err
		}

		if err := r.reconcileAndApply(ctx, ent, w, rowsA, fresh, rep, processed); err != nil {
			return 0, err
		}

		return len(rowsB), nil
	})
}

// crossCheck reads every Store B row in scope (ignoring the window) and
// pulls the rows whose key does not exist on Store A at all.
func (r *run) crossCheck(ctx context.Context, ent *schema.Entity, rep *EntityReport, processed map[string]bool) error {
	d := r.b.Dialect()
	sel := store.Select{
		Table:   ent.B.Name,
		Where:   ScopeB(ent, r.catalog, d),
		OrderBy: quoteEach(d, ent.B.Key),
		Limit:   r.chunkSize,
	}

	total, err := r.b.Count(ctx, ent.B.Name, sel.Where)
	if err != nil {
		return fmt.Errorf("counting store B for cross-check: %w", err)
	}

	r.logger.Info("cross-checking store B", slog.String("entity", ent.Name), slog.Int64("rows", total))

	return r.paginate(ctx, ent, "cross-check", total, func(ctx context.Context, page int) (int, error) {
		sel.Offset = page * r.chunkSize

		rowsB, err := r.b.Query(ctx, sel.SQL(d), sel.Args...)
		if err != nil {
			return 0, fmt.Errorf("reading store B page %d: %w", page, err)
		}

		normalizeAll(ent, schema.SideB, rowsB)

		fresh, keys := unprocessed(ent, rowsB, processed)
		if len(fresh) == 0 {
			return len(rowsB), nil
		}

		rowsA, err := r.fetchByKeys(ctx, ent, schema.SideA, keys)
		if err != nil {
			return 0, err
		}

		onA := make(map[string]bool, len(rowsA))
		for _, row := range rowsA {
			onA[identity.KeyOf(ent.A.Key, row)] = true
		}

		plan := Plan{}

		for _, row := range fresh {
			if key := identity.KeyOf(ent.B.Key, row); !onA[key] {
				plan.ToA = append(plan.ToA, row)
				plan.Keys = append(plan.Keys, key)
			}
		}

		if err := r.apply(ctx, ent, plan, rep, processed); err != nil {
			return 0, err
		}

		return len(rowsB), nil
	})
}

// paginate drives fetch over successive pages until a short or empty
// page, enforcing the iteration ceiling, chunk pacing, and cancellation.
// total is the in-scope row count: reaching the ceiling with every counted
// row already paged is not an overrun.
func (r *run) paginate(ctx context.Context, ent *schema.Entity, phase string, total int64,
	fetch func(context.Context, int) (int, error),
) error {
	for page := 0; ; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if page >= r.maxIter {
			if int64(page)*int64(r.chunkSize) >= total {
				return nil
			}

			return &EntityError{Entity: ent.Name, Err: fmt.Errorf("%w: %s stopped after %d pages of %d rows",
				ErrIterationCeiling, phase, r.maxIter, r.chunkSize)}
		}

		if page > 0 {
			if err := r.pacer.Wait(ctx); err != nil {
				return err
			}
		}

		n, err := fetch(ctx, page)
		if err != nil {
			return err
		}

		if n < r.chunkSize {
			return nil
		}
	}
}

// reconcileAndApply reconciles one batch of normalized rows and writes the
// outcome.
func (r *run) reconcileAndApply(ctx context.Context, ent *schema.Entity, w Window,
	rowsA, rowsB []*record.Row, rep *EntityReport, processed map[string]bool,
) error {
	gate, err := r.parentGate(ctx, ent, rowsA)
	if err != nil {
		return err
	}

	plan := r.reconciler.Reconcile(ent, rowsA, rowsB, w.Start(), gate)

	return r.apply(ctx, ent, plan, rep, processed)
}

// apply maps the plan's rows, commits them, and records the outcome.
func (r *run) apply(ctx context.Context, ent *schema.Entity, plan Plan, rep *EntityReport, processed map[string]bool) error {
	var batch Batch

	for _, row := range plan.ToB {
		mapped, err := r.mapper.ToTarget(ctx, ent, row)
		if err != nil {
			return &EntityError{Entity: ent.Name, Key: identity.KeyOf(ent.A.Key, row), Err: err}
		}

		batch.ToB = append(batch.ToB, mapped)

		if stamp := recencyStamp(ent, schema.SideA, row, mapped); stamp != nil {
			batch.StampA = append(batch.StampA, stamp)
		}
	}

	for _, row := range plan.ToA {
		mapped, err := r.mapper.ToSource(ctx, ent, row)
		if err != nil {
			return &EntityError{Entity: ent.Name, Key: identity.KeyOf(ent.B.Key, row), Err: err}
		}

		batch.ToA = append(batch.ToA, mapped)

		if stamp := recencyStamp(ent, schema.SideB, row, mapped); stamp != nil {
			batch.StampB = append(batch.StampB, stamp)
		}
	}

	res, err := r.writer.CommitBatch(ctx, ent, batch)
	if err != nil {
		return err
	}

	rep.add(res)
	rep.NoOp += plan.NoOp
	rep.Held = append(rep.Held, plan.Held...)
	rep.Conflicts += len(plan.Conflicts)

	for _, k := range plan.Keys {
		processed[k] = true
	}

	for _, row := range plan.ToB {
		r.markWritten(ent.Name, identity.KeyOf(ent.A.Key, row))
	}

	if r.opts.DryRun {
		return nil
	}

	if err := r.state.RecordAudit(ctx, r.report.RunID, ent.Name, res); err != nil {
		r.logger.Warn("audit not recorded", slog.String("entity", ent.Name), slog.String("error", err.Error()))
	}

	if r.conflictLog && len(plan.Conflicts) > 0 {
		if err := r.state.RecordConflicts(ctx, r.report.RunID, plan.Conflicts); err != nil {
			r.logger.Warn("conflict log incomplete", slog.String("entity", ent.Name), slog.String("error", err.Error()))
		}
	}

	if res.Total() > 0 {
		r.emit(slog.LevelDebug, ent.Name, "batch committed", map[string]int64{
			"to_b": int64(len(res.InsertedB) + len(res.UpdatedB)),
			"to_a": int64(len(res.InsertedA) + len(res.UpdatedA)),
		})
	}

	return nil
}

// parentGate builds the gate for rows of ent: a row may go to Store B only
// when its parent key is already on Store B or was pushed earlier in this
// run. Rows with a blank parent reference pass.
func (r *run) parentGate(ctx context.Context, ent *schema.Entity, rowsA []*record.Row) (ParentGate, error) {
	if ent.Parent == nil || len(rowsA) == 0 {
		return nil, nil
	}

	parent, ok := r.catalog.Get(ent.Parent.Entity)
	if !ok {
		return nil, nil
	}

	written := r.written[parent.Name]
	need := make(map[string]bool)

	for _, row := range rowsA {
		if pk := parentKey(ent, parent, row); pk != "" && !written[pk] {
			need[pk] = true
		}
	}

	present := make(map[string]bool, len(need))

	if len(need) > 0 {
		keys := make([]string, 0, len(need))
		for k := range need {
			keys = append(keys, k)
		}

		d := r.b.Dialect()
		pred, args := store.KeyPredicate(d, parent.B.Key, keys, parent.Normalize.KeyCase)

		rows, err := r.b.Query(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE %s",
			d.QuoteList(parent.B.Key), d.Quote(parent.B.Name), pred), args...)
		if err != nil {
			return nil, &EntityError{Entity: ent.Name, Err: fmt.Errorf("checking parent %s on store B: %w", parent.Name, err)}
		}

		for _, row := range rows {
			parent.Normalize.Apply(row, parent.B.Key)
			present[identity.KeyOf(parent.B.Key, row)] = true
		}
	}

	return func(row *record.Row) bool {
		pk := parentKey(ent, parent, row)
		return pk == "" || written[pk] || present[pk]
	}, nil
}

func (r *run) markWritten(entity, key string) {
	m, ok := r.written[entity]
	if !ok {
		m = make(map[string]bool)
		r.written[entity] = m
	}

	m[key] = true
}

// fetchByKeys reads the rows of ent on side whose normalized key is one of
// keys and normalizes them. Stored keys may be padded or cased differently.
func (r *run) fetchByKeys(ctx context.Context, ent *schema.Entity, side schema.Side, keys []string) ([]*record.Row, error) {
	st := r.a
	if side == schema.SideB {
		st = r.b
	}

	t := ent.Table(side)
	d := st.Dialect()
	pred, args := store.KeyPredicate(d, t.Key, keys, ent.Normalize.KeyCase)
	sel := store.Select{Table: t.Name, Where: pred, Args: args}

	rows, err := st.Query(ctx, sel.SQL(d), sel.Args...)
	if err != nil {
		return nil, fmt.Errorf("reading store %s by key: %w", side, err)
	}

	normalizeAll(ent, side, rows)

	return rows, nil
}

// rebuildLookups reloads the lookup maps of the named entities from
// Store B.
func (r *run) rebuildLookups(ctx context.Context, names []string) error {
	for _, name := range names {
		target, ok := r.catalog.Get(name)
		if !ok {
			continue
		}

		if err := rebuildLookup(ctx, r.b, r.cache, target, r.logger); err != nil {
			return err
		}
	}

	return nil
}

// entityDone persists an entity's outcome and reports it.
func (r *run) entityDone(ctx context.Context, rep *EntityReport) {
	if err := r.state.RecordEntity(context.WithoutCancel(ctx), r.report.RunID, rep); err != nil {
		r.logger.Warn("entity outcome not recorded", slog.String("entity", rep.Entity), slog.String("error", err.Error()))
	}

	if rep.Err == nil {
		return
	}

	r.logger.Error("entity failed",
		slog.String("entity", rep.Entity),
		slog.Duration("duration", rep.Duration),
		slog.String("error", rep.Err.Error()),
	)
	r.emit(slog.LevelError, rep.Entity, "failed: "+rep.Err.Error(), nil)
}

func (r *run) emit(level slog.Level, entity, msg string, counts map[string]int64) {
	r.sink.Emit(Event{Time: r.nowFunc(), Level: level, Entity: entity, Message: msg, Counts: counts})
}

// parentKey is the parent's natural key referenced by a child's Store A
// row, normalized the way the parent normalizes its own keys.
func parentKey(child, parent *schema.Entity, row *record.Row) string {
	parts := make([]string, len(child.Parent.Fields))

	for i, f := range child.Parent.Fields {
		parts[i] = parent.Normalize.NormalizeKey(row.String(f))
		if parts[i] == "" {
			return ""
		}
	}

	return strings.Join(parts, identity.Separator)
}

// normalizeAll normalizes rows in place and returns their keys.
func normalizeAll(ent *schema.Entity, side schema.Side, rows []*record.Row) []string {
	t := ent.Table(side)
	keys := make([]string, 0, len(rows))

	for _, row := range rows {
		ent.Normalize.Apply(row, t.Key)
		keys = append(keys, identity.KeyOf(t.Key, row))
	}

	return keys
}

// recencyStamp returns the row that gives src, on side, the recency value
// the mapper wrote to the other side, or nil when src had a valid one.
// Without it the source would keep comparing as the epoch and be pulled
// back on the next run.
func recencyStamp(ent *schema.Entity, side schema.Side, src, mapped *record.Row) *record.Row {
	from, to := ent.Table(side), ent.Table(side.Other())
	if from.Recency == "" || to.Recency == "" {
		return nil
	}

	if _, ok := record.Recency(src.Value(from.Recency)); ok {
		return nil
	}

	stamp := record.NewRow(len(from.Key) + 1)
	for _, k := range from.Key {
		stamp.Set(k, src.Value(k))
	}

	stamp.Set(from.Recency, mapped.Value(to.Recency))

	return stamp
}

// unprocessed returns the Store B rows whose keys were not yet handled,
// and their keys.
func unprocessed(ent *schema.Entity, rowsB []*record.Row, processed map[string]bool) ([]*record.Row, []string) {
	var (
		rows []*record.Row
		keys []string
	)

	for _, row := range rowsB {
		key := identity.KeyOf(ent.B.Key, row)
		if processed[key] {
			continue
		}

		rows = append(rows, row)
		keys = append(keys, key)
	}

	return rows, keys
}

func quoteEach(d store.Dialect, fields []string) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = d.Quote(f)
	}

	return out
}
