package sync

import (
	"log/slog"
	"sort"
	"time"

	"github.com/ubs-connector/ubssync/internal/identity"
	"github.com/ubs-connector/ubssync/internal/record"
	"github.com/ubs-connector/ubssync/internal/schema"
)

// ParentGate reports whether the Store B parent of a Store A row exists,
// either already on Store B or written earlier in this run. A nil gate
// admits every row.
type ParentGate func(rowA *record.Row) bool

// Plan is the reconciler's decision for one batch of keys. ToB holds Store A
// rows to push; ToA holds Store B rows to pull. Both are in key order.
type Plan struct {
	ToB       []*record.Row
	ToA       []*record.Row
	NoOp      int
	Held      []string
	Conflicts []Conflict
	// Keys is the sorted union of keys seen on either side.
	Keys []string
}

// Reconciler classifies keyed rows from both stores by recency. It is pure:
// it never reads or writes a store.
type Reconciler struct {
	logger *slog.Logger
}

// NewReconciler creates a Reconciler that logs decisions at debug level.
func NewReconciler(logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{logger: logger}
}

// Reconcile compares rowsA and rowsB (already normalized) over the union of
// their keys. A key on one side only flows to the other side; a key on both
// sides flows from the strictly more recent row, and equal recency is a
// no-op. Rows pushed to Store B whose parent fails gate are held back.
//
// since is the window start; when both rows changed after it, the losing
// edit is reported as a Conflict. A zero since reports no conflicts.
func (r *Reconciler) Reconcile(e *schema.Entity, rowsA, rowsB []*record.Row, since time.Time, gate ParentGate) Plan {
	byA := r.index(e, schema.SideA, rowsA)
	byB := r.index(e, schema.SideB, rowsB)

	plan := Plan{Keys: unionKeys(byA, byB)}

	for _, key := range plan.Keys {
		a, inA := byA[key]
		b, inB := byB[key]

		switch {
		case inA && !inB:
			r.push(&plan, e, key, a, gate)
		case inB && !inA:
			plan.ToA = append(plan.ToA, b)
		default:
			r.compare(&plan, e, key, a, b, since, gate)
		}
	}

	if len(plan.ToB) > 0 || len(plan.ToA) > 0 || len(plan.Held) > 0 {
		r.logger.Debug("reconciled batch",
			slog.String("entity", e.Name),
			slog.Int("keys", len(plan.Keys)),
			slog.Int("to_b", len(plan.ToB)),
			slog.Int("to_a", len(plan.ToA)),
			slog.Int("noop", plan.NoOp),
			slog.Int("held", len(plan.Held)),
		)
	}

	return plan
}

func (r *Reconciler) compare(plan *Plan, e *schema.Entity, key string, a, b *record.Row, since time.Time, gate ParentGate) {
	recA := r.recency(e, schema.SideA, key, a)
	recB := r.recency(e, schema.SideB, key, b)

	switch {
	case recA.After(recB):
		r.push(plan, e, key, a, gate)
	case recB.After(recA):
		plan.ToA = append(plan.ToA, b)
	default:
		plan.NoOp++
		return
	}

	if since.IsZero() || !recA.After(since) || !recB.After(since) {
		return
	}

	winner := schema.SideA
	if recB.After(recA) {
		winner = schema.SideB
	}

	plan.Conflicts = append(plan.Conflicts, Conflict{
		Entity:   e.Name,
		Key:      key,
		Winner:   winner,
		RecencyA: recA,
		RecencyB: recB,
	})

	r.logger.Info("both sides changed, last writer wins",
		slog.String("entity", e.Name),
		slog.String("key", key),
		slog.String("winner", winner.String()),
		slog.String("recency_a", record.FormatDateTime(recA)),
		slog.String("recency_b", record.FormatDateTime(recB)),
	)
}

func (r *Reconciler) push(plan *Plan, e *schema.Entity, key string, a *record.Row, gate ParentGate) {
	if gate != nil && !gate(a) {
		plan.Held = append(plan.Held, key)

		r.logger.Debug("row held until parent exists",
			slog.String("entity", e.Name),
			slog.String("key", key),
			slog.String("parent", e.Parent.Entity),
		)

		return
	}

	plan.ToB = append(plan.ToB, a)
}

func (r *Reconciler) recency(e *schema.Entity, side schema.Side, key string, row *record.Row) time.Time {
	col := e.Table(side).Recency

	t, ok := record.Recency(row.Value(col))
	if !ok {
		r.logger.Warn("recency missing or invalid, treating as epoch",
			slog.String("entity", e.Name),
			slog.String("side", side.String()),
			slog.String("key", key),
			slog.String("column", col),
		)
	}

	return t
}

// index keys rows by their side's key fields. Rows with a blank key are
// dropped; duplicate keys keep the most recent row.
func (r *Reconciler) index(e *schema.Entity, side schema.Side, rows []*record.Row) map[string]*record.Row {
	t := e.Table(side)
	out := make(map[string]*record.Row, len(rows))

	for _, row := range rows {
		key := identity.KeyOf(t.Key, row)
		if blankKey(key, len(t.Key)) {
			r.logger.Warn("row without key skipped",
				slog.String("entity", e.Name),
				slog.String("side", side.String()),
			)

			continue
		}

		prev, dup := out[key]
		if !dup {
			out[key] = row
			continue
		}

		r.logger.Warn("duplicate key, keeping most recent row",
			slog.String("entity", e.Name),
			slog.String("side", side.String()),
			slog.String("key", key),
		)

		prevAt, _ := record.Recency(prev.Value(t.Recency))
		rowAt, _ := record.Recency(row.Value(t.Recency))

		if rowAt.After(prevAt) {
			out[key] = row
		}
	}

	return out
}

func blankKey(key string, n int) bool {
	for _, part := range identity.SplitKey(key, n) {
		if part == "" {
			return true
		}
	}

	return false
}

func unionKeys(a, b map[string]*record.Row) []string {
	keys := make([]string, 0, len(a)+len(b))

	for k := range a {
		keys = append(keys, k)
	}

	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}

	sort.Strings(keys)

	return keys
}
