package sync

import (
	"strings"
	"time"

	"github.com/ubs-connector/ubssync/internal/record"
	"github.com/ubs-connector/ubssync/internal/schema"
	"github.com/ubs-connector/ubssync/internal/store"
)

// WindowKind names how an entity's in-scope rows were selected.
type WindowKind string

// Window kinds, in selection priority order.
const (
	WindowFull        WindowKind = "full"
	WindowResync      WindowKind = "resync"
	WindowRolling     WindowKind = "rolling"
	WindowIncremental WindowKind = "incremental"
)

// Window is the time range that brings rows of one entity into scope.
// Since is exclusive for rolling and incremental windows; a resync window
// covers [Since, Until).
type Window struct {
	Kind  WindowKind
	Since time.Time
	Until time.Time
}

// SelectWindow picks the window for e. Priority: force-full (entity mode or
// opts.Full), resync date, rolling window, incremental. A zero watermark
// (no completed run yet) selects a full window.
func SelectWindow(e *schema.Entity, opts RunOptions, watermark, now time.Time, grace time.Duration) Window {
	switch {
	case opts.Full || e.Mode == schema.ModeForceFull:
		return Window{Kind: WindowFull}
	case !opts.ResyncDate.IsZero():
		day := time.Date(opts.ResyncDate.Year(), opts.ResyncDate.Month(), opts.ResyncDate.Day(), 0, 0, 0, 0, time.UTC)

		return Window{Kind: WindowResync, Since: day, Until: day.AddDate(0, 0, 1)}
	case e.Mode == schema.ModeRollingWindow:
		return Window{Kind: WindowRolling, Since: now.AddDate(0, 0, -e.RollingDays)}
	case watermark.IsZero():
		return Window{Kind: WindowFull}
	default:
		return Window{Kind: WindowIncremental, Since: watermark.Add(-grace)}
	}
}

// Start returns the instant after which a change counts as inside the
// window, or zero for a full window.
func (w Window) Start() time.Time {
	if w.Kind == WindowFull {
		return time.Time{}
	}

	return w.Since
}

// PredicateA renders the Store A condition for e's in-scope rows.
func (w Window) PredicateA(e *schema.Entity, d store.Dialect) (string, []any) {
	pred, args := w.timeTerm(d, e.A.Name, e.A.Recency, e.A.Created)

	return store.And(pred, e.PredicateA), args
}

// PredicateB renders the Store B condition for e's in-scope rows. For
// entities with a parent recency column, a row is also in scope when its
// parent changed inside the window. Entities that require children only
// match rows with at least one child.
func (w Window) PredicateB(e *schema.Entity, catalog *schema.Catalog, d store.Dialect) (string, []any) {
	pred, args := w.timeTerm(d, e.B.Name, e.B.Recency, e.B.Created)

	if pred != "" && e.Parent != nil && e.Parent.RecencyB != "" {
		if parent, ok := catalog.Get(e.Parent.Entity); ok {
			parentPred, parentArgs := w.parentTerm(d, e, parent)
			pred = "(" + pred + ") OR " + parentPred
			args = append(args, parentArgs...)
		}
	}

	return store.And(pred, ScopeB(e, catalog, d)), args
}

// ScopeB renders the Store B condition that applies to e regardless of
// the window: the children requirement and the entity's extra predicate.
func ScopeB(e *schema.Entity, catalog *schema.Catalog, d store.Dialect) string {
	return store.And(childrenTerm(d, e, catalog), e.PredicateB)
}

// timeTerm renders the window condition on one table's columns, qualified
// by the table name so it stays unambiguous inside EXISTS subqueries.
func (w Window) timeTerm(d store.Dialect, table, recency, created string) (string, []any) {
	col := func(c string) string { return d.Quote(table + "." + c) }

	switch w.Kind {
	case WindowResync:
		since, until := record.FormatDateTime(w.Since), record.FormatDateTime(w.Until)
		pred := col(recency) + " >= ? AND " + col(recency) + " < ?"
		args := []any{since, until}

		if created != "" {
			pred = "(" + pred + ") OR (" + col(created) + " >= ? AND " + col(created) + " < ?)"
			args = append(args, since, until)
		}

		return pred, args
	case WindowRolling, WindowIncremental:
		return col(recency) + " > ?", []any{record.FormatDateTime(w.Since)}
	default:
		return "", nil
	}
}

func (w Window) parentTerm(d store.Dialect, child, parent *schema.Entity) (string, []any) {
	const alias = "p"

	conj := make([]string, 0, len(parent.B.Key)+1)
	for i, k := range parent.B.Key {
		conj = append(conj, d.Quote(alias+"."+k)+" = "+d.Quote(child.B.Name+"."+child.Parent.LinkB[i]))
	}

	recency := d.Quote(alias + "." + child.Parent.RecencyB)

	var args []any

	if w.Kind == WindowResync {
		conj = append(conj, recency+" >= ? AND "+recency+" < ?")
		args = []any{record.FormatDateTime(w.Since), record.FormatDateTime(w.Until)}
	} else {
		conj = append(conj, recency+" > ?")
		args = []any{record.FormatDateTime(w.Since)}
	}

	return "EXISTS (SELECT 1 FROM " + d.Quote(parent.B.Name) + " " + alias +
		" WHERE " + strings.Join(conj, " AND ") + ")", args
}

func childrenTerm(d store.Dialect, e *schema.Entity, catalog *schema.Catalog) string {
	if e.RequireChildren == nil {
		return ""
	}

	child, ok := catalog.Get(e.RequireChildren.Entity)
	if !ok {
		return ""
	}

	const alias = "c"

	conj := make([]string, len(e.B.Key))
	for i, k := range e.B.Key {
		conj[i] = d.Quote(alias+"."+e.RequireChildren.LinkB[i]) + " = " + d.Quote(e.B.Name+"."+k)
	}

	return "EXISTS (SELECT 1 FROM " + d.Quote(child.B.Name) + " " + alias +
		" WHERE " + strings.Join(conj, " AND ") + ")"
}
