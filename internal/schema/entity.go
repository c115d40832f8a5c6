// Package schema declares the synchronized entities and translates rows
// between the Store A and Store B column layouts.
//
// Every per-table special case lives in the Entity record: the sync mode,
// the required parent, extra window predicates, and field-level values
// (literals, cross-entity references, lookup-cache translations, and
// derived expressions).
package schema

import (
	"fmt"

	"github.com/ubs-connector/ubssync/internal/identity"
)

// Side identifies one of the two stores.
type Side int

// The two stores. Store A is the legacy accounting side; Store B is the
// remote application-facing side.
const (
	SideA Side = iota
	SideB
)

func (s Side) String() string {
	if s == SideA {
		return "A"
	}

	return "B"
}

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == SideA {
		return SideB
	}

	return SideA
}

// SyncMode selects how an entity's change window is computed.
type SyncMode string

// Sync modes.
const (
	ModeIncremental   SyncMode = "incremental"
	ModeForceFull     SyncMode = "force-full"
	ModeRollingWindow SyncMode = "rolling-window"
)

// ParseSyncMode validates s. The empty string means incremental.
func ParseSyncMode(s string) (SyncMode, error) {
	switch SyncMode(s) {
	case "", ModeIncremental:
		return ModeIncremental, nil
	case ModeForceFull, ModeRollingWindow:
		return SyncMode(s), nil
	default:
		return "", fmt.Errorf("schema: unknown sync mode %q (want incremental, force-full, or rolling-window)", s)
	}
}

// Table describes an entity's physical table on one store.
type Table struct {
	Name      string
	Key       []string // ordered key fields; more than one means composite
	Recency   string   // last-updated timestamp column
	Created   string   // optional created-at column
	Surrogate string   // optional auto-increment id, never written by the engine
}

// ParentLink names the entity that must exist on Store B before a row of
// this entity may be written there.
type ParentLink struct {
	Entity string
	// Fields are this entity's Store A columns that form the parent's key,
	// in the parent's key order.
	Fields []string
	// LinkB are this entity's Store B columns referencing the parent's
	// Store B key, in the parent's key order.
	LinkB []string
	// RecencyB is an optional parent column on Store B (e.g. an order date)
	// that also brings the child into the window.
	RecencyB string
}

// ChildLink restricts an entity's Store B window to rows that already have
// at least one child row (a header is only pulled once its lines exist).
type ChildLink struct {
	Entity string
	// LinkB are the child's Store B columns referencing this entity's
	// Store B key, in key order.
	LinkB []string
}

// Entity is a logical table synchronized between the two stores.
type Entity struct {
	Name string
	A    Table
	B    Table

	Mode        SyncMode
	RollingDays int

	Parent          *ParentLink
	RequireChildren *ChildLink

	// PredicateA and PredicateB are extra SQL conditions ANDed into the
	// window on each side. They may not contain placeholders.
	PredicateA string
	PredicateB string

	// Fields declares the column mapping. Empty means identity pass.
	Fields []FieldMap

	OrphanSweep bool
	CrossCheck  bool

	Normalize identity.Normalizer
}

// Table returns the entity's table on side.
func (e *Entity) Table(side Side) Table {
	if side == SideA {
		return e.A
	}

	return e.B
}

// Composite reports whether the entity has a multi-field key.
func (e *Entity) Composite() bool {
	return len(e.A.Key) > 1
}
