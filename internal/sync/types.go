// Package sync implements the bidirectional reconciliation engine: change
// window selection, keyed reconciliation by recency, row translation,
// transactional dual-write, and the per-entity orchestration that ties
// them together, plus the SQLite run-state (watermark, audit, conflicts).
package sync

import (
	"errors"
	"fmt"
	"time"

	"github.com/ubs-connector/ubssync/internal/schema"
)

// Engine-level sentinels. Each is wrapped with entity context before it
// reaches a report.
var (
	// ErrScope means an entity's in-scope rows could not be counted. The
	// entity is skipped for this run.
	ErrScope = errors.New("sync: scope unavailable")
	// ErrIterationCeiling means the chunk loop exceeded sync.max_iterations.
	ErrIterationCeiling = errors.New("sync: iteration ceiling exceeded")
	// ErrPartialCommit means Store B committed but Store A did not.
	ErrPartialCommit = errors.New("sync: partial commit")
	// ErrUnknownEntity means a run was scoped to an entity that is not
	// declared in the mapping file.
	ErrUnknownEntity = errors.New("sync: unknown entity")
)

// EntityError carries the entity (and record key when known) behind a
// failure.
type EntityError struct {
	Entity string
	Key    string
	Err    error
}

func (e *EntityError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("entity %s key %q: %v", e.Entity, e.Key, e.Err)
	}

	return fmt.Sprintf("entity %s: %v", e.Entity, e.Err)
}

func (e *EntityError) Unwrap() error {
	return e.Err
}

// RunOptions holds per-run options for RunOnce.
type RunOptions struct {
	// Full forces a full window for every entity.
	Full bool
	// ResyncDate selects rows created or updated on that calendar day.
	// Zero means no resync.
	ResyncDate time.Time
	// Entities limits the run to the named entities, in catalog order.
	Entities []string
	// DryRun reconciles and probes without writing.
	DryRun bool
}

// scoped reports whether the run covers less than every entity over its
// normal window. Scoped runs never advance the watermark.
func (o RunOptions) scoped() bool {
	return len(o.Entities) > 0 || !o.ResyncDate.IsZero()
}

// Direction is the flow of a write.
type Direction string

// Write directions as stored in the audit table.
const (
	DirAToB Direction = "a_to_b"
	DirBToA Direction = "b_to_a"
)

// RunStatus is the final state of a run.
type RunStatus string

// Run statuses as stored in sync_runs.status.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)

// WriteResult lists the natural keys written by one commit, per outcome.
type WriteResult struct {
	InsertedB []string
	UpdatedB  []string
	InsertedA []string
	UpdatedA  []string
}

// Total returns the number of rows written.
func (r WriteResult) Total() int {
	return len(r.InsertedB) + len(r.UpdatedB) + len(r.InsertedA) + len(r.UpdatedA)
}

// Conflict is a last-writer-wins outcome where both sides changed inside
// the window. The losing side's edit is overwritten.
type Conflict struct {
	Entity   string
	Key      string
	Winner   schema.Side
	RecencyA time.Time
	RecencyB time.Time
}

// EntityReport summarizes one entity's part of a run.
type EntityReport struct {
	Entity  string
	Window  WindowKind
	CountA  int64
	CountB  int64
	Chunks  int
	Skipped bool

	InsertedB []string
	UpdatedB  []string
	InsertedA []string
	UpdatedA  []string

	NoOp      int
	Held      []string
	Conflicts int

	Err      error
	Duration time.Duration
}

func (r *EntityReport) add(res WriteResult) {
	r.InsertedB = append(r.InsertedB, res.InsertedB...)
	r.UpdatedB = append(r.UpdatedB, res.UpdatedB...)
	r.InsertedA = append(r.InsertedA, res.InsertedA...)
	r.UpdatedA = append(r.UpdatedA, res.UpdatedA...)
}

// Written returns the number of rows written in both directions.
func (r *EntityReport) Written() int {
	return len(r.InsertedB) + len(r.UpdatedB) + len(r.InsertedA) + len(r.UpdatedA)
}

// RunReport summarizes a run.
type RunReport struct {
	RunID      string
	Runner     string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     RunStatus
	DryRun     bool
	// Watermark is the window start used by incremental entities. Zero when
	// no earlier run completed.
	Watermark time.Time
	// Advanced reports whether this run moved the watermark.
	Advanced bool
	Entities []*EntityReport
}

// Failed returns the entities that reported an error.
func (r *RunReport) Failed() []*EntityReport {
	var out []*EntityReport

	for _, e := range r.Entities {
		if e.Err != nil {
			out = append(out, e)
		}
	}

	return out
}

// Duration returns the wall time of the run.
func (r *RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
