package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ubs-connector/ubssync/internal/identity"
	"github.com/ubs-connector/ubssync/internal/lock"
	"github.com/ubs-connector/ubssync/internal/record"
	"github.com/ubs-connector/ubssync/internal/schema"
	"github.com/ubs-connector/ubssync/internal/store"
)

// Engine defaults, used when the corresponding EngineConfig field is zero.
const (
	defaultChunkSize     = 5000
	defaultMaxIterations = 100
	defaultRunner        = "ubssync"
)

// EngineConfig holds the options for NewEngine. Uses a struct because the
// engine needs both stores, the catalog, run state, and tuning knobs.
type EngineConfig struct {
	A       store.Store // legacy accounting store
	B       store.Store // remote application store
	Catalog *schema.Catalog
	State   RunLog
	Locks   lock.Provider
	Sink    ProgressSink // optional; nil discards progress
	Logger  *slog.Logger

	ChunkSize     int           // rows per Store A page
	MaxIterations int           // chunk ceiling per entity pass
	Grace         time.Duration // subtracted from the watermark
	ChunkDelay    time.Duration // pause between chunks
	EntityDelay   time.Duration // pause between entities
	Retry         store.RetryPolicy

	Runner   string   // lock name of this runner
	Siblings []string // runners whose live locks also block a run

	ConflictLog bool // record last-writer-wins outcomes in sync_conflicts
}

// Engine runs reconciliation passes over every declared entity. It owns
// the lookup cache and hands it to the mapper explicitly.
type Engine struct {
	a, b        store.Store
	catalog     *schema.Catalog
	state       RunLog
	locks       lock.Provider
	sink        ProgressSink
	logger      *slog.Logger
	reconciler  *Reconciler
	cache       *identity.LookupCache
	chunkSize   int
	maxIter     int
	grace       time.Duration
	chunkDelay  time.Duration
	entityDelay time.Duration
	retry       store.RetryPolicy
	runner      string
	siblings    []string
	conflictLog bool

	nowFunc func() time.Time // injectable for deterministic tests
}

// NewEngine validates cfg and returns an Engine.
func NewEngine(cfg *EngineConfig) (*Engine, error) {
	switch {
	case cfg.A == nil || cfg.B == nil:
		return nil, errors.New("sync: engine needs both stores")
	case cfg.Catalog == nil:
		return nil, errors.New("sync: engine needs an entity catalog")
	case cfg.State == nil:
		return nil, errors.New("sync: engine needs a run state store")
	case cfg.Locks == nil:
		return nil, errors.New("sync: engine needs a lock provider")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var sink ProgressSink = discardSink{}
	if cfg.Sink != nil {
		sink = cfg.Sink
	}

	e := &Engine{
		a:           cfg.A,
		b:           cfg.B,
		catalog:     cfg.Catalog,
		state:       cfg.State,
		locks:       cfg.Locks,
		sink:        sink,
		logger:      logger,
		reconciler:  NewReconciler(logger),
		cache:       identity.NewLookupCache(logger),
		chunkSize:   cfg.ChunkSize,
		maxIter:     cfg.MaxIterations,
		grace:       cfg.Grace,
		chunkDelay:  cfg.ChunkDelay,
		entityDelay: cfg.EntityDelay,
		retry:       cfg.Retry,
		runner:      cfg.Runner,
		siblings:    cfg.Siblings,
		conflictLog: cfg.ConflictLog,
		nowFunc:     time.Now,
	}

	if e.chunkSize <= 0 {
		e.chunkSize = defaultChunkSize
	}

	if e.maxIter <= 0 {
		e.maxIter = defaultMaxIterations
	}

	if e.runner == "" {
		e.runner = defaultRunner
	}

	return e, nil
}

// RunOnce executes one run: take the runner lock, read the watermark,
// process each entity in catalog order with per-entity isolation, and
// advance the watermark when every entity succeeded and no row was held
// back waiting for its parent.
//
// The returned error covers setup failures only (lock contention, state
// database, lookup cache). Entity failures are reported in the RunReport,
// whose status is then partial.
func (e *Engine) RunOnce(ctx context.Context, opts RunOptions) (*RunReport, error) {
	entities, err := e.selectEntities(opts.Entities)
	if err != nil {
		return nil, err
	}

	release, err := lock.AcquireRun(e.locks, e.runner, e.siblings)
	if err != nil {
		return nil, fmt.Errorf("sync: acquiring run lock: %w", err)
	}
	defer release()

	watermark, _, err := e.state.LastRunAt(ctx)
	if err != nil {
		return nil, err
	}

	start := e.now()

	report := &RunReport{
		RunID:     uuid.New().String(),
		Runner:    e.runner,
		StartedAt: start,
		Status:    RunRunning,
		DryRun:    opts.DryRun,
		Watermark: watermark,
	}

	if err := e.state.BeginRun(ctx, &RunRecord{
		ID:        report.RunID,
		Runner:    e.runner,
		StartedAt: start,
		DryRun:    opts.DryRun,
		Scoped:    opts.scoped(),
	}); err != nil {
		return nil, err
	}

	e.logger.Info("sync run started",
		slog.String("run_id", report.RunID),
		slog.String("runner", e.runner),
		slog.Int("entities", len(entities)),
		slog.Bool("dry_run", opts.DryRun),
		slog.Bool("full", opts.Full),
		slog.Time("watermark", watermark),
	)

	r := e.newRun(report, opts)

	if err := r.rebuildLookups(ctx, e.catalog.LookupTargets()); err != nil {
		e.finish(ctx, report, RunFailed)
		return report, err
	}

	entityPacer := NewPacer(e.entityDelay, "entity", e.logger)

	for i, ent := range entities {
		if ctx.Err() != nil {
			break
		}

		if i > 0 {
			if err := entityPacer.Wait(ctx); err != nil {
				break
			}
		}

		rep := (&EntityRunner{name: ent.Name}).run(ctx, func(ctx context.Context, rep *EntityReport) error {
			return r.syncEntity(ctx, ent, rep)
		})
		report.Entities = append(report.Entities, rep)

		r.entityDone(ctx, rep)

		if slices.Contains(e.catalog.LookupTargets(), ent.Name) {
			if err := r.rebuildLookups(ctx, []string{ent.Name}); err != nil {
				e.logger.Warn("lookup rebuild failed, keeping previous map",
					slog.String("entity", ent.Name),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	status := RunCompleted

	switch {
	case ctx.Err() != nil:
		status = RunCancelled
	case len(report.Failed()) > 0:
		status = RunPartial
	}

	held := 0
	for _, rep := range report.Entities {
		held += len(rep.Held)
	}

	if held > 0 {
		// Held rows keep their old recency; a later window must still see them.
		e.logger.Warn("watermark held back, rows are waiting for their parent", slog.Int("held", held))
	}

	if status == RunCompleted && held == 0 && !opts.DryRun && !opts.scoped() {
		if err := e.state.RecordRunCompleted(ctx, report.RunID, start); err != nil {
			e.logger.Error("watermark not advanced", slog.String("error", err.Error()))
		} else {
			report.Advanced = true
		}
	}

	e.finish(ctx, report, status)

	return report, nil
}

func (e *Engine) finish(ctx context.Context, report *RunReport, status RunStatus) {
	report.Status = status
	report.FinishedAt = e.now()

	// The outcome is recorded even when the run was cancelled.
	if err := e.state.FinishRun(context.WithoutCancel(ctx), report.RunID, status, report.FinishedAt); err != nil {
		e.logger.Error("failed to record run outcome", slog.String("error", err.Error()))
	}

	level := slog.LevelInfo
	if status != RunCompleted {
		level = slog.LevelWarn
	}

	var written int64
	for _, rep := range report.Entities {
		written += int64(rep.Written())
	}

	e.sink.Emit(Event{
		Time:    report.FinishedAt,
		Level:   level,
		Message: "run " + string(status),
		Counts: map[string]int64{
			"entities": int64(len(report.Entities)),
			"failed":   int64(len(report.Failed())),
			"written":  written,
		},
	})

	e.logger.Log(ctx, level, "sync run finished",
		slog.String("run_id", report.RunID),
		slog.String("status", string(status)),
		slog.Duration("duration", report.Duration()),
		slog.Bool("watermark_advanced", report.Advanced),
	)
}

// selectEntities returns the catalog entities named in names, in catalog
// order, or every entity when names is empty.
func (e *Engine) selectEntities(names []string) ([]*schema.Entity, error) {
	all := e.catalog.Entities()
	if len(names) == 0 {
		return all, nil
	}

	want := make(map[string]bool, len(names))

	for _, n := range names {
		if _, ok := e.catalog.Get(n); !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, n)
		}

		want[n] = true
	}

	var out []*schema.Entity

	for _, ent := range all {
		if want[ent.Name] {
			out = append(out, ent)
		}
	}

	return out, nil
}

// now returns the current wall-clock time labelled UTC at second
// granularity, matching how store timestamps are read.
func (e *Engine) now() time.Time {
	t, _ := record.ParseTime(e.nowFunc())
	return t
}
