package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// SQL statements for run state.
const (
	sqlLastWatermark = `SELECT MAX(watermark_at) FROM sync_runs WHERE watermark_at IS NOT NULL`

	sqlInsertRun = `INSERT INTO sync_runs (id, runner, started_at, dry_run, scoped)
		VALUES (?, ?, ?, ?, ?)`

	sqlFinishRun = `UPDATE sync_runs SET finished_at = ?, status = ? WHERE id = ?`

	sqlSetWatermark = `UPDATE sync_runs SET watermark_at = ? WHERE id = ?`

	sqlUpsertRunEntity = `INSERT INTO sync_run_entities
		(run_id, entity, window_kind, count_a, count_b, chunks,
		 inserted_b, updated_b, inserted_a, updated_a, noop, held, conflicts,
		 error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, entity) DO UPDATE SET
		 window_kind = excluded.window_kind,
		 count_a = excluded.count_a,
		 count_b = excluded.count_b,
		 chunks = excluded.chunks,
		 inserted_b = excluded.inserted_b,
		 updated_b = excluded.updated_b,
		 inserted_a = excluded.inserted_a,
		 updated_a = excluded.updated_a,
		 noop = excluded.noop,
		 held = excluded.held,
		 conflicts = excluded.conflicts,
		 error = excluded.error,
		 duration_ms = excluded.duration_ms`

	sqlInsertAudit = `INSERT INTO sync_audit (run_id, entity, direction, op, record_key, at)
		VALUES (?, ?, ?, ?, ?, ?)`

	sqlInsertConflict = `INSERT INTO sync_conflicts
		(id, run_id, entity, record_key, winner, recency_a, recency_b, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	sqlRecentRuns = `SELECT id, runner, started_at, finished_at, status, dry_run, scoped, watermark_at
		FROM sync_runs ORDER BY started_at DESC, rowid DESC LIMIT ?`

	sqlRunEntities = `SELECT entity, window_kind, count_a, count_b, inserted_b, updated_b,
		inserted_a, updated_a, noop, held, conflicts, COALESCE(error, '')
		FROM sync_run_entities WHERE run_id = ? ORDER BY rowid`

	sqlListConflicts = `SELECT id, run_id, entity, record_key, winner, recency_a, recency_b, detected_at
		FROM sync_conflicts ORDER BY detected_at DESC, rowid DESC LIMIT ?`

	sqlListRunConflicts = `SELECT id, run_id, entity, record_key, winner, recency_a, recency_b, detected_at
		FROM sync_conflicts WHERE run_id = ? ORDER BY rowid LIMIT ?`
)

// WatermarkStore persists the start time of the last completed run.
type WatermarkStore interface {
	// LastRunAt returns the watermark. ok is false before the first
	// completed run.
	LastRunAt(ctx context.Context) (t time.Time, ok bool, err error)
	RecordRunCompleted(ctx context.Context, runID string, t time.Time) error
}

// RunLog records run outcomes. *State implements it.
type RunLog interface {
	WatermarkStore
	BeginRun(ctx context.Context, run *RunRecord) error
	RecordEntity(ctx context.Context, runID string, rep *EntityReport) error
	RecordAudit(ctx context.Context, runID, entity string, res WriteResult) error
	RecordConflicts(ctx context.Context, runID string, conflicts []Conflict) error
	FinishRun(ctx context.Context, runID string, status RunStatus, finishedAt time.Time) error
}

// RunRecord is a row of sync_runs.
type RunRecord struct {
	ID          string
	Runner      string
	StartedAt   time.Time
	FinishedAt  time.Time // zero while running
	Status      RunStatus
	DryRun      bool
	Scoped      bool
	WatermarkAt time.Time // zero unless the run advanced the watermark
}

// EntityRecord is a row of sync_run_entities.
type EntityRecord struct {
	Entity    string
	Window    WindowKind
	CountA    int64
	CountB    int64
	InsertedB int
	UpdatedB  int
	InsertedA int
	UpdatedA  int
	NoOp      int
	Held      int
	Conflicts int
	Error     string
}

// ConflictRecord is a row of sync_conflicts.
type ConflictRecord struct {
	ID         string
	RunID      string
	Entity     string
	Key        string
	Winner     string
	RecencyA   time.Time
	RecencyB   time.Time
	DetectedAt time.Time
}

// State is the sole writer to the run-state database.
type State struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
}

// OpenState opens the SQLite database at dbPath, runs migrations, and
// returns a ready-to-use State. The database uses WAL mode with
// synchronous=FULL for crash-safe durability.
func OpenState(ctx context.Context, dbPath string, logger *slog.Logger) (*State, error) {
	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sync: opening state database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := migrateState(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("state database ready", slog.String("db_path", dbPath))

	return &State{db: db, logger: logger, nowFunc: time.Now}, nil
}

// Close closes the database.
func (s *State) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sync: closing state database: %w", err)
	}

	return nil
}

// LastRunAt implements WatermarkStore.
func (s *State) LastRunAt(ctx context.Context) (time.Time, bool, error) {
	var at sql.NullInt64
	if err := s.db.QueryRowContext(ctx, sqlLastWatermark).Scan(&at); err != nil {
		return time.Time{}, false, fmt.Errorf("sync: reading watermark: %w", err)
	}

	if !at.Valid {
		return time.Time{}, false, nil
	}

	return fromUnix(at.Int64), true, nil
}

// RecordRunCompleted implements WatermarkStore.
func (s *State) RecordRunCompleted(ctx context.Context, runID string, t time.Time) error {
	res, err := s.db.ExecContext(ctx, sqlSetWatermark, t.Unix(), runID)
	if err != nil {
		return fmt.Errorf("sync: advancing watermark: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sync: advancing watermark: run %s not found", runID)
	}

	return nil
}

// BeginRun records the start of a run.
func (s *State) BeginRun(ctx context.Context, run *RunRecord) error {
	if _, err := s.db.ExecContext(ctx, sqlInsertRun,
		run.ID, run.Runner, run.StartedAt.Unix(), run.DryRun, run.Scoped,
	); err != nil {
		return fmt.Errorf("sync: recording run start: %w", err)
	}

	return nil
}

// FinishRun records the final status of a run.
func (s *State) FinishRun(ctx context.Context, runID string, status RunStatus, finishedAt time.Time) error {
	if _, err := s.db.ExecContext(ctx, sqlFinishRun, finishedAt.Unix(), string(status), runID); err != nil {
		return fmt.Errorf("sync: recording run finish: %w", err)
	}

	return nil
}

// RecordEntity stores (or replaces) an entity's counts for a run.
func (s *State) RecordEntity(ctx context.Context, runID string, rep *EntityReport) error {
	var errText sql.NullString
	if rep.Err != nil {
		errText = sql.NullString{String: rep.Err.Error(), Valid: true}
	}

	if _, err := s.db.ExecContext(ctx, sqlUpsertRunEntity,
		runID, rep.Entity, string(rep.Window), rep.CountA, rep.CountB, rep.Chunks,
		len(rep.InsertedB), len(rep.UpdatedB), len(rep.InsertedA), len(rep.UpdatedA),
		rep.NoOp, len(rep.Held), rep.Conflicts, errText, rep.Duration.Milliseconds(),
	); err != nil {
		return fmt.Errorf("sync: recording entity %s: %w", rep.Entity, err)
	}

	return nil
}

// RecordAudit appends one audit row per written key, in a single
// transaction.
func (s *State) RecordAudit(ctx context.Context, runID, entity string, res WriteResult) error {
	if res.Total() == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sync: audit begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	at := s.nowFunc().Unix()

	for _, group := range []struct {
		dir  Direction
		op   string
		keys []string
	}{
		{DirAToB, "insert", res.InsertedB},
		{DirAToB, "update", res.UpdatedB},
		{DirBToA, "insert", res.InsertedA},
		{DirBToA, "update", res.UpdatedA},
	} {
		for _, key := range group.keys {
			if _, err := tx.ExecContext(ctx, sqlInsertAudit, runID, entity, string(group.dir), group.op, key, at); err != nil {
				return fmt.Errorf("sync: audit %s %s: %w", entity, key, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sync: audit commit: %w", err)
	}

	return nil
}

// RecordConflicts logs last-writer-wins outcomes. Failures are logged and
// returned, but callers treat the conflict log as best effort.
func (s *State) RecordConflicts(ctx context.Context, runID string, conflicts []Conflict) error {
	var errs []error

	at := s.nowFunc().Unix()

	for _, c := range conflicts {
		if _, err := s.db.ExecContext(ctx, sqlInsertConflict,
			uuid.New().String(), runID, c.Entity, c.Key, c.Winner.String(),
			c.RecencyA.Unix(), c.RecencyB.Unix(), at,
		); err != nil {
			s.logger.Warn("failed to log conflict",
				slog.String("entity", c.Entity),
				slog.String("key", c.Key),
				slog.String("error", err.Error()),
			)

			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("sync: logging conflicts: %w", errors.Join(errs...))
	}

	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *State) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, sqlRecentRuns, limit)
	if err != nil {
		return nil, fmt.Errorf("sync: listing runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord

	for rows.Next() {
		var (
			r                  RunRecord
			status             string
			started            int64
			finished, wm       sql.NullInt64
			dryRun, scopedFlag bool
		)

		if err := rows.Scan(&r.ID, &r.Runner, &started, &finished, &status, &dryRun, &scopedFlag, &wm); err != nil {
			return nil, fmt.Errorf("sync: scanning run: %w", err)
		}

		r.StartedAt = fromUnix(started)
		r.Status = RunStatus(status)
		r.DryRun, r.Scoped = dryRun, scopedFlag

		if finished.Valid {
			r.FinishedAt = fromUnix(finished.Int64)
		}

		if wm.Valid {
			r.WatermarkAt = fromUnix(wm.Int64)
		}

		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: listing runs: %w", err)
	}

	return out, nil
}

// RunEntities returns the per-entity counts of a run in processing order.
func (s *State) RunEntities(ctx context.Context, runID string) ([]EntityRecord, error) {
	rows, err := s.db.QueryContext(ctx, sqlRunEntities, runID)
	if err != nil {
		return nil, fmt.Errorf("sync: listing run entities: %w", err)
	}
	defer rows.Close()

	var out []EntityRecord

	for rows.Next() {
		var (
			r      EntityRecord
			window string
		)

		if err := rows.Scan(&r.Entity, &window, &r.CountA, &r.CountB, &r.InsertedB, &r.UpdatedB,
			&r.InsertedA, &r.UpdatedA, &r.NoOp, &r.Held, &r.Conflicts, &r.Error); err != nil {
			return nil, fmt.Errorf("sync: scanning run entity: %w", err)
		}

		r.Window = WindowKind(window)
		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: listing run entities: %w", err)
	}

	return out, nil
}

// Conflicts returns logged conflicts, newest first, optionally limited to
// one run.
func (s *State) Conflicts(ctx context.Context, runID string, limit int) ([]ConflictRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if runID != "" {
		rows, err = s.db.QueryContext(ctx, sqlListRunConflicts, runID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, sqlListConflicts, limit)
	}

	if err != nil {
		return nil, fmt.Errorf("sync: listing conflicts: %w", err)
	}
	defer rows.Close()

	var out []ConflictRecord

	for rows.Next() {
		var (
			c                      ConflictRecord
			recA, recB, detectedAt int64
		)

		if err := rows.Scan(&c.ID, &c.RunID, &c.Entity, &c.Key, &c.Winner, &recA, &recB, &detectedAt); err != nil {
			return nil, fmt.Errorf("sync: scanning conflict: %w", err)
		}

		c.RecencyA, c.RecencyB, c.DetectedAt = fromUnix(recA), fromUnix(recB), fromUnix(detectedAt)
		out = append(out, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: listing conflicts: %w", err)
	}

	return out, nil
}

// fromUnix converts stored epoch seconds back to the engine's UTC
// wall-clock convention.
func fromUnix(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
