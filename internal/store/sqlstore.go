package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/go-sql-driver/mysql" // registers "mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // registers "postgres"
	_ "modernc.org/sqlite" // registers "sqlite"

	"github.com/ubs-connector/ubssync/internal/record"
)

const pingTimeout = 10 * time.Second

// Options configures a SQLStore.
type Options struct {
	Name         string // "A" or "B" in logs and errors
	Dialect      Dialect
	DSN          string
	MaxOpenConns int
	// NoTransactions makes Begin return ErrTxUnsupported, for legacy
	// tables on engines without transaction support.
	NoTransactions bool
}

// SQLStore is a Store over database/sql via sqlx.
type SQLStore struct {
	name    string
	db      *sqlx.DB
	dialect Dialect
	noTx    bool
	logger  *slog.Logger
}

// Open connects and pings the store.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*SQLStore, error) {
	db, err := sqlx.Open(string(opts.Dialect), opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("store %s: opening %s: %w", opts.Name, opts.Dialect, err)
	}

	maxOpen := opts.MaxOpenConns
	if opts.Dialect == SQLite {
		// SQLite allows one writer; a single connection serializes access.
		maxOpen = 1
	}

	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store %s: connecting: %w", opts.Name, err)
	}

	logger.Debug("store opened",
		slog.String("store", opts.Name),
		slog.String("driver", string(opts.Dialect)),
		slog.Int("max_open_conns", maxOpen),
	)

	return &SQLStore{
		name:    opts.Name,
		db:      db,
		dialect: opts.Dialect,
		noTx:    opts.NoTransactions,
		logger:  logger,
	}, nil
}

// Name returns the store's display name.
func (s *SQLStore) Name() string { return s.name }

// Dialect returns the store's SQL flavor.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// DB exposes the underlying handle for setup code (schema fixtures).
func (s *SQLStore) DB() *sqlx.DB { return s.db }

// Query implements Querier.
func (s *SQLStore) Query(ctx context.Context, query string, args ...any) ([]*record.Row, error) {
	return queryRows(ctx, s.db, s.name, s.db.Rebind(query), args)
}

// Exec implements Querier.
func (s *SQLStore) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return execAffected(ctx, s.db, s.name, s.db.Rebind(query), args)
}

// Count implements Store.
func (s *SQLStore) Count(ctx context.Context, table, where string, args ...any) (int64, error) {
	query := "SELECT COUNT(*) FROM " + s.dialect.Quote(table)
	if where != "" {
		query += " WHERE " + where
	}

	var n int64
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(query), args...); err != nil {
		return 0, &QueryError{Store: s.name, Query: query, Err: err}
	}

	return n, nil
}

// Begin implements Store.
func (s *SQLStore) Begin(ctx context.Context) (Tx, error) {
	if s.noTx {
		return nil, ErrTxUnsupported
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store %s: begin: %w", s.name, err)
	}

	return &sqlTx{tx: tx, name: s.name}, nil
}

// Close implements Store.
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store %s: close: %w", s.name, err)
	}

	return nil
}

type sqlTx struct {
	tx   *sqlx.Tx
	name string
}

func (t *sqlTx) Query(ctx context.Context, query string, args ...any) ([]*record.Row, error) {
	return queryRows(ctx, t.tx, t.name, t.tx.Rebind(query), args)
}

func (t *sqlTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return execAffected(ctx, t.tx, t.name, t.tx.Rebind(query), args)
}

func (t *sqlTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("store %s: commit: %w", t.name, err)
	}

	return nil
}

func (t *sqlTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("store %s: rollback: %w", t.name, err)
	}

	return nil
}

type queryerContext interface {
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func queryRows(ctx context.Context, q queryerContext, name, query string, args []any) ([]*record.Row, error) {
	rows, err := q.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, &QueryError{Store: name, Query: query, Err: err}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, &QueryError{Store: name, Query: query, Err: err}
	}

	var out []*record.Row

	for rows.Next() {
		vals, err := rows.SliceScan()
		if err != nil {
			return nil, &QueryError{Store: name, Query: query, Err: err}
		}

		row := record.NewRow(len(cols))
		for i, c := range cols {
			row.Set(c, scalar(vals[i]))
		}

		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, &QueryError{Store: name, Query: query, Err: err}
	}

	return out, nil
}

func execAffected(ctx context.Context, q queryerContext, name, query string, args []any) (int64, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, &QueryError{Store: name, Query: query, Err: err}
	}

	n, err := res.RowsAffected()
	if err != nil {
		// Some drivers cannot report it; the writer does not depend on it.
		return -1, nil //nolint:nilerr // affected count is informational
	}

	return n, nil
}

// scalar narrows driver values onto the row value set.
func scalar(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}
