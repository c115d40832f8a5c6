// Package store is the narrow client interface the sync engine consumes for
// both relational stores, plus a sqlx-backed implementation and resilience
// decorators (retry with backoff, circuit breaker).
//
// Statements are written with "?" placeholders and rebound for the target
// driver.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ubs-connector/ubssync/internal/record"
)

// ErrTxUnsupported is returned by Begin when the store cannot open a
// transaction. Callers proceed without one.
var ErrTxUnsupported = errors.New("store: transactions not supported")

// Querier runs statements. Store and Tx both implement it.
type Querier interface {
	// Query returns all rows of a SELECT in column order.
	Query(ctx context.Context, query string, args ...any) ([]*record.Row, error)
	// Exec runs a statement and returns the number of affected rows.
	Exec(ctx context.Context, query string, args ...any) (int64, error)
}

// Store is one side of the synchronization.
type Store interface {
	Querier

	// Count returns the number of rows of table matching where. An empty
	// where counts the whole table.
	Count(ctx context.Context, table, where string, args ...any) (int64, error)
	Begin(ctx context.Context) (Tx, error)
	Dialect() Dialect
	Name() string
	Close() error
}

// Tx is an open transaction on a Store.
type Tx interface {
	Querier
	Commit() error
	Rollback() error
}

// QueryError records the store and statement behind a failure.
type QueryError struct {
	Store string
	Query string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("store %s: %v (query: %s)", e.Store, e.Err, e.Query)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}
