package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ubs-connector/ubssync/internal/record"
)

// BreakerSettings configures the circuit breaker of a Resilient store.
// Failures of zero disables the breaker.
type BreakerSettings struct {
	Failures uint32
	Timeout  time.Duration
}

// Resilient decorates a Store. Reads (Query, Count) are retried on
// transient failures; every call, including those inside transactions,
// passes through a circuit breaker so a dead remote fails fast.
type Resilient struct {
	inner   Store
	retry   RetryPolicy
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewResilient wraps inner.
func NewResilient(inner Store, policy RetryPolicy, bs BreakerSettings, logger *slog.Logger) *Resilient {
	r := &Resilient{inner: inner, retry: policy, logger: logger}

	if bs.Failures > 0 {
		r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "store-" + inner.Name(),
			MaxRequests: 1,
			Timeout:     bs.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= bs.Failures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !IsTransient(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed",
					slog.String("name", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()),
				)
			},
		})
	}

	return r
}

// Unwrap returns the decorated store.
func (r *Resilient) Unwrap() Store { return r.inner }

// Name implements Store.
func (r *Resilient) Name() string { return r.inner.Name() }

// Dialect implements Store.
func (r *Resilient) Dialect() Dialect { return r.inner.Dialect() }

// Close implements Store.
func (r *Resilient) Close() error { return r.inner.Close() }

// Query implements Querier.
func (r *Resilient) Query(ctx context.Context, query string, args ...any) ([]*record.Row, error) {
	var rows []*record.Row

	err := r.retry.Do(ctx, r.logger, "query", func(ctx context.Context) error {
		return r.guard(func() error {
			var err error
			rows, err = r.inner.Query(ctx, query, args...)

			return err
		})
	})

	return rows, err
}

// Count implements Store.
func (r *Resilient) Count(ctx context.Context, table, where string, args ...any) (int64, error) {
	var n int64

	err := r.retry.Do(ctx, r.logger, "count", func(ctx context.Context) error {
		return r.guard(func() error {
			var err error
			n, err = r.inner.Count(ctx, table, where, args...)

			return err
		})
	})

	return n, err
}

// Exec implements Querier. Writes are not retried individually; the
// writer retries a whole commit unit.
func (r *Resilient) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64

	err := r.guard(func() error {
		var err error
		n, err = r.inner.Exec(ctx, query, args...)

		return err
	})

	return n, err
}

// Begin implements Store.
func (r *Resilient) Begin(ctx context.Context) (Tx, error) {
	var tx Tx

	err := r.guard(func() error {
		var err error
		tx, err = r.inner.Begin(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return &resilientTx{inner: tx, r: r}, nil
}

func (r *Resilient) guard(fn func() error) error {
	if r.breaker == nil {
		return fn()
	}

	_, err := r.breaker.Execute(func() (any, error) {
		return nil, fn()
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("store %s: %w", r.inner.Name(), err)
	}

	return err
}

type resilientTx struct {
	inner Tx
	r     *Resilient
}

func (t *resilientTx) Query(ctx context.Context, query string, args ...any) ([]*record.Row, error) {
	var rows []*record.Row

	err := t.r.guard(func() error {
		var err error
		rows, err = t.inner.Query(ctx, query, args...)

		return err
	})

	return rows, err
}

func (t *resilientTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64

	err := t.r.guard(func() error {
		var err error
		n, err = t.inner.Exec(ctx, query, args...)

		return err
	})

	return n, err
}

func (t *resilientTx) Commit() error {
	return t.r.guard(t.inner.Commit)
}

func (t *resilientTx) Rollback() error {
	return t.inner.Rollback()
}
