package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"
	"modernc.org/sqlite"
)

// SQLite primary result codes for a locked database.
const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	Attempts int           // total attempts, including the first
	Base     time.Duration // first backoff; doubles per attempt
}

// Do runs fn, retrying transient failures with jittered exponential
// backoff. Non-transient errors return immediately.
func (p RetryPolicy) Do(ctx context.Context, logger *slog.Logger, op string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	base := p.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}

	backoff := retry.WithJitterPercent(20, retry.WithMaxRetries(uint64(attempts-1), retry.NewExponential(base)))

	attempt := 0

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++

		err := fn(ctx)
		if err == nil || !IsTransient(err) {
			return err
		}

		logger.Warn("transient store failure",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.String("error", err.Error()),
		)

		return retry.RetryableError(err)
	})
}

// IsTransient reports whether err is a connectivity or contention failure
// worth retrying. An open circuit breaker is not transient: it exists to
// fail fast.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1040, // too many connections
			1205, // lock wait timeout
			1213: // deadlock
			return true
		}

		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "08000", "08003", "08006", // connection exceptions
			"53300", // too_many_connections
			"40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}

		return false
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqliteBusy, sqliteLocked:
			return true
		}
	}

	return false
}
