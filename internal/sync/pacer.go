package sync

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces out work (chunks, entities) to keep load on the stores
// steady. A nil *Pacer never waits.
type Pacer struct {
	limiter *rate.Limiter
	every   time.Duration
}

// NewPacer returns a pacer allowing one event per every. Returns nil if
// every is zero or negative (no pacing).
func NewPacer(every time.Duration, name string, logger *slog.Logger) *Pacer {
	if every <= 0 {
		return nil
	}

	logger.Debug("pacer created", slog.String("name", name), slog.Duration("every", every))

	return &Pacer{limiter: rate.NewLimiter(rate.Every(every), 1), every: every}
}

// Wait blocks until the next event is allowed or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}

	return p.limiter.Wait(ctx)
}
