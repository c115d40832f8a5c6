package sync

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ubs-connector/ubssync/internal/schema"
	"github.com/ubs-connector/ubssync/internal/store"
)

// scopeWorkers bounds concurrent count queries per store pair.
const scopeWorkers = 4

// ScopeCount is the number of in-scope rows of one entity on each store,
// as the next run would see them.
type ScopeCount struct {
	Entity string
	Window WindowKind
	CountA int64
	CountB int64
	Err    error
}

// ScopeConfig holds the inputs for ScopeCounts.
type ScopeConfig struct {
	A, B      store.Store
	Catalog   *schema.Catalog
	Options   RunOptions
	Watermark time.Time
	Now       time.Time
	Grace     time.Duration
}

// ScopeCounts counts every entity's in-scope rows concurrently. It only
// reads. A failing count is reported on its entity; only cancellation of
// ctx fails the whole call.
func ScopeCounts(ctx context.Context, cfg ScopeConfig) ([]ScopeCount, error) {
	entities := cfg.Catalog.Entities()
	out := make([]ScopeCount, len(entities))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scopeWorkers)

	for i, ent := range entities {
		g.Go(func() error {
			w := SelectWindow(ent, cfg.Options, cfg.Watermark, cfg.Now, cfg.Grace)
			sc := ScopeCount{Entity: ent.Name, Window: w.Kind}

			predA, argsA := w.PredicateA(ent, cfg.A.Dialect())
			predB, argsB := w.PredicateB(ent, cfg.Catalog, cfg.B.Dialect())

			sc.CountA, sc.Err = cfg.A.Count(gctx, ent.A.Name, predA, argsA...)
			if sc.Err == nil {
				sc.CountB, sc.Err = cfg.B.Count(gctx, ent.B.Name, predB, argsB...)
			}

			out[i] = sc

			return gctx.Err()
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}
