package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ubs-connector/ubssync/internal/identity"
	"github.com/ubs-connector/ubssync/internal/record"
	"github.com/ubs-connector/ubssync/internal/schema"
	"github.com/ubs-connector/ubssync/internal/store"
)

// rebuildLookup replaces the cache map of target with a fresh read of its
// Store B natural keys and surrogate ids.
func rebuildLookup(ctx context.Context, b store.Store, cache *identity.LookupCache, target *schema.Entity, logger *slog.Logger) error {
	d := b.Dialect()
	cols := append(append([]string(nil), target.B.Key...), target.B.Surrogate)

	rows, err := b.Query(ctx, fmt.Sprintf("SELECT %s FROM %s", d.QuoteList(cols), d.Quote(target.B.Name)))
	if err != nil {
		return fmt.Errorf("sync: rebuilding lookup %s: %w", target.Name, err)
	}

	m := make(map[string]string, len(rows))
	parts := make([]string, len(target.B.Key))

	for _, row := range rows {
		for i, k := range target.B.Key {
			parts[i] = target.Normalize.NormalizeKey(row.String(k))
		}

		id := row.Value(target.B.Surrogate)
		if record.IsBlank(id) {
			continue
		}

		m[strings.Join(parts, identity.Separator)] = record.ToString(id)
	}

	cache.Replace(target.Name, m)

	logger.Debug("lookup rebuilt", slog.String("entity", target.Name), slog.Int("entries", len(m)))

	return nil
}

// storeRefs resolves Reference values with targeted reads on the source
// side's store.
type storeRefs struct {
	a, b store.Store
}

// LookupValue implements schema.RefResolver.
func (r storeRefs) LookupValue(ctx context.Context, side schema.Side, table, field, on string, value any) (any, bool, error) {
	st := r.a
	if side == schema.SideB {
		st = r.b
	}

	v, found, err := store.QueryValue(ctx, st, st.Dialect(), table, field, on, value)
	if err != nil {
		return nil, false, fmt.Errorf("sync: reference %s.%s: %w", table, field, err)
	}

	return v, found, nil
}
