package schema

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ubs-connector/ubssync/internal/identity"
	"github.com/ubs-connector/ubssync/internal/record"
)

// RefResolver performs the targeted single-row reads behind Reference
// values. found is false when no row matches.
type RefResolver interface {
	LookupValue(ctx context.Context, side Side, table, field, on string, value any) (v any, found bool, err error)
}

// Mapper translates rows between the Store A and Store B layouts.
type Mapper struct {
	catalog *Catalog
	cache   *identity.LookupCache
	refs    RefResolver
	logger  *slog.Logger

	nowFunc func() time.Time
}

// NewMapper returns a mapper resolving lookups through cache and references
// through refs. refs may be nil when no entity declares references.
func NewMapper(catalog *Catalog, cache *identity.LookupCache, refs RefResolver, logger *slog.Logger) *Mapper {
	return &Mapper{
		catalog: catalog,
		cache:   cache,
		refs:    refs,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// ToTarget translates a Store A row of e into its Store B form.
func (m *Mapper) ToTarget(ctx context.Context, e *Entity, rowA *record.Row) (*record.Row, error) {
	return m.translate(ctx, e, rowA, SideA, SideB)
}

// ToSource translates a Store B row of e into its Store A form.
func (m *Mapper) ToSource(ctx context.Context, e *Entity, rowB *record.Row) (*record.Row, error) {
	return m.translate(ctx, e, rowB, SideB, SideA)
}

func (m *Mapper) translate(ctx context.Context, e *Entity, src *record.Row, from, to Side) (*record.Row, error) {
	var out *record.Row

	if len(e.Fields) == 0 {
		out = src.Clone()
	} else {
		out = record.NewRow(len(e.Fields) + 2)

		for _, fm := range e.Fields {
			dst := fm.Side(to)
			if !dst.IsColumn() {
				continue
			}

			v, ok, err := m.sourceValue(ctx, e, fm, src, from)
			if err != nil {
				return nil, err
			}

			if !ok {
				continue
			}

			coerced, err := Coerce(v, fm.Type, fm.Layout(to))
			if err != nil {
				m.logger.Warn("mapping: value nulled",
					slog.String("entity", e.Name),
					slog.String("field", dst.Column),
					slog.String("error", err.Error()),
				)

				coerced = nil
			}

			out.Set(dst.Column, coerced)
		}
	}

	m.carryTimestamps(e, src, out, from, to)

	if t := e.Table(to); t.Surrogate != "" {
		out.Delete(t.Surrogate)
	}

	if t := e.Table(from); t.Surrogate != "" {
		out.Delete(t.Surrogate)
	}

	return out, nil
}

// sourceValue produces the value of one field from the source row. ok is
// false when the field should not be written at all.
func (m *Mapper) sourceValue(ctx context.Context, e *Entity, fm FieldMap, src *record.Row, from Side) (any, bool, error) {
	v := fm.Side(from)

	switch v.Kind {
	case KindColumn:
		if val, ok := src.Get(v.Column); ok {
			return val, true, nil
		}

		if fm.Default != nil {
			return *fm.Default, true, nil
		}

		return nil, false, nil
	case KindLiteral:
		return v.Literal, true, nil
	case KindReference:
		return m.resolveReference(ctx, e, v.Ref, src, from)
	case KindLookup:
		return m.resolveLookup(e, v.Lookup, src), true, nil
	case KindExpr:
		val, err := v.Expr.Eval(src)
		if err != nil {
			m.logger.Warn("mapping: expression failed",
				slog.String("entity", e.Name),
				slog.String("expr", v.Expr.Source),
				slog.String("error", err.Error()),
			)

			return nil, true, nil
		}

		return val, true, nil
	default:
		if fm.Default != nil {
			return *fm.Default, true, nil
		}

		return nil, false, nil
	}
}

func (m *Mapper) resolveReference(ctx context.Context, e *Entity, ref Reference, src *record.Row, from Side) (any, bool, error) {
	key := src.Value(ref.From)
	if record.IsBlank(key) || m.refs == nil {
		return nil, true, nil
	}

	target, ok := m.catalog.Get(ref.Entity)
	if !ok {
		return nil, true, nil
	}

	v, found, err := m.refs.LookupValue(ctx, from, target.Table(from).Name, ref.Field, ref.On, key)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, fmt.Errorf("schema: resolving %s.%s: %w", ref.Entity, ref.Field, ctx.Err())
		}

		m.logger.Debug("mapping: reference unresolved",
			slog.String("entity", e.Name),
			slog.String("ref", ref.Entity+"."+ref.Field),
			slog.String("error", err.Error()),
		)

		return nil, true, nil
	}

	if !found {
		m.logger.Debug("mapping: reference not found",
			slog.String("entity", e.Name),
			slog.String("ref", ref.Entity+"."+ref.Field),
			slog.String("key", record.ToString(key)),
		)

		return nil, true, nil
	}

	return v, true, nil
}

func (m *Mapper) resolveLookup(e *Entity, l Lookup, src *record.Row) any {
	target, ok := m.catalog.Get(l.Entity)
	if !ok {
		return nil
	}

	parts := make([]string, len(l.From))
	for i, f := range l.From {
		parts[i] = target.Normalize.NormalizeKey(src.String(f))
	}

	natural := strings.Join(parts, identity.Separator)
	if natural == "" {
		return nil
	}

	id, ok := m.cache.Resolve(l.Entity, natural)
	if !ok {
		m.logger.Debug("mapping: lookup miss",
			slog.String("entity", e.Name),
			slog.String("target", l.Entity),
			slog.String("key", natural),
		)

		return nil
	}

	return id
}

// carryTimestamps copies the recency (and created) value from the source
// row into the destination columns at second granularity.
func (m *Mapper) carryTimestamps(e *Entity, src, out *record.Row, from, to Side) {
	srcT, dstT := e.Table(from), e.Table(to)

	recency, ok := record.Recency(src.Value(srcT.Recency))
	if !ok {
		recency, _ = record.ParseTime(m.nowFunc())
	}

	if srcT.Recency != dstT.Recency {
		out.Delete(srcT.Recency)
	}

	out.Set(dstT.Recency, record.FormatDateTime(recency))

	if srcT.Created == "" || dstT.Created == "" {
		return
	}

	if srcT.Created != dstT.Created {
		out.Delete(srcT.Created)
	}

	if created, ok := record.ParseTime(src.Value(srcT.Created)); ok {
		out.Set(dstT.Created, record.FormatDateTime(created))
	}
}
