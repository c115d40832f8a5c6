package schema

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ubs-connector/ubssync/internal/identity"
	"github.com/ubs-connector/ubssync/internal/record"
)

type fakeRefs struct {
	values map[string]any // table.field.on=value -> result
	err    error
	calls  int
}

func (f *fakeRefs) LookupValue(_ context.Context, side Side, table, field, on string, value any) (any, bool, error) {
	f.calls++
	if f.err != nil {
		return nil, false, f.err
	}

	v, ok := f.values[side.String()+":"+table+"."+field+"."+on+"="+record.ToString(value)]

	return v, ok, nil
}

func customerEntity() *Entity {
	return &Entity{
		Name: "customer",
		A:    Table{Name: "CUSTOMER", Key: []string{"CODE"}, Recency: "UPDATED_ON"},
		B:    Table{Name: "customers", Key: []string{"code"}, Recency: "updated_at", Surrogate: "id"},
		Mode: ModeIncremental,
		Fields: []FieldMap{
			{A: Column("CODE"), B: Column("code")},
			{A: Column("NAME"), B: Column("name"), Type: TypeString},
			{A: Column("CREDIT"), B: Column("credit_limit"), Type: TypeDecimal},
			{A: Literal("Y"), B: Column("active")},
			{A: Column("BRANCH"), B: Literal("HQ")},
		},
		Normalize: identity.Normalizer{TrimValues: true, KeyCase: identity.KeyCaseUpper},
	}
}

func orderEntity(t *testing.T) *Entity {
	t.Helper()

	padded, err := ExprOf(`zpad(REF, 8)`)
	require.NoError(t, err)

	return &Entity{
		Name:   "order",
		A:      Table{Name: "ORDERS", Key: []string{"REF"}, Recency: "UPDATED_ON", Created: "CREATED_ON"},
		B:      Table{Name: "orders", Key: []string{"reference_no"}, Recency: "updated_at", Created: "created_at", Surrogate: "id"},
		Parent: &ParentLink{Entity: "customer", Fields: []string{"CUST"}, LinkB: []string{"customer_code"}},
		Fields: []FieldMap{
			{A: Column("REF"), B: Column("reference_no")},
			{A: Column("CUST"), B: Column("customer_code")},
			{A: LookupOf("customer", "CUST"), B: Column("customer_id")},
			{A: Ref("customer", "NAME", "CODE", "CUST"), B: Column("customer_name")},
			{A: padded, B: Column("display_no")},
		},
	}
}

func newTestMapper(t *testing.T, refs RefResolver, entities ...*Entity) (*Mapper, *identity.LookupCache) {
	t.Helper()

	catalog, err := NewCatalog(entities)
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	cache := identity.NewLookupCache(logger)

	m := NewMapper(catalog, cache, refs, logger)
	m.nowFunc = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	return m, cache
}

func TestToTarget_ColumnsLiteralsAndDestinationRule(t *testing.T) {
	t.Parallel()

	cust := customerEntity()
	m, _ := newTestMapper(t, nil, cust)

	rowA := record.FromPairs(
		"CODE", "C001",
		"NAME", "Acme",
		"CREDIT", "1500.50",
		"BRANCH", "NORTH",
		"UPDATED_ON", "2026-02-01 10:00:00",
	)

	rowB, err := m.ToTarget(context.Background(), cust, rowA)
	require.NoError(t, err)

	assert.Equal(t, "C001", rowB.Value("code"))
	assert.Equal(t, "Acme", rowB.Value("name"))
	assert.InDelta(t, 1500.50, rowB.Value("credit_limit"), 1e-9)
	assert.Equal(t, "Y", rowB.Value("active"))
	assert.Equal(t, "2026-02-01 10:00:00", rowB.Value("updated_at"))
	assert.False(t, rowB.Has("BRANCH"))
	assert.False(t, rowB.Has("id"))
}

func TestToSource_NonColumnDestinationDropped(t *testing.T) {
	t.Parallel()

	cust := customerEntity()
	m, _ := newTestMapper(t, nil, cust)

	rowB := record.FromPairs(
		"id", int64(7),
		"code", "C001",
		"name", "Acme",
		"active", "Y",
		"updated_at", "2026-02-02 08:30:00",
	)

	rowA, err := m.ToSource(context.Background(), cust, rowB)
	require.NoError(t, err)

	// A-side literal "Y" is not a column, so active never reaches Store A.
	assert.False(t, rowA.Has("active"))
	assert.False(t, rowA.Has("Y"))
	assert.Equal(t, "HQ", rowA.Value("BRANCH"))
	assert.Equal(t, "C001", rowA.Value("CODE"))
	assert.Equal(t, "2026-02-02 08:30:00", rowA.Value("UPDATED_ON"))
	assert.False(t, rowA.Has("id"))
	// credit_limit absent from the row and no default: not written.
	assert.False(t, rowA.Has("CREDIT"))
}

func TestToTarget_DefaultWhenAbsentAndNilPassThrough(t *testing.T) {
	t.Parallel()

	def := "N/A"
	e := &Entity{
		Name: "item",
		A:    Table{Name: "ITEM", Key: []string{"SKU"}, Recency: "TS"},
		B:    Table{Name: "items", Key: []string{"sku"}, Recency: "ts"},
		Fields: []FieldMap{
			{A: Column("SKU"), B: Column("sku")},
			{A: Column("DESC"), B: Column("description"), Default: &def},
			{A: Column("GROUP"), B: Column("group_code")},
		},
	}
	m, _ := newTestMapper(t, nil, e)

	rowB, err := m.ToTarget(context.Background(), e, record.FromPairs("SKU", "X1", "GROUP", nil, "TS", "2026-01-01 00:00:00"))
	require.NoError(t, err)

	assert.Equal(t, "N/A", rowB.Value("description"))
	require.True(t, rowB.Has("group_code"))
	assert.Nil(t, rowB.Value("group_code"))
}

func TestToTarget_LookupReferenceAndExpr(t *testing.T) {
	t.Parallel()

	refs := &fakeRefs{values: map[string]any{"A:CUSTOMER.NAME.CODE=C001": "Acme"}}
	cust := customerEntity()
	ord := orderEntity(t)
	m, cache := newTestMapper(t, refs, cust, ord)

	cache.Replace("customer", map[string]string{"C001": "41"})

	rowA := record.FromPairs(
		"REF", "123",
		"CUST", " c001 ",
		"UPDATED_ON", "2026-02-01 10:00:00",
		"CREATED_ON", "2026-01-31",
	)

	rowB, err := m.ToTarget(context.Background(), ord, rowA)
	require.NoError(t, err)

	// Lookup normalizes with the target entity's rules (trim + upper).
	assert.Equal(t, "41", rowB.Value("customer_id"))
	assert.Nil(t, rowB.Value("customer_name"), "reference key is used verbatim and misses")
	assert.Equal(t, "00000123", rowB.Value("display_no"))
	assert.Equal(t, "2026-01-31 00:00:00", rowB.Value("created_at"))
	assert.False(t, rowB.Has("CREATED_ON"))
	assert.Equal(t, 1, refs.calls)

	rowA.Set("CUST", "C001")

	rowB, err = m.ToTarget(context.Background(), ord, rowA)
	require.NoError(t, err)
	assert.Equal(t, "Acme", rowB.Value("customer_name"))
}

func TestToTarget_UnresolvableYieldsNil(t *testing.T) {
	t.Parallel()

	refs := &fakeRefs{err: errors.New("connection reset")}
	cust := customerEntity()
	ord := orderEntity(t)
	m, _ := newTestMapper(t, refs, cust, ord)

	rowB, err := m.ToTarget(context.Background(), ord, record.FromPairs(
		"REF", "9", "CUST", "C404", "UPDATED_ON", "2026-02-01 10:00:00",
	))
	require.NoError(t, err)

	require.True(t, rowB.Has("customer_id"))
	assert.Nil(t, rowB.Value("customer_id"))
	require.True(t, rowB.Has("customer_name"))
	assert.Nil(t, rowB.Value("customer_name"))
}

func TestToTarget_CancelledContextSurfaces(t *testing.T) {
	t.Parallel()

	refs := &fakeRefs{err: context.Canceled}
	cust := customerEntity()
	ord := orderEntity(t)
	m, _ := newTestMapper(t, refs, cust, ord)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.ToTarget(ctx, ord, record.FromPairs("REF", "9", "CUST", "C001"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestToTarget_InvalidRecencyUsesNow(t *testing.T) {
	t.Parallel()

	cust := customerEntity()
	m, _ := newTestMapper(t, nil, cust)

	rowB, err := m.ToTarget(context.Background(), cust, record.FromPairs("CODE", "C1", "UPDATED_ON", "0000-00-00 00:00:00"))
	require.NoError(t, err)

	assert.Equal(t, "2026-03-01 12:00:00", rowB.Value("updated_at"))
}

func TestToTarget_IdentityPass(t *testing.T) {
	t.Parallel()

	e := &Entity{
		Name: "item_price",
		A:    Table{Name: "icitem", Key: []string{"item", "loc"}, Recency: "updated_at"},
		B:    Table{Name: "icitem", Key: []string{"item", "loc"}, Recency: "updated_at", Surrogate: "id"},
	}
	m, _ := newTestMapper(t, nil, e)

	rowA := record.FromPairs("item", "A1", "loc", "01", "price", 9.5, "updated_at", "2026-02-01T10:00:00Z")

	rowB, err := m.ToTarget(context.Background(), e, rowA)
	require.NoError(t, err)

	assert.Equal(t, []string{"item", "loc", "price", "updated_at"}, rowB.Fields())
	assert.Equal(t, "2026-02-01 10:00:00", rowB.Value("updated_at"))

	back, err := m.ToSource(context.Background(), e, record.FromPairs("id", int64(3), "item", "A1", "loc", "01", "updated_at", "2026-02-01 10:00:00"))
	require.NoError(t, err)
	assert.False(t, back.Has("id"))
}
