package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ubs-connector/ubssync/internal/identity"
	"github.com/ubs-connector/ubssync/internal/schema"
)

// mappingFile is the on-disk shape of the entity mapping file.
type mappingFile struct {
	Entities []entityDTO `yaml:"entities"`
}

type entityDTO struct {
	Name            string        `yaml:"name"`
	Mode            string        `yaml:"mode"`
	RollingDays     int           `yaml:"rolling_days"`
	A               tableDTO      `yaml:"a"`
	B               tableDTO      `yaml:"b"`
	Parent          *parentDTO    `yaml:"parent"`
	RequireChildren *childDTO     `yaml:"require_children"`
	PredicateA      string        `yaml:"predicate_a"`
	PredicateB      string        `yaml:"predicate_b"`
	OrphanSweep     *bool         `yaml:"orphan_sweep"`
	CrossCheck      bool          `yaml:"cross_check"`
	Normalize       normalizeDTO  `yaml:"normalize"`
	Fields          []fieldMapDTO `yaml:"fields"`
}

type tableDTO struct {
	Table     string     `yaml:"table"`
	Key       stringList `yaml:"key"`
	Recency   string     `yaml:"recency"`
	Created   string     `yaml:"created"`
	Surrogate string     `yaml:"surrogate"`
}

type parentDTO struct {
	Entity   string     `yaml:"entity"`
	Fields   stringList `yaml:"fields"`
	LinkB    stringList `yaml:"link_b"`
	RecencyB string     `yaml:"recency_b"`
}

type childDTO struct {
	Entity string     `yaml:"entity"`
	LinkB  stringList `yaml:"link_b"`
}

type normalizeDTO struct {
	Trim    bool   `yaml:"trim"`
	KeyCase string `yaml:"key_case"`
}

type fieldMapDTO struct {
	A       *valueDTO `yaml:"a"`
	B       *valueDTO `yaml:"b"`
	Default *string   `yaml:"default"`
	Type    string    `yaml:"type"`
	LayoutA string    `yaml:"layout_a"`
	LayoutB string    `yaml:"layout_b"`
}

// stringList accepts either a scalar or a sequence of scalars.
type stringList []string

func (l *stringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*l = stringList{node.Value}
		return nil
	}

	var items []string
	if err := node.Decode(&items); err != nil {
		return err
	}

	*l = items

	return nil
}

// valueDTO is one side of a field mapping. A bare scalar names a column;
// a mapping selects one of the other kinds:
//
//	{column: NAME}
//	{literal: "Y"}
//	{ref: customer.NAME, on: CODE, from: CUST}
//	{lookup: customer, from: [CUST]}
//	{expr: "zpad(LINE, 3)"}
type valueDTO struct {
	Column  string
	Literal any
	HasLit  bool
	Ref     string
	On      string
	From    stringList
	Lookup  string
	Expr    string
	line    int
}

var valueKeys = map[string]bool{
	"column": true, "literal": true, "ref": true, "on": true, "from": true, "lookup": true, "expr": true,
}

func (v *valueDTO) UnmarshalYAML(node *yaml.Node) error {
	v.line = node.Line

	if node.Kind == yaml.ScalarNode {
		v.Column = node.Value
		return nil
	}

	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: field value must be a column name or a mapping", node.Line)
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]

		if !valueKeys[key.Value] {
			return fmt.Errorf("line %d: unknown field value key %q", key.Line, key.Value)
		}

		var err error

		switch key.Value {
		case "column":
			err = val.Decode(&v.Column)
		case "literal":
			v.HasLit = true
			err = val.Decode(&v.Literal)
		case "ref":
			err = val.Decode(&v.Ref)
		case "on":
			err = val.Decode(&v.On)
		case "from":
			err = val.Decode(&v.From)
		case "lookup":
			err = val.Decode(&v.Lookup)
		case "expr":
			err = val.Decode(&v.Expr)
		}

		if err != nil {
			return fmt.Errorf("line %d: %s: %w", key.Line, key.Value, err)
		}
	}

	return nil
}

// LoadMapping reads and validates the entity mapping file.
func LoadMapping(path string) (*schema.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading mapping file: %w", err)
	}

	c, err := ParseMapping(data)
	if err != nil {
		return nil, fmt.Errorf("mapping file %s: %w", path, err)
	}

	return c, nil
}

// ParseMapping decodes a mapping document strictly (unknown keys are
// errors) and converts it into a validated catalog.
func ParseMapping(data []byte) (*schema.Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var mf mappingFile
	if err := dec.Decode(&mf); err != nil {
		return nil, fmt.Errorf("decoding: %w", err)
	}

	if len(mf.Entities) == 0 {
		return nil, errors.New("no entities declared")
	}

	var (
		entities []*schema.Entity
		errs     []error
	)

	for i := range mf.Entities {
		e, err := mf.Entities[i].toEntity()
		if err != nil {
			errs = append(errs, err)
			continue
		}

		entities = append(entities, e)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return schema.NewCatalog(entities)
}

func (d *entityDTO) toEntity() (*schema.Entity, error) {
	var errs []error

	mode, err := schema.ParseSyncMode(d.Mode)
	if err != nil {
		errs = append(errs, err)
	}

	keyCase, err := parseKeyCase(d.Normalize.KeyCase)
	if err != nil {
		errs = append(errs, err)
	}

	e := &schema.Entity{
		Name:        d.Name,
		A:           d.A.toTable(),
		B:           d.B.toTable(),
		Mode:        mode,
		RollingDays: d.RollingDays,
		PredicateA:  d.PredicateA,
		PredicateB:  d.PredicateB,
		OrphanSweep: d.OrphanSweep == nil || *d.OrphanSweep,
		CrossCheck:  d.CrossCheck,
		Normalize:   identity.Normalizer{TrimValues: d.Normalize.Trim, KeyCase: keyCase},
	}

	if strings.Contains(d.PredicateA+d.PredicateB, "?") {
		errs = append(errs, errors.New("predicates must not contain placeholders"))
	}

	if d.Parent != nil {
		e.Parent = &schema.ParentLink{
			Entity:   d.Parent.Entity,
			Fields:   d.Parent.Fields,
			LinkB:    d.Parent.LinkB,
			RecencyB: d.Parent.RecencyB,
		}
	}

	if d.RequireChildren != nil {
		e.RequireChildren = &schema.ChildLink{Entity: d.RequireChildren.Entity, LinkB: d.RequireChildren.LinkB}
	}

	for i, f := range d.Fields {
		fm, err := f.toFieldMap()
		if err != nil {
			errs = append(errs, fmt.Errorf("field #%d: %w", i+1, err))
			continue
		}

		e.Fields = append(e.Fields, fm)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("entity %s: %w", d.Name, err)
	}

	return e, nil
}

func (t tableDTO) toTable() schema.Table {
	return schema.Table{
		Name:      t.Table,
		Key:       t.Key,
		Recency:   t.Recency,
		Created:   t.Created,
		Surrogate: t.Surrogate,
	}
}

func (f fieldMapDTO) toFieldMap() (schema.FieldMap, error) {
	typ, err := schema.ParseFieldType(f.Type)
	if err != nil {
		return schema.FieldMap{}, err
	}

	a, err := f.A.toValue()
	if err != nil {
		return schema.FieldMap{}, fmt.Errorf("a: %w", err)
	}

	b, err := f.B.toValue()
	if err != nil {
		return schema.FieldMap{}, fmt.Errorf("b: %w", err)
	}

	return schema.FieldMap{
		A:       a,
		B:       b,
		Default: f.Default,
		Type:    typ,
		LayoutA: f.LayoutA,
		LayoutB: f.LayoutB,
	}, nil
}

func (v *valueDTO) toValue() (schema.Value, error) {
	if v == nil {
		return schema.Value{}, nil
	}

	kinds := 0
	for _, set := range []bool{v.Column != "", v.HasLit, v.Ref != "", v.Lookup != "", v.Expr != ""} {
		if set {
			kinds++
		}
	}

	if kinds != 1 {
		return schema.Value{}, fmt.Errorf("line %d: exactly one of column, literal, ref, lookup, expr is required", v.line)
	}

	switch {
	case v.Column != "":
		return schema.Column(v.Column), nil
	case v.HasLit:
		return schema.Literal(literalScalar(v.Literal)), nil
	case v.Ref != "":
		entity, field, ok := strings.Cut(v.Ref, ".")
		if !ok || entity == "" || field == "" {
			return schema.Value{}, fmt.Errorf("line %d: ref must be entity.field, got %q", v.line, v.Ref)
		}

		if v.On == "" || len(v.From) != 1 {
			return schema.Value{}, fmt.Errorf("line %d: ref needs on and a single from column", v.line)
		}

		return schema.Ref(entity, field, v.On, v.From[0]), nil
	case v.Lookup != "":
		if len(v.From) == 0 {
			return schema.Value{}, fmt.Errorf("line %d: lookup needs from", v.line)
		}

		return schema.LookupOf(v.Lookup, v.From...), nil
	default:
		return schema.ExprOf(v.Expr)
	}
}

func literalScalar(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case uint64:
		return int64(x)
	default:
		return v
	}
}

func parseKeyCase(s string) (identity.KeyCase, error) {
	switch identity.KeyCase(s) {
	case identity.KeyCaseAsIs, identity.KeyCaseUpper, identity.KeyCaseLower:
		return identity.KeyCase(s), nil
	default:
		return "", fmt.Errorf("normalize.key_case: want upper or lower, got %q", s)
	}
}
