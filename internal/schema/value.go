package schema

import (
	"fmt"
	"strings"
)

// ValueKind tags the variant held by a Value.
type ValueKind int

// Value kinds.
const (
	KindNone ValueKind = iota
	KindColumn
	KindLiteral
	KindReference
	KindLookup
	KindExpr
)

func (k ValueKind) String() string {
	switch k {
	case KindColumn:
		return "column"
	case KindLiteral:
		return "literal"
	case KindReference:
		return "reference"
	case KindLookup:
		return "lookup"
	case KindExpr:
		return "expr"
	default:
		return "none"
	}
}

// Reference is a targeted single-row read from another, already-synced
// entity on the same side as the row being translated:
//
//	SELECT Field FROM <Entity's table> WHERE On = row[From]
type Reference struct {
	Entity string
	Field  string
	On     string
	From   string
}

// Lookup translates the natural key formed by row[From...] into the Store B
// surrogate id of Entity via the lookup cache.
type Lookup struct {
	Entity string
	From   []string
}

// Value says how one side of a field mapping is produced. Only a column is
// a writable destination; every kind can serve as a source.
type Value struct {
	Kind    ValueKind
	Column  string
	Literal any
	Ref     Reference
	Lookup  Lookup
	Expr    *Expression
}

// Column is a physical column.
func Column(name string) Value {
	return Value{Kind: KindColumn, Column: name}
}

// Literal is a constant.
func Literal(v any) Value {
	return Value{Kind: KindLiteral, Literal: v}
}

// Ref is a cross-entity single-row reference.
func Ref(entity, field, on, from string) Value {
	return Value{Kind: KindReference, Ref: Reference{Entity: entity, Field: field, On: on, From: from}}
}

// LookupOf is a lookup-cache translation of the natural key in from.
func LookupOf(entity string, from ...string) Value {
	return Value{Kind: KindLookup, Lookup: Lookup{Entity: entity, From: from}}
}

// ExprOf compiles src into a derived value.
func ExprOf(src string) (Value, error) {
	e, err := CompileExpr(src)
	if err != nil {
		return Value{}, err
	}

	return Value{Kind: KindExpr, Expr: e}, nil
}

// IsColumn reports whether v is a writable column.
func (v Value) IsColumn() bool {
	return v.Kind == KindColumn && v.Column != ""
}

// IsZero reports whether v is unset.
func (v Value) IsZero() bool {
	return v.Kind == KindNone
}

func (v Value) String() string {
	switch v.Kind {
	case KindColumn:
		return v.Column
	case KindLiteral:
		return fmt.Sprintf("literal(%v)", v.Literal)
	case KindReference:
		return fmt.Sprintf("ref(%s.%s on %s=%s)", v.Ref.Entity, v.Ref.Field, v.Ref.On, v.Ref.From)
	case KindLookup:
		return fmt.Sprintf("lookup(%s by %s)", v.Lookup.Entity, strings.Join(v.Lookup.From, ","))
	case KindExpr:
		return fmt.Sprintf("expr(%s)", v.Expr.Source)
	default:
		return "none"
	}
}

// FieldType is the coercion applied to a value before it is written.
type FieldType string

// Field types. The empty type passes values through unchanged.
const (
	TypeAny      FieldType = ""
	TypeString   FieldType = "string"
	TypeInt      FieldType = "int"
	TypeDecimal  FieldType = "decimal"
	TypeDate     FieldType = "date"
	TypeDateTime FieldType = "datetime"
	TypeBool     FieldType = "bool"
)

// ParseFieldType validates s.
func ParseFieldType(s string) (FieldType, error) {
	switch t := FieldType(s); t {
	case TypeAny, TypeString, TypeInt, TypeDecimal, TypeDate, TypeDateTime, TypeBool:
		return t, nil
	default:
		return "", fmt.Errorf("schema: unknown field type %q", s)
	}
}

// FieldMap pairs how a field appears on Store A with how it appears on
// Store B.
type FieldMap struct {
	A Value
	B Value

	// Default is written when the source column is absent from the row.
	Default *string

	Type FieldType
	// LayoutA and LayoutB override the time layout for date/datetime
	// fields written to that side.
	LayoutA string
	LayoutB string
}

// Side returns the mapping's value for side.
func (f FieldMap) Side(s Side) Value {
	if s == SideA {
		return f.A
	}

	return f.B
}

// Layout returns the time layout override for values written to side.
func (f FieldMap) Layout(s Side) string {
	if s == SideA {
		return f.LayoutA
	}

	return f.LayoutB
}
