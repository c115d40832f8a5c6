// Package record holds the row model shared by both stores: an ordered
// field-to-value mapping, scalar conversion helpers, and normalization of
// the timestamp columns used for recency comparison.
package record

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Row is an ordered mapping of field name to scalar value. Field order is
// the column order the store returned (or the order fields were set), so a
// row written back out keeps a stable column list.
//
// Values are one of: nil, string, int64, float64, bool, time.Time.
type Row struct {
	fields []string
	values map[string]any
}

// NewRow returns an empty row with room for n fields.
func NewRow(n int) *Row {
	return &Row{
		fields: make([]string, 0, n),
		values: make(map[string]any, n),
	}
}

// FromPairs builds a row from alternating field/value arguments. It panics
// on an odd argument count or a non-string field name; it exists for tests
// and static fixtures.
func FromPairs(kv ...any) *Row {
	if len(kv)%2 != 0 {
		panic("record: FromPairs needs an even number of arguments")
	}

	r := NewRow(len(kv) / 2)

	for i := 0; i < len(kv); i += 2 {
		name, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("record: field name at position %d is %T, not string", i, kv[i]))
		}

		r.Set(name, kv[i+1])
	}

	return r
}

// Set assigns v to field, appending the field if it is new.
func (r *Row) Set(field string, v any) {
	if _, ok := r.values[field]; !ok {
		r.fields = append(r.fields, field)
	}

	r.values[field] = v
}

// Get returns the value of field and whether the field is present. A
// present field may hold nil.
func (r *Row) Get(field string) (any, bool) {
	v, ok := r.values[field]
	return v, ok
}

// Value returns the value of field, or nil when absent.
func (r *Row) Value(field string) any {
	return r.values[field]
}

// Has reports whether field is present.
func (r *Row) Has(field string) bool {
	_, ok := r.values[field]
	return ok
}

// Delete removes field from the row. Missing fields are ignored.
func (r *Row) Delete(field string) {
	if _, ok := r.values[field]; !ok {
		return
	}

	delete(r.values, field)

	for i, f := range r.fields {
		if f == field {
			r.fields = append(r.fields[:i], r.fields[i+1:]...)
			break
		}
	}
}

// Fields returns the field names in order. The slice is a copy.
func (r *Row) Fields() []string {
	out := make([]string, len(r.fields))
	copy(out, r.fields)

	return out
}

// Len returns the number of fields.
func (r *Row) Len() int {
	return len(r.fields)
}

// Clone returns a deep copy of the row's field list and value map.
func (r *Row) Clone() *Row {
	c := NewRow(len(r.fields))
	for _, f := range r.fields {
		c.Set(f, r.values[f])
	}

	return c
}

// String returns the value of field converted to a string; absent and nil
// values yield "".
func (r *Row) String(field string) string {
	return ToString(r.values[field])
}

// Map returns a copy of the values keyed by field name. Used as the
// evaluation environment for derived-value expressions.
func (r *Row) Map() map[string]any {
	m := make(map[string]any, len(r.values))
	for k, v := range r.values {
		m[k] = v
	}

	return m
}

// ToString converts a scalar to its canonical string form. Times render in
// DateTimeLayout; floats use the shortest exact representation.
func ToString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return FormatDateTime(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case bool:
		if x {
			return "1"
		}

		return "0"
	default:
		return fmt.Sprint(x)
	}
}

// IsBlank reports whether v is nil or a string that is empty after trimming.
func IsBlank(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []byte:
		return strings.TrimSpace(string(x)) == ""
	default:
		return false
	}
}
