package schema

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ubs-connector/ubssync/internal/record"
)

var errNotNumeric = errors.New("not numeric")

// Coerce converts v to t. Blank numeric and time values become nil; layout
// overrides the default time layout for date and datetime fields.
func Coerce(v any, t FieldType, layout string) (any, error) {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}

	if v == nil {
		return nil, nil
	}

	switch t {
	case TypeAny:
		return v, nil
	case TypeString:
		return record.ToString(v), nil
	case TypeInt:
		return coerceInt(v)
	case TypeDecimal:
		if record.IsBlank(v) {
			return nil, nil
		}

		f, err := toFloat(v)
		if err != nil {
			return nil, fmt.Errorf("schema: %v as decimal: %w", v, err)
		}

		return f, nil
	case TypeDate:
		return coerceTime(v, layout, record.DateLayout), nil
	case TypeDateTime:
		return coerceTime(v, layout, record.DateTimeLayout), nil
	case TypeBool:
		return coerceBool(v)
	default:
		return nil, fmt.Errorf("schema: unknown field type %q", t)
	}
}

func coerceInt(v any) (any, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case bool:
		if x {
			return int64(1), nil
		}

		return int64(0), nil
	}

	if record.IsBlank(v) {
		return nil, nil
	}

	s := strings.TrimSpace(record.ToString(v))
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}

	f, err := toFloat(v)
	if err != nil {
		return nil, fmt.Errorf("schema: %v as int: %w", v, err)
	}

	return int64(math.Trunc(f)), nil
}

func coerceTime(v any, layout, fallback string) any {
	if layout == "" {
		layout = fallback
	}

	t, ok := record.ParseTime(v)
	if !ok {
		return nil
	}

	return t.Format(layout)
}

func coerceBool(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int64:
		return x != 0, nil
	case int:
		return x != 0, nil
	case float64:
		return x != 0, nil
	}

	switch strings.ToLower(strings.TrimSpace(record.ToString(v))) {
	case "1", "y", "yes", "t", "true":
		return true, nil
	case "0", "n", "no", "f", "false", "":
		return false, nil
	default:
		return nil, fmt.Errorf("schema: %v as bool: unrecognized", v)
	}
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case time.Time:
		return 0, errNotNumeric
	}

	s := strings.TrimSpace(record.ToString(v))
	if s == "" {
		return 0, errNotNumeric
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errNotNumeric
	}

	return f, nil
}
