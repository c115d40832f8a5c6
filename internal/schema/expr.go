package schema

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/ubs-connector/ubssync/internal/record"
)

// Expression is a compiled expr-lang program evaluated over a source row.
// Row fields are variables; a few helpers cover the legacy formats:
//
//	zpad(v, n)       left-pad v with zeros to n characters
//	fmtdate(v)       v as YYYY-MM-DD, nil when unparseable
//	fmtdatetime(v)   v as YYYY-MM-DD HH:MM:SS, nil when unparseable
//	fmttime(v, l)    v in Go layout l, nil when unparseable
//	num(v)           v as a float64, 0 when blank or unparseable
//	coalesce(a, ...) the first non-blank argument
type Expression struct {
	Source  string
	program *vm.Program
}

// CompileExpr compiles src.
func CompileExpr(src string) (*Expression, error) {
	program, err := expr.Compile(src, exprFunctions()...)
	if err != nil {
		return nil, fmt.Errorf("schema: compiling expression %q: %w", src, err)
	}

	return &Expression{Source: src, program: program}, nil
}

// Eval runs the expression with row's fields as variables.
func (e *Expression) Eval(row *record.Row) (any, error) {
	out, err := expr.Run(e.program, row.Map())
	if err != nil {
		return nil, fmt.Errorf("schema: evaluating %q: %w", e.Source, err)
	}

	return normalizeScalar(out), nil
}

func exprFunctions() []expr.Option {
	return []expr.Option{
		expr.Function("zpad", func(params ...any) (any, error) {
			if len(params) != 2 {
				return nil, fmt.Errorf("zpad: want 2 arguments, got %d", len(params))
			}

			width, err := strconv.Atoi(record.ToString(params[1]))
			if err != nil {
				return nil, fmt.Errorf("zpad: width: %w", err)
			}

			s := strings.TrimSpace(record.ToString(params[0]))
			if len(s) >= width {
				return s, nil
			}

			return strings.Repeat("0", width-len(s)) + s, nil
		}),
		expr.Function("fmtdate", func(params ...any) (any, error) {
			return formatTimeParam(params, record.DateLayout)
		}),
		expr.Function("fmtdatetime", func(params ...any) (any, error) {
			return formatTimeParam(params, record.DateTimeLayout)
		}),
		expr.Function("fmttime", func(params ...any) (any, error) {
			if len(params) != 2 {
				return nil, fmt.Errorf("fmttime: want 2 arguments, got %d", len(params))
			}

			return formatTimeParam(params[:1], record.ToString(params[1]))
		}),
		expr.Function("num", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("num: want 1 argument, got %d", len(params))
			}

			f, err := toFloat(params[0])
			if err != nil {
				return float64(0), nil //nolint:nilerr // blank and junk numbers read as zero
			}

			return f, nil
		}),
		expr.Function("coalesce", func(params ...any) (any, error) {
			for _, p := range params {
				if !record.IsBlank(p) {
					return p, nil
				}
			}

			return nil, nil
		}),
	}
}

func formatTimeParam(params []any, layout string) (any, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("want 1 argument, got %d", len(params))
	}

	t, ok := record.ParseTime(params[0])
	if !ok {
		return nil, nil
	}

	return t.Format(layout), nil
}

// normalizeScalar maps expr-lang result types onto the row value set.
func normalizeScalar(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}
