package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/ubs-connector/ubssync/internal/identity"
	"github.com/ubs-connector/ubssync/internal/record"
)

// Select describes a paged SELECT * over one table.
type Select struct {
	Table   string
	Where   string
	Args    []any
	OrderBy []string // raw SQL terms, already quoted
	Limit   int
	Offset  int
}

// SQL renders the statement.
func (s Select) SQL(d Dialect) string {
	var b strings.Builder

	b.WriteString("SELECT * FROM ")
	b.WriteString(d.Quote(s.Table))

	if s.Where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(s.Where)
	}

	if len(s.OrderBy) > 0 {
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(s.OrderBy, ", "))
	}

	if s.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", s.Limit)

		if s.Offset > 0 {
			fmt.Fprintf(&b, " OFFSET %d", s.Offset)
		}
	}

	return b.String()
}

// KeyPredicate matches rows whose key fields equal any of keys. keys are
// normalized keys, so each column is compared through KeyExpr with fold. A
// simple key renders as an IN list; a composite key as an OR of per-key
// ANDs. No keys renders a predicate that matches nothing.
func KeyPredicate(d Dialect, fields []string, keys []string, fold identity.KeyCase) (string, []any) {
	if len(keys) == 0 {
		return "1 = 0", nil
	}

	if len(fields) == 1 {
		args := make([]any, len(keys))
		for i, k := range keys {
			args[i] = k
		}

		return KeyExpr(d, fields[0], fold) + " IN (" + placeholders(len(keys)) + ")", args
	}

	terms := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys)*len(fields))

	conj := make([]string, len(fields))
	for i, f := range fields {
		conj[i] = KeyExpr(d, f, fold) + " = ?"
	}

	term := "(" + strings.Join(conj, " AND ") + ")"

	for _, k := range keys {
		for _, part := range identity.SplitKey(k, len(fields)) {
			args = append(args, part)
		}

		terms = append(terms, term)
	}

	return "(" + strings.Join(terms, " OR ") + ")", args
}

// KeyExpr renders column the way identity.Normalizer renders a key
// component: as text, trimmed, and case-folded per fold. Stored values keep
// their padding and case; only the comparison is normalized.
func KeyExpr(d Dialect, column string, fold identity.KeyCase) string {
	text := "TEXT"
	if d == MySQL {
		text = "CHAR"
	}

	expr := "TRIM(CAST(" + d.Quote(column) + " AS " + text + "))"

	switch fold {
	case identity.KeyCaseUpper:
		return "UPPER(" + expr + ")"
	case identity.KeyCaseLower:
		return "LOWER(" + expr + ")"
	default:
		return expr
	}
}

// And joins non-empty predicates with AND.
func And(preds ...string) string {
	var kept []string

	for _, p := range preds {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, "("+p+")")
		}
	}

	return strings.Join(kept, " AND ")
}

// InsertSQL renders an INSERT of every field in row.
func InsertSQL(d Dialect, table string, row *record.Row) (string, []any) {
	fields := row.Fields()
	args := make([]any, len(fields))

	for i, f := range fields {
		args[i] = row.Value(f)
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.Quote(table), d.QuoteList(fields), placeholders(len(fields))), args
}

// UpdateSQL renders an UPDATE of every non-key field in row, matched on
// keyFields through KeyExpr. Key columns are never rewritten.
func UpdateSQL(d Dialect, table string, row *record.Row, keyFields []string, fold identity.KeyCase) (string, []any) {
	isKey := make(map[string]bool, len(keyFields))
	for _, k := range keyFields {
		isKey[k] = true
	}

	var (
		sets []string
		args []any
	)

	for _, f := range row.Fields() {
		if isKey[f] {
			continue
		}

		sets = append(sets, d.Quote(f)+" = ?")
		args = append(args, row.Value(f))
	}

	where, keyArgs := keyMatch(d, keyFields, row, fold)
	args = append(args, keyArgs...)

	if len(sets) == 0 {
		// Key-only row: touch nothing but still report whether it exists.
		sets = append(sets, d.Quote(keyFields[0])+" = "+d.Quote(keyFields[0]))
	}

	return fmt.Sprintf("UPDATE %s SET %s WHERE %s", d.Quote(table), strings.Join(sets, ", "), where), args
}

// ExistsSQL renders a probe for a row with row's key values, compared
// through KeyExpr.
func ExistsSQL(d Dialect, table string, row *record.Row, keyFields []string, fold identity.KeyCase) (string, []any) {
	where, args := keyMatch(d, keyFields, row, fold)

	return fmt.Sprintf("SELECT 1 FROM %s WHERE %s LIMIT 1", d.Quote(table), where), args
}

// QueryValue returns field from the first row of table where on = value.
func QueryValue(ctx context.Context, q Querier, d Dialect, table, field, on string, value any) (any, bool, error) {
	rows, err := q.Query(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? LIMIT 1",
		d.Quote(field), d.Quote(table), d.Quote(on)), value)
	if err != nil {
		return nil, false, err
	}

	if len(rows) == 0 {
		return nil, false, nil
	}

	return rows[0].Value(field), true, nil
}

func keyMatch(d Dialect, keyFields []string, row *record.Row, fold identity.KeyCase) (string, []any) {
	n := identity.Normalizer{KeyCase: fold}
	conj := make([]string, len(keyFields))
	args := make([]any, len(keyFields))

	for i, k := range keyFields {
		conj[i] = KeyExpr(d, k, fold) + " = ?"
		args[i] = n.NormalizeKey(row.String(k))
	}

	return strings.Join(conj, " AND "), args
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}

	return strings.Repeat("?, ", n-1) + "?"
}
