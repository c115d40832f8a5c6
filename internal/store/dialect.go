package store

import (
	"fmt"
	"strings"
)

// Dialect is the SQL flavor of a store. It doubles as the database/sql
// driver name.
type Dialect string

// Supported dialects.
const (
	MySQL    Dialect = "mysql"
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// ParseDialect validates a configured driver name.
func ParseDialect(s string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(s)); d {
	case MySQL, Postgres, SQLite:
		return d, nil
	case "postgresql", "pq":
		return Postgres, nil
	case "sqlite3":
		return SQLite, nil
	default:
		return "", fmt.Errorf("store: unsupported driver %q (want mysql, postgres, or sqlite)", s)
	}
}

// Quote quotes an identifier. Dotted names are quoted per part.
func (d Dialect) Quote(ident string) string {
	parts := strings.Split(ident, ".")

	q := `"`
	if d == MySQL {
		q = "`"
	}

	for i, p := range parts {
		parts[i] = q + strings.ReplaceAll(p, q, q+q) + q
	}

	return strings.Join(parts, ".")
}

// QuoteList quotes and comma-joins identifiers.
func (d Dialect) QuoteList(idents []string) string {
	quoted := make([]string, len(idents))
	for i, id := range idents {
		quoted[i] = d.Quote(id)
	}

	return strings.Join(quoted, ", ")
}
