// Package identity computes stable row keys across the two stores and
// translates natural keys into Store B surrogate ids through an owned,
// wholesale-rebuilt lookup cache.
package identity

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/ubs-connector/ubssync/internal/record"
)

// Separator joins the components of a composite key. Key fields in both
// stores are codes and numbers that never contain it.
const Separator = "|"

// KeyOf returns the key of row for the given ordered key fields. A simple
// key is the trimmed field value; a composite key joins the trimmed values
// with Separator. Missing fields contribute "".
func KeyOf(fields []string, row *record.Row) string {
	if len(fields) == 1 {
		return strings.TrimSpace(row.String(fields[0]))
	}

	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = strings.TrimSpace(row.String(f))
	}

	return strings.Join(parts, Separator)
}

// SplitKey is the inverse of KeyOf for a key built from n fields.
func SplitKey(key string, n int) []string {
	if n <= 1 {
		return []string{key}
	}

	return strings.SplitN(key, Separator, n)
}

// KeyCase selects the case folding applied to key fields.
type KeyCase string

// Key case options.
const (
	KeyCaseAsIs  KeyCase = ""
	KeyCaseUpper KeyCase = "upper"
	KeyCaseLower KeyCase = "lower"
)

// Normalizer prepares rows read from a store before key computation. Legacy
// record files pad text columns to fixed width, so values are trimmed; key
// fields are NFC-normalized and optionally case-folded so that the same code
// typed differently on either side resolves to one key.
type Normalizer struct {
	TrimValues bool
	KeyCase    KeyCase
}

// Apply normalizes row in place. keyFields are the fields that form the
// row's key on its own side.
func (n Normalizer) Apply(row *record.Row, keyFields []string) {
	if n.TrimValues {
		for _, f := range row.Fields() {
			if s, ok := row.Value(f).(string); ok {
				row.Set(f, strings.TrimSpace(s))
			}
		}
	}

	for _, f := range keyFields {
		s, ok := row.Value(f).(string)
		if !ok {
			continue
		}

		row.Set(f, n.NormalizeKey(s))
	}
}

// NormalizeKey applies trimming, NFC normalization, and case folding to a
// single key component.
func (n Normalizer) NormalizeKey(s string) string {
	s = norm.NFC.String(strings.TrimSpace(s))

	switch n.KeyCase {
	case KeyCaseUpper:
		return cases.Upper(language.Und).String(s)
	case KeyCaseLower:
		return cases.Lower(language.Und).String(s)
	default:
		return s
	}
}
