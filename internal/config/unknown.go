package config

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxSuggestDistance is the largest edit distance still offered as a
// "did you mean?" suggestion.
const maxSuggestDistance = 3

// knownKeys maps each section to its keys, read from Config's toml tags so
// the list cannot drift from the struct.
var knownKeys = tomlSections(reflect.TypeOf(Config{}))

func tomlSections(t reflect.Type) map[string][]string {
	out := make(map[string][]string, t.NumField())

	for i := range t.NumField() {
		f := t.Field(i)
		section := tagName(f)

		if section == "" || f.Type.Kind() != reflect.Struct {
			continue
		}

		keys := make([]string, 0, f.Type.NumField())
		for j := range f.Type.NumField() {
			if k := tagName(f.Type.Field(j)); k != "" {
				keys = append(keys, k)
			}
		}

		sort.Strings(keys)
		out[section] = keys
	}

	return out
}

func tagName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
	if name == "-" {
		return ""
	}

	return name
}

func sectionNames() []string {
	names := make([]string, 0, len(knownKeys))
	for s := range knownKeys {
		names = append(names, s)
	}

	sort.Strings(names)

	return names
}

// checkUnknownKeys turns every undecoded TOML key into an error with a
// suggestion where one is close enough.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	for _, key := range md.Undecoded() {
		errs = append(errs, unknownKeyError(key))
	}

	return errors.Join(errs...)
}

func unknownKeyError(key toml.Key) error {
	full := key.String()
	section := key[0]

	keys, known := knownKeys[section]

	switch {
	case !known && len(key) == 1:
		// A bare top-level key is usually a setting written above its
		// section header.
		if owner := sectionOf(section); owner != "" {
			return fmt.Errorf("unknown config key %q: it belongs under [%s]", full, owner)
		}

		if s := closestMatch(section, sectionNames()); s != "" {
			return fmt.Errorf("unknown config key %q: did you mean [%s]?", full, s)
		}

		return fmt.Errorf("unknown config key %q", full)
	case !known:
		if s := closestMatch(section, sectionNames()); s != "" {
			return fmt.Errorf("unknown config key %q: did you mean [%s]?", full, s)
		}

		return fmt.Errorf("unknown config section [%s]", section)
	}

	leaf := key[len(key)-1]

	if s := closestMatch(leaf, keys); s != "" {
		return fmt.Errorf("unknown config key %q: did you mean %q?", full, section+"."+s)
	}

	if owner := sectionOf(leaf); owner != "" && owner != section {
		return fmt.Errorf("unknown config key %q: it belongs under [%s]", full, owner)
	}

	return fmt.Errorf("unknown config key %q", full)
}

// sectionOf returns the first section (in name order) that defines key.
func sectionOf(key string) string {
	for _, s := range sectionNames() {
		for _, k := range knownKeys[s] {
			if k == key {
				return s
			}
		}
	}

	return ""
}

// closestMatch returns the candidate nearest to s, or "" when none is
// within maxSuggestDistance. Ties go to the earlier candidate.
func closestMatch(s string, candidates []string) string {
	best, bestDist := "", maxSuggestDistance+1

	for _, c := range candidates {
		if d := levenshtein(s, c); d < bestDist {
			best, bestDist = c, d
		}
	}

	return best
}

func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
