package schema

import (
	"errors"
	"fmt"
)

// Catalog is the ordered set of configured entities. Order is processing
// order: a parent always precedes its children.
type Catalog struct {
	entities []*Entity
	byName   map[string]*Entity
}

// NewCatalog validates entities and returns them as a catalog. All problems
// are reported together.
func NewCatalog(entities []*Entity) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]*Entity, len(entities))}

	var errs []error

	for i, e := range entities {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("entity #%d: name is required", i+1))
			continue
		}

		if _, dup := c.byName[e.Name]; dup {
			errs = append(errs, fmt.Errorf("entity %s: declared twice", e.Name))
			continue
		}

		errs = append(errs, c.validateEntity(e)...)

		c.byName[e.Name] = e
		c.entities = append(c.entities, e)
	}

	// Forward references are checked once every name is known.
	for _, e := range c.entities {
		errs = append(errs, c.validateLinks(e)...)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("schema: invalid entities:\n%w", err)
	}

	return c, nil
}

// Entities returns the entities in processing order.
func (c *Catalog) Entities() []*Entity {
	out := make([]*Entity, len(c.entities))
	copy(out, c.entities)

	return out
}

// Get returns the named entity.
func (c *Catalog) Get(name string) (*Entity, bool) {
	e, ok := c.byName[name]
	return e, ok
}

// Len returns the number of entities.
func (c *Catalog) Len() int {
	return len(c.entities)
}

// LookupTargets returns the names of entities that some field resolves
// through the lookup cache, in processing order.
func (c *Catalog) LookupTargets() []string {
	seen := make(map[string]bool)

	for _, e := range c.entities {
		for _, f := range e.Fields {
			for _, v := range []Value{f.A, f.B} {
				if v.Kind == KindLookup {
					seen[v.Lookup.Entity] = true
				}
			}
		}
	}

	var out []string

	for _, e := range c.entities {
		if seen[e.Name] {
			out = append(out, e.Name)
		}
	}

	return out
}

func (c *Catalog) validateEntity(e *Entity) []error {
	var errs []error

	for _, side := range []Side{SideA, SideB} {
		t := e.Table(side)
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("entity %s: table %s: name is required", e.Name, side))
		}

		if len(t.Key) == 0 {
			errs = append(errs, fmt.Errorf("entity %s: table %s: key is required", e.Name, side))
		}

		if t.Recency == "" {
			errs = append(errs, fmt.Errorf("entity %s: table %s: recency column is required", e.Name, side))
		}
	}

	if e.A.Surrogate != "" {
		errs = append(errs, fmt.Errorf("entity %s: surrogate is only supported on Store B", e.Name))
	}

	if len(e.A.Key) != len(e.B.Key) {
		errs = append(errs, fmt.Errorf("entity %s: key has %d fields on A and %d on B",
			e.Name, len(e.A.Key), len(e.B.Key)))
	}

	if _, err := ParseSyncMode(string(e.Mode)); err != nil {
		errs = append(errs, fmt.Errorf("entity %s: %w", e.Name, err))
	}

	if e.Mode == ModeRollingWindow && e.RollingDays <= 0 {
		errs = append(errs, fmt.Errorf("entity %s: rolling-window mode needs rolling_days > 0", e.Name))
	}

	for i, f := range e.Fields {
		if !f.A.IsColumn() && !f.B.IsColumn() {
			errs = append(errs, fmt.Errorf("entity %s: field #%d: at least one side must be a column", e.Name, i+1))
		}

		for _, side := range []Side{SideA, SideB} {
			v := f.Side(side)
			if v.Kind == KindExpr && v.Expr == nil {
				errs = append(errs, fmt.Errorf("entity %s: field #%d: expression on %s is not compiled", e.Name, i+1, side))
			}
		}
	}

	return errs
}

func (c *Catalog) validateLinks(e *Entity) []error {
	var errs []error

	if p := e.Parent; p != nil {
		parent, ok := c.byName[p.Entity]

		switch {
		case !ok:
			errs = append(errs, fmt.Errorf("entity %s: parent %q is not declared", e.Name, p.Entity))
		case c.index(parent.Name) > c.index(e.Name):
			errs = append(errs, fmt.Errorf("entity %s: parent %q must be declared before its children", e.Name, p.Entity))
		default:
			if len(p.Fields) != len(parent.A.Key) {
				errs = append(errs, fmt.Errorf("entity %s: parent fields have %d columns, %s key has %d",
					e.Name, len(p.Fields), parent.Name, len(parent.A.Key)))
			}

			if len(p.LinkB) != len(parent.B.Key) {
				errs = append(errs, fmt.Errorf("entity %s: parent link_b has %d columns, %s key has %d",
					e.Name, len(p.LinkB), parent.Name, len(parent.B.Key)))
			}
		}
	}

	if ch := e.RequireChildren; ch != nil {
		if _, ok := c.byName[ch.Entity]; !ok {
			errs = append(errs, fmt.Errorf("entity %s: require_children %q is not declared", e.Name, ch.Entity))
		} else if len(ch.LinkB) != len(e.B.Key) {
			errs = append(errs, fmt.Errorf("entity %s: require_children link_b has %d columns, key has %d",
				e.Name, len(ch.LinkB), len(e.B.Key)))
		}
	}

	for i, f := range e.Fields {
		for _, v := range []Value{f.A, f.B} {
			switch v.Kind {
			case KindReference:
				if _, ok := c.byName[v.Ref.Entity]; !ok {
					errs = append(errs, fmt.Errorf("entity %s: field #%d: reference to unknown entity %q", e.Name, i+1, v.Ref.Entity))
				}
			case KindLookup:
				target, ok := c.byName[v.Lookup.Entity]

				switch {
				case !ok:
					errs = append(errs, fmt.Errorf("entity %s: field #%d: lookup of unknown entity %q", e.Name, i+1, v.Lookup.Entity))
				case target.B.Surrogate == "":
					errs = append(errs, fmt.Errorf("entity %s: field #%d: lookup target %q has no surrogate", e.Name, i+1, target.Name))
				case len(v.Lookup.From) != len(target.B.Key):
					errs = append(errs, fmt.Errorf("entity %s: field #%d: lookup of %q needs %d key columns, got %d",
						e.Name, i+1, target.Name, len(target.B.Key), len(v.Lookup.From)))
				}
			}
		}
	}

	return errs
}

func (c *Catalog) index(name string) int {
	for i, e := range c.entities {
		if e.Name == name {
			return i
		}
	}

	return -1
}
