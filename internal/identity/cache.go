package identity

import (
	"log/slog"
)

// LookupCache maps, per entity, a natural key to the Store B surrogate id.
// It is owned by the sync runner and handed to the schema mapper. Entries
// are never patched: Replace swaps an entity's whole map after that entity
// has been re-synchronized.
//
// Not goroutine-safe. The engine reconciles one entity at a time on a
// single goroutine.
type LookupCache struct {
	entries map[string]map[string]string
	logger  *slog.Logger
}

// NewLookupCache returns an empty cache.
func NewLookupCache(logger *slog.Logger) *LookupCache {
	return &LookupCache{
		entries: make(map[string]map[string]string),
		logger:  logger,
	}
}

// Replace installs m as the complete lookup table for entity.
func (c *LookupCache) Replace(entity string, m map[string]string) {
	if m == nil {
		m = make(map[string]string)
	}

	c.entries[entity] = m
	c.logger.Debug("lookup cache rebuilt",
		slog.String("entity", entity),
		slog.Int("entries", len(m)),
	)
}

// Resolve returns the surrogate id for naturalKey in entity. A miss (unknown
// entity or key) returns false; callers write nil rather than block.
func (c *LookupCache) Resolve(entity, naturalKey string) (string, bool) {
	m, ok := c.entries[entity]
	if !ok {
		return "", false
	}

	id, ok := m[naturalKey]

	return id, ok
}

// Len returns the number of entries cached for entity.
func (c *LookupCache) Len(entity string) int {
	return len(c.entries[entity])
}

// Has reports whether entity has been loaded at least once.
func (c *LookupCache) Has(entity string) bool {
	_, ok := c.entries[entity]
	return ok
}
