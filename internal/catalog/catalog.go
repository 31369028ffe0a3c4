// Package catalog maintains the canonical schema IndexPilot watches: tables,
// columns, types and constraints, loaded by introspecting the live database
// or from a declarative schema file. All changes are linearized through the
// catalog's single writer and diffed into the mutation log.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/indexpilot/indexpilot/internal/domain"
)

// Introspector is the slice of the DB adapter the catalog needs.
type Introspector interface {
	IntrospectSchema(ctx context.Context) ([]domain.CatalogEntry, error)
}

// Recorder appends catalog-change records to the mutation log.
type Recorder interface {
	Append(ctx context.Context, m domain.Mutation) (int64, error)
}

// Catalog is the exclusive owner of the schema entries. Readers get copies.
type Catalog struct {
	mu       sync.RWMutex
	entries  map[string]domain.CatalogEntry // keyed by "table.column"
	recorder Recorder
	log      zerolog.Logger
}

// New creates an empty catalog.
func New(recorder Recorder, log zerolog.Logger) *Catalog {
	return &Catalog{
		entries:  make(map[string]domain.CatalogEntry),
		recorder: recorder,
		log:      log.With().Str("component", "catalog").Logger(),
	}
}

// BootstrapIntrospect loads the catalog from live database metadata.
// Re-running is idempotent: unchanged schemas produce no mutation records.
func (c *Catalog) BootstrapIntrospect(ctx context.Context, intro Introspector) error {
	entries, err := intro.IntrospectSchema(ctx)
	if err != nil {
		return fmt.Errorf("failed to introspect schema: %w", err)
	}
	return c.apply(ctx, entries)
}

// BootstrapDeclarative loads the catalog from a schema file. Tables declared
// in the file but missing from the live database are a hard error; live
// tables the file does not mention are logged as unknown and ignored.
func (c *Catalog) BootstrapDeclarative(ctx context.Context, path string, intro Introspector) error {
	declared, err := LoadSchemaFile(path)
	if err != nil {
		return err
	}

	live, err := intro.IntrospectSchema(ctx)
	if err != nil {
		return fmt.Errorf("failed to introspect schema: %w", err)
	}
	liveTables := map[string]bool{}
	for _, e := range live {
		liveTables[e.Table] = true
	}

	declaredTables := map[string]bool{}
	for _, e := range declared {
		declaredTables[e.Table] = true
	}
	for table := range declaredTables {
		if !liveTables[table] {
			return fmt.Errorf("declared table %q not present in the database", table)
		}
	}
	for table := range liveTables {
		if !declaredTables[table] {
			c.log.Info().Str("table", table).Msg("Live table not declared; treating as unknown")
		}
	}

	return c.apply(ctx, declared)
}

// apply diffs the incoming entry set against the current one and records the
// differences as CATALOG_CHANGE mutations. Entries are never removed
// silently; removals show up in the log like everything else.
func (c *Catalog) apply(ctx context.Context, entries []domain.CatalogEntry) error {
	incoming := make(map[string]domain.CatalogEntry, len(entries))
	for _, e := range entries {
		incoming[e.Key()] = e
	}
	if err := validateForeignKeys(incoming); err != nil {
		return err
	}

	c.mu.Lock()
	var added, removed, changed []string
	for key, e := range incoming {
		old, ok := c.entries[key]
		if !ok {
			added = append(added, key)
		} else if old != e {
			changed = append(changed, key)
		}
	}
	for key := range c.entries {
		if _, ok := incoming[key]; !ok {
			removed = append(removed, key)
		}
	}
	c.entries = incoming
	c.mu.Unlock()

	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(changed)

	if len(added)+len(removed)+len(changed) == 0 {
		return nil
	}

	c.log.Info().
		Int("added", len(added)).
		Int("removed", len(removed)).
		Int("changed", len(changed)).
		Msg("Catalog updated")

	if c.recorder != nil {
		_, err := c.recorder.Append(ctx, domain.Mutation{
			Action:    domain.ActionCatalogChange,
			Rationale: "catalog bootstrap diff",
			Details: map[string]any{
				"added":   added,
				"removed": removed,
				"changed": changed,
			},
		})
		if err != nil {
			return fmt.Errorf("failed to record catalog change: %w", err)
		}
	}
	return nil
}

// validateForeignKeys checks that every FK target resolves to an entry that
// is part of a primary or unique key.
func validateForeignKeys(entries map[string]domain.CatalogEntry) error {
	for _, e := range entries {
		if e.FKTarget == "" {
			continue
		}
		target, ok := entries[e.FKTarget]
		if !ok {
			return fmt.Errorf("foreign key %s references unknown column %s", e.Key(), e.FKTarget)
		}
		if !target.PrimaryKey && !target.Unique {
			return fmt.Errorf("foreign key %s references non-key column %s", e.Key(), e.FKTarget)
		}
	}
	return nil
}

// Entries returns a copy of all catalog entries, ordered by key.
func (c *Catalog) Entries() []domain.CatalogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.CatalogEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Get returns the entry for "table.column".
func (c *Catalog) Get(key string) (domain.CatalogEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

// Tables returns the distinct table names, sorted.
func (c *Catalog) Tables() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := map[string]bool{}
	for _, e := range c.entries {
		seen[e.Table] = true
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ForeignKeyColumns returns entries that declare a foreign key, sorted.
func (c *Catalog) ForeignKeyColumns() []domain.CatalogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []domain.CatalogEntry
	for _, e := range c.entries {
		if e.FKTarget != "" {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// HasTable reports whether the catalog knows the table.
func (c *Catalog) HasTable(table string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		if e.Table == table {
			return true
		}
	}
	return false
}
