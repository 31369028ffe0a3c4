package catalog

import (
	"context"
	"fmt"

	"github.com/indexpilot/indexpilot/internal/db"
	"github.com/indexpilot/indexpilot/internal/domain"
)

// PGStore materializes the catalog and expression profile into metadata
// tables inside the target database. The catalog table is the operator's
// queryable view of what IndexPilot watches; the profile table makes explicit
// deactivations survive restarts.
type PGStore struct {
	adapter *db.Adapter
}

// NewPGStore creates a Postgres-backed catalog persister.
func NewPGStore(adapter *db.Adapter) *PGStore {
	return &PGStore{adapter: adapter}
}

// EnsureSchema creates the catalog metadata tables if they do not exist.
func (p *PGStore) EnsureSchema(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS indexpilot_catalog (
			table_name  text NOT NULL,
			column_name text NOT NULL,
			col_type    text NOT NULL,
			nullable    boolean NOT NULL,
			pk          boolean NOT NULL,
			uniq        boolean NOT NULL,
			fk_target   text NOT NULL DEFAULT '',
			PRIMARY KEY (table_name, column_name)
		);
		CREATE TABLE IF NOT EXISTS indexpilot_profile (
			tenant    text NOT NULL,
			entry_key text NOT NULL,
			PRIMARY KEY (tenant, entry_key)
		)`
	if _, err := p.adapter.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to ensure catalog schema: %w", err)
	}
	return nil
}

// SaveEntries replaces the materialized catalog with the given entry set.
func (p *PGStore) SaveEntries(ctx context.Context, entries []domain.CatalogEntry) error {
	if _, err := p.adapter.Exec(ctx, `DELETE FROM indexpilot_catalog`); err != nil {
		return fmt.Errorf("failed to clear catalog table: %w", err)
	}
	for _, e := range entries {
		_, err := p.adapter.Exec(ctx, `
			INSERT INTO indexpilot_catalog
				(table_name, column_name, col_type, nullable, pk, uniq, fk_target)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			e.Table, e.Column, e.Type, e.Nullable, e.PrimaryKey, e.Unique, e.FKTarget)
		if err != nil {
			return fmt.Errorf("failed to save catalog entry %s: %w", e.Key(), err)
		}
	}
	return nil
}

// SaveDeactivations replaces one tenant's persisted deactivation set.
func (p *PGStore) SaveDeactivations(ctx context.Context, tenant domain.TenantID, entryKeys []string) error {
	if _, err := p.adapter.Exec(ctx,
		`DELETE FROM indexpilot_profile WHERE tenant = $1`, string(tenant)); err != nil {
		return fmt.Errorf("failed to clear profile for tenant %q: %w", tenant, err)
	}
	for _, key := range entryKeys {
		_, err := p.adapter.Exec(ctx, `
			INSERT INTO indexpilot_profile (tenant, entry_key)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, string(tenant), key)
		if err != nil {
			return fmt.Errorf("failed to save deactivation %s for tenant %q: %w", key, tenant, err)
		}
	}
	return nil
}

// LoadDeactivations reads every tenant's persisted deactivation set.
func (p *PGStore) LoadDeactivations(ctx context.Context) (map[domain.TenantID][]string, error) {
	rows, err := p.adapter.Query(ctx,
		`SELECT tenant, entry_key FROM indexpilot_profile ORDER BY tenant, entry_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to load expression profile: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.TenantID][]string)
	for rows.Next() {
		var tenant, key string
		if err := rows.Scan(&tenant, &key); err != nil {
			return nil, fmt.Errorf("failed to scan profile row: %w", err)
		}
		out[domain.TenantID(tenant)] = append(out[domain.TenantID(tenant)], key)
	}
	return out, rows.Err()
}
