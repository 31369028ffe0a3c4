package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/indexpilot/indexpilot/internal/domain"
)

// internalSchemas are filtered out of schema introspection.
var internalSchemas = map[string]bool{
	"pg_catalog":         true,
	"information_schema": true,
	"pg_toast":           true,
}

// IntrospectSchema reads the live table/column metadata, excluding internal
// schemas and IndexPilot's own metadata tables.
func (a *Adapter) IntrospectSchema(ctx context.Context) ([]domain.CatalogEntry, error) {
	const q = `
		SELECT c.table_schema, c.table_name, c.column_name, c.data_type,
		       c.is_nullable = 'YES',
		       COALESCE(pk.is_pk, false),
		       COALESCE(uq.is_unique, false),
		       COALESCE(fk.target, '')
		FROM information_schema.columns c
		LEFT JOIN LATERAL (
			SELECT true AS is_pk
			FROM information_schema.table_constraints tc
			JOIN information_schema.key_column_usage kcu
			  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
			WHERE tc.constraint_type = 'PRIMARY KEY'
			  AND tc.table_schema = c.table_schema AND tc.table_name = c.table_name
			  AND kcu.column_name = c.column_name
			LIMIT 1
		) pk ON true
		LEFT JOIN LATERAL (
			SELECT true AS is_unique
			FROM information_schema.table_constraints tc
			JOIN information_schema.key_column_usage kcu
			  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
			WHERE tc.constraint_type = 'UNIQUE'
			  AND tc.table_schema = c.table_schema AND tc.table_name = c.table_name
			  AND kcu.column_name = c.column_name
			LIMIT 1
		) uq ON true
		LEFT JOIN LATERAL (
			SELECT ccu.table_name || '.' || ccu.column_name AS target
			FROM information_schema.table_constraints tc
			JOIN information_schema.key_column_usage kcu
			  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
			JOIN information_schema.constraint_column_usage ccu
			  ON tc.constraint_name = ccu.constraint_name AND tc.table_schema = ccu.table_schema
			WHERE tc.constraint_type = 'FOREIGN KEY'
			  AND tc.table_schema = c.table_schema AND tc.table_name = c.table_name
			  AND kcu.column_name = c.column_name
			LIMIT 1
		) fk ON true
		ORDER BY c.table_name, c.ordinal_position`

	rows, err := a.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to introspect schema: %w", err)
	}
	defer rows.Close()

	var entries []domain.CatalogEntry
	for rows.Next() {
		var schema string
		var e domain.CatalogEntry
		if err := rows.Scan(&schema, &e.Table, &e.Column, &e.Type, &e.Nullable, &e.PrimaryKey, &e.Unique, &e.FKTarget); err != nil {
			return nil, Translate(err)
		}
		if internalSchemas[schema] || isMetadataTable(e.Table) {
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// isMetadataTable filters IndexPilot's own tables out of the catalog.
func isMetadataTable(name string) bool {
	switch name {
	case "indexpilot_catalog", "indexpilot_profile", "indexpilot_query_stats",
		"indexpilot_mutations", "indexpilot_samples":
		return true
	}
	return false
}

// IntrospectIndexes reads live index descriptors including usage statistics,
// size and validity. With table != "" the result is limited to that table.
func (a *Adapter) IntrospectIndexes(ctx context.Context, table string) ([]domain.LiveIndex, error) {
	const q = `
		SELECT i.indexrelid::regclass::text,
		       s.relname,
		       ARRAY(SELECT a.attname
		             FROM unnest(i.indkey::int2[]) WITH ORDINALITY AS k(attnum, ord)
		             JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = k.attnum
		             ORDER BY k.ord),
		       COALESCE(pg_get_expr(i.indpred, i.indrelid), ''),
		       am.amname,
		       pg_relation_size(i.indexrelid),
		       COALESCE(s.idx_scan, 0),
		       s.last_idx_scan,
		       i.indisvalid,
		       i.indisprimary,
		       i.indisunique
		FROM pg_index i
		JOIN pg_class ic ON ic.oid = i.indexrelid
		JOIN pg_am am ON am.oid = ic.relam
		JOIN pg_stat_user_indexes s ON s.indexrelid = i.indexrelid
		WHERE ($1 = '' OR s.relname = $1)`

	rows, err := a.Query(ctx, q, table)
	if err != nil {
		return nil, fmt.Errorf("failed to introspect indexes: %w", err)
	}
	defer rows.Close()

	var indexes []domain.LiveIndex
	for rows.Next() {
		var idx domain.LiveIndex
		var am string
		var lastUsed *time.Time
		if err := rows.Scan(&idx.Name, &idx.Table, &idx.Columns, &idx.Predicate, &am,
			&idx.SizeBytes, &idx.ScanCount, &lastUsed, &idx.Valid, &idx.PrimaryKey, &idx.UniqueCons); err != nil {
			return nil, Translate(err)
		}
		if lastUsed != nil {
			idx.LastUsed = *lastUsed
		}
		idx.Method = methodFromAM(am)
		indexes = append(indexes, idx)
	}
	return indexes, rows.Err()
}

func methodFromAM(am string) domain.IndexMethod {
	switch am {
	case "hash":
		return domain.MethodHash
	case "gin":
		return domain.MethodFulltext
	case "gist", "spgist":
		return domain.MethodGeo
	case "brin":
		return domain.MethodBRIN
	default:
		return domain.MethodOrdered
	}
}

// TableRowCount returns the planner's row estimate for a table. Cheap; used
// for cost fallbacks when the planner client is unreliable.
func (a *Adapter) TableRowCount(ctx context.Context, table string) (int64, error) {
	schema, tbl, err := QualifiedTable(table)
	if err != nil {
		return 0, err
	}
	var rows float64
	err = a.QueryRow(ctx,
		`SELECT COALESCE(reltuples, 0) FROM pg_class c
		 JOIN pg_namespace n ON n.oid = c.relnamespace
		 WHERE n.nspname = $1 AND c.relname = $2`, schema, tbl).Scan(&rows)
	if err != nil {
		return 0, Translate(err)
	}
	if rows < 0 {
		rows = 0
	}
	return int64(rows), nil
}

// TableWorkload reads cumulative read/write counters for a table.
func (a *Adapter) TableWorkload(ctx context.Context, table string) (domain.WorkloadProfile, error) {
	var w domain.WorkloadProfile
	err := a.QueryRow(ctx,
		`SELECT COALESCE(seq_scan,0) + COALESCE(idx_scan,0),
		        COALESCE(n_tup_ins,0) + COALESCE(n_tup_upd,0) + COALESCE(n_tup_del,0)
		 FROM pg_stat_user_tables WHERE relname = $1`, table).Scan(&w.Reads, &w.Writes)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.WorkloadProfile{}, nil
		}
		return w, Translate(err)
	}
	return w, nil
}

// StaleTables lists tables whose last analyze is older than the staleness
// threshold (or that were never analyzed).
func (a *Adapter) StaleTables(ctx context.Context, staleness time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-staleness)
	rows, err := a.Query(ctx,
		`SELECT relname FROM pg_stat_user_tables
		 WHERE GREATEST(COALESCE(last_analyze, 'epoch'), COALESCE(last_autoanalyze, 'epoch')) < $1`,
		cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, Translate(err)
		}
		if !isMetadataTable(t) {
			tables = append(tables, t)
		}
	}
	return tables, rows.Err()
}

// WriteLatencySample estimates recent write latency from pg_stat_database.
// Returns zero when timing data is unavailable (track_io_timing off).
func (a *Adapter) WriteLatencySample(ctx context.Context) (time.Duration, error) {
	var blkWriteTime float64
	var blksWritten int64
	err := a.QueryRow(ctx,
		`SELECT COALESCE(blk_write_time, 0), COALESCE(blks_hit + blks_read, 0)
		 FROM pg_stat_database WHERE datname = current_database()`).Scan(&blkWriteTime, &blksWritten)
	if err != nil {
		return 0, Translate(err)
	}
	if blksWritten == 0 {
		return 0, nil
	}
	perBlockMS := blkWriteTime / float64(blksWritten)
	return time.Duration(perBlockMS * float64(time.Millisecond)), nil
}

// ReleaseStaleAdvisoryLocks force-releases session advisory locks held by
// backends idle longer than the threshold.
func (a *Adapter) ReleaseStaleAdvisoryLocks(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := a.Exec(ctx,
		`SELECT pg_terminate_backend(l.pid)
		 FROM pg_locks l
		 JOIN pg_stat_activity sa ON sa.pid = l.pid
		 WHERE l.locktype = 'advisory'
		   AND sa.state = 'idle'
		   AND sa.state_change < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
