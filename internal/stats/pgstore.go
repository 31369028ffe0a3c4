package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/indexpilot/indexpilot/internal/db"
	"github.com/indexpilot/indexpilot/internal/domain"
)

// PGStore persists query statistics into the metadata tables inside the
// target database.
type PGStore struct {
	adapter *db.Adapter
}

// NewPGStore creates a Postgres-backed stats persister.
func NewPGStore(adapter *db.Adapter) *PGStore {
	return &PGStore{adapter: adapter}
}

// EnsureSchema creates the stats metadata tables if they do not exist.
func (p *PGStore) EnsureSchema(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS indexpilot_query_stats (
			tenant           text NOT NULL,
			fingerprint      text NOT NULL,
			count            bigint NOT NULL,
			ewma_duration_ms double precision NOT NULL,
			p95_ms           double precision NOT NULL,
			first_seen       timestamptz NOT NULL,
			last_seen        timestamptz NOT NULL,
			columns_read     jsonb NOT NULL DEFAULT '[]',
			PRIMARY KEY (tenant, fingerprint)
		);
		CREATE TABLE IF NOT EXISTS indexpilot_samples (
			id          bigserial PRIMARY KEY,
			tenant      text NOT NULL,
			fingerprint text NOT NULL,
			params_hash text NOT NULL,
			duration_ms double precision NOT NULL,
			ts          timestamptz NOT NULL
		)`
	if _, err := p.adapter.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to ensure stats schema: %w", err)
	}
	return nil
}

// UpsertStat writes one aggregate row.
func (p *PGStore) UpsertStat(ctx context.Context, stat domain.QueryStat) error {
	cols, err := json.Marshal(stat.Columns)
	if err != nil {
		return fmt.Errorf("failed to marshal column refs: %w", err)
	}
	_, err = p.adapter.Exec(ctx, `
		INSERT INTO indexpilot_query_stats
			(tenant, fingerprint, count, ewma_duration_ms, p95_ms, first_seen, last_seen, columns_read)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant, fingerprint) DO UPDATE SET
			count = EXCLUDED.count,
			ewma_duration_ms = EXCLUDED.ewma_duration_ms,
			p95_ms = EXCLUDED.p95_ms,
			last_seen = EXCLUDED.last_seen,
			columns_read = EXCLUDED.columns_read`,
		string(stat.Tenant), stat.Fingerprint, stat.Count, stat.EWMALatency,
		stat.P95Latency, stat.FirstSeen, stat.LastSeen, cols)
	if err != nil {
		return fmt.Errorf("failed to upsert query stat: %w", err)
	}
	return nil
}

// InsertSample appends one raw sample to the bounded ring.
func (p *PGStore) InsertSample(ctx context.Context, tenant domain.TenantID, fingerprint, paramsHash string, durationMS float64, ts time.Time) error {
	_, err := p.adapter.Exec(ctx, `
		INSERT INTO indexpilot_samples (tenant, fingerprint, params_hash, duration_ms, ts)
		VALUES ($1, $2, $3, $4, $5)`,
		string(tenant), fingerprint, paramsHash, durationMS, ts)
	if err != nil {
		return fmt.Errorf("failed to insert query sample: %w", err)
	}
	return nil
}

// TrimSamples evicts the oldest rows beyond the ring bound.
func (p *PGStore) TrimSamples(ctx context.Context, max int) error {
	_, err := p.adapter.Exec(ctx, `
		DELETE FROM indexpilot_samples
		WHERE id <= (SELECT COALESCE(MAX(id), 0) - $1 FROM indexpilot_samples)`, max)
	if err != nil {
		return fmt.Errorf("failed to trim query samples: %w", err)
	}
	return nil
}
