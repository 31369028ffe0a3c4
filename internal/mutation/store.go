package mutation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/indexpilot/indexpilot/internal/db"
	"github.com/indexpilot/indexpilot/internal/domain"
)

// Store persists mutation records. The log's writer goroutine is the only
// writer; readers may call the read methods concurrently.
type Store interface {
	Insert(ctx context.Context, m domain.Mutation) error
	MaxID(ctx context.Context) (int64, error)
	Since(ctx context.Context, mid int64, limit int) ([]domain.Mutation, error)
	Get(ctx context.Context, mid int64) (*domain.Mutation, error)
}

// PGStore persists mutations into the indexpilot_mutations table.
type PGStore struct {
	adapter *db.Adapter
}

// NewPGStore creates a Postgres-backed mutation store.
func NewPGStore(adapter *db.Adapter) *PGStore {
	return &PGStore{adapter: adapter}
}

// EnsureSchema creates the mutation table if it does not exist.
func (p *PGStore) EnsureSchema(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS indexpilot_mutations (
			mid          bigint PRIMARY KEY,
			ts           timestamptz NOT NULL,
			tenant       text NOT NULL DEFAULT '',
			action       text NOT NULL,
			target_table text NOT NULL DEFAULT '',
			target_index text NOT NULL DEFAULT '',
			rationale    text NOT NULL DEFAULT '',
			details_json jsonb NOT NULL DEFAULT '{}',
			prev_mid     bigint NOT NULL DEFAULT 0
		)`
	if _, err := p.adapter.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to ensure mutation schema: %w", err)
	}
	return nil
}

// Insert appends one record. IDs are assigned by the log writer.
func (p *PGStore) Insert(ctx context.Context, m domain.Mutation) error {
	details, err := json.Marshal(m.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal mutation details: %w", err)
	}
	_, err = p.adapter.Exec(ctx, `
		INSERT INTO indexpilot_mutations
			(mid, ts, tenant, action, target_table, target_index, rationale, details_json, prev_mid)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.Timestamp, string(m.Tenant), string(m.Action), m.Table, m.Index,
		m.Rationale, details, m.PrevID)
	if err != nil {
		return fmt.Errorf("failed to insert mutation: %w", err)
	}
	return nil
}

// MaxID returns the highest assigned mutation id, 0 when the log is empty.
func (p *PGStore) MaxID(ctx context.Context) (int64, error) {
	var max int64
	err := p.adapter.QueryRow(ctx, `SELECT COALESCE(MAX(mid), 0) FROM indexpilot_mutations`).Scan(&max)
	if err != nil {
		return 0, db.Translate(err)
	}
	return max, nil
}

// Since returns records with mid > the given id, oldest first.
func (p *PGStore) Since(ctx context.Context, mid int64, limit int) ([]domain.Mutation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.adapter.Query(ctx, `
		SELECT mid, ts, tenant, action, target_table, target_index, rationale, details_json, prev_mid
		FROM indexpilot_mutations WHERE mid > $1 ORDER BY mid ASC LIMIT $2`, mid, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Mutation
	for rows.Next() {
		var m domain.Mutation
		var tenant, action string
		var details []byte
		if err := rows.Scan(&m.ID, &m.Timestamp, &tenant, &action, &m.Table, &m.Index,
			&m.Rationale, &details, &m.PrevID); err != nil {
			return nil, db.Translate(err)
		}
		m.Tenant = domain.TenantID(tenant)
		m.Action = domain.MutationAction(action)
		if len(details) > 0 {
			_ = json.Unmarshal(details, &m.Details)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Get returns the record with the given id, or nil when absent.
func (p *PGStore) Get(ctx context.Context, mid int64) (*domain.Mutation, error) {
	records, err := p.Since(ctx, mid-1, 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 || records[0].ID != mid {
		return nil, nil
	}
	return &records[0], nil
}

// MemStore is an in-memory store used in tests and inert boot modes.
type MemStore struct {
	mu      sync.RWMutex
	records []domain.Mutation
}

// NewMemStore creates an empty in-memory mutation store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

func (m *MemStore) Insert(_ context.Context, rec domain.Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *MemStore) MaxID(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.records) == 0 {
		return 0, nil
	}
	return m.records[len(m.records)-1].ID, nil
}

func (m *MemStore) Since(_ context.Context, mid int64, limit int) ([]domain.Mutation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	i := sort.Search(len(m.records), func(i int) bool { return m.records[i].ID > mid })
	end := i + limit
	if end > len(m.records) {
		end = len(m.records)
	}
	return append([]domain.Mutation(nil), m.records[i:end]...), nil
}

func (m *MemStore) Get(_ context.Context, mid int64) (*domain.Mutation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.records {
		if m.records[i].ID == mid {
			rec := m.records[i]
			return &rec, nil
		}
	}
	return nil, nil
}
