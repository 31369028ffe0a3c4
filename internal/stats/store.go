package stats

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/indexpilot/indexpilot/internal/config"
	"github.com/indexpilot/indexpilot/internal/domain"
)

// Observation is one query execution sample handed to the store.
type Observation struct {
	Tenant      domain.TenantID
	SQL         string
	Params      []any
	Duration    time.Duration
	Fingerprint string // computed from SQL when empty
	At          time.Time
}

// Persister flushes aggregates into the metadata tables. Optional: the store
// is fully functional in memory, persistence adds restart continuity.
type Persister interface {
	UpsertStat(ctx context.Context, stat domain.QueryStat) error
	InsertSample(ctx context.Context, tenant domain.TenantID, fingerprint, paramsHash string, durationMS float64, ts time.Time) error
	TrimSamples(ctx context.Context, max int) error
}

type statKey struct {
	tenant      domain.TenantID
	fingerprint string
}

// entry is the exclusive, single-writer aggregate for one query class.
type entry struct {
	count     int64
	ewmaMS    float64
	sketch    *latencySketch
	distinct  *distinctEstimator
	firstSeen time.Time
	lastSeen  time.Time
	columns   []domain.ColumnRef
	history   *bucketHistory
	exemplar  string // first observed statement text, for plan validation
}

// Store ingests query observations without blocking callers and maintains
// per-fingerprint aggregates. Writes go through a bounded channel consumed by
// a single goroutine; readers take consistent snapshots under a read lock.
type Store struct {
	cfg config.StatsConfig
	log zerolog.Logger

	in      chan Observation
	dropped atomic.Int64

	mu      sync.RWMutex
	entries map[statKey]*entry

	persister Persister
	observer  func(tenant domain.TenantID, fingerprint string, latencyMS float64)
	stopped   chan struct{}
}

// NewStore creates a query stats store.
func NewStore(cfg config.StatsConfig, persister Persister, log zerolog.Logger) *Store {
	return &Store{
		cfg:       cfg,
		log:       log.With().Str("component", "stats").Logger(),
		in:        make(chan Observation, cfg.IngestBuffer),
		entries:   make(map[statKey]*entry),
		persister: persister,
		stopped:   make(chan struct{}),
	}
}

// SetObserver registers a callback invoked for every applied observation.
// Must be set before Run starts.
func (s *Store) SetObserver(fn func(tenant domain.TenantID, fingerprint string, latencyMS float64)) {
	s.observer = fn
}

// Ingest enqueues an observation. It never blocks beyond the enqueue itself:
// when the buffer is full the oldest queued sample is dropped and counted.
func (s *Store) Ingest(obs Observation) {
	if obs.At.IsZero() {
		obs.At = time.Now()
	}
	select {
	case s.in <- obs:
		return
	default:
	}
	// Buffer full: evict the oldest queued sample to make room.
	select {
	case <-s.in:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.in <- obs:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of samples dropped under buffer pressure.
func (s *Store) Dropped() int64 {
	return s.dropped.Load()
}

// Run consumes the ingest channel until the context is cancelled, flushing
// aggregates to the persister on a fixed cadence.
func (s *Store) Run(ctx context.Context) {
	defer close(s.stopped)

	flushTicker := time.NewTicker(time.Minute)
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flush(context.Background())
			return
		case obs := <-s.in:
			s.apply(obs)
		case <-flushTicker.C:
			s.flush(ctx)
		}
	}
}

// Wait blocks until Run has exited.
func (s *Store) Wait() {
	<-s.stopped
}

// apply folds one observation into its aggregate. Aggregation is commutative
// (counts, fixed-alpha EWMA), so per-fingerprint ordering is not required.
func (s *Store) apply(obs Observation) {
	fp := obs.Fingerprint
	if fp == "" {
		fp = Fingerprint(obs.SQL)
	}
	key := statKey{tenant: obs.Tenant, fingerprint: fp}
	ms := float64(obs.Duration.Microseconds()) / 1000.0

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{
			sketch:    newLatencySketch(s.cfg.SampleSize, int64(len(s.entries)+1)),
			distinct:  newDistinctEstimator(256),
			firstSeen: obs.At,
			columns:   ExtractColumnRefs(obs.SQL),
			history:   newBucketHistory(s.cfg.SpikeBuckets, s.cfg.BucketSize, obs.At),
			exemplar:  obs.SQL,
		}
		s.entries[key] = e
	}
	e.count++
	e.ewmaMS = ewma(e.ewmaMS, ms, s.cfg.EWMAAlpha)
	e.sketch.add(ms)
	e.distinct.add(fmt.Sprint(obs.Params...))
	e.lastSeen = obs.At
	e.history.observe(obs.At)
	s.mu.Unlock()

	if s.observer != nil {
		s.observer(obs.Tenant, fp, ms)
	}

	if s.persister != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		paramsHash := fmt.Sprintf("%x", hashParams(obs.Params))
		if err := s.persister.InsertSample(ctx, obs.Tenant, fp, paramsHash, ms, obs.At); err != nil {
			s.log.Debug().Err(err).Msg("Failed to persist query sample")
		}
	}
}

// SnapshotFilter narrows a stats snapshot.
type SnapshotFilter struct {
	Tenant   *domain.TenantID // nil = all tenants
	Table    string           // "" = all tables
	MinCount int64
}

// Snapshot returns a consistent copy of the aggregates matching the filter,
// ordered by descending count then fingerprint for determinism.
func (s *Store) Snapshot(filter SnapshotFilter) []domain.QueryStat {
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.QueryStat
	for key, e := range s.entries {
		if filter.Tenant != nil && key.tenant != *filter.Tenant {
			continue
		}
		if e.count < filter.MinCount {
			continue
		}
		if filter.Table != "" && !touchesTable(e.columns, filter.Table) {
			continue
		}
		out = append(out, domain.QueryStat{
			Tenant:         key.tenant,
			Fingerprint:    key.fingerprint,
			Count:          e.count,
			EWMALatency:    e.ewmaMS,
			P95Latency:     e.sketch.quantile(0.95),
			P99Latency:     e.sketch.quantile(0.99),
			DistinctParams: e.distinct.estimate(),
			FirstSeen:      e.firstSeen,
			LastSeen:       e.lastSeen,
			Columns:        append([]domain.ColumnRef(nil), e.columns...),
			Sustained:      e.history.sustained(s.cfg.SpikeMinBuckets, s.cfg.SpikeMultiplier, now),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}

// Exemplar returns a representative statement for a query class, for
// re-planning an index build's effect.
func (s *Store) Exemplar(tenant domain.TenantID, fingerprint string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[statKey{tenant: tenant, fingerprint: fingerprint}]
	if !ok {
		return "", false
	}
	return e.exemplar, e.exemplar != ""
}

// flush persists all aggregates and trims the sample ring.
func (s *Store) flush(ctx context.Context) {
	if s.persister == nil {
		return
	}
	for _, stat := range s.Snapshot(SnapshotFilter{}) {
		if err := s.persister.UpsertStat(ctx, stat); err != nil {
			s.log.Warn().Err(err).Str("fingerprint", stat.Fingerprint).Msg("Failed to flush query stat")
			return
		}
	}
	if err := s.persister.TrimSamples(ctx, s.cfg.SampleRingMax); err != nil {
		s.log.Warn().Err(err).Msg("Failed to trim sample ring")
	}
}

func touchesTable(columns []domain.ColumnRef, table string) bool {
	for _, c := range columns {
		if c.Table == table {
			return true
		}
	}
	return false
}

func hashParams(params []any) uint64 {
	var h uint64 = 1469598103934665603 // FNV offset basis
	for _, p := range params {
		for _, b := range []byte(fmt.Sprint(p)) {
			h ^= uint64(b)
			h *= 1099511628211
		}
	}
	return h
}
