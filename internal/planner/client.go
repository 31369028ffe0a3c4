// Package planner provides the EXPLAIN client: cached, retried planner
// introspection with failure accounting. When the planner proves unreliable
// for a fingerprint, callers fall back to row-count heuristics.
package planner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/indexpilot/indexpilot/internal/config"
	"github.com/indexpilot/indexpilot/internal/db"
)

// Explainer is the slice of the DB adapter the planner client needs.
type Explainer interface {
	Explain(ctx context.Context, sql string, args []any, analyze bool) (*db.Plan, error)
	TableRowCount(ctx context.Context, table string) (int64, error)
}

// ErrPlannerUnreliable is returned while a fingerprint is in cooldown after
// repeated planner failures.
var ErrPlannerUnreliable = fmt.Errorf("planner: marked unreliable, use row-count fallback")

// failureState tracks consecutive planner failures per fingerprint.
type failureState struct {
	consecutive int
	markedAt    time.Time
}

// Client wraps the adapter's EXPLAIN with an LRU cache, bounded retries and
// per-fingerprint failure accounting.
type Client struct {
	exp   Explainer
	cfg   config.PlannerConfig
	cache *planCache
	log   zerolog.Logger

	mu       sync.Mutex
	failures map[string]*failureState
}

// New creates a planner client.
func New(exp Explainer, cfg config.PlannerConfig, log zerolog.Logger) *Client {
	return &Client{
		exp:      exp,
		cfg:      cfg,
		cache:    newPlanCache(cfg.CacheSize, cfg.CacheTTL),
		log:      log.With().Str("component", "planner").Logger(),
		failures: make(map[string]*failureState),
	}
}

// cacheKey derives the cache key from the statement and parameter hashes.
func cacheKey(sql string, args []any, analyze bool) string {
	h := sha256.New()
	h.Write([]byte(sql))
	for _, a := range args {
		fmt.Fprintf(h, "|%v", a)
	}
	if analyze {
		h.Write([]byte("|analyze"))
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Plan returns the plan for a statement, consulting the cache first. The
// fingerprint keys failure accounting; on the configured number of
// consecutive failures the fingerprint enters a cooldown during which
// ErrPlannerUnreliable is returned immediately.
func (c *Client) Plan(ctx context.Context, fingerprint, sql string, args []any, analyze bool) (*db.Plan, error) {
	if c.Unreliable(fingerprint) {
		return nil, ErrPlannerUnreliable
	}

	key := cacheKey(sql, args, analyze)
	if plan := c.cache.get(key); plan != nil {
		return plan, nil
	}

	var plan *db.Plan
	var err error
	backoff := c.cfg.RetryBackoffBase
	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		explainCtx, cancel := context.WithTimeout(ctx, c.cfg.ExplainTimeout)
		plan, err = c.exp.Explain(explainCtx, sql, args, analyze)
		cancel()
		if err == nil {
			break
		}
		if !db.Retryable(err) || attempt == c.cfg.RetryAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}

	if err != nil {
		c.recordFailure(fingerprint)
		return nil, err
	}

	c.recordSuccess(fingerprint)
	c.cache.put(key, plan)
	return plan, nil
}

// FallbackCost estimates a scan cost from the table's row count when the
// planner is unavailable: rows × row_cost scaled by the selectivity factor.
func (c *Client) FallbackCost(ctx context.Context, table string, selectivity float64) (float64, error) {
	rows, err := c.exp.TableRowCount(ctx, table)
	if err != nil {
		return 0, err
	}
	if selectivity <= 0 || selectivity > 1 {
		selectivity = 1
	}
	return float64(rows) * c.cfg.RowCostFallback * selectivity, nil
}

// Unreliable reports whether the fingerprint is inside its failure cooldown.
func (c *Client) Unreliable(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.failures[fingerprint]
	if !ok || st.consecutive < c.cfg.MaxFailures {
		return false
	}
	if time.Since(st.markedAt) > c.cfg.FailureCooldown {
		// Cooldown elapsed; allow a fresh attempt.
		st.consecutive = 0
		return false
	}
	return true
}

// Invalidate drops all cached plans. Called after every committed mutation.
func (c *Client) Invalidate() {
	c.cache.invalidate()
}

// CacheLen returns the number of cached plans (for the health report).
func (c *Client) CacheLen() int {
	return c.cache.len()
}

func (c *Client) recordFailure(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.failures[fingerprint]
	if !ok {
		st = &failureState{}
		c.failures[fingerprint] = st
	}
	st.consecutive++
	if st.consecutive == c.cfg.MaxFailures {
		st.markedAt = time.Now()
		c.log.Warn().
			Str("fingerprint", fingerprint).
			Int("failures", st.consecutive).
			Dur("cooldown", c.cfg.FailureCooldown).
			Msg("Planner marked unreliable for fingerprint")
	}
}

func (c *Client) recordSuccess(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failures, fingerprint)
}
