// Package safeguard implements the veto gates the executor must clear before
// applying DDL: rate limiting, latency/CPU throttling, storage budgets,
// circuit breaking, maintenance windows and the optional canary split.
// Denials are values (defer/veto), never errors.
package safeguard

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/indexpilot/indexpilot/internal/domain"
)

// RateLimiter is a token bucket per action key ("index-creation", "reindex",
// "analyze"). Capacity adapts toward the 95th percentile of recent usage so
// quiet systems shrink their burst allowance.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	capacity float64
	refill   float64 // tokens per minute
}

type bucket struct {
	tokens     float64
	capacity   float64
	lastRefill time.Time
	usage      []float64 // per-adaptation-period consumption history
	periodUse  float64
}

// NewRateLimiter creates a limiter with the seed capacity and refill rate.
func NewRateLimiter(capacity, refillPerMin float64) *RateLimiter {
	return &RateLimiter{
		buckets:  make(map[string]*bucket),
		capacity: capacity,
		refill:   refillPerMin,
	}
}

// Take attempts to consume one token for the key. An empty bucket defers.
func (r *RateLimiter) Take(key string) domain.GateOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.bucketFor(key)
	r.refillBucket(b)

	if b.tokens < 1 {
		return domain.GateOutcome{
			Decision: domain.GateDefer,
			Gate:     "rate-limit",
			Reason:   "token bucket empty for " + key,
		}
	}
	b.tokens--
	b.periodUse++
	return domain.GateOutcome{Decision: domain.GateAllow, Gate: "rate-limit"}
}

// Adapt folds the current period's usage into history and retargets each
// bucket's capacity at the 95th percentile of recent usage (never below 1).
func (r *RateLimiter) Adapt() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.buckets {
		b.usage = append(b.usage, b.periodUse)
		if len(b.usage) > 32 {
			b.usage = b.usage[1:]
		}
		b.periodUse = 0

		sorted := append([]float64(nil), b.usage...)
		sort.Float64s(sorted)
		target := stat.Quantile(0.95, stat.Empirical, sorted, nil)
		if target < 1 {
			target = 1
		}
		b.capacity = target
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
}

func (r *RateLimiter) bucketFor(key string) *bucket {
	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{
			tokens:     r.capacity,
			capacity:   r.capacity,
			lastRefill: time.Now(),
		}
		r.buckets[key] = b
	}
	return b
}

func (r *RateLimiter) refillBucket(b *bucket) {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Minutes()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * r.refill
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}
