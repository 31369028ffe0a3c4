package planner

import (
	"container/list"
	"sync"
	"time"

	"github.com/indexpilot/indexpilot/internal/db"
)

// planCache is a count-bounded LRU with per-entry TTL for parsed plans.
// Concurrent readers share the lock; each entry has a single writer.
type planCache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	order   *list.List // front = most recently used
	entries map[string]*list.Element
}

type cacheEntry struct {
	key      string
	plan     *db.Plan
	storedAt time.Time
}

func newPlanCache(maxSize int, ttl time.Duration) *planCache {
	return &planCache{
		maxSize: maxSize,
		ttl:     ttl,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// get returns the cached plan for key, or nil when absent or expired.
func (c *planCache) get(key string) *db.Plan {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil
	}
	entry := el.Value.(*cacheEntry)
	if time.Since(entry.storedAt) > c.ttl {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil
	}
	c.order.MoveToFront(el)
	return entry.plan
}

// put stores a plan, evicting the least recently used entry when full.
func (c *planCache) put(key string, plan *db.Plan) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).plan = plan
		el.Value.(*cacheEntry).storedAt = time.Now()
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{key: key, plan: plan, storedAt: time.Now()})
	c.entries[key] = el

	for c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

// invalidate drops every cached plan. Called at mutation-commit boundaries:
// a new or dropped index changes what the planner would choose.
func (c *planCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
}

func (c *planCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
