package safeguard

import (
	"hash/fnv"
	"sync"
)

// Canary routes a configured fraction of query classes to a freshly built
// index while the remainder keep their pre-change plan measurements, giving
// validation a comparison population. Assignment is deterministic per
// fingerprint so a class never flips sides mid-observation.
type Canary struct {
	mu       sync.Mutex
	fraction float64
	sample   int
	outcomes map[string]*canaryTally    // index name -> observed results
	tracked  map[string]map[string]bool // index under evaluation -> motivating fingerprints
}

type canaryTally struct {
	canaryTotal  float64
	canaryCount  int
	controlTotal float64
	controlCount int
}

// NewCanary creates a canary split. A zero fraction disables it.
func NewCanary(fraction float64, sampleSize int) *Canary {
	return &Canary{
		fraction: fraction,
		sample:   sampleSize,
		outcomes: make(map[string]*canaryTally),
		tracked:  make(map[string]map[string]bool),
	}
}

// Enabled reports whether the canary split is active.
func (c *Canary) Enabled() bool { return c.fraction > 0 }

// InCanary reports whether the fingerprint belongs to the canary population.
func (c *Canary) InCanary(fingerprint string) bool {
	if c.fraction <= 0 {
		return false
	}
	if c.fraction >= 1 {
		return true
	}
	h := fnv.New64a()
	h.Write([]byte(fingerprint))
	return float64(h.Sum64()%10000)/10000.0 < c.fraction
}

// Track registers a freshly built index and the query classes motivating it,
// so live observations feed its tally while validation waits.
func (c *Canary) Track(index string, fingerprints []string) {
	if !c.Enabled() || len(fingerprints) == 0 {
		return
	}
	set := make(map[string]bool, len(fingerprints))
	for _, fp := range fingerprints {
		set[fp] = true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracked[index] = set
}

// ObserveLatency feeds one live query latency to every tracked index whose
// motivating classes include the fingerprint.
func (c *Canary) ObserveLatency(fingerprint string, latencyMS float64) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for index, fps := range c.tracked {
		if fps[fingerprint] {
			c.observeLocked(index, fingerprint, latencyMS)
		}
	}
}

// Observe records one latency observation for an index under evaluation.
func (c *Canary) Observe(index, fingerprint string, latencyMS float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observeLocked(index, fingerprint, latencyMS)
}

func (c *Canary) observeLocked(index, fingerprint string, latencyMS float64) {
	t, ok := c.outcomes[index]
	if !ok {
		t = &canaryTally{}
		c.outcomes[index] = t
	}
	if c.InCanary(fingerprint) {
		t.canaryTotal += latencyMS
		t.canaryCount++
	} else {
		t.controlTotal += latencyMS
		t.controlCount++
	}
}

// Verdict reports whether enough samples exist and whether the canary
// population improved on the control. decided is false until both sides
// reach the configured sample size.
func (c *Canary) Verdict(index string) (improved, decided bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.outcomes[index]
	if !ok || t.canaryCount < c.sample || t.controlCount < c.sample {
		return false, false
	}
	canaryMean := t.canaryTotal / float64(t.canaryCount)
	controlMean := t.controlTotal / float64(t.controlCount)
	return canaryMean < controlMean, true
}

// Forget clears the tallies and tracking for an index after promotion or
// rollback.
func (c *Canary) Forget(index string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.outcomes, index)
	delete(c.tracked, index)
}
