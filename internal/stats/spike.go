package stats

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// bucketHistory tracks per-fingerprint observation counts across N fixed time
// buckets. It backs the spike-vs-sustained classification: only query classes
// with a steady footprint may motivate index candidates.
type bucketHistory struct {
	bucketSize time.Duration
	counts     []int64 // counts[len-1] is the current bucket
	start      time.Time
}

func newBucketHistory(n int, bucketSize time.Duration, now time.Time) *bucketHistory {
	return &bucketHistory{
		bucketSize: bucketSize,
		counts:     make([]int64, n),
		start:      now.Truncate(bucketSize),
	}
}

// observe counts one observation at ts, rolling the window forward as needed.
func (h *bucketHistory) observe(ts time.Time) {
	h.roll(ts)
	h.counts[len(h.counts)-1]++
}

// roll advances the window so the last bucket covers ts.
func (h *bucketHistory) roll(ts time.Time) {
	elapsed := ts.Sub(h.start)
	if elapsed < 0 {
		return // late sample lands in the current bucket
	}
	shift := int(elapsed / h.bucketSize)
	if shift == 0 {
		return
	}
	if shift >= len(h.counts) {
		for i := range h.counts {
			h.counts[i] = 0
		}
	} else {
		copy(h.counts, h.counts[shift:])
		for i := len(h.counts) - shift; i < len(h.counts); i++ {
			h.counts[i] = 0
		}
	}
	h.start = h.start.Add(time.Duration(shift) * h.bucketSize)
}

// sustained reports whether the fingerprint qualifies as sustained load:
// observed in at least minBuckets of the window AND the current bucket does
// not exceed multiplier × median of the historical (non-current) counts.
func (h *bucketHistory) sustained(minBuckets int, multiplier float64, now time.Time) bool {
	h.roll(now)

	observed := 0
	for _, c := range h.counts {
		if c > 0 {
			observed++
		}
	}
	if observed < minBuckets {
		return false
	}

	// Median over historical buckets that saw traffic.
	var historical []float64
	for _, c := range h.counts[:len(h.counts)-1] {
		if c > 0 {
			historical = append(historical, float64(c))
		}
	}
	if len(historical) == 0 {
		return false
	}
	sort.Float64s(historical)
	median := stat.Quantile(0.5, stat.Empirical, historical, nil)

	current := float64(h.counts[len(h.counts)-1])
	return current <= multiplier*median
}

// total returns the observation count across the whole window.
func (h *bucketHistory) total() int64 {
	var sum int64
	for _, c := range h.counts {
		sum += c
	}
	return sum
}
