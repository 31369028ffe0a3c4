package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBucketHistorySustained(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := newBucketHistory(6, time.Hour, t0)

	h.observe(t0)
	h.observe(t0.Add(time.Hour))
	h.observe(t0.Add(2 * time.Hour))

	// Three historical buckets with steady traffic, quiet current bucket.
	assert.True(t, h.sustained(3, 3.0, t0.Add(3*time.Hour)))
}

func TestBucketHistorySpikeExceedsMultiplier(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := newBucketHistory(6, time.Hour, t0)

	h.observe(t0)
	h.observe(t0.Add(time.Hour))
	h.observe(t0.Add(2 * time.Hour))
	for i := 0; i < 10; i++ {
		h.observe(t0.Add(3 * time.Hour))
	}

	// Current bucket is 10x the historical median of 1.
	assert.False(t, h.sustained(3, 3.0, t0.Add(3*time.Hour)))
}

func TestBucketHistoryTooFewBuckets(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := newBucketHistory(6, time.Hour, t0)

	h.observe(t0)
	assert.False(t, h.sustained(3, 3.0, t0))
}

func TestBucketHistoryNoHistoricalTraffic(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := newBucketHistory(6, time.Hour, t0)

	for i := 0; i < 5; i++ {
		h.observe(t0)
	}
	// All traffic sits in the current bucket; there is no baseline yet.
	assert.False(t, h.sustained(1, 3.0, t0))
}

func TestBucketHistoryRollExpiresOldBuckets(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := newBucketHistory(4, time.Hour, t0)

	h.observe(t0)
	h.observe(t0.Add(time.Hour))
	assert.Equal(t, int64(2), h.total())

	// Jumping past the whole window clears every bucket.
	h.roll(t0.Add(10 * time.Hour))
	assert.Equal(t, int64(0), h.total())
}

func TestBucketHistoryLateSample(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := newBucketHistory(4, time.Hour, t0)

	h.observe(t0.Add(2 * time.Hour))
	h.observe(t0) // out of order, still counted
	assert.Equal(t, int64(2), h.total())
}
