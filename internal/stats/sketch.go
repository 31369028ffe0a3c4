package stats

import (
	"hash/fnv"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// latencySketch keeps a bounded reservoir of latency samples and answers
// quantile queries. Reservoir sampling keeps the sample uniform over the
// whole stream while the memory stays fixed.
type latencySketch struct {
	capacity int
	samples  []float64
	seen     int64
	rng      *rand.Rand
}

func newLatencySketch(capacity int, seed int64) *latencySketch {
	return &latencySketch{
		capacity: capacity,
		samples:  make([]float64, 0, capacity),
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// add records one latency observation in milliseconds.
func (s *latencySketch) add(ms float64) {
	s.seen++
	if len(s.samples) < s.capacity {
		s.samples = append(s.samples, ms)
		return
	}
	// Replace a random element with probability capacity/seen.
	if j := s.rng.Int63n(s.seen); j < int64(s.capacity) {
		s.samples[j] = ms
	}
}

// quantile returns the q-quantile (0..1) of the sampled latencies.
func (s *latencySketch) quantile(q float64) float64 {
	if len(s.samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(s.samples))
	copy(sorted, s.samples)
	sort.Float64s(sorted)
	return stat.Quantile(q, stat.Empirical, sorted, nil)
}

// distinctEstimator is a K-minimum-values cardinality estimator: it keeps the
// k smallest 64-bit hashes seen and estimates distinct count from the k-th
// minimum. Fixed memory, no false blocking on the hot path.
type distinctEstimator struct {
	k      int
	hashes []uint64 // sorted ascending, at most k entries
	exact  map[uint64]struct{}
}

func newDistinctEstimator(k int) *distinctEstimator {
	return &distinctEstimator{
		k:     k,
		exact: make(map[uint64]struct{}, k),
	}
}

// add hashes one parameter vector representation into the estimator.
func (d *distinctEstimator) add(value string) {
	h := fnv.New64a()
	h.Write([]byte(value))
	d.addHash(h.Sum64())
}

func (d *distinctEstimator) addHash(hv uint64) {
	if _, ok := d.exact[hv]; ok {
		return
	}
	if len(d.hashes) < d.k {
		d.exact[hv] = struct{}{}
		d.hashes = insertSorted(d.hashes, hv)
		return
	}
	// Full: keep only hashes below the current k-th minimum.
	if hv >= d.hashes[len(d.hashes)-1] {
		return
	}
	evicted := d.hashes[len(d.hashes)-1]
	delete(d.exact, evicted)
	d.hashes = insertSorted(d.hashes[:len(d.hashes)-1], hv)
	d.exact[hv] = struct{}{}
}

// estimate returns the approximate number of distinct values seen.
func (d *distinctEstimator) estimate() int64 {
	n := len(d.hashes)
	if n < d.k {
		return int64(n)
	}
	kthMin := float64(d.hashes[n-1])
	if kthMin == 0 {
		return int64(n)
	}
	// KMV estimate: (k-1) / normalized k-th minimum.
	return int64(math.Round(float64(d.k-1) / (kthMin / float64(math.MaxUint64))))
}

func insertSorted(s []uint64, v uint64) []uint64 {
	i := sort.Search(len(s), func(i int) bool { return s[i] >= v })
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// ewma folds a new observation into an exponentially weighted moving average.
func ewma(current, observation, alpha float64) float64 {
	if current == 0 {
		return observation
	}
	return alpha*observation + (1-alpha)*current
}
