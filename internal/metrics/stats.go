// Package metrics implements the metrics core: running statistics with
// reservoir-sampled percentiles, the deduplicating error tracker, the
// bounded result store and summary generation.
package metrics

import (
	"math"
	"math/rand"
	"sort"
	"sync"
)

// DefaultReservoirSize bounds the percentile sample.
const DefaultReservoirSize = 10000

// DefaultPercentiles is the percentile set reported when none is
// configured.
var DefaultPercentiles = []float64{50, 90, 95, 99}

// Stats maintains running counters and a reservoir sample of success
// durations. Record is O(1); percentile computation sorts the
// reservoir on demand.
type Stats struct {
	mu sync.Mutex

	total   int64
	success int64
	fail    int64

	sum float64
	min float64
	max float64

	reservoir []float64
	seen      int64 // success observations offered to the reservoir
	rng       *rand.Rand
}

// NewStats creates a Stats with the default reservoir size.
func NewStats() *Stats {
	return NewStatsWithSize(DefaultReservoirSize)
}

// NewStatsWithSize creates a Stats with a custom reservoir bound.
func NewStatsWithSize(size int) *Stats {
	if size <= 0 {
		size = DefaultReservoirSize
	}
	return &Stats{
		reservoir: make([]float64, 0, size),
		min:       math.Inf(1),
		max:       math.Inf(-1),
		rng:       rand.New(rand.NewSource(rand.Int63())),
	}
}

// Record adds one observation. durationMs covers the step; only
// successful durations enter the percentile reservoir.
func (s *Stats) Record(durationMs float64, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	s.sum += durationMs
	if durationMs < s.min {
		s.min = durationMs
	}
	if durationMs > s.max {
		s.max = durationMs
	}

	if !success {
		s.fail++
		return
	}
	s.success++
	s.seen++

	// Vitter's algorithm R.
	if len(s.reservoir) < cap(s.reservoir) {
		s.reservoir = append(s.reservoir, durationMs)
		return
	}
	if j := s.rng.Int63n(s.seen); j < int64(cap(s.reservoir)) {
		s.reservoir[j] = durationMs
	}
}

// Counts returns (total, success, fail).
func (s *Stats) Counts() (int64, int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total, s.success, s.fail
}

// Sum returns the accumulated duration in milliseconds.
func (s *Stats) Sum() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum
}

// MinMax returns the observed extremes; zeros when empty.
func (s *Stats) MinMax() (float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.total == 0 {
		return 0, 0
	}
	return s.min, s.max
}

// Mean returns the average duration; zero when empty.
func (s *Stats) Mean() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.total == 0 {
		return 0
	}
	return s.sum / float64(s.total)
}

// Percentiles computes the requested percentiles from the reservoir.
// The result maps p -> duration; an empty reservoir yields zeros.
func (s *Stats) Percentiles(ps []float64) map[float64]float64 {
	if len(ps) == 0 {
		ps = DefaultPercentiles
	}

	s.mu.Lock()
	sample := make([]float64, len(s.reservoir))
	copy(sample, s.reservoir)
	s.mu.Unlock()

	sort.Float64s(sample)

	out := make(map[float64]float64, len(ps))
	for _, p := range ps {
		out[p] = percentileOf(sample, p)
	}
	return out
}

// Percentile computes a single percentile.
func (s *Stats) Percentile(p float64) float64 {
	return s.Percentiles([]float64{p})[p]
}

// percentileOf picks ceil((p/100)*n)-1 from a sorted sample.
func percentileOf(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// SnapshotCounts is a point-in-time copy of the counters.
type SnapshotCounts struct {
	Total   int64   `json:"total"`
	Success int64   `json:"success"`
	Fail    int64   `json:"fail"`
	Sum     float64 `json:"sum"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Mean    float64 `json:"mean"`
}

// Snapshot returns a consistent copy of the counters.
func (s *Stats) Snapshot() SnapshotCounts {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc := SnapshotCounts{
		Total:   s.total,
		Success: s.success,
		Fail:    s.fail,
		Sum:     s.sum,
	}
	if s.total > 0 {
		sc.Min = s.min
		sc.Max = s.max
		sc.Mean = s.sum / float64(s.total)
	}
	return sc
}
