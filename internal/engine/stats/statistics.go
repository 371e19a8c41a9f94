// Package stats implements the online Statistics series, per-function
// FunctionCounters/FunctionStats, and the clock-skew estimator from spec §3
// and §4.2.
package stats

import (
	"math"
	"sync"
)

// Statistics is an online mean/variance/min/max tracker using Welford's
// algorithm, matching spec §3 ("Online mean, variance (Welford), min, max,
// samples").
type Statistics struct {
	mu      sync.Mutex
	samples int64
	mean    float64
	m2      float64
	min     float64
	max     float64
}

// NewStatistics returns an empty series.
func NewStatistics() *Statistics {
	return &Statistics{}
}

// Add folds a new sample into the running statistics.
func (s *Statistics) Add(x float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples++
	if s.samples == 1 {
		s.mean = x
		s.min = x
		s.max = x
		return
	}

	delta := x - s.mean
	s.mean += delta / float64(s.samples)
	delta2 := x - s.mean
	s.m2 += delta * delta2

	if x < s.min {
		s.min = x
	}
	if x > s.max {
		s.max = x
	}
}

// Snapshot is a point-in-time, immutable copy of a Statistics series.
type Snapshot struct {
	Samples int64
	Mean    float64
	Stdev   float64
	Min     float64
	Max     float64
}

// Snapshot returns the current mean/stdev/min/max/samples.
func (s *Statistics) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var variance float64
	if s.samples > 1 {
		variance = s.m2 / float64(s.samples-1)
	}
	return Snapshot{
		Samples: s.samples,
		Mean:    s.mean,
		Stdev:   math.Sqrt(variance),
		Min:     s.min,
		Max:     s.max,
	}
}

// Reset clears the series back to empty (used by the lifecycle controller's
// stats emitter to report deltas-since-last-tick, spec §4.8).
func (s *Statistics) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = 0
	s.mean = 0
	s.m2 = 0
	s.min = 0
	s.max = 0
}
