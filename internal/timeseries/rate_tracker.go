// Package timeseries tracks a cumulative counter and reports its rate over
// rolling windows.
//
// Add is lock-free; Sample and Stats take the ring buffer lock.
package timeseries

import (
	"sync"
	"sync/atomic"
	"time"
)

// Default rolling windows.
var DefaultWindows = []time.Duration{time.Second, 10 * time.Second, time.Minute}

// Clock interface for testing with deterministic time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type sample struct {
	at    time.Time
	count int64
}

// RateTracker counts events (output lines, bytes) and computes per-second
// rates over its windows from periodic samples.
//
//	tracker := NewRateTracker(timeseries.DefaultWindows...)
//	tracker.Add(1)       // per event
//	tracker.Sample()     // once a second
//	stats := tracker.Stats()
type RateTracker struct {
	total atomic.Int64

	windows []time.Duration

	mu       sync.RWMutex
	samples  []sample
	size     int
	writeIdx int
	start    time.Time

	clock Clock
}

// RateStats is the tracker state at one instant.
type RateStats struct {
	Total int64

	// Rates holds events per second for each window, in window order.
	Rates []float64

	// Overall is the rate since the tracker started.
	Overall float64
}

// NewRateTracker creates a tracker over the given windows, or
// DefaultWindows when none are given.
func NewRateTracker(windows ...time.Duration) *RateTracker {
	return NewRateTrackerWithClock(realClock{}, windows...)
}

// NewRateTrackerWithClock creates a tracker with a custom clock.
func NewRateTrackerWithClock(clock Clock, windows ...time.Duration) *RateTracker {
	if len(windows) == 0 {
		windows = DefaultWindows
	}
	var longest time.Duration
	for _, w := range windows {
		if w > longest {
			longest = w
		}
	}
	// one sample a second covers the longest window, plus the anchor
	size := int(longest/time.Second) + 2

	now := clock.Now()
	t := &RateTracker{
		windows: append([]time.Duration(nil), windows...),
		samples: make([]sample, 0, size),
		size:    size,
		start:   now,
		clock:   clock,
	}
	t.samples = append(t.samples, sample{at: now})
	return t
}

// Add adds n to the counter. Non-positive values are ignored.
func (t *RateTracker) Add(n int64) {
	if n > 0 {
		t.total.Add(n)
	}
}

// Sample records the current count. Call it about once a second.
func (t *RateTracker) Sample() {
	s := sample{at: t.clock.Now(), count: t.total.Load()}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.samples) < t.size {
		t.samples = append(t.samples, s)
		return
	}
	t.samples[t.writeIdx] = s
	t.writeIdx = (t.writeIdx + 1) % t.size
}

// Stats computes the current rates.
func (t *RateTracker) Stats() RateStats {
	now := t.clock.Now()
	total := t.total.Load()

	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := RateStats{Total: total, Rates: make([]float64, len(t.windows))}
	if elapsed := now.Sub(t.start).Seconds(); elapsed > 0 {
		stats.Overall = float64(total) / elapsed
	}
	for i, w := range t.windows {
		stats.Rates[i] = t.rateOver(now, total, w)
	}
	return stats
}

// rateOver uses the newest sample at or before now-window, or the oldest
// sample when history is shorter than the window. Must hold mu.
func (t *RateTracker) rateOver(now time.Time, total int64, window time.Duration) float64 {
	cutoff := now.Add(-window)

	var best *sample
	for i := range t.samples {
		s := &t.samples[i]
		if s.at.After(cutoff) {
			continue
		}
		if best == nil || s.at.After(best.at) {
			best = s
		}
	}
	if best == nil {
		best = t.oldest()
	}

	elapsed := now.Sub(best.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(total-best.count) / elapsed
}

func (t *RateTracker) oldest() *sample {
	if len(t.samples) < t.size {
		return &t.samples[0]
	}
	return &t.samples[t.writeIdx]
}

// Windows returns the tracker's windows.
func (t *RateTracker) Windows() []time.Duration {
	return append([]time.Duration(nil), t.windows...)
}

// Reset clears the counter and history.
func (t *RateTracker) Reset() {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.total.Store(0)
	t.samples = append(t.samples[:0], sample{at: now})
	t.writeIdx = 0
	t.start = now
}

// SampleCount returns the number of samples held.
func (t *RateTracker) SampleCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.samples)
}
