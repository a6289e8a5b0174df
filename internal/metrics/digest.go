package metrics

import (
	"sync"
	"time"

	"github.com/influxdata/tdigest"
)

// LatencyDigest tracks a duration distribution in constant memory.
type LatencyDigest struct {
	mu     sync.Mutex
	digest *tdigest.TDigest
	count  int64
	max    time.Duration
}

// NewLatencyDigest returns an empty digest.
func NewLatencyDigest() *LatencyDigest {
	return &LatencyDigest{digest: tdigest.NewWithCompression(100)}
}

// Add records one observation.
func (l *LatencyDigest) Add(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.digest.Add(float64(d.Nanoseconds()), 1)
	l.count++
	if d > l.max {
		l.max = d
	}
}

// Count returns the number of observations.
func (l *LatencyDigest) Count() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Max returns the largest observation.
func (l *LatencyDigest) Max() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.max
}

// Quantile returns the estimated q-quantile, or 0 when empty.
func (l *LatencyDigest) Quantile(q float64) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.quantile(q)
}

// Percentiles returns p50, p95 and p99.
func (l *LatencyDigest) Percentiles() (p50, p95, p99 time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.quantile(0.50), l.quantile(0.95), l.quantile(0.99)
}

func (l *LatencyDigest) quantile(q float64) time.Duration {
	if l.count == 0 {
		return 0
	}
	return time.Duration(l.digest.Quantile(q))
}
