package session

import (
	"hash/fnv"
	"math"
	"math/rand"
	"time"
)

// BackoffConfig holds the configuration for restart backoff.
type BackoffConfig struct {
	Initial    time.Duration // First delay (default: 250ms)
	Max        time.Duration // Delay cap (default: 5s)
	Multiplier float64       // Growth per attempt (default: 1.7)
	JitterPct  float64       // Jitter as a fraction of the delay (default: 0.4 = ±20%)
}

// DefaultBackoffConfig returns the defaults used when restarts are enabled.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    250 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 1.7,
		JitterPct:  0.4,
	}
}

// Backoff calculates exponential restart delays with jitter. Jitter is
// seeded from the session id so a replayed session waits the same way.
type Backoff struct {
	config   BackoffConfig
	attempts int
	rng      *rand.Rand
}

// NewBackoff creates a Backoff for one session.
func NewBackoff(sessionID string, cfg BackoffConfig) *Backoff {
	h := fnv.New64a()
	h.Write([]byte(sessionID))
	return &Backoff{
		config: cfg,
		rng:    rand.New(rand.NewSource(int64(h.Sum64()))),
	}
}

// Next returns the next delay and counts the attempt.
func (b *Backoff) Next() time.Duration {
	delay := b.Calculate()
	b.attempts++
	return delay
}

// Calculate returns the current delay without counting an attempt.
func (b *Backoff) Calculate() time.Duration {
	delay := float64(b.config.Initial) * math.Pow(b.config.Multiplier, float64(b.attempts))
	if delay > float64(b.config.Max) {
		delay = float64(b.config.Max)
	}

	// ±(JitterPct/2) of the delay
	if b.config.JitterPct > 0 {
		jitterRange := delay * b.config.JitterPct
		delay += jitterRange*b.rng.Float64() - jitterRange/2
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Reset zeroes the attempt counter.
func (b *Backoff) Reset() { b.attempts = 0 }

// Attempts returns the attempt count.
func (b *Backoff) Attempts() int { return b.attempts }

// BackoffResetThreshold is the uptime after which a target counts as
// stable and the next failure starts from the initial delay again.
const BackoffResetThreshold = 30 * time.Second

// ShouldReset reports whether backoff restarts from zero after a run that
// lasted uptime and exited with exitCode.
func ShouldReset(uptime time.Duration, exitCode int) bool {
	return uptime >= BackoffResetThreshold || exitCode == 0
}
