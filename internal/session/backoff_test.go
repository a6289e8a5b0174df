package session

import (
	"testing"
	"time"
)

// =============================================================================
// Table-Driven Tests: Backoff
// =============================================================================

func TestDefaultBackoffConfig(t *testing.T) {
	cfg := DefaultBackoffConfig()
	if cfg.Initial != 250*time.Millisecond || cfg.Max != 5*time.Second {
		t.Errorf("Initial/Max = %v/%v, want 250ms/5s", cfg.Initial, cfg.Max)
	}
	if cfg.Multiplier != 1.7 || cfg.JitterPct != 0.4 {
		t.Errorf("Multiplier/JitterPct = %v/%v", cfg.Multiplier, cfg.JitterPct)
	}
}

func TestBackoff_NoJitter(t *testing.T) {
	cfg := BackoffConfig{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}
	b := NewBackoff("session", cfg)

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("attempt %d: got %v, want %v", i, got, w)
		}
	}
	if b.Attempts() != len(want) {
		t.Errorf("Attempts = %d, want %d", b.Attempts(), len(want))
	}

	b.Reset()
	if got := b.Calculate(); got != 100*time.Millisecond {
		t.Errorf("after Reset: got %v, want 100ms", got)
	}
	if b.Attempts() != 0 {
		t.Error("Calculate must not count an attempt")
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	cfg := DefaultBackoffConfig()
	b := NewBackoff("jitter", cfg)

	for i := 0; i < 50; i++ {
		b.Reset()
		got := b.Calculate()
		lo := time.Duration(float64(cfg.Initial) * 0.8)
		hi := time.Duration(float64(cfg.Initial) * 1.2)
		if got < lo || got > hi {
			t.Fatalf("delay %v outside [%v, %v]", got, lo, hi)
		}
	}
}

func TestBackoff_DeterministicPerSession(t *testing.T) {
	cfg := DefaultBackoffConfig()
	a := NewBackoff("same", cfg)
	b := NewBackoff("same", cfg)
	for i := 0; i < 5; i++ {
		if x, y := a.Next(), b.Next(); x != y {
			t.Fatalf("attempt %d: %v != %v", i, x, y)
		}
	}
}

func TestShouldReset(t *testing.T) {
	tests := []struct {
		name     string
		uptime   time.Duration
		exitCode int
		want     bool
	}{
		{"quick crash", time.Second, 1, false},
		{"stable run", BackoffResetThreshold, 1, true},
		{"clean exit", time.Second, 0, true},
		{"signal death", 10 * time.Second, 137, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldReset(tt.uptime, tt.exitCode); got != tt.want {
				t.Errorf("ShouldReset(%v, %d) = %v, want %v", tt.uptime, tt.exitCode, got, tt.want)
			}
		})
	}
}
