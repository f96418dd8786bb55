package delivery

import (
	"math/rand"
	"testing"
	"time"
)

func TestPolicyShouldRetry(t *testing.T) {
	p := NewPolicy(2*time.Second, 5, rand.NewSource(1))

	tests := []struct {
		attemptsDone int
		want         bool
	}{
		{0, true},
		{1, true},
		{4, true},
		{5, false},
		{6, false},
	}

	for _, tt := range tests {
		if got := p.ShouldRetry(tt.attemptsDone); got != tt.want {
			t.Errorf("ShouldRetry(%d) = %v, want %v", tt.attemptsDone, got, tt.want)
		}
	}
}

func TestPolicyBaseDelay(t *testing.T) {
	p := NewPolicy(2*time.Second, 5, rand.NewSource(1))

	tests := []struct {
		attemptCount int
		want         time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 16 * time.Second},
		{4, 32 * time.Second},
	}

	for _, tt := range tests {
		if got := p.BaseDelay(tt.attemptCount); got != tt.want {
			t.Errorf("BaseDelay(%d) = %v, want %v", tt.attemptCount, got, tt.want)
		}
	}
}

func TestPolicyBaseDelayOverflow(t *testing.T) {
	p := NewPolicy(time.Hour, 5, rand.NewSource(1))
	got := p.BaseDelay(80)
	if got <= 0 {
		t.Errorf("BaseDelay(80) = %v, want a positive clamped value", got)
	}
}

func TestPolicyNextDelayBounds(t *testing.T) {
	p := NewPolicy(2*time.Second, 5, rand.NewSource(42))

	// Full jitter: every draw lands in [0, pre-jitter delay].
	for i := 0; i < 1000; i++ {
		d := p.NextDelay(3, 0)
		if d < 0 || d > 16*time.Second {
			t.Fatalf("NextDelay(3, 0) = %v, want within [0, 16s]", d)
		}
	}
}

func TestPolicyNextDelayInclusive(t *testing.T) {
	// With a tiny delay window the draw must be able to land on both
	// endpoints.
	p := NewPolicy(time.Nanosecond, 5, rand.NewSource(7))
	seen := map[time.Duration]bool{}
	for i := 0; i < 200; i++ {
		seen[p.NextDelay(0, 0)] = true
	}
	if !seen[0] {
		t.Error("NextDelay() never returned the lower bound 0")
	}
	if !seen[time.Nanosecond] {
		t.Error("NextDelay() never returned the upper bound")
	}
}

func TestPolicyNextDelayRetryAfter(t *testing.T) {
	p := NewPolicy(2*time.Second, 5, rand.NewSource(42))

	// Retry-After above the backoff raises the pre-jitter window.
	sawAboveBackoff := false
	for i := 0; i < 1000; i++ {
		d := p.NextDelay(0, 30*time.Second)
		if d < 0 || d > 30*time.Second {
			t.Fatalf("NextDelay(0, 30s) = %v, want within [0, 30s]", d)
		}
		if d > 2*time.Second {
			sawAboveBackoff = true
		}
	}
	if !sawAboveBackoff {
		t.Error("NextDelay(0, 30s) never exceeded the 2s backoff, Retry-After ignored")
	}

	// Retry-After below the backoff never lowers it.
	for i := 0; i < 1000; i++ {
		if d := p.NextDelay(3, time.Second); d > 16*time.Second {
			t.Fatalf("NextDelay(3, 1s) = %v, want within [0, 16s]", d)
		}
	}
}

func TestPolicyNextDelayZeroBase(t *testing.T) {
	p := NewPolicy(0, 5, rand.NewSource(1))
	if d := p.NextDelay(0, 0); d != 0 {
		t.Errorf("NextDelay(0, 0) with zero base = %v, want 0", d)
	}
}

func TestNewPolicyNilSource(t *testing.T) {
	p := NewPolicy(time.Second, 3, nil)
	if d := p.NextDelay(0, 0); d < 0 || d > time.Second {
		t.Errorf("NextDelay() with clock-seeded source = %v, want within [0, 1s]", d)
	}
}
