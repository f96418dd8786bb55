package delivery

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Policy decides whether a failed delivery gets another attempt and how long
// to wait. Pre-jitter delays double per executed attempt starting from Base;
// the actual delay is drawn uniformly from [0, delay].
type Policy struct {
	Base       time.Duration
	MaxRetries int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPolicy builds a Policy. A nil src seeds the jitter source from the
// clock.
func NewPolicy(base time.Duration, maxRetries int, src rand.Source) *Policy {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Policy{Base: base, MaxRetries: maxRetries, rng: rand.New(src)}
}

// ShouldRetry reports whether another attempt is allowed after attemptsDone
// executed attempts. MaxRetries counts executed attempts, not re-tries.
func (p *Policy) ShouldRetry(attemptsDone int) bool {
	return attemptsDone < p.MaxRetries
}

// BaseDelay returns Base doubled once per executed attempt: the first retry
// waits Base, the second 2*Base, and so on.
func (p *Policy) BaseDelay(attemptCount int) time.Duration {
	d := p.Base
	for i := 0; i < attemptCount; i++ {
		if d > math.MaxInt64/2 {
			return time.Duration(math.MaxInt64)
		}
		d *= 2
	}
	return d
}

// NextDelay returns the jittered wait before the next attempt. A Retry-After
// hint from the endpoint raises the pre-jitter delay but never lowers it.
func (p *Policy) NextDelay(attemptCount int, retryAfter time.Duration) time.Duration {
	chosen := p.BaseDelay(attemptCount)
	if retryAfter > chosen {
		chosen = retryAfter
	}
	if chosen <= 0 {
		return 0
	}

	// Full jitter, inclusive of both endpoints.
	n := int64(chosen)
	if n < math.MaxInt64 {
		n++
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(p.rng.Int63n(n))
}
