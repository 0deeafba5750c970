package collector

import (
	"math"
	"math/rand"
	"time"

	"github.com/rzbill/harvest/internal/faults"
)

// Policy decides whether a failed attempt is retried and how long to back
// off first. Stateless; callers track the attempt count.
type Policy struct {
	// MaxRetries bounds retries after the first attempt. Zero means no
	// retries.
	MaxRetries int
	// InitialDelay is the backoff before the first retry.
	InitialDelay time.Duration
	// Multiplier grows the delay per attempt. Defaults to 2 when <= 1.
	Multiplier float64
	// MaxDelay caps the computed delay. Defaults to 30s when zero.
	MaxDelay time.Duration
	// JitterFrac randomizes the delay within ±frac of itself. Defaults to
	// 0.2 when zero; set negative to disable.
	JitterFrac float64

	// randFloat is a test hook over rand.Float64.
	randFloat func() float64
}

// NewPolicy returns a Policy with the standard multiplier, cap, and jitter.
func NewPolicy(maxRetries int, initialDelay time.Duration) Policy {
	return Policy{
		MaxRetries:   maxRetries,
		InitialDelay: initialDelay,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
		JitterFrac:   0.2,
	}
}

// Decide reports whether attempt (1-based, the attempt that just failed)
// should be retried, and after what delay. Permanent faults are never
// retried regardless of budget.
func (p Policy) Decide(attempt int, err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	if faults.IsPermanent(err) {
		return 0, false
	}
	if attempt > p.MaxRetries {
		return 0, false
	}

	mult := p.Multiplier
	if mult <= 1 {
		mult = 2
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	delay := time.Duration(float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1)))
	if delay > maxDelay || delay < 0 {
		delay = maxDelay
	}

	frac := p.JitterFrac
	if frac == 0 {
		frac = 0.2
	}
	if frac > 0 {
		rnd := p.randFloat
		if rnd == nil {
			rnd = rand.Float64
		}
		// uniform in [1-frac, 1+frac)
		delay = time.Duration(float64(delay) * (1 - frac + 2*frac*rnd()))
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return delay, true
}
