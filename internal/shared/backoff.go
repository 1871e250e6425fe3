package shared

import (
	"math"
	"time"
)

// Backoff is a stateless exponential backoff policy: attempt -> delay.
// Attempt 0 yields Base; each following attempt multiplies by Factor,
// capped at Max. Jitter, when set, is a fraction in [0,1] of the delay
// that is subtracted using the caller-provided random value.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64
}

// Delay returns the delay before the given zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := b.Factor
	if factor < 1 {
		factor = 2
	}
	d := float64(b.Base) * math.Pow(factor, float64(attempt))
	if b.Max > 0 && (d > float64(b.Max) || math.IsInf(d, 1)) {
		return b.Max
	}
	return time.Duration(d)
}

// DelayWithJitter applies Jitter to Delay(attempt). r must be in [0,1).
func (b Backoff) DelayWithJitter(attempt int, r float64) time.Duration {
	d := b.Delay(attempt)
	if b.Jitter <= 0 {
		return d
	}
	j := b.Jitter
	if j > 1 {
		j = 1
	}
	return d - time.Duration(float64(d)*j*r)
}
