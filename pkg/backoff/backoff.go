package backoff

import (
	"math/rand"
	"time"
)

// Strategy computes the pause before the given retry attempt.
type Strategy interface {
	Next(attempt int) time.Duration
}

// Exponential grows Base by Factor per attempt, capped at Max.
// Jitter spreads the result by +/- Jitter (0.0 to 1.0).
type Exponential struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64
}

// Default is used by the SDK when retrying transient Coordinator
// failures: 100ms base, 5s cap, factor 2, 20% jitter.
func Default() *Exponential {
	return &Exponential{
		Base:   100 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2.0,
		Jitter: 0.2,
	}
}

// Vendor is the RequestManager's failure backoff: 1s floor, 60s
// ceiling, no jitter so circuit reset times are predictable.
func Vendor() *Exponential {
	return &Exponential{
		Base:   time.Second,
		Max:    time.Minute,
		Factor: 2.0,
	}
}

// Next returns the wait for attempt (0-based).
func (b *Exponential) Next(attempt int) time.Duration {
	if attempt < 0 {
		return b.Base
	}

	delay := float64(b.Base)
	for i := 0; i < attempt; i++ {
		delay *= b.Factor
		if delay > float64(b.Max) {
			break
		}
	}
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	if b.Jitter > 0 {
		delay += delay * (rand.Float64()*2 - 1) * b.Jitter
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}
