// Package backoff provides exponential backoff utilities for restart and retry logic.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) added on top of the base delay.
	Jitter float64
}

// Delay computes the backoff duration for a given attempt number.
// Attempt numbers start at 1: Initial * Factor^(attempt-1), plus jitter,
// clamped to Max.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

func (p Policy) delayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	jitter := base * p.Jitter * randomValue
	return time.Duration(math.Min(float64(p.Max), base+jitter))
}

// RestartPolicy is the schedule for tool-server restarts: 1s, 2s, 4s, ...
// capped at 30s, no jitter.
func RestartPolicy() Policy {
	return Policy{
		Initial: time.Second,
		Max:     30 * time.Second,
		Factor:  2,
	}
}

// RetryPolicy is a quick schedule for retrying transient failures such as
// model round-trips. Initial: 250ms, Max: 5s, Factor: 2, Jitter: 10%.
func RetryPolicy() Policy {
	return Policy{
		Initial: 250 * time.Millisecond,
		Max:     5 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}
