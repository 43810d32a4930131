// Package backoff provides backoff delay computation with optional jitter,
// with an injectable random source for deterministic tests.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the backoff before the second attempt.
	Initial time.Duration
	// Max caps the computed backoff.
	Max time.Duration
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) added on top of the base.
	Jitter float64
}

// Delay computes the backoff before the given 1-indexed attempt.
func Delay(policy Policy, attempt int) time.Duration {
	return DelayWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand computes the backoff using a caller-provided random value in
// [0.0, 1.0). Tests pass a fixed value for deterministic results.
func DelayWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(policy.Initial) * math.Pow(policy.Factor, exp)
	jitter := base * policy.Jitter * randomValue
	total := math.Min(float64(policy.Max), base+jitter)
	return time.Duration(total)
}

// Reconnect returns the policy used for channel reconnection: 1s initial,
// doubling, capped at 10s, no jitter.
func Reconnect() Policy {
	return Policy{
		Initial: time.Second,
		Max:     10 * time.Second,
		Factor:  2,
	}
}
