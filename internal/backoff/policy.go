// Package backoff provides exponential backoff with jitter for retry loops.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// InitialMs is the initial backoff duration in milliseconds.
	InitialMs float64
	// MaxMs is the maximum backoff duration in milliseconds.
	MaxMs float64
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0).
	Jitter float64
}

// Compute calculates the backoff for a given attempt number. Attempts
// start at 1.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the backoff using a provided random value in
// [0.0, 1.0). Useful for deterministic tests.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	jitter := base * policy.Jitter * randomValue
	total := math.Min(policy.MaxMs, base+jitter)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// Default returns the reconnect policy used across the platform:
// initial 200ms, max 30s, factor 2, jitter 10%.
func Default() Policy {
	return Policy{
		InitialMs: 200,
		MaxMs:     30000,
		Factor:    2,
		Jitter:    0.1,
	}
}
