package util

import (
	"math"
	"math/rand"
	"time"

	"github.com/Golden-forest/cardall-sync/internal/model"
)

// Shared backoff math for the operation queue and sync orchestrator so the
// two always agree on retry timing.

// RetryDelay computes the delay before the given retry attempt (1-based):
// initial * multiplier^(attempt-1), capped at the policy maximum, with
// optional ± jitter.
func RetryDelay(policy model.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := policy.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	multiplier := policy.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	maxDelay := policy.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	if policy.Jitter > 0 {
		// Spread delays by ±jitter to avoid retry stampedes.
		spread := delay * policy.Jitter
		delay = delay - spread + rand.Float64()*2*spread
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
