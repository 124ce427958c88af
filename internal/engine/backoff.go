package engine

import "time"

// Backoff tiers. Counts 1 and 2 and the >=6 ceiling are contractual;
// the intermediate tiers rise monotonically between them.
var backoffTiers = []time.Duration{
	1 * time.Minute,  // failure count 1
	5 * time.Minute,  // failure count 2
	30 * time.Minute, // failure count 3
	2 * time.Hour,    // failure count 4
	6 * time.Hour,    // failure count 5
}

// backoffCeiling applies from the sixth consecutive failure onward.
const backoffCeiling = 12 * time.Hour

// BackoffDelay returns the delay before the next retry given the number
// of consecutive failures so far. Non-decreasing in its argument;
// counts below 1 are clamped to the first tier.
func BackoffDelay(failureCount int) time.Duration {
	if failureCount < 1 {
		failureCount = 1
	}
	if failureCount > len(backoffTiers) {
		return backoffCeiling
	}
	return backoffTiers[failureCount-1]
}
