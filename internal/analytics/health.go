// Package analytics computes execution statistics and health scores over
// the ledger and the dead letter queue, and renders them as operator
// reports.
package analytics

import "github.com/tofesapp/automation/internal/store"

// HealthScore maps a success rate (0-100) onto a 0-100 health score.
// The curve is deliberately steeper than the raw rate: a system
// succeeding 80% of the time is in real trouble, and the score says so.
//
//	rate >= 95      -> 100
//	rate >= 90      -> 90..100
//	rate >= 80      -> 70..90
//	rate >= 50      -> 40..70
//	rate  < 50      -> 0..40
func HealthScore(rate float64) float64 {
	switch {
	case rate >= 95:
		return 100
	case rate >= 90:
		return 90 + (rate-90)/5*10
	case rate >= 80:
		return 70 + (rate-80)/10*20
	case rate >= 50:
		return 40 + (rate-50)/30*30
	default:
		score := rate / 50 * 40
		if score < 0 {
			return 0
		}
		return score
	}
}

// ExecutionHealth scores a tenant's ledger. No executions at all means
// nothing has gone wrong: full health. The rate here is over completed
// attempts only — pending rows are in flight and carry no outcome yet,
// unlike ExecutionStats.SuccessRate which reports against all attempts.
func ExecutionHealth(stats store.ExecutionStats) float64 {
	completed := stats.Success + stats.Failed
	if completed == 0 {
		return 100
	}
	rate := float64(stats.Success) / float64(completed) * 100
	return HealthScore(rate)
}

// DeadLetterHealth scores a tenant's DLQ by its resolved ratio, on the
// same curve. An empty queue is full health; a queue where half the
// entries are still unresolved scores well under 50.
func DeadLetterHealth(stats store.DeadLetterStats) float64 {
	if stats.Total == 0 {
		return 100
	}
	rate := float64(stats.Resolved) / float64(stats.Total) * 100
	return HealthScore(rate)
}
