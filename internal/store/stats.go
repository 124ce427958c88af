package store

import (
	"context"
	"fmt"
	"time"

	"github.com/tofesapp/automation/internal/trigger"
)

// ExecutionStats summarizes ledger rows for a scope.
type ExecutionStats struct {
	Total   int
	Success int
	Failed  int
	Pending int
}

// SuccessRate returns success as a percentage of all attempts, pending
// included. Zero attempts is 0, not full marks: "no data" and "all
// succeeded" must stay distinguishable in reports.
func (s ExecutionStats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Success) / float64(s.Total) * 100
}

// StatsFilter narrows execution stats to one trigger and/or one action.
// The zero value means tenant-wide.
type StatsFilter struct {
	TriggerID string
	ActionID  string
}

// ExecutionCounts returns per-status ledger counts for a tenant, narrowed
// by the optional filter.
func (s *Store) ExecutionCounts(ctx context.Context, tenantID string, filter StatsFilter) (ExecutionStats, error) {
	query := `
		SELECT status, COUNT(*)
		FROM action_executions
		WHERE tenant_id = ?
	`
	args := []any{tenantID}
	if filter.TriggerID != "" {
		query += " AND trigger_id = ?"
		args = append(args, filter.TriggerID)
	}
	if filter.ActionID != "" {
		query += " AND action_id = ?"
		args = append(args, filter.ActionID)
	}
	query += " GROUP BY status"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return ExecutionStats{}, fmt.Errorf("execution counts: %w", err)
	}
	defer rows.Close()

	var stats ExecutionStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return ExecutionStats{}, fmt.Errorf("scan execution count: %w", err)
		}
		stats.Total += count
		switch trigger.ExecutionStatus(status) {
		case trigger.ExecutionSuccess:
			stats.Success = count
		case trigger.ExecutionFailed:
			stats.Failed = count
		case trigger.ExecutionPending:
			stats.Pending = count
		}
	}
	if err := rows.Err(); err != nil {
		return ExecutionStats{}, fmt.Errorf("iterate execution counts: %w", err)
	}

	return stats, nil
}

// TimelineBucket is one hour of execution activity.
type TimelineBucket struct {
	Hour    time.Time
	Total   int
	Success int
	Failed  int
}

// ExecutionTimeline returns hourly bucketed counts for a tenant since the
// given time, oldest bucket first. Hours with no activity are absent.
func (s *Store) ExecutionTimeline(ctx context.Context, tenantID string, since time.Time) ([]TimelineBucket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT strftime('%Y-%m-%dT%H:00:00.000Z', started_at) AS hour,
		       COUNT(*),
		       SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END)
		FROM action_executions
		WHERE tenant_id = ? AND started_at >= ?
		GROUP BY hour
		ORDER BY hour ASC
	`, tenantID, fmtTime(since))
	if err != nil {
		return nil, fmt.Errorf("execution timeline: %w", err)
	}
	defer rows.Close()

	var buckets []TimelineBucket
	for rows.Next() {
		var b TimelineBucket
		var hour string
		if err := rows.Scan(&hour, &b.Total, &b.Success, &b.Failed); err != nil {
			return nil, fmt.Errorf("scan timeline bucket: %w", err)
		}
		if b.Hour, err = parseTime(hour); err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline: %w", err)
	}

	return buckets, nil
}

// ActionTiming is the average elapsed time of one action's completed
// executions.
type ActionTiming struct {
	ActionID   string
	ActionType string
	AvgMillis  float64
	Count      int
}

// SlowestActions returns per-action average elapsed time over completed
// executions, slowest first. Deleted actions keep their ledger rows and
// show an empty action type.
func (s *Store) SlowestActions(ctx context.Context, tenantID string, limit int) ([]ActionTiming, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ae.action_id,
		       COALESCE(ta.action_type, ''),
		       AVG((julianday(ae.completed_at) - julianday(ae.started_at)) * 86400000.0) AS avg_ms,
		       COUNT(*)
		FROM action_executions ae
		LEFT JOIN trigger_actions ta ON ae.action_id = ta.id
		WHERE ae.tenant_id = ? AND ae.status != 'pending' AND ae.completed_at IS NOT NULL
		GROUP BY ae.action_id
		ORDER BY avg_ms DESC
		LIMIT ?
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("slowest actions: %w", err)
	}
	defer rows.Close()

	var timings []ActionTiming
	for rows.Next() {
		var t ActionTiming
		if err := rows.Scan(&t.ActionID, &t.ActionType, &t.AvgMillis, &t.Count); err != nil {
			return nil, fmt.Errorf("scan action timing: %w", err)
		}
		timings = append(timings, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action timings: %w", err)
	}

	return timings, nil
}

// ActionFailures counts one action's failures against its total attempts.
type ActionFailures struct {
	ActionID   string
	ActionType string
	Failures   int
	Total      int
}

// FailureRate returns the failure percentage over all attempts.
func (a ActionFailures) FailureRate() float64 {
	if a.Total == 0 {
		return 0
	}
	return float64(a.Failures) / float64(a.Total) * 100
}

// MostFailedActions returns per-action failure counts, most failed first.
// Actions with zero failures are excluded.
func (s *Store) MostFailedActions(ctx context.Context, tenantID string, limit int) ([]ActionFailures, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ae.action_id,
		       COALESCE(ta.action_type, ''),
		       SUM(CASE WHEN ae.status = 'failed' THEN 1 ELSE 0 END) AS failures,
		       COUNT(*)
		FROM action_executions ae
		LEFT JOIN trigger_actions ta ON ae.action_id = ta.id
		WHERE ae.tenant_id = ?
		GROUP BY ae.action_id
		HAVING failures > 0
		ORDER BY failures DESC
		LIMIT ?
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("most failed actions: %w", err)
	}
	defer rows.Close()

	var failures []ActionFailures
	for rows.Next() {
		var f ActionFailures
		if err := rows.Scan(&f.ActionID, &f.ActionType, &f.Failures, &f.Total); err != nil {
			return nil, fmt.Errorf("scan action failures: %w", err)
		}
		failures = append(failures, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action failures: %w", err)
	}

	return failures, nil
}
