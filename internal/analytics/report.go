package analytics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tofesapp/automation/internal/store"
)

// Report is the full analytics snapshot for one tenant.
type Report struct {
	TenantID        string
	Executions      store.ExecutionStats
	ExecutionHealth float64
	DeadLetters     store.DeadLetterStats
	DLQHealth       float64
	Timeline        []store.TimelineBucket
	Slowest         []store.ActionTiming
	MostFailed      []store.ActionFailures
	Failures        store.FailureGroups
}

// Service aggregates analytics queries over the store.
type Service struct {
	store *store.Store
}

// New creates an analytics service.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

// ExecutionStats returns ledger counts for a tenant, optionally narrowed
// to one trigger or action.
func (s *Service) ExecutionStats(ctx context.Context, tenantID string, filter store.StatsFilter) (store.ExecutionStats, error) {
	return s.store.ExecutionCounts(ctx, tenantID, filter)
}

// Health returns the tenant's execution health score.
func (s *Service) Health(ctx context.Context, tenantID string) (float64, error) {
	stats, err := s.store.ExecutionCounts(ctx, tenantID, store.StatsFilter{})
	if err != nil {
		return 0, fmt.Errorf("health: %w", err)
	}
	return ExecutionHealth(stats), nil
}

// BuildReport assembles the full snapshot: counts, health scores, the
// hourly timeline since the given time, and the top-N slow and failing
// actions.
func (s *Service) BuildReport(ctx context.Context, tenantID string, since time.Time, topN int) (Report, error) {
	r := Report{TenantID: tenantID}
	var err error

	if r.Executions, err = s.store.ExecutionCounts(ctx, tenantID, store.StatsFilter{}); err != nil {
		return Report{}, fmt.Errorf("build report: %w", err)
	}
	r.ExecutionHealth = ExecutionHealth(r.Executions)

	if r.DeadLetters, err = s.store.DeadLetterCounts(ctx, tenantID); err != nil {
		return Report{}, fmt.Errorf("build report: %w", err)
	}
	r.DLQHealth = DeadLetterHealth(r.DeadLetters)

	if r.Timeline, err = s.store.ExecutionTimeline(ctx, tenantID, since); err != nil {
		return Report{}, fmt.Errorf("build report: %w", err)
	}
	if r.Slowest, err = s.store.SlowestActions(ctx, tenantID, topN); err != nil {
		return Report{}, fmt.Errorf("build report: %w", err)
	}
	if r.MostFailed, err = s.store.MostFailedActions(ctx, tenantID, topN); err != nil {
		return Report{}, fmt.Errorf("build report: %w", err)
	}
	if r.Failures, err = s.store.AnalyzeDeadLetters(ctx, tenantID); err != nil {
		return Report{}, fmt.Errorf("build report: %w", err)
	}

	return r, nil
}

// Render formats the report as a plain-text operator summary.
func (r Report) Render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "tenant: %s\n\n", r.TenantID)

	fmt.Fprintf(&b, "executions: %d total, %d success, %d failed, %d pending\n",
		r.Executions.Total, r.Executions.Success, r.Executions.Failed, r.Executions.Pending)
	fmt.Fprintf(&b, "success rate: %.1f%%\n", r.Executions.SuccessRate())
	fmt.Fprintf(&b, "execution health: %.0f/100\n\n", r.ExecutionHealth)

	fmt.Fprintf(&b, "dead letters: %d total, %d pending, %d processing, %d resolved, %d failed\n",
		r.DeadLetters.Total, r.DeadLetters.Pending, r.DeadLetters.Processing,
		r.DeadLetters.Resolved, r.DeadLetters.Failed)
	fmt.Fprintf(&b, "dlq health: %.0f/100\n", r.DLQHealth)

	if len(r.Timeline) > 0 {
		b.WriteString("\nhourly activity:\n")
		for _, bucket := range r.Timeline {
			fmt.Fprintf(&b, "  %s  total=%d success=%d failed=%d\n",
				bucket.Hour.UTC().Format("2006-01-02 15:04"), bucket.Total, bucket.Success, bucket.Failed)
		}
	}

	if len(r.Slowest) > 0 {
		b.WriteString("\nslowest actions:\n")
		for _, t := range r.Slowest {
			fmt.Fprintf(&b, "  %s (%s)  avg=%.0fms over %d runs\n", t.ActionID, orDash(t.ActionType), t.AvgMillis, t.Count)
		}
	}

	if len(r.MostFailed) > 0 {
		b.WriteString("\nmost failed actions:\n")
		for _, f := range r.MostFailed {
			fmt.Fprintf(&b, "  %s (%s)  %d/%d failed (%.1f%%)\n", f.ActionID, orDash(f.ActionType), f.Failures, f.Total, f.FailureRate())
		}
	}

	if len(r.Failures.ByReason) > 0 {
		b.WriteString("\nfailures by reason:\n")
		for _, g := range r.Failures.ByReason {
			fmt.Fprintf(&b, "  %-24s %d\n", g.Key, g.Count)
		}
	}
	if len(r.Failures.ByTrigger) > 0 {
		b.WriteString("\nfailures by trigger:\n")
		for _, g := range r.Failures.ByTrigger {
			fmt.Fprintf(&b, "  %-24s %d\n", g.Key, g.Count)
		}
	}
	if len(r.Failures.ByActionType) > 0 {
		b.WriteString("\nfailures by action type:\n")
		for _, g := range r.Failures.ByActionType {
			fmt.Fprintf(&b, "  %-24s %d\n", g.Key, g.Count)
		}
	}

	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
