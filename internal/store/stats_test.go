package store

import (
	"context"
	"testing"
	"time"

	"github.com/tofesapp/automation/internal/trigger"
)

// seedAttempt inserts and completes one ledger row.
func seedAttempt(t *testing.T, s *Store, id, tenantID, eventID, triggerID, actionID string, attempt int, started time.Time, elapsed time.Duration, status trigger.ExecutionStatus) {
	t.Helper()
	ctx := context.Background()

	claimed, err := s.InsertPending(ctx, trigger.Execution{
		ID: id, TenantID: tenantID, EventID: eventID,
		TriggerID: triggerID, ActionID: actionID, Attempt: attempt, StartedAt: started,
	})
	if err != nil {
		t.Fatalf("InsertPending %s: %v", id, err)
	}
	if !claimed {
		t.Fatalf("InsertPending %s: not claimed", id)
	}

	var execErr *trigger.ExecError
	if status == trigger.ExecutionFailed {
		execErr = &trigger.ExecError{Message: "boom"}
	}
	if err := s.Complete(ctx, id, status, started.Add(elapsed), execErr); err != nil {
		t.Fatalf("Complete %s: %v", id, err)
	}
}

func TestExecutionStats_SuccessRate(t *testing.T) {
	cases := []struct {
		name  string
		stats ExecutionStats
		want  float64
	}{
		{"no attempts", ExecutionStats{}, 0},
		{"all succeeded", ExecutionStats{Total: 4, Success: 4}, 100},
		{"all failed", ExecutionStats{Total: 2, Failed: 2}, 0},
		{"pending counts against the rate", ExecutionStats{Total: 4, Success: 2, Failed: 1, Pending: 1}, 50},
		{"two thirds", ExecutionStats{Total: 3, Success: 2, Failed: 1}, 200.0 / 3},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.stats.SuccessRate()
			if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("SuccessRate() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestExecutionCounts_Filter(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	at := testTime(t, "2026-03-01T10:00:00Z")

	seedEvent(t, s, "ev-1", "tenant-a")
	seedEvent(t, s, "ev-2", "tenant-b")

	seedAttempt(t, s, "ex-1", "tenant-a", "ev-1", "tr-1", "act-1", 1, at, time.Second, trigger.ExecutionSuccess)
	seedAttempt(t, s, "ex-2", "tenant-a", "ev-1", "tr-1", "act-2", 1, at, time.Second, trigger.ExecutionFailed)
	seedAttempt(t, s, "ex-3", "tenant-a", "ev-1", "tr-2", "act-3", 1, at, time.Second, trigger.ExecutionSuccess)
	seedAttempt(t, s, "ex-4", "tenant-b", "ev-2", "tr-9", "act-9", 1, at, time.Second, trigger.ExecutionFailed)

	got, err := s.ExecutionCounts(ctx, "tenant-a", StatsFilter{})
	if err != nil {
		t.Fatalf("ExecutionCounts: %v", err)
	}
	want := ExecutionStats{Total: 3, Success: 2, Failed: 1}
	if got != want {
		t.Errorf("tenant-wide stats = %+v, want %+v", got, want)
	}

	got, err = s.ExecutionCounts(ctx, "tenant-a", StatsFilter{TriggerID: "tr-1"})
	if err != nil {
		t.Fatalf("ExecutionCounts trigger filter: %v", err)
	}
	if got.Total != 2 || got.Failed != 1 {
		t.Errorf("trigger-filtered stats = %+v", got)
	}

	got, err = s.ExecutionCounts(ctx, "tenant-a", StatsFilter{TriggerID: "tr-1", ActionID: "act-1"})
	if err != nil {
		t.Fatalf("ExecutionCounts action filter: %v", err)
	}
	if got.Total != 1 || got.Success != 1 {
		t.Errorf("action-filtered stats = %+v", got)
	}
}

func TestExecutionTimeline_BucketsByHour(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	seedEvent(t, s, "ev-1", "tenant-a")

	morning := testTime(t, "2026-03-01T10:15:00Z")
	later := testTime(t, "2026-03-01T12:05:00Z")
	seedAttempt(t, s, "ex-1", "tenant-a", "ev-1", "tr-1", "act-1", 1, morning, time.Second, trigger.ExecutionSuccess)
	seedAttempt(t, s, "ex-2", "tenant-a", "ev-1", "tr-1", "act-2", 1, morning.Add(10*time.Minute), time.Second, trigger.ExecutionFailed)
	seedAttempt(t, s, "ex-3", "tenant-a", "ev-1", "tr-1", "act-3", 1, later, time.Second, trigger.ExecutionSuccess)

	buckets, err := s.ExecutionTimeline(ctx, "tenant-a", testTime(t, "2026-03-01T00:00:00Z"))
	if err != nil {
		t.Fatalf("ExecutionTimeline: %v", err)
	}
	if len(buckets) != 2 {
		t.Fatalf("got %d buckets, want 2", len(buckets))
	}

	if !buckets[0].Hour.Equal(testTime(t, "2026-03-01T10:00:00Z")) {
		t.Errorf("first bucket hour = %v", buckets[0].Hour)
	}
	if buckets[0].Total != 2 || buckets[0].Success != 1 || buckets[0].Failed != 1 {
		t.Errorf("first bucket = %+v", buckets[0])
	}
	if buckets[1].Total != 1 || buckets[1].Success != 1 {
		t.Errorf("second bucket = %+v", buckets[1])
	}

	// A later window excludes the morning activity.
	buckets, err = s.ExecutionTimeline(ctx, "tenant-a", testTime(t, "2026-03-01T11:00:00Z"))
	if err != nil {
		t.Fatalf("ExecutionTimeline windowed: %v", err)
	}
	if len(buckets) != 1 {
		t.Errorf("windowed buckets = %d, want 1", len(buckets))
	}
}

func TestSlowestActions_OrdersByAverage(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	at := testTime(t, "2026-03-01T10:00:00Z")

	seedEvent(t, s, "ev-1", "tenant-a")
	rule := testRule("tr-1", "tenant-a", at,
		testAction("act-fast", "tr-1", 1),
		testAction("act-slow", "tr-1", 2),
	)
	if err := s.CreateRule(ctx, rule); err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	seedAttempt(t, s, "ex-1", "tenant-a", "ev-1", "tr-1", "act-fast", 1, at, 100*time.Millisecond, trigger.ExecutionSuccess)
	seedAttempt(t, s, "ex-2", "tenant-a", "ev-1", "tr-1", "act-slow", 1, at, 2*time.Second, trigger.ExecutionFailed)
	seedAttempt(t, s, "ex-3", "tenant-a", "ev-1", "tr-1", "act-slow", 2, at.Add(time.Minute), 4*time.Second, trigger.ExecutionSuccess)

	timings, err := s.SlowestActions(ctx, "tenant-a", 10)
	if err != nil {
		t.Fatalf("SlowestActions: %v", err)
	}
	if len(timings) != 2 {
		t.Fatalf("got %d timings, want 2", len(timings))
	}

	if timings[0].ActionID != "act-slow" {
		t.Errorf("slowest = %s, want act-slow", timings[0].ActionID)
	}
	if timings[0].Count != 2 {
		t.Errorf("act-slow count = %d, want 2", timings[0].Count)
	}
	// 2s and 4s attempts average to 3s.
	if timings[0].AvgMillis < 2990 || timings[0].AvgMillis > 3010 {
		t.Errorf("act-slow avg = %.1fms, want ~3000", timings[0].AvgMillis)
	}
	if timings[0].ActionType != "webhook" {
		t.Errorf("act-slow type = %q, want webhook", timings[0].ActionType)
	}
}

func TestMostFailedActions_ExcludesCleanActions(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	at := testTime(t, "2026-03-01T10:00:00Z")

	seedEvent(t, s, "ev-1", "tenant-a")

	seedAttempt(t, s, "ex-1", "tenant-a", "ev-1", "tr-1", "act-clean", 1, at, time.Second, trigger.ExecutionSuccess)
	seedAttempt(t, s, "ex-2", "tenant-a", "ev-1", "tr-1", "act-flaky", 1, at, time.Second, trigger.ExecutionFailed)
	seedAttempt(t, s, "ex-3", "tenant-a", "ev-1", "tr-1", "act-flaky", 2, at.Add(time.Minute), time.Second, trigger.ExecutionSuccess)

	failures, err := s.MostFailedActions(ctx, "tenant-a", 10)
	if err != nil {
		t.Fatalf("MostFailedActions: %v", err)
	}
	if len(failures) != 1 {
		t.Fatalf("got %d entries, want 1 (clean actions excluded)", len(failures))
	}

	f := failures[0]
	if f.ActionID != "act-flaky" || f.Failures != 1 || f.Total != 2 {
		t.Errorf("failures = %+v", f)
	}
	if rate := f.FailureRate(); rate != 50 {
		t.Errorf("FailureRate() = %.1f, want 50", rate)
	}

	// Deleted actions keep their rows but lose the type join.
	if f.ActionType != "" {
		t.Errorf("ActionType = %q, want empty for unknown action", f.ActionType)
	}
}
