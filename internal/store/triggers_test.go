package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tofesapp/automation/internal/trigger"
)

func TestEnabledRules_OrderingAndFiltering(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	base := testTime(t, "2026-03-01T10:00:00Z")

	low := testRule("rule-low", "tenant-a", base)
	low.Priority = 1

	// Same priority as high but created later: must sort after it.
	highLater := testRule("rule-high-later", "tenant-a", base.Add(time.Hour))
	highLater.Priority = 10

	high := testRule("rule-high", "tenant-a", base)
	high.Priority = 10

	disabled := testRule("rule-disabled", "tenant-a", base)
	disabled.Enabled = false

	otherType := testRule("rule-other-type", "tenant-a", base)
	otherType.EventType = "form.deleted"

	otherTenant := testRule("rule-other-tenant", "tenant-b", base)

	for _, r := range []trigger.Rule{low, highLater, high, disabled, otherType, otherTenant} {
		if err := s.CreateRule(ctx, r); err != nil {
			t.Fatalf("CreateRule(%s) failed: %v", r.ID, err)
		}
	}

	rules, err := s.EnabledRules(ctx, "tenant-a", "form.submitted")
	if err != nil {
		t.Fatalf("EnabledRules failed: %v", err)
	}

	want := []string{"rule-high", "rule-high-later", "rule-low"}
	if len(rules) != len(want) {
		t.Fatalf("got %d rules, want %d", len(rules), len(want))
	}
	for i, id := range want {
		if rules[i].ID != id {
			t.Errorf("rules[%d] = %s, want %s", i, rules[i].ID, id)
		}
	}
}

func TestEnabledRules_LoadsActionsInOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	base := testTime(t, "2026-03-01T10:00:00Z")

	a2 := testAction("act-2", "rule-1", 2)
	a1 := testAction("act-1", "rule-1", 1)
	a1.ActionType = "email"
	a1.IsCritical = true
	a1.TimeoutMS = 2000

	rule := testRule("rule-1", "tenant-a", base, a2, a1)
	if err := s.CreateRule(ctx, rule); err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}

	rules, err := s.EnabledRules(ctx, "tenant-a", "form.submitted")
	if err != nil {
		t.Fatalf("EnabledRules failed: %v", err)
	}
	if len(rules) != 1 || len(rules[0].Actions) != 2 {
		t.Fatalf("got %d rules / %d actions, want 1/2", len(rules), len(rules[0].Actions))
	}

	got := rules[0].Actions
	if got[0].ID != "act-1" || got[1].ID != "act-2" {
		t.Errorf("action order = [%s %s], want [act-1 act-2]", got[0].ID, got[1].ID)
	}
	if !got[0].IsCritical || got[0].TimeoutMS != 2000 || got[0].ActionType != "email" {
		t.Errorf("action fields lost: %+v", got[0])
	}
	if got[1].Config["url"] != "https://example.com/hook" {
		t.Errorf("action config lost: %v", got[1].Config)
	}
}

func TestCreateRule_RejectsInvalidErrorHandling(t *testing.T) {
	s := createTestStore(t)

	rule := testRule("rule-1", "tenant-a", testTime(t, "2026-03-01T10:00:00Z"))
	rule.ErrorHandling = "explode"

	if err := s.CreateRule(context.Background(), rule); err == nil {
		t.Error("invalid error_handling accepted")
	}
}

func TestRecordMatch_Audit(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	at := testTime(t, "2026-03-01T10:00:00Z")

	if err := s.AppendEvent(ctx, testEvent("ev-1", "tenant-a", at)); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	if err := s.CreateRule(ctx, testRule("rule-1", "tenant-a", at)); err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	if err := s.CreateRule(ctx, testRule("rule-2", "tenant-a", at)); err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}

	if err := s.RecordMatch(ctx, "tenant-a", "ev-1", "rule-1", at); err != nil {
		t.Fatalf("RecordMatch failed: %v", err)
	}
	if err := s.RecordMatch(ctx, "tenant-a", "ev-1", "rule-2", at); err != nil {
		t.Fatalf("RecordMatch failed: %v", err)
	}

	ids, err := s.MatchedTriggers(ctx, "tenant-a", "ev-1")
	if err != nil {
		t.Fatalf("MatchedTriggers failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "rule-1" || ids[1] != "rule-2" {
		t.Errorf("matched triggers = %v, want [rule-1 rule-2]", ids)
	}

	other, err := s.MatchedTriggers(ctx, "tenant-b", "ev-1")
	if err != nil {
		t.Fatalf("MatchedTriggers failed: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("cross-tenant matches leaked: %v", other)
	}
}

func TestActionForRetry_Missing(t *testing.T) {
	s := createTestStore(t)

	_, err := s.ActionForRetry(context.Background(), "act-gone")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}
