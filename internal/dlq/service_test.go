package dlq

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tofesapp/automation/internal/engine"
	"github.com/tofesapp/automation/internal/store"
	"github.com/tofesapp/automation/internal/trigger"
)

var testStart = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func setupService(t *testing.T, opts ...Option) (*Service, *store.Store, *engine.FixedClock) {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := engine.NewFixedClock(testStart)
	svc := New(s, append([]Option{WithClock(clock)}, opts...)...)
	return svc, s, clock
}

func seedEntry(t *testing.T, s *store.Store, id, tenantID, actionID string, createdAt time.Time) trigger.DeadLetter {
	t.Helper()
	ctx := context.Background()

	eventID := "ev-" + tenantID
	ev := trigger.Event{
		ID:         eventID,
		TenantID:   tenantID,
		Type:       "form.submitted",
		Payload:    trigger.Payload{"status": "approved"},
		OccurredAt: createdAt,
	}
	require.NoError(t, s.AppendEvent(ctx, ev))

	d := trigger.DeadLetter{
		ID:            id,
		EventID:       eventID,
		TriggerID:     "rule-1",
		ActionID:      actionID,
		ActionType:    "webhook",
		FailureReason: "handler_error",
		FailureCount:  3,
		LastError:     &trigger.ExecError{Message: "boom"},
		EventSnapshot: trigger.SnapshotEvent(ev),
		ActionSnapshot: trigger.ActionSnapshot{
			ID: actionID, TriggerID: "rule-1", ActionType: "webhook",
		},
		Status:    trigger.DeadLetterPending,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	stored, err := s.UpsertDeadLetter(ctx, d)
	require.NoError(t, err)
	return stored
}

func TestRetry_QueuesPendingEntry(t *testing.T) {
	svc, s, _ := setupService(t)
	ctx := context.Background()
	seedEntry(t, s, "dl-1", "tenant-a", "act-1", testStart)

	require.NoError(t, svc.Retry(ctx, "tenant-a", "dl-1"))

	d, err := svc.Get(ctx, "tenant-a", "dl-1")
	require.NoError(t, err)
	assert.Equal(t, trigger.DeadLetterProcessing, d.Status)

	// Already processing: a second manual retry is refused.
	err = svc.Retry(ctx, "tenant-a", "dl-1")
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestRetry_ResurrectsFailedEntry(t *testing.T) {
	svc, s, _ := setupService(t)
	ctx := context.Background()
	seedEntry(t, s, "dl-1", "tenant-a", "act-1", testStart)
	require.NoError(t, svc.MarkFailed(ctx, "tenant-a", "dl-1", "gave_up"))

	// An operator can still force a retry of a permanently failed entry.
	require.NoError(t, svc.Retry(ctx, "tenant-a", "dl-1"))

	d, err := svc.Get(ctx, "tenant-a", "dl-1")
	require.NoError(t, err)
	assert.Equal(t, trigger.DeadLetterProcessing, d.Status)
}

func TestRetry_RefusesResolvedEntry(t *testing.T) {
	svc, s, clock := setupService(t)
	ctx := context.Background()
	seedEntry(t, s, "dl-1", "tenant-a", "act-1", testStart)

	_, err := s.ClaimDeadLetter(ctx, "dl-1", trigger.DeadLetterPending, clock.Now())
	require.NoError(t, err)
	require.NoError(t, s.ResolveDeadLetter(ctx, "dl-1", clock.Now()))

	err = svc.Retry(ctx, "tenant-a", "dl-1")
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestRetry_TenantIsolation(t *testing.T) {
	svc, s, _ := setupService(t)
	seedEntry(t, s, "dl-1", "tenant-a", "act-1", testStart)

	err := svc.Retry(context.Background(), "tenant-b", "dl-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBulkRetry_CountsAddUp(t *testing.T) {
	svc, s, _ := setupService(t)
	ctx := context.Background()

	seedEntry(t, s, "dl-1", "tenant-a", "act-1", testStart)
	seedEntry(t, s, "dl-2", "tenant-a", "act-2", testStart)
	seedEntry(t, s, "dl-other", "tenant-b", "act-3", testStart)

	ids := []string{"dl-1", "dl-2", "dl-other", "dl-missing"}
	res, err := svc.BulkRetry(ctx, "tenant-a", ids)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, len(ids), res.Succeeded+res.Failed)

	// The cross-tenant entry must be untouched.
	d, err := svc.Get(ctx, "tenant-b", "dl-other")
	require.NoError(t, err)
	assert.Equal(t, trigger.DeadLetterPending, d.Status)
}

func TestMarkFailed(t *testing.T) {
	svc, s, _ := setupService(t)
	ctx := context.Background()
	seedEntry(t, s, "dl-1", "tenant-a", "act-1", testStart)

	require.NoError(t, svc.MarkFailed(ctx, "tenant-a", "dl-1", "endpoint gone"))

	d, err := svc.Get(ctx, "tenant-a", "dl-1")
	require.NoError(t, err)
	assert.Equal(t, trigger.DeadLetterFailed, d.Status)
	assert.Equal(t, "endpoint gone", d.FailureReason)
	assert.Nil(t, d.RetryAfter)

	// Terminal entries cannot be failed again.
	err = svc.MarkFailed(ctx, "tenant-a", "dl-1", "again")
	assert.ErrorIs(t, err, ErrNotRetryable)

	err = svc.MarkFailed(ctx, "tenant-b", "dl-1", "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExpireOld_RetentionWindow(t *testing.T) {
	svc, s, clock := setupService(t)
	ctx := context.Background()

	seedEntry(t, s, "dl-old", "tenant-a", "act-old", testStart)
	clock.Advance(31 * 24 * time.Hour)
	seedEntry(t, s, "dl-fresh", "tenant-a", "act-fresh", clock.Now())

	n, err := svc.ExpireOld(ctx, "tenant-a")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	d, err := svc.Get(ctx, "tenant-a", "dl-old")
	require.NoError(t, err)
	assert.Equal(t, trigger.DeadLetterFailed, d.Status)
	assert.Equal(t, "retention_expired", d.FailureReason)

	d, err = svc.Get(ctx, "tenant-a", "dl-fresh")
	require.NoError(t, err)
	assert.Equal(t, trigger.DeadLetterPending, d.Status)
}

func TestExpireOld_CustomRetention(t *testing.T) {
	svc, s, clock := setupService(t, WithRetention(24*time.Hour))
	ctx := context.Background()

	seedEntry(t, s, "dl-1", "tenant-a", "act-1", testStart)
	clock.Advance(25 * time.Hour)

	n, err := svc.ExpireOld(ctx, "tenant-a")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestStats(t *testing.T) {
	svc, s, clock := setupService(t)
	ctx := context.Background()

	seedEntry(t, s, "dl-1", "tenant-a", "act-1", testStart)
	seedEntry(t, s, "dl-2", "tenant-a", "act-2", testStart)
	seedEntry(t, s, "dl-3", "tenant-a", "act-3", testStart)

	_, err := s.ClaimDeadLetter(ctx, "dl-1", trigger.DeadLetterPending, clock.Now())
	require.NoError(t, err)
	require.NoError(t, s.ResolveDeadLetter(ctx, "dl-1", clock.Now()))
	require.NoError(t, svc.MarkFailed(ctx, "tenant-a", "dl-2", "gave_up"))

	stats, err := svc.Stats(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, store.DeadLetterStats{Total: 3, Pending: 1, Resolved: 1, Failed: 1}, stats)
}
