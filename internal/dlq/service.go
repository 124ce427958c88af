// Package dlq is the tenant-facing surface of the dead letter queue:
// listing, triage, manual retry, bulk retry, permanent failure, and the
// retention expiry pass. All operations are tenant-scoped; entries
// belonging to another tenant are indistinguishable from missing ones.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tofesapp/automation/internal/engine"
	"github.com/tofesapp/automation/internal/store"
	"github.com/tofesapp/automation/internal/trigger"
)

// DefaultRetention is how long unresolved entries live before the expiry
// pass marks them permanently failed.
const DefaultRetention = 30 * 24 * time.Hour

// ErrNotRetryable is returned when a manual retry targets an entry whose
// status does not admit a retry (resolved, or already processing).
var ErrNotRetryable = errors.New("dead letter entry is not retryable")

// Service exposes dead letter queue operations over the store. Manual
// retries claim the entry into processing; the engine's sweep performs
// the actual re-execution from the stored snapshots.
type Service struct {
	store     *store.Store
	clock     engine.Clock
	retention time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock (tests).
func WithClock(c engine.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithRetention overrides the unresolved-entry retention window.
func WithRetention(d time.Duration) Option {
	return func(s *Service) { s.retention = d }
}

// New creates a dead letter queue service.
func New(st *store.Store, opts ...Option) *Service {
	s := &Service{
		store:     st,
		clock:     engine.SystemClock{},
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns one entry scoped to the tenant.
func (s *Service) Get(ctx context.Context, tenantID, id string) (trigger.DeadLetter, error) {
	return s.store.GetDeadLetter(ctx, tenantID, id)
}

// List returns entries for the tenant, newest first. A zero status means
// all statuses.
func (s *Service) List(ctx context.Context, tenantID string, status trigger.DeadLetterStatus, limit, offset int) ([]trigger.DeadLetter, error) {
	return s.store.ListDeadLetters(ctx, tenantID, status, limit, offset)
}

// Retry queues one entry for re-execution. Pending and failed entries
// are claimed into processing; the next sweep pass replays them from
// their snapshots. Retrying a resolved or already-processing entry
// returns ErrNotRetryable.
func (s *Service) Retry(ctx context.Context, tenantID, id string) error {
	d, err := s.store.GetDeadLetter(ctx, tenantID, id)
	if err != nil {
		return fmt.Errorf("retry dead letter: %w", err)
	}

	switch d.Status {
	case trigger.DeadLetterPending, trigger.DeadLetterFailed:
	default:
		return fmt.Errorf("retry dead letter %s: status %q: %w", id, d.Status, ErrNotRetryable)
	}

	claimed, err := s.store.ClaimDeadLetter(ctx, id, d.Status, s.clock.Now())
	if err != nil {
		return fmt.Errorf("retry dead letter: %w", err)
	}
	if !claimed {
		// Lost the race to another retry.
		return fmt.Errorf("retry dead letter %s: %w", id, ErrNotRetryable)
	}

	slog.Info("dead letter queued for retry", "dead_letter_id", id, "tenant_id", tenantID)
	return nil
}

// BulkResult reports the outcome of a bulk retry. Succeeded+Failed
// always equals the number of requested IDs.
type BulkResult struct {
	Succeeded int
	Failed    int
}

// BulkRetry retries each listed entry independently. A failing entry
// (missing, wrong tenant, not retryable) counts as failed and never
// stops the rest.
func (s *Service) BulkRetry(ctx context.Context, tenantID string, ids []string) (BulkResult, error) {
	var res BulkResult
	for _, id := range ids {
		if err := s.Retry(ctx, tenantID, id); err != nil {
			slog.Warn("bulk retry entry skipped", "dead_letter_id", id, "error", err)
			res.Failed++
			continue
		}
		res.Succeeded++
	}
	return res, nil
}

// MarkFailed permanently fails an unresolved entry, recording who gave
// up and why. Resolved and already-failed entries are left untouched.
func (s *Service) MarkFailed(ctx context.Context, tenantID, id, reason string) error {
	if _, err := s.store.GetDeadLetter(ctx, tenantID, id); err != nil {
		return fmt.Errorf("mark dead letter failed: %w", err)
	}
	changed, err := s.store.MarkFailedPermanently(ctx, id, reason, s.clock.Now())
	if err != nil {
		return fmt.Errorf("mark dead letter failed: %w", err)
	}
	if !changed {
		return fmt.Errorf("mark dead letter failed %s: %w", id, ErrNotRetryable)
	}
	return nil
}

// ReadyForRetry returns the tenant's pending entries whose retry_after
// has elapsed.
func (s *Service) ReadyForRetry(ctx context.Context, tenantID string, limit int) ([]trigger.DeadLetter, error) {
	return s.store.ReadyForRetry(ctx, tenantID, s.clock.Now(), limit)
}

// ExpireOld marks unresolved entries older than the retention window as
// permanently failed with reason "retention_expired", and returns how
// many were expired.
func (s *Service) ExpireOld(ctx context.Context, tenantID string) (int64, error) {
	now := s.clock.Now()
	cutoff := now.Add(-s.retention)
	n, err := s.store.AutoResolveOld(ctx, tenantID, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("expire dead letters: %w", err)
	}
	if n > 0 {
		slog.Info("expired dead letters", "tenant_id", tenantID, "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// Stats returns per-status entry counts for the tenant.
func (s *Service) Stats(ctx context.Context, tenantID string) (store.DeadLetterStats, error) {
	return s.store.DeadLetterCounts(ctx, tenantID)
}

// Analyze groups the tenant's entries by failure reason, trigger, and
// action type for triage.
func (s *Service) Analyze(ctx context.Context, tenantID string) (store.FailureGroups, error) {
	return s.store.AnalyzeDeadLetters(ctx, tenantID)
}
