// Package engine implements the event-trigger automation core: it
// observes domain events, matches them against tenant trigger rules,
// executes each matched rule's actions in order, and manages failure
// recovery through the execution ledger, tiered backoff, and the dead
// letter queue.
//
// Delivery is at-least-once. The pending ledger row is written before
// every side effect, so a crash between "handler executed" and "ledger
// updated" causes a redundant re-attempt on the next sweep rather than a
// silent gap. Handlers are expected to tolerate duplicates.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tofesapp/automation/internal/store"
	"github.com/tofesapp/automation/internal/trigger"
)

// Defaults for engine tuning knobs.
const (
	// DefaultMaxAttempts is the ledger retry budget per (event, action)
	// before the failure moves to the dead letter queue.
	DefaultMaxAttempts = 3
	// DefaultActionTimeout bounds actions that carry no timeout_ms.
	DefaultActionTimeout = 30 * time.Second
	// DefaultSweepInterval is the cadence of the background retry sweep.
	DefaultSweepInterval = 30 * time.Second
	// DefaultSweepWorkers bounds sweep concurrency so a large backlog
	// cannot overwhelm downstream systems.
	DefaultSweepWorkers = 4
	// DefaultSweepBatch caps how many entries one sweep pass picks up.
	DefaultSweepBatch = 100
)

// Engine wires the store, handler registry, executor, and retry sweep
// together. Construct with New; nothing starts until Start is called, so
// tests can drive dispatch and sweeps deterministically.
type Engine struct {
	store    *store.Store
	registry *Registry
	executor *Executor
	clock    Clock
	ids      IDGenerator

	maxAttempts    int
	defaultTimeout time.Duration

	sweeper *Sweeper
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock (tests).
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithIDGenerator replaces the entity ID generator (tests).
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithMaxAttempts sets the ledger retry budget per (event, action).
func WithMaxAttempts(n int) Option {
	return func(e *Engine) { e.maxAttempts = n }
}

// WithDefaultTimeout sets the fallback per-attempt timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) { e.defaultTimeout = d }
}

// WithSweep tunes the background retry sweep.
func WithSweep(interval time.Duration, workers, batch int) Option {
	return func(e *Engine) {
		e.sweeper.interval = interval
		e.sweeper.workers = workers
		e.sweeper.batch = batch
	}
}

// New creates an Engine over a store and handler registry.
func New(s *store.Store, registry *Registry, opts ...Option) *Engine {
	e := &Engine{
		store:          s,
		registry:       registry,
		clock:          SystemClock{},
		ids:            UUIDv7Generator{},
		maxAttempts:    DefaultMaxAttempts,
		defaultTimeout: DefaultActionTimeout,
	}
	e.sweeper = newSweeper(e, DefaultSweepInterval, DefaultSweepWorkers, DefaultSweepBatch)

	for _, opt := range opts {
		opt(e)
	}

	e.executor = NewExecutor(registry, e.defaultTimeout)
	return e
}

// Start launches the background retry sweep. Explicit lifecycle: no
// timers fire before Start, and Stop drains the sweep goroutine.
func (e *Engine) Start(ctx context.Context) {
	e.sweeper.Start(ctx)
}

// Stop shuts down the background sweep and waits for in-flight sweep
// jobs to finish. In-flight action attempts are bounded by their own
// timeouts; there is no cancel-in-progress.
func (e *Engine) Stop() {
	e.sweeper.Stop()
}

// Registry returns the handler registry, for application wiring.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// HandleEvent appends a domain event and dispatches every matched
// trigger. Matched triggers run concurrently and independently: one
// trigger's failure never blocks another. Within a trigger, actions run
// strictly sequentially in configured order.
//
// Action failures are not errors here - they are recorded outcomes,
// observable in the ledger and DLQ. The returned error covers only the
// append/lookup path.
func (e *Engine) HandleEvent(ctx context.Context, tenantID, eventType, sourceType, sourceID string, payload trigger.Payload) (trigger.Event, error) {
	if tenantID == "" {
		return trigger.Event{}, fmt.Errorf("handle event: empty tenant id")
	}
	if eventType == "" {
		return trigger.Event{}, fmt.Errorf("handle event: empty event type")
	}
	if payload == nil {
		payload = trigger.Payload{}
	}

	ev := trigger.Event{
		ID:         e.ids.NewID(),
		TenantID:   tenantID,
		Type:       eventType,
		SourceType: sourceType,
		SourceID:   sourceID,
		Payload:    payload,
		OccurredAt: e.clock.Now(),
	}

	if err := e.store.AppendEvent(ctx, ev); err != nil {
		return trigger.Event{}, fmt.Errorf("handle event: %w", err)
	}

	rules, err := e.store.EnabledRules(ctx, tenantID, eventType)
	if err != nil {
		return trigger.Event{}, fmt.Errorf("handle event: %w", err)
	}

	matched := MatchRules(rules, payload)
	slog.Debug("event matched",
		"event_id", ev.ID,
		"tenant_id", tenantID,
		"type", eventType,
		"rules", len(rules),
		"matched", len(matched),
	)

	for _, rule := range matched {
		// Matched fact is recorded even for zero-action rules.
		if err := e.store.RecordMatch(ctx, tenantID, ev.ID, rule.ID, e.clock.Now()); err != nil {
			slog.Error("record match failed", "event_id", ev.ID, "trigger_id", rule.ID, "error", err)
		}
	}

	var wg sync.WaitGroup
	for _, rule := range matched {
		if len(rule.Actions) == 0 {
			continue
		}
		wg.Add(1)
		go func(rule trigger.Rule) {
			defer wg.Done()
			if err := e.runTrigger(ctx, ev, rule); err != nil {
				slog.Error("trigger dispatch failed",
					"event_id", ev.ID,
					"trigger_id", rule.ID,
					"error", err,
				)
			}
		}(rule)
	}
	wg.Wait()

	return ev, nil
}

// runTrigger executes one rule's actions sequentially in configured
// order. A failed action halts the rest when it is critical or the rule
// stops on first error; otherwise dispatch continues.
func (e *Engine) runTrigger(ctx context.Context, ev trigger.Event, rule trigger.Rule) error {
	for _, action := range rule.Actions {
		failed, err := e.dispatchAction(ctx, ev, action)
		if err != nil {
			return err
		}
		if failed && (action.IsCritical || rule.ErrorHandling == trigger.StopOnFirstError) {
			slog.Info("trigger halted after action failure",
				"event_id", ev.ID,
				"trigger_id", rule.ID,
				"action_id", action.ID,
				"critical", action.IsCritical,
			)
			break
		}
	}
	return nil
}

// dispatchAction runs one attempt of one action: pending ledger row
// first (durability before side effect), then the handler, then the
// terminal ledger update and failure routing. Returns whether the
// attempt failed; the error return covers only infrastructure faults.
func (e *Engine) dispatchAction(ctx context.Context, ev trigger.Event, action trigger.Action) (failed bool, err error) {
	prior, err := e.store.LatestAttempt(ctx, ev.ID, action.ID)
	if err != nil {
		return false, fmt.Errorf("dispatch %s: %w", action.ID, err)
	}

	exec := trigger.Execution{
		ID:        e.ids.NewID(),
		TenantID:  ev.TenantID,
		EventID:   ev.ID,
		TriggerID: action.TriggerID,
		ActionID:  action.ID,
		Attempt:   prior + 1,
		StartedAt: e.clock.Now(),
	}

	claimed, err := e.store.InsertPending(ctx, exec)
	if err != nil {
		return false, fmt.Errorf("dispatch %s: %w", action.ID, err)
	}
	if !claimed {
		// Another worker holds the pending claim for this pair.
		slog.Warn("attempt already in flight, skipping",
			"event_id", ev.ID,
			"action_id", action.ID,
		)
		return false, nil
	}

	execErr := e.executor.Execute(ctx, action, ev.Payload)
	completedAt := e.clock.Now()

	if execErr == nil {
		if err := e.store.Complete(ctx, exec.ID, trigger.ExecutionSuccess, completedAt, nil); err != nil {
			return false, fmt.Errorf("dispatch %s: %w", action.ID, err)
		}
		slog.Debug("action succeeded",
			"event_id", ev.ID,
			"action_id", action.ID,
			"attempt", exec.Attempt,
			"elapsed", completedAt.Sub(exec.StartedAt),
		)
		return false, nil
	}

	slog.Warn("action failed",
		"event_id", ev.ID,
		"action_id", action.ID,
		"action_type", action.ActionType,
		"attempt", exec.Attempt,
		"error", execErr,
	)

	if err := e.store.Complete(ctx, exec.ID, trigger.ExecutionFailed, completedAt, execErrorFrom(execErr)); err != nil {
		return true, fmt.Errorf("dispatch %s: %w", action.ID, err)
	}
	if err := e.routeFailure(ctx, ev, action, exec.Attempt, execErr); err != nil {
		return true, fmt.Errorf("dispatch %s: %w", action.ID, err)
	}
	return true, nil
}

// routeFailure decides what happens after a failed attempt: leave the
// ledger row for the sweep while retry budget remains, or move the pair
// to the dead letter queue with immutable snapshots. Permanent failures
// skip the budget and land terminally failed.
func (e *Engine) routeFailure(ctx context.Context, ev trigger.Event, action trigger.Action, attempt int, execErr error) error {
	permanent := IsPermanent(execErr)
	if !permanent && attempt < e.maxAttempts {
		// Budget remains; the sweep re-drives this pair once the
		// backoff delay for this failure count has elapsed.
		return nil
	}

	now := e.clock.Now()
	d := trigger.DeadLetter{
		ID:             e.ids.NewID(),
		EventID:        ev.ID,
		TriggerID:      action.TriggerID,
		ActionID:       action.ID,
		ActionType:     action.ActionType,
		FailureReason:  failureReason(execErr),
		FailureCount:   attempt,
		LastError:      execErrorFrom(execErr),
		EventSnapshot:  trigger.SnapshotEvent(ev),
		ActionSnapshot: trigger.SnapshotAction(action),
		Status:         trigger.DeadLetterPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if !permanent {
		retryAfter := now.Add(BackoffDelay(attempt))
		d.RetryAfter = &retryAfter
	}

	stored, err := e.store.UpsertDeadLetter(ctx, d)
	if err != nil {
		return err
	}
	if permanent {
		if _, err := e.store.MarkFailedPermanently(ctx, stored.ID, d.FailureReason, now); err != nil {
			return err
		}
	}

	slog.Info("action dead lettered",
		"event_id", ev.ID,
		"action_id", action.ID,
		"dead_letter_id", stored.ID,
		"failure_count", stored.FailureCount,
		"permanent", permanent,
	)
	return nil
}

// retryFailedExecution re-drives one failed ledger row that still has
// retry budget. Skips silently when the backoff delay has not elapsed or
// the pair is already in flight.
func (e *Engine) retryFailedExecution(ctx context.Context, exec trigger.Execution) error {
	now := e.clock.Now()
	if exec.CompletedAt == nil || now.Before(exec.CompletedAt.Add(BackoffDelay(exec.Attempt))) {
		return nil
	}

	ev, err := e.store.EventForRetry(ctx, exec.EventID)
	if err != nil {
		return fmt.Errorf("retry execution %s: %w", exec.ID, err)
	}

	action, err := e.store.ActionForRetry(ctx, exec.ActionID)
	if errors.Is(err, store.ErrNotFound) {
		// Action deleted upstream; nothing left to execute. Record the
		// abandonment terminally so the failure stays observable.
		return e.deadLetterDeletedAction(ctx, ev, exec, now)
	}
	if err != nil {
		return fmt.Errorf("retry execution %s: %w", exec.ID, err)
	}

	_, err = e.dispatchAction(ctx, ev, action)
	return err
}

func (e *Engine) deadLetterDeletedAction(ctx context.Context, ev trigger.Event, exec trigger.Execution, now time.Time) error {
	d := trigger.DeadLetter{
		ID:            e.ids.NewID(),
		EventID:       ev.ID,
		TriggerID:     exec.TriggerID,
		ActionID:      exec.ActionID,
		ActionType:    "",
		FailureReason: "action_deleted",
		FailureCount:  exec.Attempt,
		LastError:     exec.Error,
		EventSnapshot: trigger.SnapshotEvent(ev),
		ActionSnapshot: trigger.ActionSnapshot{
			ID:        exec.ActionID,
			TriggerID: exec.TriggerID,
		},
		Status:    trigger.DeadLetterPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	stored, err := e.store.UpsertDeadLetter(ctx, d)
	if err != nil {
		return fmt.Errorf("dead letter deleted action %s: %w", exec.ActionID, err)
	}
	if _, err := e.store.MarkFailedPermanently(ctx, stored.ID, "action_deleted", now); err != nil {
		return fmt.Errorf("dead letter deleted action %s: %w", exec.ActionID, err)
	}
	return nil
}

// retryDeadLetter re-executes one DLQ entry from its immutable
// snapshots. Pending entries are claimed first (optimistic, exactly one
// winner); entries already marked processing by a manual retry are
// executed directly, with the ledger pending claim preventing concurrent
// double dispatch.
func (e *Engine) retryDeadLetter(ctx context.Context, d trigger.DeadLetter) error {
	now := e.clock.Now()

	if d.Status == trigger.DeadLetterPending {
		claimed, err := e.store.ClaimDeadLetter(ctx, d.ID, trigger.DeadLetterPending, now)
		if err != nil {
			return fmt.Errorf("retry dead letter %s: %w", d.ID, err)
		}
		if !claimed {
			return nil
		}
	}

	ev := d.EventSnapshot.Event()
	action := d.ActionSnapshot.Action()

	prior, err := e.store.LatestAttempt(ctx, ev.ID, action.ID)
	if err != nil {
		return fmt.Errorf("retry dead letter %s: %w", d.ID, err)
	}

	exec := trigger.Execution{
		ID:        e.ids.NewID(),
		TenantID:  ev.TenantID,
		EventID:   ev.ID,
		TriggerID: action.TriggerID,
		ActionID:  action.ID,
		Attempt:   prior + 1,
		StartedAt: now,
	}
	claimed, err := e.store.InsertPending(ctx, exec)
	if err != nil {
		return fmt.Errorf("retry dead letter %s: %w", d.ID, err)
	}
	if !claimed {
		// In flight elsewhere; entry stays processing for the next sweep.
		return nil
	}

	execErr := e.executor.Execute(ctx, action, ev.Payload)
	completedAt := e.clock.Now()

	if execErr == nil {
		if err := e.store.Complete(ctx, exec.ID, trigger.ExecutionSuccess, completedAt, nil); err != nil {
			return fmt.Errorf("retry dead letter %s: %w", d.ID, err)
		}
		if err := e.store.ResolveDeadLetter(ctx, d.ID, completedAt); err != nil {
			return fmt.Errorf("retry dead letter %s: %w", d.ID, err)
		}
		slog.Info("dead letter resolved", "dead_letter_id", d.ID, "event_id", ev.ID, "action_id", action.ID)
		return nil
	}

	if err := e.store.Complete(ctx, exec.ID, trigger.ExecutionFailed, completedAt, execErrorFrom(execErr)); err != nil {
		return fmt.Errorf("retry dead letter %s: %w", d.ID, err)
	}

	if IsPermanent(execErr) {
		if _, err := e.store.MarkFailedPermanently(ctx, d.ID, failureReason(execErr), completedAt); err != nil {
			return fmt.Errorf("retry dead letter %s: %w", d.ID, err)
		}
		return nil
	}

	retryAfter := completedAt.Add(BackoffDelay(d.FailureCount + 1))
	if err := e.store.RecordRetryFailure(ctx, d.ID, execErrorFrom(execErr), retryAfter, completedAt); err != nil {
		return fmt.Errorf("retry dead letter %s: %w", d.ID, err)
	}
	return nil
}

func failureReason(err error) string {
	switch {
	case IsTimeout(err):
		return "timeout"
	case IsPermanent(err):
		return "permanent"
	default:
		return "handler_error"
	}
}
