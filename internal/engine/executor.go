package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tofesapp/automation/internal/trigger"
)

// TimeoutError reports an attempt that exceeded its per-action timeout.
type TimeoutError struct {
	ActionType string
	Timeout    time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("action %s timed out after %s", e.ActionType, e.Timeout)
}

// IsTimeout reports whether err is a per-action timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Executor dispatches one action attempt through the handler registry,
// enforcing the per-attempt timeout itself. A handler that ignores its
// context cannot stall the trigger: the attempt is abandoned at the
// deadline and its eventual return value discarded.
type Executor struct {
	registry       *Registry
	defaultTimeout time.Duration
}

// NewExecutor creates an executor over a handler registry.
// defaultTimeout bounds actions that carry no timeout of their own.
func NewExecutor(registry *Registry, defaultTimeout time.Duration) *Executor {
	return &Executor{registry: registry, defaultTimeout: defaultTimeout}
}

// Execute runs one attempt of an action against an event payload.
// Returns nil on success; a *PermanentError for do-not-retry failures
// (including an unregistered action type, which no amount of retrying
// will fix); any other error is retryable.
func (x *Executor) Execute(ctx context.Context, action trigger.Action, payload trigger.Payload) error {
	h, ok := x.registry.Handler(action.ActionType)
	if !ok {
		return Permanent(fmt.Errorf("no handler registered for action type %q", action.ActionType))
	}

	timeout := action.Timeout(x.defaultTimeout)
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Buffered so an abandoned handler goroutine can still exit after
	// the deadline fires.
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler for %s panicked: %v", action.ActionType, r)
			}
		}()
		done <- h.Execute(hctx, action.Config, payload)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("action %s: %w", action.ActionType, err)
		}
		return nil
	case <-hctx.Done():
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{ActionType: action.ActionType, Timeout: timeout}
		}
		// Parent context cancelled (shutdown), not the per-action
		// deadline; recording it as a timeout would misattribute the
		// failure.
		return fmt.Errorf("action %s interrupted: %w", action.ActionType, hctx.Err())
	}
}

// execErrorFrom converts a handler failure into the structured detail
// stored on ledger rows and dead letters.
func execErrorFrom(err error) *trigger.ExecError {
	if err == nil {
		return nil
	}
	return &trigger.ExecError{
		Message:   err.Error(),
		Permanent: IsPermanent(err),
		Timeout:   IsTimeout(err),
	}
}
