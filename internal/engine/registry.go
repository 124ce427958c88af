package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tofesapp/automation/internal/trigger"
)

// Handler executes one kind of action (webhook POST, email send, SMS
// send, connector sync, ...). Concrete handlers are registered by the
// surrounding application; the engine has zero knowledge of their
// internals.
//
// Handlers must honor ctx cancellation: the executor bounds every
// attempt with the action's timeout. Delivery is at-least-once, so
// handlers are expected to be idempotent or tolerate duplicate
// invocation.
type Handler interface {
	Execute(ctx context.Context, config map[string]any, payload trigger.Payload) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, config map[string]any, payload trigger.Payload) error

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, config map[string]any, payload trigger.Payload) error {
	return f(ctx, config, payload)
}

// Registry maps action types to their handlers.
// Thread-safe: registration may happen while dispatch is running.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to an action type.
// Registering the same action type twice is a configuration error.
func (r *Registry) Register(actionType string, h Handler) error {
	if actionType == "" {
		return fmt.Errorf("register handler: empty action type")
	}
	if h == nil {
		return fmt.Errorf("register handler %q: nil handler", actionType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[actionType]; exists {
		return fmt.Errorf("register handler: duplicate action type %q", actionType)
	}
	r.handlers[actionType] = h
	return nil
}

// Handler returns the handler for an action type.
func (r *Registry) Handler(actionType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[actionType]
	return h, ok
}

// Types returns the registered action types, sorted.
// Used for introspection and the CLI handler listing.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// PermanentError marks a handler failure that must not be retried. The
// executor routes it straight to the dead letter queue as permanently
// failed instead of scheduling backoff. Everything else a handler
// returns is treated as retryable.
type PermanentError struct {
	Err error
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

// Unwrap supports errors.Is/As through the wrapper.
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a do-not-retry failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err (anywhere in its chain) is a
// do-not-retry failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
