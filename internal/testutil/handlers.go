package testutil

import (
	"context"
	"sync"

	"github.com/tofesapp/automation/internal/trigger"
)

// Call records one handler invocation.
type Call struct {
	Config  map[string]any
	Payload trigger.Payload
}

// ScriptedHandler is a handler fake that returns scripted errors in
// order and records every call. Once the script is exhausted it keeps
// returning the last entry (nil entries mean success), which makes
// "fails N times then succeeds" scenarios one line to set up.
//
// Thread-safe: dispatch runs matched triggers concurrently.
type ScriptedHandler struct {
	mu     sync.Mutex
	script []error
	calls  []Call
}

// NewScriptedHandler creates a handler returning the given errors in
// order. With no script every call succeeds.
func NewScriptedHandler(script ...error) *ScriptedHandler {
	return &ScriptedHandler{script: script}
}

// Execute implements engine.Handler.
func (h *ScriptedHandler) Execute(_ context.Context, config map[string]any, payload trigger.Payload) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls = append(h.calls, Call{Config: config, Payload: payload})

	if len(h.script) == 0 {
		return nil
	}
	i := len(h.calls) - 1
	if i >= len(h.script) {
		i = len(h.script) - 1
	}
	return h.script[i]
}

// Calls returns a copy of the recorded invocations.
func (h *ScriptedHandler) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Call(nil), h.calls...)
}

// CallCount returns how many times the handler ran.
func (h *ScriptedHandler) CallCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

// BlockingHandler blocks until its context is cancelled or the release
// channel is closed, for timeout tests.
type BlockingHandler struct {
	Release chan struct{}
}

// NewBlockingHandler creates a handler that blocks until released.
func NewBlockingHandler() *BlockingHandler {
	return &BlockingHandler{Release: make(chan struct{})}
}

// Execute implements engine.Handler.
func (h *BlockingHandler) Execute(ctx context.Context, _ map[string]any, _ trigger.Payload) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.Release:
		return nil
	}
}
