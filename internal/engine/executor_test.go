package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tofesapp/automation/internal/testutil"
	"github.com/tofesapp/automation/internal/trigger"
)

func TestExecutor_Success(t *testing.T) {
	registry := NewRegistry()
	h := testutil.NewScriptedHandler()
	require.NoError(t, registry.Register("webhook", h))

	x := NewExecutor(registry, time.Second)
	action := trigger.Action{ActionType: "webhook", Config: map[string]any{"url": "https://example.com"}}

	err := x.Execute(context.Background(), action, trigger.Payload{"status": "approved"})
	require.NoError(t, err)
	require.Equal(t, 1, h.CallCount())
	assert.Equal(t, "https://example.com", h.Calls()[0].Config["url"])
}

func TestExecutor_UnregisteredTypeIsPermanent(t *testing.T) {
	x := NewExecutor(NewRegistry(), time.Second)

	err := x.Execute(context.Background(), trigger.Action{ActionType: "sms"}, nil)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.False(t, IsTimeout(err))
}

func TestExecutor_TimeoutAbandonsHandler(t *testing.T) {
	registry := NewRegistry()
	h := testutil.NewBlockingHandler()
	defer close(h.Release)
	require.NoError(t, registry.Register("slow", h))

	x := NewExecutor(registry, time.Hour)
	action := trigger.Action{ActionType: "slow", TimeoutMS: 20}

	start := time.Now()
	err := x.Execute(context.Background(), action, nil)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.False(t, IsPermanent(err))
	assert.Less(t, time.Since(start), time.Second, "per-action timeout must cut the attempt short")

	detail := execErrorFrom(err)
	require.NotNil(t, detail)
	assert.True(t, detail.Timeout)
}

func TestExecutor_DefaultTimeoutApplies(t *testing.T) {
	registry := NewRegistry()
	h := testutil.NewBlockingHandler()
	defer close(h.Release)
	require.NoError(t, registry.Register("slow", h))

	// No per-action timeout: the executor default bounds the attempt.
	x := NewExecutor(registry, 20*time.Millisecond)

	err := x.Execute(context.Background(), trigger.Action{ActionType: "slow"}, nil)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestExecutor_ShutdownCancellationIsNotTimeout(t *testing.T) {
	registry := NewRegistry()
	h := testutil.NewBlockingHandler()
	defer close(h.Release)
	require.NoError(t, registry.Register("slow", h))

	x := NewExecutor(registry, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := x.Execute(ctx, trigger.Action{ActionType: "slow"}, nil)
	require.Error(t, err)
	assert.False(t, IsTimeout(err), "parent cancellation must not read as a deadline")
	assert.True(t, errors.Is(err, context.Canceled))

	detail := execErrorFrom(err)
	require.NotNil(t, detail)
	assert.False(t, detail.Timeout)
}

func TestExecutor_PanicBecomesError(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("explosive", HandlerFunc(
		func(context.Context, map[string]any, trigger.Payload) error {
			panic("handler bug")
		})))

	x := NewExecutor(registry, time.Second)

	err := x.Execute(context.Background(), trigger.Action{ActionType: "explosive"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.False(t, IsPermanent(err))
}

func TestExecutor_PermanentErrorSurvivesWrapping(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("email", HandlerFunc(
		func(context.Context, map[string]any, trigger.Payload) error {
			return Permanent(errors.New("invalid recipient"))
		})))

	x := NewExecutor(registry, time.Second)

	err := x.Execute(context.Background(), trigger.Action{ActionType: "email"}, nil)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	detail := execErrorFrom(err)
	require.NotNil(t, detail)
	assert.True(t, detail.Permanent)
	assert.Contains(t, detail.Message, "invalid recipient")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register("webhook", testutil.NewScriptedHandler()))
	require.NoError(t, r.Register("email", testutil.NewScriptedHandler()))

	assert.Error(t, r.Register("webhook", testutil.NewScriptedHandler()), "duplicate registration")
	assert.Error(t, r.Register("", testutil.NewScriptedHandler()), "empty action type")
	assert.Error(t, r.Register("sms", nil), "nil handler")

	_, ok := r.Handler("webhook")
	assert.True(t, ok)
	_, ok = r.Handler("sms")
	assert.False(t, ok)

	assert.Equal(t, []string{"email", "webhook"}, r.Types())
}

func TestPermanentHelpers(t *testing.T) {
	assert.Nil(t, Permanent(nil))

	base := errors.New("bad config")
	wrapped := Permanent(base)
	assert.True(t, IsPermanent(wrapped))
	assert.True(t, errors.Is(wrapped, base))
	assert.False(t, IsPermanent(base))
}
