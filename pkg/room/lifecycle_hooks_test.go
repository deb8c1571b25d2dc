package room

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// TestLifecycleHooks tests basic hook management
func TestLifecycleHooks(t *testing.T) {
	hooks := NewLifecycleHooks(zaptest.NewLogger(t))

	err := hooks.AddHook(LeavePhaseNetwork, LeaveHook{
		Name:    "close_peers",
		Handler: func(ctx context.Context) error { return nil },
	})
	assert.NoError(t, err)

	got := hooks.Hooks(LeavePhaseNetwork)
	assert.Len(t, got, 1)
	assert.Equal(t, "close_peers", got[0].Name)
	assert.Equal(t, 5*time.Second, got[0].Timeout)
	assert.Equal(t, 1, hooks.Count())

	assert.True(t, hooks.RemoveHook(LeavePhaseNetwork, "close_peers"))
	assert.False(t, hooks.RemoveHook(LeavePhaseNetwork, "close_peers"))
	assert.Empty(t, hooks.Hooks(LeavePhaseNetwork))

	err = hooks.AddHook(LeavePhase("bogus"), LeaveHook{Name: "x"})
	assert.Error(t, err)
}

// TestLifecycleHooksOrder tests that phases and priorities run in order
func TestLifecycleHooksOrder(t *testing.T) {
	hooks := NewLifecycleHooks(nil)
	var order []string
	add := func(phase LeavePhase, name string, priority int) {
		assert.NoError(t, hooks.AddHook(phase, LeaveHook{
			Name:     name,
			Priority: priority,
			Handler: func(ctx context.Context) error {
				order = append(order, name)
				return nil
			},
		}))
	}
	add(LeavePhaseFinal, "flush", 0)
	add(LeavePhaseDevices, "release", 0)
	add(LeavePhaseCapture, "screen", 20)
	add(LeavePhaseCapture, "recording", 10)
	add(LeavePhaseNetwork, "signaling", 0)

	assert.NoError(t, hooks.Run(context.Background()))
	assert.Equal(t, []string{"recording", "screen", "signaling", "release", "flush"}, order)
}

// TestLifecycleHooksContinueOnFailure tests that failing, panicking and slow
// hooks do not prevent device release.
func TestLifecycleHooksContinueOnFailure(t *testing.T) {
	hooks := NewLifecycleHooks(nil)
	released := false

	_ = hooks.AddHook(LeavePhaseCapture, LeaveHook{
		Name:    "fails",
		Handler: func(ctx context.Context) error { return errors.New("upload failed") },
	})
	_ = hooks.AddHook(LeavePhaseCapture, LeaveHook{
		Name:    "panics",
		Handler: func(ctx context.Context) error { panic("boom") },
	})
	_ = hooks.AddHook(LeavePhaseNetwork, LeaveHook{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Handler: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	_ = hooks.AddHook(LeavePhaseDevices, LeaveHook{
		Name:    "release",
		Handler: func(ctx context.Context) error { released = true; return nil },
	})

	err := hooks.Run(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "upload failed")
	assert.Contains(t, err.Error(), "panicked")
	assert.True(t, released)
}

func TestLifecycleHooksRunAfterCancel(t *testing.T) {
	hooks := NewLifecycleHooks(nil)
	var hookErr error
	_ = hooks.AddHook(LeavePhaseDevices, LeaveHook{
		Name:    "release",
		Handler: func(ctx context.Context) error { hookErr = ctx.Err(); return nil },
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, hooks.Run(ctx))
	assert.NoError(t, hookErr)

	hooks.Clear()
	assert.Zero(t, hooks.Count())
}

func TestLogFlushHook(t *testing.T) {
	hook := NewLogFlushHook(zap.NewNop())
	assert.Equal(t, "log_flush", hook.Name)
	assert.NoError(t, hook.Handler(context.Background()))
}
