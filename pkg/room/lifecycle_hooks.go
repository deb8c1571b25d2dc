package room

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LeaveHook is a single teardown step run when leaving a room.
type LeaveHook struct {
	Name     string
	Priority int // Lower numbers run first
	Timeout  time.Duration
	Handler  func(context.Context) error
}

// LeavePhase orders teardown steps. Phases run in the order listed below.
type LeavePhase string

const (
	// LeavePhaseCapture stops recording and screen sharing.
	LeavePhaseCapture LeavePhase = "capture"

	// LeavePhaseNetwork closes peer connections and signaling and leaves the
	// session on the backend.
	LeavePhaseNetwork LeavePhase = "network"

	// LeavePhaseDevices releases camera and microphone handles.
	LeavePhaseDevices LeavePhase = "devices"

	// LeavePhaseFinal runs last, e.g. to flush logs.
	LeavePhaseFinal LeavePhase = "final"
)

var leavePhases = []LeavePhase{LeavePhaseCapture, LeavePhaseNetwork, LeavePhaseDevices, LeavePhaseFinal}

// LifecycleHooks holds the teardown steps registered while joining a room.
// Run executes every phase and every hook even when earlier ones fail, time
// out or panic, so device handles are always released.
type LifecycleHooks struct {
	mu     sync.RWMutex
	logger *zap.Logger
	hooks  map[LeavePhase][]LeaveHook
}

// NewLifecycleHooks creates an empty hook set.
func NewLifecycleHooks(logger *zap.Logger) *LifecycleHooks {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &LifecycleHooks{logger: logger, hooks: make(map[LeavePhase][]LeaveHook, len(leavePhases))}
	for _, p := range leavePhases {
		h.hooks[p] = []LeaveHook{}
	}
	return h
}

// AddHook registers hook in phase. A zero timeout defaults to 5s.
func (m *LifecycleHooks) AddHook(phase LeavePhase, hook LeaveHook) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.hooks[phase]; !exists {
		return fmt.Errorf("invalid leave phase: %s", phase)
	}
	if hook.Timeout == 0 {
		hook.Timeout = 5 * time.Second
	}
	m.hooks[phase] = append(m.hooks[phase], hook)
	sort.SliceStable(m.hooks[phase], func(i, j int) bool {
		return m.hooks[phase][i].Priority < m.hooks[phase][j].Priority
	})

	m.logger.Debug("added leave hook",
		zap.String("phase", string(phase)),
		zap.String("name", hook.Name),
		zap.Int("priority", hook.Priority))
	return nil
}

// RemoveHook removes the hook called name from phase.
func (m *LifecycleHooks) RemoveHook(phase LeavePhase, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	hooks := m.hooks[phase]
	for i, hook := range hooks {
		if hook.Name == name {
			m.hooks[phase] = append(hooks[:i:i], hooks[i+1:]...)
			return true
		}
	}
	return false
}

// Hooks returns a copy of the hooks of phase in execution order.
func (m *LifecycleHooks) Hooks(phase LeavePhase) []LeaveHook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]LeaveHook(nil), m.hooks[phase]...)
}

// Count returns the number of hooks across all phases.
func (m *LifecycleHooks) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, hooks := range m.hooks {
		n += len(hooks)
	}
	return n
}

// Clear removes every hook.
func (m *LifecycleHooks) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range leavePhases {
		m.hooks[p] = []LeaveHook{}
	}
}

// Run executes all phases in order and returns every failure joined.
func (m *LifecycleHooks) Run(ctx context.Context) error {
	var errs []error
	for _, phase := range leavePhases {
		if err := m.RunPhase(ctx, phase); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunPhase executes the hooks of one phase sequentially in priority order.
func (m *LifecycleHooks) RunPhase(ctx context.Context, phase LeavePhase) error {
	hooks := m.Hooks(phase)
	if len(hooks) == 0 {
		return nil
	}
	m.logger.Debug("running leave hooks", zap.String("phase", string(phase)), zap.Int("count", len(hooks)))

	var errs []error
	for _, hook := range hooks {
		if err := m.executeHook(ctx, hook); err != nil {
			m.logger.Error("leave hook failed",
				zap.String("phase", string(phase)),
				zap.String("name", hook.Name),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// executeHook runs hook with its own timeout and recovers panics.
func (m *LifecycleHooks) executeHook(ctx context.Context, hook LeaveHook) error {
	// Teardown must run even if the caller's context is already done.
	hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hook.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("hook panicked: %v", r)
			}
		}()
		done <- hook.Handler(hookCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("hook %s failed: %w", hook.Name, err)
		}
		return nil
	case <-hookCtx.Done():
		return fmt.Errorf("hook %s timed out after %v", hook.Name, hook.Timeout)
	}
}

// NewLogFlushHook returns a final-phase hook that syncs logger.
func NewLogFlushHook(logger *zap.Logger) LeaveHook {
	return LeaveHook{
		Name:     "log_flush",
		Priority: 200,
		Timeout:  2 * time.Second,
		Handler: func(ctx context.Context) error {
			err := logger.Sync()
			// Syncing a terminal stderr/stdout fails on some platforms.
			if err != nil && (strings.Contains(err.Error(), "/dev/stderr") || strings.Contains(err.Error(), "/dev/stdout")) {
				return nil
			}
			return err
		},
	}
}
