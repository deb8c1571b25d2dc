package room

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// sessionTransitions lists the legal edges of the session lifecycle.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	StatusScheduled: {StatusStarting, StatusCancelled},
	StatusStarting:  {StatusLive, StatusScheduled, StatusCancelled},
	StatusLive:      {StatusPaused, StatusEnded, StatusCancelled},
	StatusPaused:    {StatusLive, StatusEnded},
	StatusEnded:     {},
	StatusCancelled: {},
}

// CanTransition reports whether from → to is a legal lifecycle edge.
func CanTransition(from, to SessionStatus) bool {
	for _, s := range sessionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SessionAndRoomAPI is the backend surface the state machine needs.
type SessionAndRoomAPI interface {
	SessionAPI
	RoomAPI
}

// SessionStateMachine owns a session's lifecycle and the existence of its
// media room. Status is only ever changed through its transition methods, and
// an illegal transition leaves the status untouched.
type SessionStateMachine struct {
	id        string
	mu        sync.RWMutex
	session   Session
	api       SessionAndRoomAPI
	logger    *zap.Logger
	listeners []func(from, to SessionStatus)

	roomMu    sync.RWMutex
	room      *RoomStatus
	roomGroup singleflight.Group
}

// NewSessionStateMachine creates a state machine seeded with session.
func NewSessionStateMachine(session Session, api SessionAndRoomAPI, logger *zap.Logger) *SessionStateMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if session.Status == "" {
		session.Status = StatusScheduled
	}
	return &SessionStateMachine{
		id:      session.ID,
		session: session,
		api:     api,
		logger:  logger.Named("session").With(zap.String("session", session.ID)),
	}
}

// Session returns a copy of the current session record.
func (m *SessionStateMachine) Session() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// Status returns the current lifecycle status.
func (m *SessionStateMachine) Status() SessionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.Status
}

// IsActive reports whether the session can still be joined or used.
func (m *SessionStateMachine) IsActive() bool {
	return m.id != "" && !m.Status().Terminal()
}

// CanStart reports whether Start is legal right now.
func (m *SessionStateMachine) CanStart() bool { return m.Status() == StatusScheduled }

// CanEnd reports whether End is legal right now.
func (m *SessionStateMachine) CanEnd() bool {
	s := m.Status()
	return s == StatusLive || s == StatusPaused
}

// CanPause reports whether Pause is legal right now.
func (m *SessionStateMachine) CanPause() bool { return m.Status() == StatusLive }

// CanResume reports whether Resume is legal right now.
func (m *SessionStateMachine) CanResume() bool { return m.Status() == StatusPaused }

// CanCancel reports whether Cancel is legal right now.
func (m *SessionStateMachine) CanCancel() bool {
	return CanTransition(m.Status(), StatusCancelled)
}

// OnTransition registers a listener called after every status change.
func (m *SessionStateMachine) OnTransition(fn func(from, to SessionStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Start moves Scheduled → Starting → Live. If the backend refuses, the
// session rolls back to Scheduled.
func (m *SessionStateMachine) Start(ctx context.Context) error {
	if err := m.transition(StatusScheduled, StatusStarting); err != nil {
		return err
	}

	updated, err := m.api.StartSession(ctx, m.id)
	if err != nil {
		m.logger.Warn("start rejected, rolling back", zap.Error(err))
		_ = m.transition(StatusStarting, StatusScheduled)
		return fmt.Errorf("start session: %w", err)
	}
	if err := m.transition(StatusStarting, StatusLive); err != nil {
		return err
	}
	m.mergeRemote(updated)
	return nil
}

// Pause moves Live → Paused.
func (m *SessionStateMachine) Pause(ctx context.Context) error {
	return m.remoteTransition(ctx, StatusLive, StatusPaused, func() (*Session, error) {
		return m.api.UpdateSessionStatus(ctx, m.id, StatusPaused)
	})
}

// Resume moves Paused → Live.
func (m *SessionStateMachine) Resume(ctx context.Context) error {
	return m.remoteTransition(ctx, StatusPaused, StatusLive, func() (*Session, error) {
		return m.api.UpdateSessionStatus(ctx, m.id, StatusLive)
	})
}

// End moves Live or Paused → Ended.
func (m *SessionStateMachine) End(ctx context.Context) error {
	from := m.Status()
	if from != StatusLive && from != StatusPaused {
		return ErrIllegalTransition.withMessage(fmt.Sprintf("cannot end a %s session", from))
	}
	return m.remoteTransition(ctx, from, StatusEnded, func() (*Session, error) {
		return m.api.EndSession(ctx, m.id)
	})
}

// Cancel moves Scheduled, Starting or Live → Cancelled.
func (m *SessionStateMachine) Cancel(ctx context.Context) error {
	from := m.Status()
	if !CanTransition(from, StatusCancelled) {
		return ErrIllegalTransition.withMessage(fmt.Sprintf("cannot cancel a %s session", from))
	}
	return m.remoteTransition(ctx, from, StatusCancelled, func() (*Session, error) {
		return m.api.UpdateSessionStatus(ctx, m.id, StatusCancelled)
	})
}

// remoteTransition checks the edge locally, asks the backend, and only then
// applies the transition.
func (m *SessionStateMachine) remoteTransition(ctx context.Context, from, to SessionStatus, call func() (*Session, error)) error {
	if cur := m.Status(); cur != from || !CanTransition(from, to) {
		return ErrIllegalTransition.withMessage(fmt.Sprintf("cannot move %s session to %s", cur, to))
	}
	updated, err := call()
	if err != nil {
		return fmt.Errorf("%s session: %w", to, err)
	}
	if err := m.transition(from, to); err != nil {
		return err
	}
	m.mergeRemote(updated)
	return nil
}

// transition applies from → to if the current status is from and the edge is legal.
func (m *SessionStateMachine) transition(from, to SessionStatus) error {
	m.mu.Lock()
	cur := m.session.Status
	if cur != from || !CanTransition(from, to) {
		m.mu.Unlock()
		return ErrIllegalTransition.withMessage(fmt.Sprintf("cannot move %s session to %s", cur, to))
	}
	m.session.Status = to
	listeners := append([]func(from, to SessionStatus){}, m.listeners...)
	m.mu.Unlock()

	m.logger.Info("session status changed", zap.String("from", string(from)), zap.String("to", string(to)))
	for _, fn := range listeners {
		fn(from, to)
	}
	return nil
}

// mergeRemote copies backend-owned fields without touching status.
func (m *SessionStateMachine) mergeRemote(s *Session) {
	if s == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	status := m.session.Status
	m.session = *s
	m.session.Status = status
}

// Refresh reloads backend-owned fields. A status reported by the backend is
// only adopted when it is reachable from the local one.
func (m *SessionStateMachine) Refresh(ctx context.Context) error {
	s, err := m.api.GetSession(ctx, m.id)
	if err != nil {
		return fmt.Errorf("refresh session: %w", err)
	}
	local := m.Status()
	m.mergeRemote(s)
	if s.Status != local && CanTransition(local, s.Status) {
		return m.transition(local, s.Status)
	}
	return nil
}

// RoomReady reports whether the room is known to exist.
func (m *SessionStateMachine) RoomReady() bool {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()
	return m.room != nil && m.room.Exists
}

// EnsureRoom makes sure the media room exists, creating it only when the
// backend reports it absent. Repeated and concurrent calls result in at most
// one creation. A creation failure is returned as ErrRoomCreationFailure so the
// caller can continue in degraded mode.
func (m *SessionStateMachine) EnsureRoom(ctx context.Context) (*RoomStatus, error) {
	if m.id == "" {
		return nil, ErrInvalidSession
	}

	m.roomMu.RLock()
	if m.room != nil && m.room.Exists {
		r := *m.room
		m.roomMu.RUnlock()
		return &r, nil
	}
	m.roomMu.RUnlock()

	v, err, _ := m.roomGroup.Do(m.id, func() (interface{}, error) {
		m.roomMu.RLock()
		known := m.room
		m.roomMu.RUnlock()
		if known != nil && known.Exists {
			return known, nil
		}

		status, err := m.api.GetRoomStatus(ctx, m.id)
		if err != nil {
			m.logger.Warn("room status unavailable, attempting creation", zap.Error(err))
		}
		if err == nil && status != nil && status.Exists {
			m.setRoom(status)
			return status, nil
		}

		created, err := m.api.CreateRoom(ctx, m.id)
		if err != nil {
			return nil, ErrRoomCreationFailure.wrap(err)
		}
		if created == nil {
			created = &RoomStatus{SessionID: m.id}
		}
		created.Exists = true
		m.logger.Info("room created", zap.String("room", created.RoomID))
		m.setRoom(created)
		return created, nil
	})
	if err != nil {
		m.logger.Warn("room creation failed, continuing degraded", zap.Error(err))
		return nil, err
	}

	r := *v.(*RoomStatus)
	return &r, nil
}

func (m *SessionStateMachine) setRoom(status *RoomStatus) {
	m.roomMu.Lock()
	m.room = status
	m.roomMu.Unlock()
}
