package backendapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/am-sokolov/liveroom-go/pkg/room"
)

type userKey struct{}

// WithUser attaches the calling user's id to ctx. Memory uses it the way the
// HTTP backend uses the bearer token.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

func userFrom(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

// StoredRecording is an upload kept by Memory.
type StoredRecording struct {
	Info room.RecordingInfo
	Data []byte
}

// Memory is an in-process backend honouring the same contract as the HTTP
// service: envelope failures become room.ErrBackendRejected, unknown ids
// room.ErrNotFound, and invite usage is enforced server-side.
type Memory struct {
	mu         sync.Mutex
	now        func() time.Time
	sessions   map[string]room.Session
	rooms      map[string]room.RoomStatus
	members    map[string]map[string]room.Participant // session -> user -> participant
	presence   map[string]map[string]room.Participant // session -> connection -> participant
	invites    map[string]room.Invite                 // code -> invite
	signals    map[string][]room.Signal
	seq        int64
	recordings map[string][]StoredRecording

	// CreateRoomErr, when set, is returned by CreateRoom.
	CreateRoomErr error
	// SignalErr, when set, is returned by GetSignals for live sessions.
	SignalErr error

	createRoomCalls int
}

// NewMemory creates an empty backend.
func NewMemory() *Memory {
	return &Memory{
		now:        time.Now,
		sessions:   make(map[string]room.Session),
		rooms:      make(map[string]room.RoomStatus),
		members:    make(map[string]map[string]room.Participant),
		presence:   make(map[string]map[string]room.Participant),
		invites:    make(map[string]room.Invite),
		signals:    make(map[string][]room.Signal),
		recordings: make(map[string][]StoredRecording),
	}
}

var _ room.BackendAPI = (*Memory)(nil)

// SetClock replaces the backend clock.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetFailures configures injected failures for CreateRoom and GetSignals.
func (m *Memory) SetFailures(createRoom, signals error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateRoomErr = createRoom
	m.SignalErr = signals
}

// CreateRoomCalls returns how many times CreateRoom reached the backend.
func (m *Memory) CreateRoomCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createRoomCalls
}

// Recordings returns the uploads stored for sessionID.
func (m *Memory) Recordings(sessionID string) []StoredRecording {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StoredRecording(nil), m.recordings[sessionID]...)
}

func (m *Memory) session(id string) (room.Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return room.Session{}, room.NotFound("session " + id)
	}
	return s, nil
}

func (m *Memory) CreateSession(ctx context.Context, req room.CreateSessionRequest) (*room.Session, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, room.Rejected("title is required")
	}
	if req.MaxParticipants < 0 {
		return nil, room.Rejected("maxParticipants must not be negative")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.Recording.Quality == "" {
		req.Recording.Quality = room.QualityHD
	}
	s := room.Session{
		ID:              uuid.NewString(),
		Title:           req.Title,
		Type:            req.Type,
		Status:          room.StatusScheduled,
		HostID:          userFrom(ctx),
		ScheduledAt:     req.ScheduledAt,
		DurationMinutes: req.DurationMinutes,
		MaxParticipants: req.MaxParticipants,
		Recording:       req.Recording,
		Flags:           req.Flags,
	}
	if s.ScheduledAt.IsZero() {
		s.ScheduledAt = m.now().UTC()
	}
	m.sessions[s.ID] = s
	return &s, nil
}

func (m *Memory) GetSession(_ context.Context, sessionID string) (*room.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.session(sessionID)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (m *Memory) ListSessions(context.Context) ([]room.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]room.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func (m *Memory) StartSession(_ context.Context, sessionID string) (*room.Session, error) {
	return m.setStatus(sessionID, room.StatusLive, room.StatusScheduled)
}

func (m *Memory) EndSession(_ context.Context, sessionID string) (*room.Session, error) {
	return m.setStatus(sessionID, room.StatusEnded, room.StatusLive, room.StatusPaused)
}

func (m *Memory) UpdateSessionStatus(_ context.Context, sessionID string, status room.SessionStatus) (*room.Session, error) {
	switch status {
	case room.StatusPaused:
		return m.setStatus(sessionID, status, room.StatusLive)
	case room.StatusLive:
		return m.setStatus(sessionID, status, room.StatusPaused)
	case room.StatusCancelled:
		return m.setStatus(sessionID, status, room.StatusScheduled, room.StatusStarting, room.StatusLive)
	default:
		return nil, room.Rejected(fmt.Sprintf("status %q cannot be set directly", status))
	}
}

func (m *Memory) setStatus(sessionID string, to room.SessionStatus, from ...room.SessionStatus) (*room.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.session(sessionID)
	if err != nil {
		return nil, err
	}
	allowed := false
	for _, f := range from {
		if s.Status == f {
			allowed = true
		}
	}
	if !allowed {
		return nil, room.Rejected(fmt.Sprintf("session is %s", s.Status))
	}
	s.Status = to
	if to.Terminal() {
		s.IsRecording = false
		delete(m.presence, sessionID)
		delete(m.members, sessionID)
	}
	m.sessions[sessionID] = s
	return &s, nil
}

func (m *Memory) GetRoomStatus(_ context.Context, sessionID string) (*room.RoomStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.session(sessionID); err != nil {
		return nil, err
	}
	r, ok := m.rooms[sessionID]
	if !ok {
		return &room.RoomStatus{SessionID: sessionID}, nil
	}
	return &r, nil
}

func (m *Memory) CreateRoom(_ context.Context, sessionID string) (*room.RoomStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.session(sessionID); err != nil {
		return nil, err
	}
	m.createRoomCalls++
	if m.CreateRoomErr != nil {
		return nil, m.CreateRoomErr
	}
	if r, ok := m.rooms[sessionID]; ok {
		return &r, nil
	}
	r := room.RoomStatus{SessionID: sessionID, RoomID: "room-" + sessionID, Exists: true, CreatedAt: m.now().UTC()}
	m.rooms[sessionID] = r
	return &r, nil
}

func (m *Memory) JoinSession(ctx context.Context, sessionID string, role room.Role) (*room.Participant, error) {
	user := userFrom(ctx)
	if user == "" {
		return nil, room.ErrUnauthorized
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.session(sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return nil, room.Rejected("session is over")
	}
	if m.members[sessionID] == nil {
		m.members[sessionID] = make(map[string]room.Participant)
	}
	p, ok := m.members[sessionID][user]
	if !ok {
		p = room.Participant{
			ID:              uuid.NewString(),
			UserID:          user,
			Role:            role,
			JoinedAt:        m.now().UTC(),
			ConnectionState: room.ConnectionConnected,
		}
		m.members[sessionID][user] = p
	}
	return &p, nil
}

func (m *Memory) LeaveSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.session(sessionID); err != nil {
		return err
	}
	delete(m.members[sessionID], userFrom(ctx))
	return nil
}

// ListParticipants merges connections announced over signaling with members
// registered through JoinSession, one entry per connection.
func (m *Memory) ListParticipants(_ context.Context, sessionID string) ([]room.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.session(sessionID); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	out := make([]room.Participant, 0, len(m.presence[sessionID]))
	for _, p := range m.presence[sessionID] {
		out = append(out, p)
		if p.UserID != "" {
			seen[p.UserID] = true
		}
	}
	for user, p := range m.members[sessionID] {
		if !seen[user] {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (m *Memory) NotifyRecordingStarted(_ context.Context, sessionID string) error {
	return m.setRecording(sessionID, true)
}

func (m *Memory) NotifyRecordingStopped(_ context.Context, sessionID string) error {
	return m.setRecording(sessionID, false)
}

func (m *Memory) setRecording(sessionID string, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.session(sessionID)
	if err != nil {
		return err
	}
	s.IsRecording = on
	m.sessions[sessionID] = s
	return nil
}

func (m *Memory) UploadRecording(ctx context.Context, sessionID string, upload room.RecordingUpload) (*room.RecordingInfo, error) {
	if upload.File == nil {
		return nil, room.Rejected("file is required")
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, upload.File); err != nil {
		return nil, err
	}
	if buf.Len() == 0 {
		return nil, room.Rejected("file is empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.session(sessionID); err != nil {
		return nil, err
	}
	info := room.RecordingInfo{
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		URL:             "memory://recordings/" + sessionID + "/" + upload.FileName,
		DurationSeconds: upload.DurationSeconds,
		Quality:         upload.Quality,
		Format:          upload.Format,
		SizeBytes:       int64(buf.Len()),
		UploadedAt:      m.now().UTC(),
	}
	m.recordings[sessionID] = append(m.recordings[sessionID], StoredRecording{Info: info, Data: buf.Bytes()})
	return &info, nil
}

func (m *Memory) GenerateInvite(_ context.Context, sessionID string, req room.InviteRequest) (*room.Invite, error) {
	switch req.Role {
	case room.RolePresenter, room.RoleParticipant, room.RoleObserver:
	default:
		return nil, room.Rejected(fmt.Sprintf("role %q cannot be granted by invite", req.Role))
	}
	if req.ExpiresInHours <= 0 || req.MaxUses < 1 {
		return nil, room.Rejected("expiry and max uses must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.session(sessionID); err != nil {
		return nil, err
	}
	now := m.now().UTC()
	inv := room.Invite{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Code:      strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		Role:      req.Role,
		ExpiresAt: now.Add(time.Duration(req.ExpiresInHours) * time.Hour),
		MaxUses:   req.MaxUses,
		CreatedAt: now,
	}
	m.invites[inv.Code] = inv
	return &inv, nil
}

func (m *Memory) resolution(code string) (*room.InviteResolution, error) {
	inv, ok := m.invites[code]
	if !ok {
		return nil, room.NotFound("invite")
	}
	s, err := m.session(inv.SessionID)
	if err != nil {
		return nil, err
	}
	return &room.InviteResolution{Session: s, Invite: inv}, nil
}

func (m *Memory) GetInvite(_ context.Context, code string) (*room.InviteResolution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolution(code)
}

// AcceptInvite consumes one use. Expired, exhausted and revoked invites are
// refused with the matching room error.
func (m *Memory) AcceptInvite(_ context.Context, code string) (*room.InviteResolution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, err := m.resolution(code)
	if err != nil {
		return nil, err
	}
	if err := room.ValidateInvite(res.Invite, m.now()); err != nil {
		return nil, err
	}
	res.Invite.UsedCount++
	m.invites[code] = res.Invite
	return res, nil
}

func (m *Memory) RevokeInvite(_ context.Context, sessionID, inviteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for code, inv := range m.invites {
		if inv.ID == inviteID && inv.SessionID == sessionID {
			inv.Revoked = true
			m.invites[code] = inv
			return nil
		}
	}
	return room.NotFound("invite " + inviteID)
}

func (m *Memory) ListInvites(_ context.Context, sessionID string) ([]room.Invite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.session(sessionID); err != nil {
		return nil, err
	}
	var out []room.Invite
	for _, inv := range m.invites {
		if inv.SessionID == sessionID {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SendSignal appends sig to the session's bus and tracks presence from
// join and leave broadcasts.
func (m *Memory) SendSignal(_ context.Context, sessionID string, sig room.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.session(sessionID)
	if err != nil {
		return err
	}
	if s.Status.Terminal() {
		return room.ErrInvalidSession
	}
	m.seq++
	sig.Seq = m.seq
	sig.SessionID = sessionID
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = m.now().UTC()
	}
	m.signals[sessionID] = append(m.signals[sessionID], sig)

	if sig.To != "" {
		return nil
	}
	switch sig.Kind {
	case room.SignalUserJoined:
		if m.presence[sessionID] == nil {
			m.presence[sessionID] = make(map[string]room.Participant)
		}
		m.presence[sessionID][sig.From] = room.Participant{
			ID:              sig.From,
			UserID:          sig.UserID,
			DisplayName:     sig.DisplayName,
			Guest:           sig.UserID == "",
			Role:            sig.Role,
			JoinedAt:        sig.CreatedAt,
			ConnectionState: room.ConnectionConnected,
		}
	case room.SignalUserLeft:
		delete(m.presence[sessionID], sig.From)
	}
	return nil
}

func (m *Memory) GetSignals(_ context.Context, sessionID string, afterSeq int64) ([]room.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.session(sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return nil, room.ErrInvalidSession
	}
	if m.SignalErr != nil {
		return nil, m.SignalErr
	}
	var out []room.Signal
	for _, sig := range m.signals[sessionID] {
		if sig.Seq > afterSeq {
			out = append(out, sig)
		}
	}
	return out, nil
}
