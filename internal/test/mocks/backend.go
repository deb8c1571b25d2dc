package mocks

import (
	"context"
	"io"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/am-sokolov/liveroom-go/pkg/room"
)

// MockBackend is a testify mock of room.BackendAPI.
type MockBackend struct {
	mock.Mock

	mu            sync.Mutex
	UploadedBytes [][]byte
}

var _ room.BackendAPI = (*MockBackend)(nil)

func sessionResult(args mock.Arguments) (*room.Session, error) {
	s, _ := args.Get(0).(*room.Session)
	return s, args.Error(1)
}

func (m *MockBackend) CreateSession(ctx context.Context, req room.CreateSessionRequest) (*room.Session, error) {
	return sessionResult(m.Called(ctx, req))
}

func (m *MockBackend) GetSession(ctx context.Context, sessionID string) (*room.Session, error) {
	return sessionResult(m.Called(ctx, sessionID))
}

func (m *MockBackend) ListSessions(ctx context.Context) ([]room.Session, error) {
	args := m.Called(ctx)
	s, _ := args.Get(0).([]room.Session)
	return s, args.Error(1)
}

func (m *MockBackend) StartSession(ctx context.Context, sessionID string) (*room.Session, error) {
	return sessionResult(m.Called(ctx, sessionID))
}

func (m *MockBackend) EndSession(ctx context.Context, sessionID string) (*room.Session, error) {
	return sessionResult(m.Called(ctx, sessionID))
}

func (m *MockBackend) UpdateSessionStatus(ctx context.Context, sessionID string, status room.SessionStatus) (*room.Session, error) {
	return sessionResult(m.Called(ctx, sessionID, status))
}

func (m *MockBackend) GetRoomStatus(ctx context.Context, sessionID string) (*room.RoomStatus, error) {
	args := m.Called(ctx, sessionID)
	r, _ := args.Get(0).(*room.RoomStatus)
	return r, args.Error(1)
}

func (m *MockBackend) CreateRoom(ctx context.Context, sessionID string) (*room.RoomStatus, error) {
	args := m.Called(ctx, sessionID)
	r, _ := args.Get(0).(*room.RoomStatus)
	return r, args.Error(1)
}

func (m *MockBackend) JoinSession(ctx context.Context, sessionID string, role room.Role) (*room.Participant, error) {
	args := m.Called(ctx, sessionID, role)
	p, _ := args.Get(0).(*room.Participant)
	return p, args.Error(1)
}

func (m *MockBackend) LeaveSession(ctx context.Context, sessionID string) error {
	return m.Called(ctx, sessionID).Error(0)
}

func (m *MockBackend) ListParticipants(ctx context.Context, sessionID string) ([]room.Participant, error) {
	args := m.Called(ctx, sessionID)
	p, _ := args.Get(0).([]room.Participant)
	return p, args.Error(1)
}

func (m *MockBackend) NotifyRecordingStarted(ctx context.Context, sessionID string) error {
	return m.Called(ctx, sessionID).Error(0)
}

func (m *MockBackend) NotifyRecordingStopped(ctx context.Context, sessionID string) error {
	return m.Called(ctx, sessionID).Error(0)
}

// UploadRecording drains the upload body before recording the call so tests
// can assert on the uploaded bytes through UploadedBytes.
func (m *MockBackend) UploadRecording(ctx context.Context, sessionID string, upload room.RecordingUpload) (*room.RecordingInfo, error) {
	if upload.File != nil {
		data, err := io.ReadAll(upload.File)
		if err != nil {
			return nil, err
		}
		upload.File = nil
		m.mu.Lock()
		m.UploadedBytes = append(m.UploadedBytes, data)
		m.mu.Unlock()
	}
	args := m.Called(ctx, sessionID, upload)
	r, _ := args.Get(0).(*room.RecordingInfo)
	return r, args.Error(1)
}

func (m *MockBackend) GenerateInvite(ctx context.Context, sessionID string, req room.InviteRequest) (*room.Invite, error) {
	args := m.Called(ctx, sessionID, req)
	inv, _ := args.Get(0).(*room.Invite)
	return inv, args.Error(1)
}

func (m *MockBackend) GetInvite(ctx context.Context, code string) (*room.InviteResolution, error) {
	args := m.Called(ctx, code)
	r, _ := args.Get(0).(*room.InviteResolution)
	return r, args.Error(1)
}

func (m *MockBackend) AcceptInvite(ctx context.Context, code string) (*room.InviteResolution, error) {
	args := m.Called(ctx, code)
	r, _ := args.Get(0).(*room.InviteResolution)
	return r, args.Error(1)
}

func (m *MockBackend) RevokeInvite(ctx context.Context, sessionID, inviteID string) error {
	return m.Called(ctx, sessionID, inviteID).Error(0)
}

func (m *MockBackend) ListInvites(ctx context.Context, sessionID string) ([]room.Invite, error) {
	args := m.Called(ctx, sessionID)
	inv, _ := args.Get(0).([]room.Invite)
	return inv, args.Error(1)
}

func (m *MockBackend) SendSignal(ctx context.Context, sessionID string, sig room.Signal) error {
	return m.Called(ctx, sessionID, sig).Error(0)
}

func (m *MockBackend) GetSignals(ctx context.Context, sessionID string, afterSeq int64) ([]room.Signal, error) {
	args := m.Called(ctx, sessionID, afterSeq)
	s, _ := args.Get(0).([]room.Signal)
	return s, args.Error(1)
}
