package room

import (
	"context"
	"io"
	"time"
)

// Envelope is the response shape shared by every backend endpoint.
type Envelope[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    T      `json:"data,omitempty"`
}

// Unwrap returns Data, or a recoverable ErrBackendRejected when Success is false.
func (e Envelope[T]) Unwrap() (T, error) {
	if !e.Success {
		var zero T
		return zero, Rejected(e.Message)
	}
	return e.Data, nil
}

// SessionAPI is the session lifecycle surface of the backend.
type SessionAPI interface {
	CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	StartSession(ctx context.Context, sessionID string) (*Session, error)
	EndSession(ctx context.Context, sessionID string) (*Session, error)
	// UpdateSessionStatus covers pause, resume and cancel.
	UpdateSessionStatus(ctx context.Context, sessionID string, status SessionStatus) (*Session, error)
}

// RoomAPI is the room and membership surface of the backend.
type RoomAPI interface {
	GetRoomStatus(ctx context.Context, sessionID string) (*RoomStatus, error)
	CreateRoom(ctx context.Context, sessionID string) (*RoomStatus, error)
	JoinSession(ctx context.Context, sessionID string, role Role) (*Participant, error)
	LeaveSession(ctx context.Context, sessionID string) error
	ListParticipants(ctx context.Context, sessionID string) ([]Participant, error)
}

// RecordingUpload is the multipart upload of an assembled recording.
// It is sent as a `file` part plus `duration`, `quality` and `format` fields.
type RecordingUpload struct {
	File            io.Reader
	FileName        string
	DurationSeconds int
	Quality         Quality
	Format          string
	RecordedAt      time.Time
}

// RecordingInfo is the backend's record of an uploaded recording.
type RecordingInfo struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"sessionId"`
	URL             string    `json:"url,omitempty"`
	DurationSeconds int       `json:"duration"`
	Quality         Quality   `json:"quality"`
	Format          string    `json:"format"`
	SizeBytes       int64     `json:"size"`
	UploadedAt      time.Time `json:"uploadedAt"`
}

// RecordingAPI is the recording surface of the backend.
type RecordingAPI interface {
	NotifyRecordingStarted(ctx context.Context, sessionID string) error
	NotifyRecordingStopped(ctx context.Context, sessionID string) error
	UploadRecording(ctx context.Context, sessionID string, upload RecordingUpload) (*RecordingInfo, error)
}

// InviteAPI is the invite surface of the backend. Tokens are minted and
// usage is enforced server-side.
type InviteAPI interface {
	GenerateInvite(ctx context.Context, sessionID string, req InviteRequest) (*Invite, error)
	// GetInvite resolves a code without consuming a use.
	GetInvite(ctx context.Context, code string) (*InviteResolution, error)
	// AcceptInvite consumes one use of the code.
	AcceptInvite(ctx context.Context, code string) (*InviteResolution, error)
	RevokeInvite(ctx context.Context, sessionID, inviteID string) error
	ListInvites(ctx context.Context, sessionID string) ([]Invite, error)
}

// SignalAPI is the polling signaling surface of the backend.
type SignalAPI interface {
	SendSignal(ctx context.Context, sessionID string, sig Signal) error
	// GetSignals returns signals with Seq greater than afterSeq, oldest first.
	GetSignals(ctx context.Context, sessionID string, afterSeq int64) ([]Signal, error)
}

// BackendAPI is the full backend contract consumed by the engine.
type BackendAPI interface {
	SessionAPI
	RoomAPI
	RecordingAPI
	InviteAPI
	SignalAPI
}
