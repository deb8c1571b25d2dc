// Package room provides the live collaborative session engine: it creates a
// multi-party audio/video/screen-share room, negotiates peer connections,
// records the session and manages time-boxed invite access.
//
// The package is organized around a small set of managers that are wired
// together per active session by the Orchestrator:
//   - SignalingChannel: join/leave and negotiation message exchange
//   - MediaCaptureManager: local camera and microphone capture
//   - ScreenShareManager: display capture with its own lifecycle
//   - PeerPool: one negotiated connection per remote participant
//   - RecordingEngine: segmented capture, assembly and upload
//   - InviteManager: server-issued, usage-bounded invite codes
//   - SessionStateMachine: session lifecycle and room idempotency
//
// All persistence and authority lives behind the BackendAPI interface.
package room

import (
	"fmt"
	"time"
)

// Role is the closed set of roles a participant can hold in a session.
// Every gated action switches exhaustively over it; unknown values are denied.
type Role string

const (
	// RoleHost owns the session and controls its lifecycle.
	RoleHost Role = "host"

	// RolePresenter can share media, screen and record, but not end the session.
	RolePresenter Role = "presenter"

	// RoleParticipant publishes camera and microphone.
	RoleParticipant Role = "participant"

	// RoleObserver only receives media and does not count against capacity.
	RoleObserver Role = "observer"
)

// ParseRole converts a wire string into a Role.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleHost, RolePresenter, RoleParticipant, RoleObserver:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	_, err := ParseRole(string(r))
	return err == nil
}

// CapturesMedia reports whether the role acquires a local camera/microphone
// stream when joining.
func (r Role) CapturesMedia() bool {
	switch r {
	case RoleHost, RolePresenter, RoleParticipant:
		return true
	case RoleObserver:
		return false
	default:
		return false
	}
}

// CanRecord reports whether the role may start a recording.
func (r Role) CanRecord() bool {
	switch r {
	case RoleHost, RolePresenter:
		return true
	case RoleParticipant, RoleObserver:
		return false
	default:
		return false
	}
}

// CanInvite reports whether the role may issue or revoke invites.
func (r Role) CanInvite() bool {
	switch r {
	case RoleHost:
		return true
	case RolePresenter, RoleParticipant, RoleObserver:
		return false
	default:
		return false
	}
}

// CanControlSession reports whether the role may start, pause, resume, end or
// cancel the session.
func (r Role) CanControlSession() bool {
	switch r {
	case RoleHost:
		return true
	case RolePresenter, RoleParticipant, RoleObserver:
		return false
	default:
		return false
	}
}

// CanScreenShare reports whether the role may publish a screen share.
func (r Role) CanScreenShare() bool {
	switch r {
	case RoleHost, RolePresenter, RoleParticipant:
		return true
	case RoleObserver:
		return false
	default:
		return false
	}
}

// AutoJoinsBackend reports whether joining the room also registers the
// participant through the backend join endpoint. Hosts own the session and
// guests have no account, so only authenticated non-host roles do.
func (r Role) AutoJoinsBackend(authenticated bool) bool {
	if !authenticated {
		return false
	}
	switch r {
	case RoleHost:
		return false
	case RolePresenter, RoleParticipant, RoleObserver:
		return true
	default:
		return false
	}
}

// SessionType classifies what a session is for.
type SessionType string

const (
	SessionTypeProductDemo        SessionType = "product_demo"
	SessionTypeTraining           SessionType = "training"
	SessionTypeWebinar            SessionType = "webinar"
	SessionTypeClientPresentation SessionType = "client_presentation"
	SessionTypeTeamMeeting        SessionType = "team_meeting"
	SessionTypeWorkshop           SessionType = "workshop"
)

// SessionStatus is the lifecycle state of a session. It is only mutated by
// SessionStateMachine transitions.
type SessionStatus string

const (
	StatusScheduled SessionStatus = "scheduled"
	StatusStarting  SessionStatus = "starting"
	StatusLive      SessionStatus = "live"
	StatusPaused    SessionStatus = "paused"
	StatusEnded     SessionStatus = "ended"
	StatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool {
	return s == StatusEnded || s == StatusCancelled
}

// Quality is a symbolic capture quality.
type Quality string

const (
	QualitySD     Quality = "sd"
	QualityHD     Quality = "hd"
	QualityFullHD Quality = "fullhd"
	QualityUHD    Quality = "uhd"
)

// VideoPreset is a concrete capture target for a Quality.
type VideoPreset struct {
	Width     int
	Height    int
	FrameRate float64
}

func (p VideoPreset) String() string {
	return fmt.Sprintf("%dx%d@%gfps", p.Width, p.Height, p.FrameRate)
}

var qualityPresets = map[Quality]VideoPreset{
	QualitySD:     {Width: 640, Height: 480, FrameRate: 15},
	QualityHD:     {Width: 1280, Height: 720, FrameRate: 30},
	QualityFullHD: {Width: 1920, Height: 1080, FrameRate: 30},
	QualityUHD:    {Width: 3840, Height: 2160, FrameRate: 30},
}

var recordingBitrates = map[Quality]int{
	QualitySD:     1_000_000,
	QualityHD:     2_500_000,
	QualityFullHD: 5_000_000,
	QualityUHD:    12_000_000,
}

// QualityPreset maps a symbolic quality to its resolution and frame rate.
func QualityPreset(q Quality) (VideoPreset, error) {
	p, ok := qualityPresets[q]
	if !ok {
		return VideoPreset{}, fmt.Errorf("unknown quality %q", q)
	}
	return p, nil
}

// RecordingBitrate returns the target recording bitrate in bits per second.
func RecordingBitrate(q Quality) int {
	if b, ok := recordingBitrates[q]; ok {
		return b
	}
	return recordingBitrates[QualityHD]
}

// RecordingConfig is the per-session recording policy.
type RecordingConfig struct {
	AutoRecord bool    `json:"autoRecord"`
	Quality    Quality `json:"quality"`
}

// SessionFlags toggle optional session features.
type SessionFlags struct {
	AllowScreenShare  bool `json:"allowScreenShare"`
	RequireModeration bool `json:"requireModeration"`
	IsPublic          bool `json:"isPublic"`
}

// Session is the backend's record of a live session.
type Session struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Type            SessionType     `json:"type"`
	Status          SessionStatus   `json:"status"`
	HostID          string          `json:"hostId,omitempty"`
	ScheduledAt     time.Time       `json:"scheduledAt"`
	DurationMinutes int             `json:"durationMinutes"`
	MaxParticipants int             `json:"maxParticipants"`
	Recording       RecordingConfig `json:"recording"`
	Flags           SessionFlags    `json:"flags"`
	IsRecording     bool            `json:"isRecording,omitempty"`
}

// CreateSessionRequest is the payload for creating a session.
type CreateSessionRequest struct {
	Title           string          `json:"title"`
	Type            SessionType     `json:"type"`
	ScheduledAt     time.Time       `json:"scheduledAt"`
	DurationMinutes int             `json:"durationMinutes"`
	MaxParticipants int             `json:"maxParticipants"`
	Recording       RecordingConfig `json:"recording"`
	Flags           SessionFlags    `json:"flags"`
}

// RoomStatus describes whether the media room for a session exists.
type RoomStatus struct {
	SessionID string    `json:"sessionId"`
	RoomID    string    `json:"roomId,omitempty"`
	Exists    bool      `json:"exists"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// ConnectionState is a participant's media connection state.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
)

// Identity describes the local user joining a session.
type Identity struct {
	UserID        string
	DisplayName   string
	Guest         bool
	Authenticated bool
}

// Participant is one roster entry. ID identifies the tab/device connection,
// UserID the account (empty for guests).
type Participant struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId,omitempty"`
	DisplayName     string          `json:"displayName,omitempty"`
	Guest           bool            `json:"guest,omitempty"`
	Role            Role            `json:"role"`
	JoinedAt        time.Time       `json:"joinedAt"`
	ConnectionState ConnectionState `json:"connectionState"`
}

// Invite is a server-issued, expiry- and usage-bounded join code.
type Invite struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Code      string    `json:"code"`
	Role      Role      `json:"role"`
	ExpiresAt time.Time `json:"expiresAt"`
	MaxUses   int       `json:"maxUses"`
	UsedCount int       `json:"usedCount"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"createdAt"`
}

// InviteRequest is the payload for generating an invite.
type InviteRequest struct {
	Role           Role `json:"role"`
	ExpiresInHours int  `json:"expiresInHours"`
	MaxUses        int  `json:"maxUses"`
}

// InviteResolution is what an invite code resolves to.
type InviteResolution struct {
	Session Session `json:"session"`
	Invite  Invite  `json:"invite"`
}

// NegotiationRole is which side of an offer/answer exchange a peer plays.
type NegotiationRole string

const (
	NegotiationInitiator NegotiationRole = "initiator"
	NegotiationResponder NegotiationRole = "responder"
)

// View is the main-view focus of the local room.
type View string

const (
	ViewCamera View = "camera"
	ViewScreen View = "screen"
)
