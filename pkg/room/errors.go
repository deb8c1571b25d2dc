package room

import "errors"

// Error represents a typed error with a stable code, a human-readable message
// and the next step a user can take to recover.
// Error codes are stable and can be used for programmatic error handling;
// errors.Is matches on Code, so wrapped copies still match their sentinel.
type Error struct {
	// Code is a stable identifier for the error type.
	Code string

	// Message provides human-readable error details.
	Message string

	// Action is the user-actionable next step, if any.
	Action string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
// Returns a string in the format "CODE: message[: cause]".
func (e *Error) Error() string {
	s := e.Code + ": " + e.Message
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// wrap returns a copy of e carrying cause.
func (e *Error) wrap(cause error) *Error {
	c := *e
	c.Err = cause
	return &c
}

// withMessage returns a copy of e with a more specific message.
func (e *Error) withMessage(msg string) *Error {
	c := *e
	c.Message = msg
	return &c
}

// Errors returned by the session engine.
// Use errors.Is() to check for specific error types.
var (
	// ErrMediaAccessDenied indicates the user or OS refused camera/microphone access.
	ErrMediaAccessDenied = &Error{
		Code:    "MEDIA_ACCESS_DENIED",
		Message: "camera or microphone access was denied",
		Action:  "grant camera and microphone permission, then retry",
	}

	// ErrMediaUnavailable indicates no usable capture device was found.
	ErrMediaUnavailable = &Error{
		Code:    "MEDIA_UNAVAILABLE",
		Message: "no camera or microphone is available",
		Action:  "connect a camera or microphone, then retry",
	}

	// ErrNegotiationFailure indicates a peer connection could not be established.
	ErrNegotiationFailure = &Error{
		Code:    "NEGOTIATION_FAILURE",
		Message: "peer connection could not be established",
		Action:  "retry connecting to the participant",
	}

	// ErrSignalingTransport indicates a transient signaling transport failure.
	ErrSignalingTransport = &Error{
		Code:    "SIGNALING_TRANSPORT_ERROR",
		Message: "signaling transport failed",
		Action:  "check your network connection",
	}

	// ErrRecordingFailure indicates local capture or upload of a recording failed.
	ErrRecordingFailure = &Error{
		Code:    "RECORDING_FAILURE",
		Message: "recording failed",
		Action:  "retry the recording or download the local copy",
	}

	// ErrNoStream indicates an operation needed a local stream and none exists.
	ErrNoStream = &Error{
		Code:    "NO_STREAM",
		Message: "no local media stream is active",
		Action:  "turn on your camera or microphone first",
	}

	// ErrAlreadyRecording indicates a recording is already in progress.
	ErrAlreadyRecording = &Error{Code: "ALREADY_RECORDING", Message: "a recording is already in progress"}

	// ErrNotRecording indicates the recording engine is not in a state that allows the call.
	ErrNotRecording = &Error{Code: "NOT_RECORDING", Message: "no recording is in progress"}

	// ErrInviteExpired indicates the invite's expiry has passed.
	ErrInviteExpired = &Error{
		Code:    "INVITE_EXPIRED",
		Message: "invite has expired",
		Action:  "request a new invite from the host",
	}

	// ErrInviteExhausted indicates the invite reached its usage limit.
	ErrInviteExhausted = &Error{
		Code:    "INVITE_EXHAUSTED",
		Message: "invite has no uses left",
		Action:  "request a new invite from the host",
	}

	// ErrInviteRevoked indicates the invite was revoked by the host.
	ErrInviteRevoked = &Error{
		Code:    "INVITE_REVOKED",
		Message: "invite was revoked",
		Action:  "request a new invite from the host",
	}

	// ErrInvalidInvite indicates invite generation parameters were rejected locally.
	ErrInvalidInvite = &Error{Code: "INVALID_INVITE", Message: "invalid invite parameters"}

	// ErrRoomCreationFailure indicates the media room could not be created.
	// The session continues in degraded mode.
	ErrRoomCreationFailure = &Error{
		Code:    "ROOM_CREATION_FAILURE",
		Message: "room could not be created; recording and advanced room features are unavailable",
		Action:  "continue without recording or ask the host to retry",
	}

	// ErrIllegalTransition indicates a session status transition that is not allowed.
	ErrIllegalTransition = &Error{Code: "ILLEGAL_TRANSITION", Message: "session status transition not allowed"}

	// ErrRoomFull indicates the session reached its participant capacity.
	ErrRoomFull = &Error{
		Code:    "ROOM_FULL",
		Message: "session is at capacity",
		Action:  "join as an observer or try again later",
	}

	// ErrNotPermitted indicates the local role may not perform the action.
	ErrNotPermitted = &Error{Code: "NOT_PERMITTED", Message: "action not permitted for this role"}

	// ErrInvalidSession indicates an absent or no longer valid session identifier.
	ErrInvalidSession = &Error{Code: "INVALID_SESSION", Message: "session identifier is absent or no longer valid"}

	// ErrNotJoined indicates an action that requires an active room membership.
	ErrNotJoined = &Error{Code: "NOT_JOINED", Message: "not joined to the room"}

	// ErrAlreadyJoined indicates Join was called twice.
	ErrAlreadyJoined = &Error{Code: "ALREADY_JOINED", Message: "already joined to the room"}

	// ErrPeerNotFound indicates the remote peer is unknown to the pool.
	ErrPeerNotFound = &Error{Code: "PEER_NOT_FOUND", Message: "peer does not exist"}

	// ErrBackendRejected indicates the backend answered with success=false.
	ErrBackendRejected = &Error{Code: "BACKEND_REJECTED", Message: "backend rejected the request", Action: "retry"}

	// ErrUnauthorized indicates missing or invalid credentials.
	ErrUnauthorized = &Error{Code: "UNAUTHORIZED", Message: "authentication required", Action: "sign in and retry"}

	// ErrNotFound indicates the backend has no such resource.
	ErrNotFound = &Error{Code: "NOT_FOUND", Message: "resource does not exist"}
)

// ActionFor returns the user-actionable next step for err, or "" if none.
func ActionFor(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Action
	}
	return ""
}

// Rejected builds a backend rejection error carrying the server's message.
func Rejected(message string) error {
	if message == "" {
		return ErrBackendRejected
	}
	return ErrBackendRejected.withMessage(message)
}

// NotFound builds a not-found error carrying a description of what was missing.
func NotFound(what string) error {
	return ErrNotFound.withMessage(what + " does not exist")
}
