package room

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// LocalMediaState is a snapshot of the local capture state.
type LocalMediaState struct {
	Stream       Stream
	VideoEnabled bool
	AudioEnabled bool
}

// MediaCaptureManager exclusively owns the local camera+microphone stream.
//
// There is at most one active stream per room membership. Toggling flips track
// enablement on the same tracks, so peer senders and the recorder keep working
// without renegotiation.
type MediaCaptureManager struct {
	mu           sync.Mutex
	provider     DeviceProvider
	logger       *zap.Logger
	stream       Stream
	constraints  MediaConstraints
	videoEnabled bool
	audioEnabled bool
	onReplaced   []func(old, replacement Stream)
	// epoch advances on Release so a pending Acquire can tell it was abandoned.
	epoch uint64
}

// NewMediaCaptureManager creates a manager backed by provider.
func NewMediaCaptureManager(provider DeviceProvider, logger *zap.Logger) *MediaCaptureManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MediaCaptureManager{
		provider:     provider,
		logger:       logger.Named("media"),
		videoEnabled: true,
		audioEnabled: true,
	}
}

// Acquire requests camera and microphone. If a stream is already held it is
// returned unchanged. Failures are classified as ErrMediaAccessDenied or
// ErrMediaUnavailable and are never retried here.
func (m *MediaCaptureManager) Acquire(ctx context.Context, c MediaConstraints) (Stream, error) {
	m.mu.Lock()
	if m.stream != nil {
		stream := m.stream
		m.mu.Unlock()
		return stream, nil
	}
	epoch := m.epoch
	m.mu.Unlock()

	// Not under m.mu: the provider may block on a permission prompt.
	stream, err := m.requestStream(ctx, c)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	switch {
	case m.epoch != epoch:
		m.mu.Unlock()
		stopTracks(stream)
		m.logger.Info("local media released while acquiring, discarding stream", zap.String("stream", stream.ID()))
		return nil, ErrMediaUnavailable.withMessage("capture was released while acquiring")
	case m.stream != nil:
		winner := m.stream
		m.mu.Unlock()
		stopTracks(stream)
		return winner, nil
	}
	m.stream = stream
	m.constraints = c
	m.videoEnabled = true
	m.audioEnabled = true
	m.mu.Unlock()

	m.logger.Info("local media acquired",
		zap.String("stream", stream.ID()),
		zap.Int("tracks", len(stream.Tracks())))
	return stream, nil
}

func stopTracks(stream Stream) {
	for _, t := range stream.Tracks() {
		t.Stop()
	}
}

func (m *MediaCaptureManager) requestStream(ctx context.Context, c MediaConstraints) (Stream, error) {
	if m.provider == nil {
		return nil, ErrMediaUnavailable
	}
	stream, err := m.provider.GetUserMedia(ctx, c)
	if err != nil {
		err = classifyDeviceError(err)
		m.logger.Warn("local media acquisition failed", zap.Error(err))
		return nil, err
	}
	if stream == nil || len(stream.Tracks()) == 0 {
		return nil, ErrMediaUnavailable
	}
	return stream, nil
}

// classifyDeviceError maps provider errors onto the media error taxonomy.
func classifyDeviceError(err error) error {
	switch {
	case errors.Is(err, ErrMediaAccessDenied), errors.Is(err, ErrMediaUnavailable):
		return err
	case errors.Is(err, os.ErrPermission):
		return ErrMediaAccessDenied.wrap(err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return ErrMediaUnavailable.wrap(err)
	}
}

// Stream returns the active stream or nil.
func (m *MediaCaptureManager) Stream() Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}

// State returns a snapshot of the local media state.
func (m *MediaCaptureManager) State() LocalMediaState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return LocalMediaState{Stream: m.stream, VideoEnabled: m.videoEnabled, AudioEnabled: m.audioEnabled}
}

// ToggleVideo flips video enablement and returns the new state.
func (m *MediaCaptureManager) ToggleVideo() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return false, ErrNoStream
	}
	m.videoEnabled = !m.videoEnabled
	m.applyEnabledLocked()
	return m.videoEnabled, nil
}

// ToggleAudio flips audio enablement and returns the new state.
func (m *MediaCaptureManager) ToggleAudio() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return false, ErrNoStream
	}
	m.audioEnabled = !m.audioEnabled
	m.applyEnabledLocked()
	return m.audioEnabled, nil
}

// SetVideoEnabled sets video enablement explicitly.
func (m *MediaCaptureManager) SetVideoEnabled(enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return ErrNoStream
	}
	m.videoEnabled = enabled
	m.applyEnabledLocked()
	return nil
}

// SetAudioEnabled sets audio enablement explicitly.
func (m *MediaCaptureManager) SetAudioEnabled(enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return ErrNoStream
	}
	m.audioEnabled = enabled
	m.applyEnabledLocked()
	return nil
}

func (m *MediaCaptureManager) applyEnabledLocked() {
	for _, t := range m.stream.Tracks() {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			t.SetEnabled(m.videoEnabled)
		} else {
			t.SetEnabled(m.audioEnabled)
		}
	}
}

// Release stops every track and clears local state. Calling it without a
// stream is a no-op.
func (m *MediaCaptureManager) Release() {
	m.mu.Lock()
	m.epoch++
	stream := m.stream
	m.stream = nil
	m.videoEnabled = true
	m.audioEnabled = true
	m.mu.Unlock()

	if stream == nil {
		return
	}
	stopTracks(stream)
	m.logger.Info("local media released", zap.String("stream", stream.ID()))
}

// OnStreamReplaced registers fn to run after RecoverDevices swaps the stream.
func (m *MediaCaptureManager) OnStreamReplaced(fn func(old, replacement Stream)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReplaced = append(m.onReplaced, fn)
}

// RecoverDevices is the device-change path. When a track that was enabled
// reports a non-live ready state, the stream is re-acquired with the last
// constraints and the previous enablement is restored. It reports whether the
// stream was replaced.
func (m *MediaCaptureManager) RecoverDevices(ctx context.Context) (bool, error) {
	m.mu.Lock()
	old := m.stream
	if old == nil || !m.needsRecoveryLocked() {
		m.mu.Unlock()
		return false, nil
	}

	m.logger.Warn("capture track ended after device change, re-acquiring", zap.String("stream", old.ID()))
	stopTracks(old)
	m.stream = nil

	replacement, err := m.requestStream(ctx, m.constraints)
	if err != nil {
		m.mu.Unlock()
		return false, err
	}
	m.stream = replacement
	m.applyEnabledLocked()
	listeners := append([]func(old, replacement Stream){}, m.onReplaced...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(old, replacement)
	}
	return true, nil
}

func (m *MediaCaptureManager) needsRecoveryLocked() bool {
	for _, t := range m.stream.Tracks() {
		wasActive := (t.Kind() == webrtc.RTPCodecTypeVideo && m.videoEnabled) ||
			(t.Kind() == webrtc.RTPCodecTypeAudio && m.audioEnabled)
		if wasActive && t.ReadyState() != TrackLive {
			return true
		}
	}
	return false
}
