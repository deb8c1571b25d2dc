package room

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// ScreenShareOptions configures display capture.
type ScreenShareOptions struct {
	Quality Quality
	Audio   bool
}

// ScreenShareManager owns the display-capture stream. It is independent of the
// camera stream: starting or stopping a share never touches camera tracks.
type ScreenShareManager struct {
	mu        sync.Mutex
	provider  DeviceProvider
	logger    *zap.Logger
	stream    Stream
	listeners []func(active bool, track Track)
	// gen distinguishes the current share from ended callbacks of older ones.
	gen uint64
}

// NewScreenShareManager creates a manager backed by provider.
func NewScreenShareManager(provider DeviceProvider, logger *zap.Logger) *ScreenShareManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScreenShareManager{provider: provider, logger: logger.Named("screenshare")}
}

// OnChange registers fn to be called whenever sharing starts or stops.
// track is the new display video track when active, nil otherwise.
func (s *ScreenShareManager) OnChange(fn func(active bool, track Track)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Start toggles screen sharing: if a share is active it is stopped, otherwise a
// new display stream is acquired. It returns whether sharing is now active.
func (s *ScreenShareManager) Start(ctx context.Context, opts ScreenShareOptions) (bool, error) {
	if s.IsActive() {
		s.Stop()
		return false, nil
	}

	if s.provider == nil {
		return false, ErrMediaUnavailable
	}
	preset, err := QualityPreset(opts.Quality)
	if err != nil {
		preset = qualityPresets[QualityFullHD]
	}
	s.mu.Lock()
	epoch := s.gen
	s.mu.Unlock()

	stream, err := s.provider.GetDisplayMedia(ctx, DisplayConstraints{Preset: preset, Audio: opts.Audio})
	if err != nil {
		err = classifyDeviceError(err)
		s.logger.Warn("display capture failed", zap.Error(err))
		return false, err
	}
	video := VideoTrack(stream)
	if video == nil {
		stopTracks(stream)
		return false, ErrMediaUnavailable.withMessage("display capture returned no video track")
	}

	s.mu.Lock()
	switch {
	case s.stream != nil:
		// A concurrent Start won.
		s.mu.Unlock()
		stopTracks(stream)
		return true, nil
	case s.gen != epoch:
		// Stop ran while the capture was pending.
		s.mu.Unlock()
		stopTracks(stream)
		s.logger.Info("screen share stopped before capture completed")
		return false, nil
	}
	s.gen++
	gen := s.gen
	s.stream = stream
	listeners := append([]func(bool, Track){}, s.listeners...)
	s.mu.Unlock()

	// The OS "stop sharing" control ends the track without going through Stop.
	video.OnEnded(func() { s.stopGeneration(gen) })

	s.logger.Info("screen share started", zap.String("track", video.ID()))
	for _, fn := range listeners {
		fn(true, video)
	}
	return true, nil
}

// Stop ends the active share, if any. A capture still pending is discarded
// when it completes.
func (s *ScreenShareManager) Stop() {
	s.mu.Lock()
	if s.stream == nil {
		s.gen++
		s.mu.Unlock()
		return
	}
	gen := s.gen
	s.mu.Unlock()
	s.stopGeneration(gen)
}

func (s *ScreenShareManager) stopGeneration(gen uint64) {
	s.mu.Lock()
	if s.stream == nil || s.gen != gen {
		s.mu.Unlock()
		return
	}
	stream := s.stream
	s.stream = nil
	listeners := append([]func(bool, Track){}, s.listeners...)
	s.mu.Unlock()

	for _, t := range stream.Tracks() {
		if t.ReadyState() == TrackLive {
			t.Stop()
		}
	}
	s.logger.Info("screen share stopped")
	for _, fn := range listeners {
		fn(false, nil)
	}
}

// IsActive reports whether a share is running.
func (s *ScreenShareManager) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil
}

// Stream returns the active display stream or nil.
func (s *ScreenShareManager) Stream() Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// VideoTrack returns the active display video track or nil.
func (s *ScreenShareManager) VideoTrack() Track {
	return VideoTrack(s.Stream())
}
