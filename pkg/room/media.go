package room

import (
	"context"

	"github.com/livekit/protocol/livekit"
	"github.com/pion/webrtc/v4"
)

// ReadyState mirrors a capture track's lifecycle.
type ReadyState string

const (
	TrackLive  ReadyState = "live"
	TrackEnded ReadyState = "ended"
)

// Track is a single local audio or video capture track.
//
// Only the MediaCaptureManager (or ScreenShareManager for display tracks) may
// call Stop; peer senders and the recorder only read and attach.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Source() livekit.TrackSource

	Enabled() bool
	// SetEnabled flips enablement without releasing the device.
	SetEnabled(enabled bool)

	ReadyState() ReadyState
	// OnEnded registers fn to run once when the track ends for any reason,
	// including the OS "stop sharing" affordance or a device unplug.
	OnEnded(fn func())
	Stop()

	// Local is the sendable form of the track for peer connections.
	Local() webrtc.TrackLocal
}

// Stream is a group of tracks captured together.
type Stream interface {
	ID() string
	Tracks() []Track
}

// VideoTrack returns the first video track of s, or nil.
func VideoTrack(s Stream) Track {
	return firstTrack(s, webrtc.RTPCodecTypeVideo)
}

// AudioTrack returns the first audio track of s, or nil.
func AudioTrack(s Stream) Track {
	return firstTrack(s, webrtc.RTPCodecTypeAudio)
}

func firstTrack(s Stream, kind webrtc.RTPCodecType) Track {
	if s == nil {
		return nil
	}
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// LiveTrackCount returns how many tracks of s are still live.
func LiveTrackCount(s Stream) int {
	if s == nil {
		return 0
	}
	n := 0
	for _, t := range s.Tracks() {
		if t.ReadyState() == TrackLive {
			n++
		}
	}
	return n
}

// MediaConstraints selects camera and microphone capture.
type MediaConstraints struct {
	Video        bool
	Audio        bool
	Preset       VideoPreset
	VideoDevice  string
	AudioDevice  string
	SampleRate   int
	ChannelCount int
}

// ConstraintsFor returns camera+microphone constraints for a quality.
func ConstraintsFor(q Quality) MediaConstraints {
	preset, err := QualityPreset(q)
	if err != nil {
		preset = qualityPresets[QualityHD]
	}
	return MediaConstraints{
		Video:        true,
		Audio:        true,
		Preset:       preset,
		SampleRate:   48000,
		ChannelCount: 1,
	}
}

// DisplayConstraints selects display capture.
type DisplayConstraints struct {
	Preset VideoPreset
	Audio  bool
}

// DeviceProvider acquires capture streams from the platform.
//
// Implementations should return errors matching ErrMediaAccessDenied or
// ErrMediaUnavailable where they can tell the two apart.
type DeviceProvider interface {
	GetUserMedia(ctx context.Context, c MediaConstraints) (Stream, error)
	GetDisplayMedia(ctx context.Context, c DisplayConstraints) (Stream, error)
}

// DeviceWatcher is implemented by providers that can report device plug and
// unplug events. The returned function deregisters fn.
type DeviceWatcher interface {
	WatchDevices(fn func()) (stop func())
}
