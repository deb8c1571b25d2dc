// Package devices captures camera, microphone and display media with
// pion/mediadevices and exposes it to the session engine.
package devices

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/livekit/protocol/livekit"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	// Drivers register themselves with mediadevices on import.
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"

	"github.com/am-sokolov/liveroom-go/pkg/room"
)

// Options configures a Provider.
type Options struct {
	// Quality selects the encoder bitrate. Defaults to room.QualityHD.
	Quality room.Quality

	// KeyFrameInterval is the VP8 key frame interval in frames. Defaults to 60.
	KeyFrameInterval int

	// WatchInterval is how often the device list is polled for changes.
	// Defaults to 2 seconds.
	WatchInterval time.Duration

	Tickers room.TickerFactory
}

func (o Options) withDefaults() Options {
	if o.Quality == "" {
		o.Quality = room.QualityHD
	}
	if o.KeyFrameInterval <= 0 {
		o.KeyFrameInterval = 60
	}
	if o.WatchInterval <= 0 {
		o.WatchInterval = 2 * time.Second
	}
	if o.Tickers == nil {
		o.Tickers = room.NewTicker
	}
	return o
}

// Provider is a room.DeviceProvider backed by the platform's capture drivers.
type Provider struct {
	opts     Options
	selector *mediadevices.CodecSelector
	watcher  *Watcher
	logger   *zap.Logger
}

var (
	_ room.DeviceProvider = (*Provider)(nil)
	_ room.DeviceWatcher  = (*Provider)(nil)
)

// NewProvider builds a provider with VP8 and Opus encoders.
func NewProvider(opts Options, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = room.RecordingBitrate(opts.Quality)
	vpxParams.KeyFrameInterval = opts.KeyFrameInterval

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	logger = logger.Named("devices")
	return &Provider{
		opts: opts,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		watcher: NewWatcher(mediadevices.EnumerateDevices, opts.WatchInterval, opts.Tickers, logger),
		logger:  logger,
	}, nil
}

// PopulateMediaEngine registers the provider's encoders with m so negotiated
// codecs match what the tracks produce.
func (p *Provider) PopulateMediaEngine(m *webrtc.MediaEngine) {
	p.selector.Populate(m)
}

// GetUserMedia opens the camera and microphone.
func (p *Provider) GetUserMedia(ctx context.Context, c room.MediaConstraints) (room.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	constraints := mediadevices.MediaStreamConstraints{Codec: p.selector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) { applyVideo(mc, c) }
	}
	if c.Audio {
		constraints.Audio = func(mc *mediadevices.MediaTrackConstraints) { applyAudio(mc, c) }
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		p.logger.Warn("user media unavailable", zap.Error(err))
		return nil, classify(err)
	}
	p.logger.Debug("user media acquired",
		zap.Int("video", len(ms.GetVideoTracks())),
		zap.Int("audio", len(ms.GetAudioTracks())),
		zap.Stringer("preset", c.Preset))
	return newStream(ms, livekit.TrackSource_CAMERA, livekit.TrackSource_MICROPHONE), nil
}

// GetDisplayMedia captures a display. It requires the screen driver, which
// is compiled in with the "screen" build tag.
func (p *Provider) GetDisplayMedia(ctx context.Context, c room.DisplayConstraints) (room.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ms, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			if c.Preset.FrameRate > 0 {
				mc.FrameRate = prop.Float(c.Preset.FrameRate)
			}
		},
		Codec: p.selector,
	})
	if err != nil {
		p.logger.Warn("display media unavailable", zap.Error(err))
		return nil, classify(err)
	}
	return newStream(ms, livekit.TrackSource_SCREEN_SHARE, livekit.TrackSource_SCREEN_SHARE_AUDIO), nil
}

// WatchDevices implements room.DeviceWatcher.
func (p *Provider) WatchDevices(fn func()) func() {
	return p.watcher.Watch(fn)
}

func applyVideo(mc *mediadevices.MediaTrackConstraints, c room.MediaConstraints) {
	if c.VideoDevice != "" {
		mc.DeviceID = prop.String(c.VideoDevice)
	}
	if c.Preset.Width > 0 {
		mc.Width = prop.Int(c.Preset.Width)
	}
	if c.Preset.Height > 0 {
		mc.Height = prop.Int(c.Preset.Height)
	}
	if c.Preset.FrameRate > 0 {
		mc.FrameRate = prop.Float(c.Preset.FrameRate)
	}
}

func applyAudio(mc *mediadevices.MediaTrackConstraints, c room.MediaConstraints) {
	if c.AudioDevice != "" {
		mc.DeviceID = prop.String(c.AudioDevice)
	}
	if c.SampleRate > 0 {
		mc.SampleRate = prop.Int(c.SampleRate)
	}
	if c.ChannelCount > 0 {
		mc.ChannelCount = prop.Int(c.ChannelCount)
	}
	mc.Latency = prop.Duration(20 * time.Millisecond)
}

// classify maps driver errors onto the engine's media errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var target *room.Error
	switch {
	case errors.As(err, &target):
		return err
	case errors.Is(err, fs.ErrPermission), strings.Contains(strings.ToLower(err.Error()), "permission"):
		target = room.ErrMediaAccessDenied
	default:
		target = room.ErrMediaUnavailable
	}
	wrapped := *target
	wrapped.Err = err
	return &wrapped
}

type stream struct {
	id     string
	tracks []room.Track
}

func newStream(ms mediadevices.MediaStream, videoSource, audioSource livekit.TrackSource) *stream {
	s := &stream{id: uuid.NewString()}
	for _, t := range ms.GetVideoTracks() {
		s.tracks = append(s.tracks, newTrack(t, videoSource))
	}
	for _, t := range ms.GetAudioTracks() {
		s.tracks = append(s.tracks, newTrack(t, audioSource))
	}
	return s
}

func (s *stream) ID() string           { return s.id }
func (s *stream) Tracks() []room.Track { return s.tracks }
