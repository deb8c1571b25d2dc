package mocks

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/livekit/protocol/livekit"
	"github.com/pion/webrtc/v4"

	"github.com/am-sokolov/liveroom-go/pkg/room"
)

// FakeTrack is an in-memory capture track backed by a static sample track.
type FakeTrack struct {
	mu      sync.Mutex
	id      string
	kind    webrtc.RTPCodecType
	source  livekit.TrackSource
	enabled bool
	state   room.ReadyState
	ended   []func()
	local   *webrtc.TrackLocalStaticSample

	StopCalls int
}

// NewFakeTrack creates a live, enabled track of kind.
func NewFakeTrack(kind webrtc.RTPCodecType, source livekit.TrackSource) *FakeTrack {
	id := kind.String() + "-" + uuid.NewString()[:8]
	mime := webrtc.MimeTypeVP8
	if kind == webrtc.RTPCodecTypeAudio {
		mime = webrtc.MimeTypeOpus
	}
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "fake")
	if err != nil {
		panic(err)
	}
	return &FakeTrack{id: id, kind: kind, source: source, enabled: true, state: room.TrackLive, local: local}
}

func (t *FakeTrack) ID() string                  { return t.id }
func (t *FakeTrack) Kind() webrtc.RTPCodecType   { return t.kind }
func (t *FakeTrack) Source() livekit.TrackSource { return t.source }
func (t *FakeTrack) Local() webrtc.TrackLocal    { return t.local }

func (t *FakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *FakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *FakeTrack) ReadyState() room.ReadyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *FakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ended = append(t.ended, fn)
}

// Stop ends the track and fires OnEnded callbacks once.
func (t *FakeTrack) Stop() {
	t.mu.Lock()
	t.StopCalls++
	if t.state == room.TrackEnded {
		t.mu.Unlock()
		return
	}
	t.state = room.TrackEnded
	ended := t.ended
	t.ended = nil
	t.mu.Unlock()

	for _, fn := range ended {
		fn()
	}
}

// End simulates the platform ending the track, e.g. a device unplug or the
// OS "stop sharing" button.
func (t *FakeTrack) End() { t.Stop() }

// FakeStream groups fake tracks.
type FakeStream struct {
	id     string
	tracks []room.Track
}

// NewFakeStream creates a stream of tracks.
func NewFakeStream(tracks ...room.Track) *FakeStream {
	return &FakeStream{id: uuid.NewString(), tracks: tracks}
}

// NewCameraStream creates a stream with one camera and one microphone track.
func NewCameraStream() *FakeStream {
	return NewFakeStream(
		NewFakeTrack(webrtc.RTPCodecTypeVideo, livekit.TrackSource_CAMERA),
		NewFakeTrack(webrtc.RTPCodecTypeAudio, livekit.TrackSource_MICROPHONE),
	)
}

func (s *FakeStream) ID() string           { return s.id }
func (s *FakeStream) Tracks() []room.Track { return s.tracks }

// Fake returns the i-th track as a *FakeTrack.
func (s *FakeStream) Fake(i int) *FakeTrack { return s.tracks[i].(*FakeTrack) }

// FakeProvider hands out fake streams and records what was requested.
type FakeProvider struct {
	mu sync.Mutex

	UserMediaErr   error
	DisplayErr     error
	UserMediaCalls int
	DisplayCalls   int
	Constraints    []room.MediaConstraints
	Streams        []*FakeStream
	Displays       []*FakeStream

	// NoDisplayVideo makes display capture return an audio-only stream.
	NoDisplayVideo bool

	// Hold, when set, keeps every acquisition pending until it is closed.
	// Holding receives one value as each acquisition starts to wait.
	Hold    chan struct{}
	Holding chan struct{}

	watchers map[int]func()
	nextW    int
}

// NewFakeProvider creates a provider that always succeeds.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{watchers: make(map[int]func())}
}

func (p *FakeProvider) wait() {
	p.mu.Lock()
	hold, holding := p.Hold, p.Holding
	p.mu.Unlock()
	if hold == nil {
		return
	}
	if holding != nil {
		holding <- struct{}{}
	}
	<-hold
}

func (p *FakeProvider) GetUserMedia(ctx context.Context, c room.MediaConstraints) (room.Stream, error) {
	p.wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.UserMediaCalls++
	p.Constraints = append(p.Constraints, c)
	if p.UserMediaErr != nil {
		return nil, p.UserMediaErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := NewCameraStream()
	p.Streams = append(p.Streams, s)
	return s, nil
}

func (p *FakeProvider) GetDisplayMedia(ctx context.Context, c room.DisplayConstraints) (room.Stream, error) {
	p.wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DisplayCalls++
	if p.DisplayErr != nil {
		return nil, p.DisplayErr
	}
	var s *FakeStream
	if p.NoDisplayVideo {
		s = NewFakeStream(NewFakeTrack(webrtc.RTPCodecTypeAudio, livekit.TrackSource_SCREEN_SHARE_AUDIO))
	} else {
		s = NewFakeStream(NewFakeTrack(webrtc.RTPCodecTypeVideo, livekit.TrackSource_SCREEN_SHARE))
	}
	p.Displays = append(p.Displays, s)
	return s, nil
}

// WatchDevices implements room.DeviceWatcher.
func (p *FakeProvider) WatchDevices(fn func()) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextW
	p.nextW++
	p.watchers[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.watchers, id)
	}
}

// DeviceChanged fires every registered watcher.
func (p *FakeProvider) DeviceChanged() {
	p.mu.Lock()
	fns := make([]func(), 0, len(p.watchers))
	for _, fn := range p.watchers {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Watchers returns the number of registered device watchers.
func (p *FakeProvider) Watchers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.watchers)
}

// LastStream returns the most recently acquired camera stream.
func (p *FakeProvider) LastStream() *FakeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Streams) == 0 {
		return nil
	}
	return p.Streams[len(p.Streams)-1]
}

// LastDisplay returns the most recently acquired display stream.
func (p *FakeProvider) LastDisplay() *FakeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Displays) == 0 {
		return nil
	}
	return p.Displays[len(p.Displays)-1]
}

// LiveTracks counts live tracks across every stream this provider handed out.
func (p *FakeProvider) LiveTracks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range append(append([]*FakeStream{}, p.Streams...), p.Displays...) {
		n += room.LiveTrackCount(s)
	}
	return n
}
