package devices

import (
	"image"
	"sync"

	"github.com/livekit/protocol/livekit"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"

	"github.com/am-sokolov/liveroom-go/pkg/room"
)

// Track adapts a mediadevices track to room.Track. A disabled track keeps
// its device open and sends black frames or silence.
type Track struct {
	media  mediadevices.Track
	source livekit.TrackSource

	mu      sync.Mutex
	enabled bool
	state   room.ReadyState
	onEnded []func()
}

var _ room.Track = (*Track)(nil)

func newTrack(media mediadevices.Track, source livekit.TrackSource) *Track {
	t := &Track{media: media, source: source, enabled: true, state: room.TrackLive}
	media.OnEnded(func(error) { t.end() })
	t.installGate()
	return t
}

// Media returns the underlying mediadevices track.
func (t *Track) Media() mediadevices.Track { return t.media }

func (t *Track) ID() string                  { return t.media.ID() }
func (t *Track) Kind() webrtc.RTPCodecType   { return t.media.Kind() }
func (t *Track) Source() livekit.TrackSource { return t.source }
func (t *Track) Local() webrtc.TrackLocal    { return t.media }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *Track) ReadyState() room.ReadyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Track) OnEnded(fn func()) {
	t.mu.Lock()
	if t.state == room.TrackEnded {
		t.mu.Unlock()
		fn()
		return
	}
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

// Stop closes the device. OnEnded callbacks run once.
func (t *Track) Stop() {
	_ = t.media.Close()
	t.end()
}

func (t *Track) end() {
	t.mu.Lock()
	if t.state == room.TrackEnded {
		t.mu.Unlock()
		return
	}
	t.state = room.TrackEnded
	fns := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// installGate substitutes black frames or silence while the track is disabled.
func (t *Track) installGate() {
	switch m := t.media.(type) {
	case *mediadevices.VideoTrack:
		m.Transform(func(r video.Reader) video.Reader {
			return video.ReaderFunc(func() (image.Image, func(), error) {
				img, release, err := r.Read()
				if err != nil || t.Enabled() {
					return img, release, err
				}
				return blackFrame(img.Bounds()), release, nil
			})
		})
	case *mediadevices.AudioTrack:
		m.Transform(func(r audio.Reader) audio.Reader {
			return audio.ReaderFunc(func() (wave.Audio, func(), error) {
				chunk, release, err := r.Read()
				if err != nil || t.Enabled() {
					return chunk, release, err
				}
				return wave.NewInt16Interleaved(chunk.ChunkInfo()), release, nil
			})
		})
	}
}

func blackFrame(bounds image.Rectangle) image.Image {
	img := image.NewYCbCr(bounds, image.YCbCrSubsampleRatio420)
	for i := range img.Cb {
		img.Cb[i] = 128
	}
	for i := range img.Cr {
		img.Cr[i] = 128
	}
	return img
}
