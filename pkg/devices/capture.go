package devices

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"go.uber.org/zap"

	"github.com/am-sokolov/liveroom-go/pkg/room"
)

const (
	captureMTU       = 1200
	opusSampleRate   = 48000
	opusChannelCount = 2
	mimeIVF          = "video/x-ivf"
	mimeOgg          = "audio/ogg"
	videoCodecName   = "VP8"
	audioCodecName   = "opus"
)

// PacketReader yields encoded RTP packets. mediadevices.RTPReadCloser
// satisfies it.
type PacketReader interface {
	Read() (pkts []*rtp.Packet, release func(), err error)
	Close() error
}

type packetWriter interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// RTPCapture writes a track's RTP stream into a container held in memory.
// Video is written as IVF and audio as Ogg/Opus.
type RTPCapture struct {
	reader PacketReader
	mime   string
	logger *zap.Logger

	mu     sync.Mutex
	buf    bytes.Buffer
	writer packetWriter
	paused bool
	closed bool
	err    error

	done chan struct{}
}

var _ room.Capture = (*RTPCapture)(nil)

// NewRTPCapture starts reading from r. kind selects the container.
func NewRTPCapture(r PacketReader, kind webrtc.RTPCodecType, logger *zap.Logger) (*RTPCapture, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &RTPCapture{reader: r, logger: logger.Named("capture"), done: make(chan struct{})}

	sink := bufferWriter{c: c}
	var err error
	switch kind {
	case webrtc.RTPCodecTypeVideo:
		c.mime = mimeIVF
		c.writer, err = ivfwriter.NewWith(sink)
	case webrtc.RTPCodecTypeAudio:
		c.mime = mimeOgg
		c.writer, err = oggwriter.NewWith(sink, opusSampleRate, opusChannelCount)
	default:
		err = fmt.Errorf("unsupported track kind %s", kind)
	}
	if err != nil {
		_ = r.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

// NewCaptureFactory returns a room.CaptureFactory that records the camera and
// microphone of a stream together, or whichever one of them it has.
func NewCaptureFactory(logger *zap.Logger) room.CaptureFactory {
	return func(stream room.Stream, opts room.RecordingOptions) (room.Capture, error) {
		var captures []*RTPCapture
		for _, t := range []room.Track{room.VideoTrack(stream), room.AudioTrack(stream)} {
			if t == nil {
				continue
			}
			c, err := trackCapture(t, opts, logger)
			if err != nil {
				for _, started := range captures {
					_ = started.Close()
				}
				return nil, err
			}
			captures = append(captures, c)
		}
		switch len(captures) {
		case 0:
			return nil, room.ErrMediaUnavailable
		case 1:
			return captures[0], nil
		default:
			return NewAVCapture(captures[0], captures[1]), nil
		}
	}
}

func trackCapture(t room.Track, opts room.RecordingOptions, logger *zap.Logger) (*RTPCapture, error) {
	dt, ok := t.(*Track)
	if !ok {
		return nil, fmt.Errorf("track %s is not a device track", t.ID())
	}
	codec := videoCodecName
	if t.Kind() == webrtc.RTPCodecTypeAudio {
		codec = audioCodecName
	}
	r, err := dt.Media().NewRTPReader(codec, rand.Uint32(), captureMTU)
	if err != nil {
		return nil, fmt.Errorf("open rtp reader: %w", err)
	}
	if logger != nil {
		logger.Debug("capture started",
			zap.String("session", opts.SessionID),
			zap.String("track", t.ID()),
			zap.String("codec", codec))
	}
	return NewRTPCapture(r, t.Kind(), logger)
}

func (c *RTPCapture) readLoop() {
	defer close(c.done)
	for {
		pkts, release, err := c.reader.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.mu.Lock()
				if !c.closed {
					c.err = err
				}
				c.mu.Unlock()
				c.logger.Debug("rtp read stopped", zap.Error(err))
			}
			return
		}
		c.write(pkts)
		if release != nil {
			release()
		}
	}
}

func (c *RTPCapture) write(pkts []*rtp.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused || c.closed {
		return
	}
	for _, pkt := range pkts {
		if pkt == nil {
			continue
		}
		if err := c.writer.WriteRTP(pkt); err != nil {
			c.logger.Debug("dropping packet", zap.Uint16("seq", pkt.SequenceNumber), zap.Error(err))
		}
	}
}

// Flush returns the bytes written since the previous flush. The first flush
// starts with the container header.
func (c *RTPCapture) Flush() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	out := bytes.Clone(c.buf.Bytes())
	c.buf.Reset()
	return out, nil
}

// Pause drops incoming packets until Resume.
func (c *RTPCapture) Pause() error {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	return nil
}

func (c *RTPCapture) Resume() error {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	return nil
}

// Close stops reading and finalizes the container.
func (c *RTPCapture) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.reader.Close()
	<-c.done

	c.mu.Lock()
	defer c.mu.Unlock()
	if werr := c.writer.Close(); err == nil {
		err = werr
	}
	return err
}

func (c *RTPCapture) MimeType() string { return c.mime }

// bufferWriter appends to the capture buffer. Callers hold c.mu, except the
// container constructors which run before the read loop starts.
type bufferWriter struct{ c *RTPCapture }

func (w bufferWriter) Write(p []byte) (int, error) { return w.c.buf.Write(p) }
