package devices

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"sync"

	"github.com/am-sokolov/liveroom-go/pkg/room"
)

const (
	mimeMultipart = "multipart/mixed"
	trackHeader   = "Content-Track"
)

// AVCapture records a video and an audio track side by side. Every flush
// carries the new bytes of each track as one part of a single multipart/mixed
// body, so the flushes concatenate into a complete body. The video/x-ivf
// parts joined in order form the IVF file and the audio/ogg parts the Ogg
// file; SplitAV does that.
type AVCapture struct {
	video *RTPCapture
	audio *RTPCapture

	mu       sync.Mutex
	buf      bytes.Buffer
	parts    *multipart.Writer
	closed   bool
	finished bool
}

var _ room.Capture = (*AVCapture)(nil)

// NewAVCapture combines two running track captures. It owns both afterwards.
func NewAVCapture(video, audio *RTPCapture) *AVCapture {
	c := &AVCapture{video: video, audio: audio}
	c.parts = multipart.NewWriter(&c.buf)
	return c
}

// Flush returns the body bytes produced since the previous flush. The flush
// after Close ends the body with its closing boundary.
func (c *AVCapture) Flush() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return nil, nil
	}

	for _, track := range []*RTPCapture{c.video, c.audio} {
		data, err := track.Flush()
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			continue
		}
		w, err := c.parts.CreatePart(textproto.MIMEHeader{
			"Content-Type": {track.MimeType()},
			trackHeader:    {trackName(track)},
		})
		if err != nil {
			return nil, fmt.Errorf("start %s part: %w", trackName(track), err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("write %s part: %w", trackName(track), err)
		}
	}
	if c.closed {
		if err := c.parts.Close(); err != nil {
			return nil, fmt.Errorf("close body: %w", err)
		}
		c.finished = true
	}

	out := bytes.Clone(c.buf.Bytes())
	c.buf.Reset()
	return out, nil
}

func (c *AVCapture) Pause() error {
	return errors.Join(c.video.Pause(), c.audio.Pause())
}

func (c *AVCapture) Resume() error {
	return errors.Join(c.video.Resume(), c.audio.Resume())
}

// Close stops both tracks and finalizes their containers.
func (c *AVCapture) Close() error {
	err := errors.Join(c.video.Close(), c.audio.Close())
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return err
}

// MimeType names the multipart body together with its boundary.
func (c *AVCapture) MimeType() string {
	return mime.FormatMediaType(mimeMultipart, map[string]string{"boundary": c.parts.Boundary()})
}

func trackName(c *RTPCapture) string {
	if c.MimeType() == mimeOgg {
		return "audio"
	}
	return "video"
}

// SplitAV separates a recording made by AVCapture into its IVF video and Ogg
// audio files. Any other mime type is returned unchanged as the track it
// names.
func SplitAV(data []byte, mimeType string) (video, audio []byte, err error) {
	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return nil, nil, fmt.Errorf("parse mime type: %w", err)
	}
	switch mediaType {
	case mimeIVF:
		return data, nil, nil
	case mimeOgg:
		return nil, data, nil
	case mimeMultipart:
	default:
		return nil, nil, fmt.Errorf("unsupported recording type %s", mediaType)
	}

	r := multipart.NewReader(bytes.NewReader(data), params["boundary"])
	var v, a bytes.Buffer
	for {
		part, err := r.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read part: %w", err)
		}
		dst := &v
		if part.Header.Get("Content-Type") == mimeOgg {
			dst = &a
		}
		if _, err := io.Copy(dst, part); err != nil {
			return nil, nil, fmt.Errorf("read part: %w", err)
		}
	}
	return v.Bytes(), a.Bytes(), nil
}
