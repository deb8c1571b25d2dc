package mocks

import (
	"errors"
	"fmt"
	"sync"

	"github.com/am-sokolov/liveroom-go/pkg/room"
)

// FakeCapture returns one numbered chunk per flush. Closing it allows one
// more flush, which ends with Trailer.
type FakeCapture struct {
	mu       sync.Mutex
	flushes  int
	paused   bool
	closed   bool
	drained  bool
	FlushErr error
	Mime     string
	Trailer  string
}

func (c *FakeCapture) Flush() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.drained {
		return nil, errors.New("capture closed")
	}
	if c.FlushErr != nil {
		return nil, c.FlushErr
	}
	c.flushes++
	chunk := fmt.Sprintf("chunk-%d;", c.flushes)
	if c.closed {
		c.drained = true
		chunk += c.Trailer
	}
	return []byte(chunk), nil
}

func (c *FakeCapture) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	return nil
}

func (c *FakeCapture) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	return nil
}

func (c *FakeCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *FakeCapture) MimeType() string {
	if c.Mime == "" {
		return "video/webm"
	}
	return c.Mime
}

// SetFlushErr makes subsequent flushes fail with err.
func (c *FakeCapture) SetFlushErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.FlushErr = err
}

// Paused reports whether the capture is paused.
func (c *FakeCapture) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// IsClosed reports whether Close was called.
func (c *FakeCapture) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Captures is a room.CaptureFactory that remembers what it created.
type Captures struct {
	mu      sync.Mutex
	Created []*FakeCapture
	Err     error
	Trailer string
}

// Factory returns the room.CaptureFactory.
func (c *Captures) Factory() room.CaptureFactory {
	return func(room.Stream, room.RecordingOptions) (room.Capture, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.Err != nil {
			return nil, c.Err
		}
		fc := &FakeCapture{Trailer: c.Trailer}
		c.Created = append(c.Created, fc)
		return fc, nil
	}
}

// Last returns the most recently created capture.
func (c *Captures) Last() *FakeCapture {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Created) == 0 {
		return nil
	}
	return c.Created[len(c.Created)-1]
}
