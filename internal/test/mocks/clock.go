package mocks

import (
	"sync"
	"time"

	"github.com/am-sokolov/liveroom-go/pkg/room"
)

// ManualTicker is a room.Ticker driven by Tick.
type ManualTicker struct {
	d       time.Duration
	c       chan time.Time
	stopped chan struct{}
	once    sync.Once
}

func newManualTicker(d time.Duration) *ManualTicker {
	return &ManualTicker{d: d, c: make(chan time.Time), stopped: make(chan struct{})}
}

func (t *ManualTicker) C() <-chan time.Time { return t.c }

func (t *ManualTicker) Stop() { t.once.Do(func() { close(t.stopped) }) }

// Tick delivers one tick and blocks until it is received or the ticker is
// stopped. It reports whether the tick was received.
func (t *ManualTicker) Tick() bool {
	select {
	case t.c <- time.Now():
		return true
	case <-t.stopped:
		return false
	}
}

// Stopped reports whether Stop was called.
func (t *ManualTicker) Stopped() bool {
	select {
	case <-t.stopped:
		return true
	default:
		return false
	}
}

// Tickers hands out manual tickers and remembers them by interval.
type Tickers struct {
	mu      sync.Mutex
	created map[time.Duration][]*ManualTicker
}

// NewTickers creates an empty factory.
func NewTickers() *Tickers {
	return &Tickers{created: make(map[time.Duration][]*ManualTicker)}
}

// Factory returns the room.TickerFactory backed by this set.
func (f *Tickers) Factory() room.TickerFactory {
	return func(d time.Duration) room.Ticker {
		t := newManualTicker(d)
		f.mu.Lock()
		f.created[d] = append(f.created[d], t)
		f.mu.Unlock()
		return t
	}
}

// Latest returns the most recently created ticker for d, or nil.
func (f *Tickers) Latest(d time.Duration) *ManualTicker {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts := f.created[d]
	if len(ts) == 0 {
		return nil
	}
	return ts[len(ts)-1]
}

// Count returns how many tickers were created for d.
func (f *Tickers) Count(d time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created[d])
}

// Running returns how many tickers across all intervals are not stopped.
func (f *Tickers) Running() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ts := range f.created {
		for _, t := range ts {
			if !t.Stopped() {
				n++
			}
		}
	}
	return n
}

// Timers is a manual room.AfterFunc.
type Timers struct {
	mu      sync.Mutex
	pending map[int]*timer
	next    int
}

type timer struct {
	d  time.Duration
	fn func()
}

// NewTimers creates an empty timer set.
func NewTimers() *Timers {
	return &Timers{pending: make(map[int]*timer)}
}

// AfterFunc implements room.AfterFunc.
func (m *Timers) AfterFunc(d time.Duration, fn func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	m.pending[id] = &timer{d: d, fn: fn}
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		_, ok := m.pending[id]
		delete(m.pending, id)
		return ok
	}
}

// Pending returns the number of scheduled, unfired timers.
func (m *Timers) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// FireAll runs every pending timer and returns how many fired.
func (m *Timers) FireAll() int {
	m.mu.Lock()
	fns := make([]func(), 0, len(m.pending))
	for id, t := range m.pending {
		fns = append(fns, t.fn)
		delete(m.pending, id)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return len(fns)
}
