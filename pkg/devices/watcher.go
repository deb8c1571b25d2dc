package devices

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"go.uber.org/zap"

	"github.com/am-sokolov/liveroom-go/pkg/room"
)

// Enumerator lists the capture devices currently present.
type Enumerator func() []mediadevices.MediaDeviceInfo

// Watcher polls an Enumerator and notifies subscribers when the device set
// changes. Polling runs only while at least one subscriber exists.
type Watcher struct {
	enumerate Enumerator
	interval  time.Duration
	tickers   room.TickerFactory
	logger    *zap.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]func()
	stop   chan struct{}
	done   chan struct{}
}

// NewWatcher creates a watcher. It does not poll until Watch is called.
func NewWatcher(enumerate Enumerator, interval time.Duration, tickers room.TickerFactory, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tickers == nil {
		tickers = room.NewTicker
	}
	return &Watcher{
		enumerate: enumerate,
		interval:  interval,
		tickers:   tickers,
		logger:    logger,
		subs:      make(map[int]func()),
	}
}

// Watch registers fn and returns a function that deregisters it.
func (w *Watcher) Watch(fn func()) func() {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.subs[id] = fn
	if w.stop == nil {
		w.stop = make(chan struct{})
		w.done = make(chan struct{})
		go w.run(w.stop, w.done, fingerprint(w.enumerate()))
	}
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { w.unwatch(id) })
	}
}

func (w *Watcher) unwatch(id int) {
	w.mu.Lock()
	delete(w.subs, id)
	var stop, done chan struct{}
	if len(w.subs) == 0 && w.stop != nil {
		stop, done = w.stop, w.done
		w.stop, w.done = nil, nil
	}
	w.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

func (w *Watcher) run(stop, done chan struct{}, last string) {
	defer close(done)
	ticker := w.tickers(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			current := fingerprint(w.enumerate())
			if current == last {
				continue
			}
			last = current
			w.logger.Info("capture devices changed")
			w.notify()
		}
	}
}

func (w *Watcher) notify() {
	w.mu.Lock()
	fns := make([]func(), 0, len(w.subs))
	for _, fn := range w.subs {
		fns = append(fns, fn)
	}
	w.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// fingerprint is an order-independent identity of a device list.
func fingerprint(devices []mediadevices.MediaDeviceInfo) string {
	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.DeviceID)
	}
	sort.Strings(ids)
	return strings.Join(ids, "\x00")
}

// Count reports how many cameras and microphones the platform drivers see.
func Count() (cameras, microphones int) {
	for _, d := range mediadevices.EnumerateDevices() {
		switch d.Kind {
		case mediadevices.VideoInput:
			cameras++
		case mediadevices.AudioInput:
			microphones++
		}
	}
	return cameras, microphones
}
