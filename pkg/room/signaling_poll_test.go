package room_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/am-sokolov/liveroom-go/internal/test/mocks"
	"github.com/am-sokolov/liveroom-go/pkg/backendapi"
	"github.com/am-sokolov/liveroom-go/pkg/room"
)

const pollEvery = 2 * time.Second

type pollFixture struct {
	api       *backendapi.Memory
	session   *room.Session
	tickers   *mocks.Tickers
	transport *room.PollTransport

	mu       sync.Mutex
	received []room.Signal
}

func (f *pollFixture) deliver(sig room.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, sig)
}

func (f *pollFixture) signals() []room.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]room.Signal(nil), f.received...)
}

func (f *pollFixture) tick(t *testing.T) {
	t.Helper()
	require.True(t, f.tickers.Latest(pollEvery).Tick(), "poll loop is not running")
}

func newPollFixture(t *testing.T, opts room.PollOptions) *pollFixture {
	t.Helper()
	api := backendapi.NewMemory()
	s, err := api.CreateSession(context.Background(), room.CreateSessionRequest{Title: "poll"})
	require.NoError(t, err)

	f := &pollFixture{api: api, session: s, tickers: mocks.NewTickers()}
	opts.Interval = pollEvery
	opts.RequestsPerSecond = 1000
	opts.Tickers = f.tickers.Factory()
	f.transport = room.NewPollTransport(api, opts, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = f.transport.Close() })
	return f
}

func (f *pollFixture) open(t *testing.T) {
	t.Helper()
	require.NoError(t, f.transport.Open(context.Background(), f.session.ID, f.deliver))
	require.Eventually(t, func() bool { return f.tickers.Latest(pollEvery) != nil }, time.Second, time.Millisecond)
}

func (f *pollFixture) send(t *testing.T, from string) {
	t.Helper()
	require.NoError(t, f.api.SendSignal(context.Background(), f.session.ID,
		room.Signal{Kind: room.SignalUserJoined, From: from}))
}

// TestPollTransport_DeliversNewSignals tests that history before Open is
// skipped and later signals arrive in order.
func TestPollTransport_DeliversNewSignals(t *testing.T) {
	f := newPollFixture(t, room.PollOptions{})
	f.send(t, "old")
	f.open(t)

	f.send(t, "p1")
	f.send(t, "p2")
	f.tick(t)
	f.tick(t)

	require.Eventually(t, func() bool { return len(f.signals()) == 2 }, time.Second, time.Millisecond)
	got := f.signals()
	assert.Equal(t, "p1", got[0].From)
	assert.Equal(t, "p2", got[1].From)
	assert.Less(t, got[0].Seq, got[1].Seq)
	assert.True(t, f.transport.Active())
}

// TestPollTransport_StopsWhenSessionInvalid tests that the loop exits and
// its ticker stops once the session predicate turns false.
func TestPollTransport_StopsWhenSessionInvalid(t *testing.T) {
	var valid atomic.Bool
	valid.Store(true)
	var gone atomic.Int32
	f := newPollFixture(t, room.PollOptions{
		SessionValid:  valid.Load,
		OnSessionGone: func() { gone.Add(1) },
	})
	f.open(t)

	valid.Store(false)
	// The first poll may already have observed the change and stopped the ticker.
	f.tickers.Latest(pollEvery).Tick()

	require.Eventually(t, func() bool { return !f.transport.Active() }, time.Second, time.Millisecond)
	assert.True(t, f.tickers.Latest(pollEvery).Stopped())
	assert.Equal(t, int32(1), gone.Load())
	assert.Zero(t, f.tickers.Running())
}

func TestPollTransport_StopsWhenSessionEnded(t *testing.T) {
	var gone atomic.Bool
	f := newPollFixture(t, room.PollOptions{OnSessionGone: func() { gone.Store(true) }})
	f.open(t)

	_, err := f.api.UpdateSessionStatus(context.Background(), f.session.ID, room.StatusCancelled)
	require.NoError(t, err)
	f.tickers.Latest(pollEvery).Tick()

	require.Eventually(t, func() bool { return !f.transport.Active() }, time.Second, time.Millisecond)
	assert.True(t, gone.Load())
}

func TestPollTransport_OpenRefusesInvalidSession(t *testing.T) {
	f := newPollFixture(t, room.PollOptions{SessionValid: func() bool { return false }})
	assert.ErrorIs(t, f.transport.Open(context.Background(), f.session.ID, f.deliver), room.ErrInvalidSession)
	assert.ErrorIs(t, f.transport.Open(context.Background(), "", f.deliver), room.ErrInvalidSession)

	g := newPollFixture(t, room.PollOptions{})
	assert.ErrorIs(t, g.transport.Open(context.Background(), "missing", g.deliver), room.ErrInvalidSession)
	assert.Zero(t, g.tickers.Count(pollEvery))
}

// TestPollTransport_DegradesAndRecovers tests that polling keeps going
// through failures and reports degradation after the threshold.
func TestPollTransport_DegradesAndRecovers(t *testing.T) {
	var degraded atomic.Int32
	f := newPollFixture(t, room.PollOptions{
		DegradeAfter: 2,
		OnDegraded:   func(error) { degraded.Add(1) },
	})
	var recovered atomic.Bool
	f.transport.Network().OnRecovered(func() { recovered.Store(true) })
	f.open(t)

	f.api.SetFailures(nil, errors.New("502 bad gateway"))
	f.tick(t)
	f.tick(t)
	f.tick(t)
	require.Eventually(t, func() bool { return degraded.Load() == 1 }, time.Second, time.Millisecond)
	assert.True(t, f.transport.Active(), "polling continues while degraded")
	assert.Error(t, f.transport.Network().LastError())

	f.api.SetFailures(nil, nil)
	f.send(t, "p1")
	f.tick(t)
	require.Eventually(t, recovered.Load, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(f.signals()) == 1 }, time.Second, time.Millisecond)
	assert.False(t, f.transport.Network().Degraded())
	assert.Equal(t, int32(1), degraded.Load())
}

func TestPollTransport_CloseStopsTicker(t *testing.T) {
	f := newPollFixture(t, room.PollOptions{})
	f.open(t)
	require.NoError(t, f.transport.Close())
	require.NoError(t, f.transport.Close())

	assert.False(t, f.transport.Active())
	assert.Zero(t, f.tickers.Running())
	assert.False(t, f.tickers.Latest(pollEvery).Tick())
}

func TestPollTransport_Send(t *testing.T) {
	f := newPollFixture(t, room.PollOptions{})
	f.open(t)

	err := f.transport.Send(context.Background(), room.Signal{Kind: room.SignalUserLeft, SessionID: f.session.ID, From: "x"})
	require.NoError(t, err)
	f.tick(t)
	require.Eventually(t, func() bool { return len(f.signals()) == 1 }, time.Second, time.Millisecond)

	err = f.transport.Send(context.Background(), room.Signal{SessionID: "missing"})
	assert.ErrorIs(t, err, room.ErrNotFound)
}
