package room_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/am-sokolov/liveroom-go/pkg/room"
)

// echoServer accepts signaling connections, greets each one, and echoes
// every received signal back.
type echoServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions []string
	auth     []string
	conns    []*websocket.Conn
	dials    atomic.Int32
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	s := &echoServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *echoServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.dials.Add(1)
	s.mu.Lock()
	s.sessions = append(s.sessions, r.URL.Query().Get("session"))
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	_ = conn.WriteJSON(room.Signal{Kind: room.SignalUserJoined, From: "server"})
	for {
		var sig room.Signal
		if err := conn.ReadJSON(&sig); err != nil {
			return
		}
		if err := conn.WriteJSON(sig); err != nil {
			return
		}
	}
}

// dropAll closes every server-side connection.
func (s *echoServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

type signalSink struct {
	mu  sync.Mutex
	got []room.Signal
}

func (s *signalSink) deliver(sig room.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, sig)
}

func (s *signalSink) froms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.got))
	for _, sig := range s.got {
		out = append(out, sig.From)
	}
	return out
}

// TestWebSocketTransport_RoundTrip tests dialing, auth and delivery
func TestWebSocketTransport_RoundTrip(t *testing.T) {
	srv := newEchoServer(t)
	w := room.NewWebSocketTransport(room.WebSocketOptions{URL: srv.URL + "/signal", Token: "secret"}, zaptest.NewLogger(t))
	sink := &signalSink{}

	require.NoError(t, w.Open(context.Background(), "s1", sink.deliver))
	require.NoError(t, w.Send(context.Background(), room.Signal{Kind: room.SignalUserJoined, SessionID: "s1", From: "me"}))

	require.Eventually(t, func() bool { return len(sink.froms()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"server", "me"}, sink.froms())

	srv.mu.Lock()
	assert.Equal(t, []string{"s1"}, srv.sessions)
	assert.Equal(t, []string{"Bearer secret"}, srv.auth)
	srv.mu.Unlock()

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Send(context.Background(), room.Signal{}), room.ErrNotJoined)
}

// TestWebSocketTransport_Redials tests that a dropped connection is redialed
func TestWebSocketTransport_Redials(t *testing.T) {
	srv := newEchoServer(t)
	w := room.NewWebSocketTransport(room.WebSocketOptions{URL: srv.URL}, nil)
	sink := &signalSink{}
	require.NoError(t, w.Open(context.Background(), "s1", sink.deliver))
	t.Cleanup(func() { _ = w.Close() })
	require.Eventually(t, func() bool { return len(sink.froms()) == 1 }, 2*time.Second, 5*time.Millisecond)

	srv.dropAll()

	require.Eventually(t, func() bool { return srv.dials.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(sink.froms()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, w.Network().Degraded())
}

func TestWebSocketTransport_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	var degraded atomic.Bool
	w := room.NewWebSocketTransport(room.WebSocketOptions{
		URL:          strings.Replace(srv.URL, "http://", "ws://", 1),
		DegradeAfter: 1,
		OnDegraded:   func(error) { degraded.Store(true) },
	}, nil)

	err := w.Open(context.Background(), "s1", nil)
	assert.Error(t, err)
	assert.True(t, degraded.Load())
	assert.ErrorIs(t, w.Open(context.Background(), "", nil), room.ErrInvalidSession)
	assert.NoError(t, w.Close())
}

// TestWebSocketTransport_StopsWhenSessionEnds tests that a dropped connection
// is not redialed once the session is over
func TestWebSocketTransport_StopsWhenSessionEnds(t *testing.T) {
	srv := newEchoServer(t)
	var active, gone atomic.Bool
	active.Store(true)

	w := room.NewWebSocketTransport(room.WebSocketOptions{URL: srv.URL}, zaptest.NewLogger(t))
	w.WatchSession(active.Load, func() { gone.Store(true) })
	sink := &signalSink{}
	require.NoError(t, w.Open(context.Background(), "s1", sink.deliver))
	t.Cleanup(func() { _ = w.Close() })
	require.Eventually(t, func() bool { return len(sink.froms()) == 1 }, 2*time.Second, 5*time.Millisecond)

	active.Store(false)
	srv.dropAll()

	require.Eventually(t, gone.Load, 5*time.Second, 10*time.Millisecond)
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, int32(1), srv.dials.Load())
	assert.ErrorIs(t, w.Open(context.Background(), "s1", nil), room.ErrInvalidSession)
}

func TestWebSocketTransport_SessionNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	w := room.NewWebSocketTransport(room.WebSocketOptions{URL: srv.URL}, nil)
	err := w.Open(context.Background(), "s1", nil)
	assert.ErrorIs(t, err, room.ErrInvalidSession)
	assert.ErrorIs(t, err, room.ErrNotFound)
}

func TestTransports_WatchSession(t *testing.T) {
	var _ room.SessionWatcher = (*room.WebSocketTransport)(nil)
	var _ room.SessionWatcher = (*room.PollTransport)(nil)
}
