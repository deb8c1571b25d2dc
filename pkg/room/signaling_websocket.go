package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketOptions configures WebSocketTransport.
type WebSocketOptions struct {
	// URL is the signaling endpoint, e.g. wss://api.example.com/signal.
	// The session id is added as the "session" query parameter.
	URL string

	// Token is sent as a bearer Authorization header when set.
	Token string

	// DegradeAfter is the number of consecutive failures before the transport
	// reports itself degraded. Defaults to 3.
	DegradeAfter int

	// MaxBackoff bounds the reconnect delay. Defaults to 30s.
	MaxBackoff time.Duration

	OnDegraded func(err error)

	// SessionValid is consulted before every redial. Once it reports false
	// the read loop stops for good and OnSessionGone fires.
	SessionValid func() bool

	// OnSessionGone fires once when the session ends underneath the
	// transport, either through SessionValid or a 404/410 handshake.
	OnSessionGone func()

	Dialer *websocket.Dialer
}

// WebSocketTransport implements Transport over a persistent websocket. It is
// the push alternative to PollTransport and redials with backoff until Close.
type WebSocketTransport struct {
	opts    WebSocketOptions
	logger  *zap.Logger
	network *NetworkHandler

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWebSocketTransport creates a websocket transport.
func NewWebSocketTransport(opts WebSocketOptions, logger *zap.Logger) *WebSocketTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.Dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = 10 * time.Second
		opts.Dialer = &d
	}
	logger = logger.Named("websocket")
	network := NewNetworkHandler(opts.DegradeAfter, logger)
	if opts.OnDegraded != nil {
		network.OnDegraded(opts.OnDegraded)
	}
	return &WebSocketTransport{opts: opts, logger: logger, network: network}
}

// Network exposes the transport health tracker.
func (w *WebSocketTransport) Network() *NetworkHandler { return w.network }

// WatchSession installs the session hooks. Call it before Open.
func (w *WebSocketTransport) WatchSession(valid func() bool, gone func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.opts.SessionValid = valid
	w.opts.OnSessionGone = gone
}

func (w *WebSocketTransport) sessionValid() bool {
	w.mu.Lock()
	valid := w.opts.SessionValid
	w.mu.Unlock()
	return valid == nil || valid()
}

func (w *WebSocketTransport) sessionGone() {
	w.mu.Lock()
	gone := w.opts.OnSessionGone
	w.mu.Unlock()
	w.logger.Info("session ended, websocket signaling stopped")
	if gone != nil {
		gone()
	}
}

func (w *WebSocketTransport) endpoint(sessionID string) (string, error) {
	u, err := url.Parse(w.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse signaling url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("session", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (w *WebSocketTransport) dial(ctx context.Context, sessionID string) (*websocket.Conn, error) {
	endpoint, err := w.endpoint(sessionID)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if w.opts.Token != "" {
		header.Set("Authorization", "Bearer "+w.opts.Token)
	}
	conn, resp, err := w.opts.Dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone) {
			return nil, ErrNotFound.wrap(fmt.Errorf("dial signaling: %w", err))
		}
		return nil, fmt.Errorf("dial signaling: %w", err)
	}
	return conn, nil
}

// Open dials the endpoint and starts the read loop. It refuses to start
// against an absent or invalid session.
func (w *WebSocketTransport) Open(ctx context.Context, sessionID string, deliver func(Signal)) error {
	if sessionID == "" || !w.sessionValid() {
		return ErrInvalidSession
	}
	conn, err := w.dial(ctx, sessionID)
	if err != nil {
		w.network.RecordFailure(err)
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidSession.wrap(err)
		}
		return err
	}
	w.network.RecordSuccess()

	loopCtx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	w.conn = conn
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	go w.readLoop(loopCtx, sessionID, conn, deliver, done)
	w.logger.Info("websocket signaling connected", zap.String("session", sessionID))
	return nil
}

func (w *WebSocketTransport) readLoop(ctx context.Context, sessionID string, conn *websocket.Conn, deliver func(Signal), done chan struct{}) {
	defer close(done)
	backoff := time.Second

	for {
		c := conn
		c.SetPingHandler(func(data string) error {
			w.network.RecordSuccess()
			err := c.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
			if errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return err
		})
		for {
			var sig Signal
			if err := conn.ReadJSON(&sig); err != nil {
				if ctx.Err() != nil {
					return
				}
				w.network.RecordFailure(err)
				w.logger.Warn("websocket read failed", zap.Error(err))
				break
			}
			w.network.RecordSuccess()
			backoff = time.Second
			if deliver != nil {
				deliver(sig)
			}
		}
		_ = conn.Close()

		// Redial until Close or until the session is over.
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if !w.sessionValid() {
				w.sessionGone()
				return
			}
			next, err := w.dial(ctx, sessionID)
			if err == nil {
				w.mu.Lock()
				if ctx.Err() != nil {
					w.mu.Unlock()
					_ = next.Close()
					return
				}
				w.conn = next
				w.mu.Unlock()
				conn = next
				w.logger.Info("websocket signaling reconnected")
				// Recovery listeners may send right away, so record it once
				// the new connection is in place.
				w.network.RecordSuccess()
				break
			}
			if ctx.Err() != nil {
				return
			}
			w.network.RecordFailure(err)
			if errors.Is(err, ErrNotFound) {
				w.sessionGone()
				return
			}
			w.logger.Warn("websocket redial failed", zap.Duration("backoff", backoff), zap.Error(err))
			backoff *= 2
			if backoff > w.opts.MaxBackoff {
				backoff = w.opts.MaxBackoff
			}
		}
	}
}

// Send writes sig as a JSON text frame.
func (w *WebSocketTransport) Send(ctx context.Context, sig Signal) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return ErrNotJoined
	}
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.network.WriteMessage(conn, websocket.TextMessage, data)
}

// Close sends a close frame, closes the connection and waits for the read loop.
func (w *WebSocketTransport) Close() error {
	w.mu.Lock()
	conn, cancel, done := w.conn, w.cancel, w.done
	if cancel == nil {
		w.mu.Unlock()
		return nil
	}
	cancel()
	w.conn, w.cancel = nil, nil
	w.mu.Unlock()

	if conn != nil {
		w.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leaving"),
			time.Now().Add(time.Second))
		w.writeMu.Unlock()
		_ = conn.Close()
	}
	<-done
	w.logger.Info("websocket signaling closed")
	return nil
}
