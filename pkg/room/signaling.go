package room

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// SignalKind identifies a signaling message.
type SignalKind string

const (
	SignalUserJoined SignalKind = "user-joined"
	SignalUserLeft   SignalKind = "user-left"
	SignalWebRTC     SignalKind = "webrtc-signal"
)

// NegotiationType identifies the payload of a webrtc-signal message.
type NegotiationType string

const (
	NegotiationOffer     NegotiationType = "offer"
	NegotiationAnswer    NegotiationType = "answer"
	NegotiationCandidate NegotiationType = "candidate"
)

// NegotiationPayload carries one SDP description or ICE candidate.
type NegotiationPayload struct {
	Type      NegotiationType            `json:"type"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// Signal is one message on the signaling bus. To is empty for broadcasts.
type Signal struct {
	Seq         int64               `json:"seq,omitempty"`
	Kind        SignalKind          `json:"type"`
	SessionID   string              `json:"sessionId"`
	From        string              `json:"from"`
	To          string              `json:"to,omitempty"`
	Role        Role                `json:"role,omitempty"`
	UserID      string              `json:"userId,omitempty"`
	DisplayName string              `json:"displayName,omitempty"`
	Payload     *NegotiationPayload `json:"payload,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
}

// Transport moves signals between participants. Open starts delivery of
// incoming signals to deliver until Close; Close is idempotent and stops every
// background timer or connection the transport owns.
type Transport interface {
	Open(ctx context.Context, sessionID string, deliver func(Signal)) error
	Send(ctx context.Context, sig Signal) error
	Close() error
}

// SessionWatcher is implemented by transports that stop on their own once
// the session ends. valid is checked before each reconnect or poll; gone
// fires once when the transport gives up because of it.
type SessionWatcher interface {
	WatchSession(valid func() bool, gone func())
}

// SignalingChannel is the session-scoped message bus between participants.
// It drops its own echoes and messages addressed to other peers.
type SignalingChannel struct {
	transport Transport
	logger    *zap.Logger

	mu        sync.RWMutex
	sessionID string
	self      Participant
	connected bool
	handlers  map[SignalKind]map[uint64]func(Signal)
	nextID    uint64
}

// NewSignalingChannel creates a channel over transport.
func NewSignalingChannel(transport Transport, logger *zap.Logger) *SignalingChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignalingChannel{
		transport: transport,
		logger:    logger.Named("signaling"),
		handlers:  make(map[SignalKind]map[uint64]func(Signal)),
	}
}

// Connect opens the transport for sessionID. self identifies the local
// connection; its ID is the address other peers use.
func (c *SignalingChannel) Connect(ctx context.Context, sessionID string, self Participant) error {
	if sessionID == "" || self.ID == "" {
		return ErrInvalidSession
	}

	c.mu.Lock()
	if c.connected {
		same := c.sessionID == sessionID
		c.mu.Unlock()
		if same {
			return nil
		}
		return ErrAlreadyJoined
	}
	c.sessionID = sessionID
	c.self = self
	c.connected = true
	c.mu.Unlock()

	if err := c.transport.Open(ctx, sessionID, c.deliver); err != nil {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		return ErrSignalingTransport.wrap(err)
	}
	c.logger.Info("signaling connected", zap.String("session", sessionID), zap.String("self", self.ID))
	return nil
}

// Disconnect closes the transport. It is safe to call repeatedly.
func (c *SignalingChannel) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	c.mu.Unlock()

	if err := c.transport.Close(); err != nil {
		return ErrSignalingTransport.wrap(err)
	}
	c.logger.Info("signaling disconnected")
	return nil
}

// Connected reports whether the channel is open.
func (c *SignalingChannel) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Self returns the local participant entry used as sender identity.
func (c *SignalingChannel) Self() Participant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self
}

// On registers fn for kind and returns a function that removes it.
func (c *SignalingChannel) On(kind SignalKind, fn func(Signal)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.handlers[kind] == nil {
		c.handlers[kind] = make(map[uint64]func(Signal))
	}
	c.handlers[kind][id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[kind], id)
	}
}

// AnnounceJoined broadcasts the local participant's arrival.
func (c *SignalingChannel) AnnounceJoined(ctx context.Context) error {
	return c.send(ctx, Signal{Kind: SignalUserJoined})
}

// Greet answers a peer's arrival with a hello addressed only to it, so the
// newcomer learns who is already present.
func (c *SignalingChannel) Greet(ctx context.Context, to string) error {
	if to == "" {
		return ErrPeerNotFound
	}
	return c.send(ctx, Signal{Kind: SignalUserJoined, To: to})
}

// AnnounceLeft broadcasts the local participant's departure.
func (c *SignalingChannel) AnnounceLeft(ctx context.Context) error {
	return c.send(ctx, Signal{Kind: SignalUserLeft})
}

// SendNegotiation sends an offer, answer or candidate to one peer.
func (c *SignalingChannel) SendNegotiation(ctx context.Context, to string, p NegotiationPayload) error {
	if to == "" {
		return ErrPeerNotFound
	}
	return c.send(ctx, Signal{Kind: SignalWebRTC, To: to, Payload: &p})
}

func (c *SignalingChannel) send(ctx context.Context, sig Signal) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotJoined
	}
	sig.SessionID = c.sessionID
	sig.From = c.self.ID
	sig.Role = c.self.Role
	sig.UserID = c.self.UserID
	sig.DisplayName = c.self.DisplayName
	c.mu.RUnlock()
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}

	if err := c.transport.Send(ctx, sig); err != nil {
		c.logger.Warn("signal send failed", zap.String("kind", string(sig.Kind)), zap.Error(err))
		return ErrSignalingTransport.wrap(err)
	}
	c.logger.Debug("signal sent", zap.String("kind", string(sig.Kind)), zap.String("to", sig.To))
	return nil
}

// deliver filters and dispatches an incoming signal. Handlers run outside the lock.
func (c *SignalingChannel) deliver(sig Signal) {
	c.mu.RLock()
	if !c.connected ||
		sig.From == c.self.ID ||
		(sig.To != "" && sig.To != c.self.ID) ||
		(sig.SessionID != "" && sig.SessionID != c.sessionID) {
		c.mu.RUnlock()
		return
	}
	handlers := make([]func(Signal), 0, len(c.handlers[sig.Kind]))
	for _, fn := range c.handlers[sig.Kind] {
		handlers = append(handlers, fn)
	}
	c.mu.RUnlock()

	for _, fn := range handlers {
		fn(sig)
	}
}
