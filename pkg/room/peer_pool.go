package room

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// NegotiationSender forwards a negotiation payload to one remote peer.
type NegotiationSender func(ctx context.Context, to string, p NegotiationPayload) error

// AfterFunc schedules fn after d and returns a stop function.
type AfterFunc func(d time.Duration, fn func()) (stop func() bool)

func defaultAfterFunc(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}

// PeerPoolOptions configures a PeerPool.
type PeerPoolOptions struct {
	Factory PeerConnectionFactory
	Send    NegotiationSender

	// SelfID breaks offer collisions: the side with the smaller id yields.
	SelfID string

	// GracePeriod is how long a failed or disconnected peer is kept before it
	// is dropped. Defaults to 10s.
	GracePeriod time.Duration

	// AfterFunc schedules grace timers. Defaults to time.AfterFunc.
	AfterFunc AfterFunc
}

// PeerState is a snapshot of one pool entry.
type PeerState struct {
	PeerID     string
	Role       NegotiationRole
	Connection ConnectionState
	ICE        webrtc.ICEConnectionState
}

// RemoteStream is the set of tracks received from one peer.
type RemoteStream struct {
	PeerID string
	Tracks []RemoteTrack
}

type peerEntry struct {
	id      string
	role    NegotiationRole
	pc      PeerConnection
	senders map[webrtc.RTPCodecType]RTPSender

	// negMu serializes offer/answer steps on this connection.
	negMu     sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	remote    []RemoteTrack
	state     ConnectionState
	ice       webrtc.ICEConnectionState
	stopGrace func() bool
}

// PeerPool owns exactly one negotiated connection per remote participant.
type PeerPool struct {
	opts   PeerPoolOptions
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	peers  map[string]*peerEntry
	early  map[string][]webrtc.ICECandidateInit
	video  webrtc.TrackLocal
	audio  webrtc.TrackLocal
	closed bool

	stateListeners []func(peerID string, state ConnectionState)
	lostListeners  []func(peerID string)
	trackListeners []func(peerID string, t RemoteTrack)
}

// NewPeerPool creates an empty pool.
func NewPeerPool(opts PeerPoolOptions, logger *zap.Logger) *PeerPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 10 * time.Second
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = defaultAfterFunc
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PeerPool{
		opts:   opts,
		logger: logger.Named("peers"),
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[string]*peerEntry),
		early:  make(map[string][]webrtc.ICECandidateInit),
	}
}

// OnStateChange registers fn for connection state changes of any peer.
func (p *PeerPool) OnStateChange(fn func(peerID string, state ConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateListeners = append(p.stateListeners, fn)
}

// OnPeerLost registers fn for peers dropped after their grace window expired.
func (p *PeerPool) OnPeerLost(fn func(peerID string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lostListeners = append(p.lostListeners, fn)
}

// OnRemoteTrack registers fn for incoming remote tracks.
func (p *PeerPool) OnRemoteTrack(fn func(peerID string, t RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trackListeners = append(p.trackListeners, fn)
}

// SetLocalTracks sets the tracks attached to connections created from now on.
// A nil track leaves that kind unsent.
func (p *PeerPool) SetLocalTracks(video, audio webrtc.TrackLocal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.video = video
	p.audio = audio
}

// AddPeer creates the connection to peerID. As initiator it also sends the
// offer. Adding a peer that already exists is a no-op.
func (p *PeerPool) AddPeer(ctx context.Context, peerID string, role NegotiationRole) error {
	e, created, err := p.entry(peerID, role)
	if err != nil {
		return err
	}
	if !created || role != NegotiationInitiator {
		return nil
	}

	e.negMu.Lock()
	defer e.negMu.Unlock()

	offer, err := e.pc.CreateOffer()
	if err == nil {
		err = e.pc.SetLocalDescription(offer)
	}
	if err == nil {
		err = p.opts.Send(ctx, peerID, NegotiationPayload{Type: NegotiationOffer, SDP: &offer})
	}
	if err != nil {
		p.failNegotiation(peerID, e, err)
		return ErrNegotiationFailure.wrap(fmt.Errorf("offer to %s: %w", peerID, err))
	}
	p.logger.Debug("offer sent", zap.String("peer", peerID))
	return nil
}

// HandleNegotiation applies an offer, answer or candidate received from peer from.
func (p *PeerPool) HandleNegotiation(ctx context.Context, from string, payload NegotiationPayload) error {
	switch payload.Type {
	case NegotiationOffer:
		return p.handleOffer(ctx, from, payload.SDP)
	case NegotiationAnswer:
		return p.handleAnswer(from, payload.SDP)
	case NegotiationCandidate:
		return p.handleCandidate(from, payload.Candidate)
	default:
		return ErrNegotiationFailure.withMessage(fmt.Sprintf("unknown negotiation payload %q", payload.Type))
	}
}

func (p *PeerPool) handleOffer(ctx context.Context, from string, sdp *webrtc.SessionDescription) error {
	if sdp == nil {
		return ErrNegotiationFailure.withMessage("offer without sdp")
	}
	if e := p.lookup(from); e != nil && p.collides(e) {
		if p.opts.SelfID > from {
			p.logger.Debug("ignoring colliding offer", zap.String("peer", from))
			return nil
		}
		p.logger.Debug("offer collision, yielding", zap.String("peer", from))
		p.removeEntry(from, e)
	}
	e, _, err := p.entry(from, NegotiationResponder)
	if err != nil {
		return err
	}

	e.negMu.Lock()
	defer e.negMu.Unlock()

	err = e.pc.SetRemoteDescription(*sdp)
	if err == nil {
		p.flushCandidates(e)
		var answer webrtc.SessionDescription
		answer, err = e.pc.CreateAnswer()
		if err == nil {
			err = e.pc.SetLocalDescription(answer)
		}
		if err == nil {
			err = p.opts.Send(ctx, from, NegotiationPayload{Type: NegotiationAnswer, SDP: &answer})
		}
	}
	if err != nil {
		p.failNegotiation(from, e, err)
		return ErrNegotiationFailure.wrap(fmt.Errorf("answer %s: %w", from, err))
	}
	p.logger.Debug("answer sent", zap.String("peer", from))
	return nil
}

// collides reports whether e has an outstanding offer of its own.
func (p *PeerPool) collides(e *peerEntry) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return e.role == NegotiationInitiator && !e.remoteSet
}

func (p *PeerPool) handleAnswer(from string, sdp *webrtc.SessionDescription) error {
	if sdp == nil {
		return ErrNegotiationFailure.withMessage("answer without sdp")
	}
	e := p.lookup(from)
	if e == nil {
		return ErrPeerNotFound
	}

	e.negMu.Lock()
	defer e.negMu.Unlock()

	if err := e.pc.SetRemoteDescription(*sdp); err != nil {
		p.failNegotiation(from, e, err)
		return ErrNegotiationFailure.wrap(fmt.Errorf("apply answer from %s: %w", from, err))
	}
	p.flushCandidates(e)
	return nil
}

func (p *PeerPool) handleCandidate(from string, c *webrtc.ICECandidateInit) error {
	if c == nil {
		return nil
	}
	p.mu.Lock()
	e := p.peers[from]
	if e == nil {
		// Candidate raced ahead of the offer.
		p.early[from] = append(p.early[from], *c)
		p.mu.Unlock()
		return nil
	}
	if !e.remoteSet {
		e.pending = append(e.pending, *c)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := e.pc.AddICECandidate(*c); err != nil {
		p.logger.Debug("candidate rejected", zap.String("peer", from), zap.Error(err))
		return ErrNegotiationFailure.wrap(err)
	}
	return nil
}

// flushCandidates marks the remote description applied and adds queued
// candidates. The caller holds e.negMu.
func (p *PeerPool) flushCandidates(e *peerEntry) {
	p.mu.Lock()
	e.remoteSet = true
	pending := e.pending
	e.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := e.pc.AddICECandidate(c); err != nil {
			p.logger.Debug("queued candidate rejected", zap.String("peer", e.id), zap.Error(err))
		}
	}
}

// failNegotiation closes a connection whose negotiation failed.
func (p *PeerPool) failNegotiation(peerID string, e *peerEntry, err error) {
	p.logger.Warn("negotiation failed, closing connection", zap.String("peer", peerID), zap.Error(err))
	p.removeEntry(peerID, e)
}

func (p *PeerPool) lookup(peerID string) *peerEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.peers[peerID]
}

// entry returns the existing entry for peerID or creates one with the
// current local tracks attached.
func (p *PeerPool) entry(peerID string, role NegotiationRole) (*peerEntry, bool, error) {
	if peerID == "" {
		return nil, false, ErrPeerNotFound
	}
	p.mu.RLock()
	if e := p.peers[peerID]; e != nil {
		p.mu.RUnlock()
		return e, false, nil
	}
	closed, video, audio := p.closed, p.video, p.audio
	p.mu.RUnlock()
	if closed {
		return nil, false, ErrNotJoined
	}

	pc, err := p.opts.Factory.NewPeerConnection()
	if err != nil {
		return nil, false, ErrNegotiationFailure.wrap(err)
	}
	e := &peerEntry{
		id:      peerID,
		role:    role,
		pc:      pc,
		senders: make(map[webrtc.RTPCodecType]RTPSender),
		state:   ConnectionNew,
	}

	for _, t := range []webrtc.TrackLocal{video, audio} {
		if t == nil {
			continue
		}
		sender, err := pc.AddTrack(t)
		if err != nil {
			_ = pc.Close()
			return nil, false, ErrNegotiationFailure.wrap(fmt.Errorf("attach %s track: %w", t.Kind(), err))
		}
		e.senders[t.Kind()] = sender
	}
	if role == NegotiationInitiator {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
			if _, ok := e.senders[kind]; ok {
				continue
			}
			if err := pc.AddReceiveOnly(kind); err != nil {
				_ = pc.Close()
				return nil, false, ErrNegotiationFailure.wrap(err)
			}
		}
	}
	p.wire(e)

	p.mu.Lock()
	if existing := p.peers[peerID]; existing != nil {
		p.mu.Unlock()
		_ = pc.Close()
		return existing, false, nil
	}
	if p.closed {
		p.mu.Unlock()
		_ = pc.Close()
		return nil, false, ErrNotJoined
	}
	p.peers[peerID] = e
	e.pending = append(e.pending, p.early[peerID]...)
	delete(p.early, peerID)
	p.mu.Unlock()

	p.logger.Info("peer added", zap.String("peer", peerID), zap.String("role", string(role)))
	return e, true, nil
}

// wire registers the connection callbacks for e.
func (p *PeerPool) wire(e *peerEntry) {
	e.pc.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c == nil || p.lookup(e.id) != e {
			return
		}
		if err := p.opts.Send(p.ctx, e.id, NegotiationPayload{Type: NegotiationCandidate, Candidate: c}); err != nil {
			p.logger.Debug("candidate send failed", zap.String("peer", e.id), zap.Error(err))
		}
	})

	e.pc.OnTrack(func(t RemoteTrack) {
		p.mu.Lock()
		if p.peers[e.id] != e {
			p.mu.Unlock()
			return
		}
		e.remote = append(e.remote, t)
		listeners := append([]func(string, RemoteTrack){}, p.trackListeners...)
		p.mu.Unlock()

		p.logger.Debug("remote track", zap.String("peer", e.id), zap.String("kind", t.Kind().String()))
		for _, fn := range listeners {
			fn(e.id, t)
		}
	})

	e.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		p.mu.Lock()
		e.ice = s
		p.mu.Unlock()
	})

	e.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateClosed {
			return
		}
		p.setState(e, connectionStateFrom(s))
	})
}

// setState records a state change and manages the grace window.
func (p *PeerPool) setState(e *peerEntry, state ConnectionState) {
	p.mu.Lock()
	if p.peers[e.id] != e {
		p.mu.Unlock()
		return
	}
	e.state = state
	switch state {
	case ConnectionFailed, ConnectionDisconnected:
		if e.stopGrace == nil {
			e.stopGrace = p.opts.AfterFunc(p.opts.GracePeriod, func() { p.expireGrace(e) })
		}
	case ConnectionConnected:
		if e.stopGrace != nil {
			e.stopGrace()
			e.stopGrace = nil
		}
	}
	listeners := append([]func(string, ConnectionState){}, p.stateListeners...)
	p.mu.Unlock()

	p.logger.Info("peer state changed", zap.String("peer", e.id), zap.String("state", string(state)))
	for _, fn := range listeners {
		fn(e.id, state)
	}
}

func (p *PeerPool) expireGrace(e *peerEntry) {
	p.mu.RLock()
	stale := p.peers[e.id] != e || (e.state != ConnectionFailed && e.state != ConnectionDisconnected)
	p.mu.RUnlock()
	if stale {
		return
	}

	if !p.removeEntry(e.id, e) {
		return
	}
	p.logger.Warn("peer did not recover within grace period", zap.String("peer", e.id))

	p.mu.RLock()
	listeners := append([]func(string){}, p.lostListeners...)
	p.mu.RUnlock()
	for _, fn := range listeners {
		fn(e.id)
	}
}

// ReplaceVideoTrack swaps the outgoing video on every connection without
// renegotiating. Peers added later get track too.
func (p *PeerPool) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	return p.replaceTrack(webrtc.RTPCodecTypeVideo, track)
}

// ReplaceAudioTrack swaps the outgoing audio on every connection.
func (p *PeerPool) ReplaceAudioTrack(track webrtc.TrackLocal) error {
	return p.replaceTrack(webrtc.RTPCodecTypeAudio, track)
}

func (p *PeerPool) replaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	p.mu.Lock()
	if kind == webrtc.RTPCodecTypeVideo {
		p.video = track
	} else {
		p.audio = track
	}
	senders := make(map[string]RTPSender, len(p.peers))
	for id, e := range p.peers {
		if s, ok := e.senders[kind]; ok {
			senders[id] = s
		}
	}
	p.mu.Unlock()

	var errs []error
	for id, s := range senders {
		if err := s.ReplaceTrack(track); err != nil {
			p.logger.Warn("track replacement failed", zap.String("peer", id), zap.String("kind", kind.String()), zap.Error(err))
			errs = append(errs, fmt.Errorf("peer %s: %w", id, err))
		}
	}
	if len(errs) > 0 {
		return ErrNegotiationFailure.wrap(errors.Join(errs...))
	}
	return nil
}

// RemovePeer closes the connection and drops the entry and its remote stream together.
func (p *PeerPool) RemovePeer(peerID string) error {
	e := p.lookup(peerID)
	if e == nil {
		return ErrPeerNotFound
	}
	p.removeEntry(peerID, e)
	return nil
}

// removeEntry deletes e if it is still the entry for peerID and closes it.
func (p *PeerPool) removeEntry(peerID string, e *peerEntry) bool {
	p.mu.Lock()
	if p.peers[peerID] != e {
		p.mu.Unlock()
		return false
	}
	delete(p.peers, peerID)
	delete(p.early, peerID)
	if e.stopGrace != nil {
		e.stopGrace()
		e.stopGrace = nil
	}
	p.mu.Unlock()

	if err := e.pc.Close(); err != nil {
		p.logger.Debug("close peer connection", zap.String("peer", peerID), zap.Error(err))
	}
	p.logger.Info("peer removed", zap.String("peer", peerID))
	return true
}

// Close closes every connection. The pool accepts no new peers afterwards.
func (p *PeerPool) Close() error {
	p.mu.Lock()
	p.closed = true
	entries := make([]*peerEntry, 0, len(p.peers))
	for _, e := range p.peers {
		entries = append(entries, e)
	}
	p.mu.Unlock()
	p.cancel()

	var errs []error
	for _, e := range entries {
		p.mu.Lock()
		if e.stopGrace != nil {
			e.stopGrace()
			e.stopGrace = nil
		}
		delete(p.peers, e.id)
		p.mu.Unlock()
		if err := e.pc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", e.id, err))
		}
	}
	return errors.Join(errs...)
}

// Peers returns the ids of all pool entries, sorted.
func (p *PeerPool) Peers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.peers))
	for id := range p.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PeerState returns the state of one peer.
func (p *PeerPool) PeerState(peerID string) (PeerState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.peers[peerID]
	if !ok {
		return PeerState{}, false
	}
	return PeerState{PeerID: e.id, Role: e.role, Connection: e.state, ICE: e.ice}, true
}

// RemoteStreams returns the received tracks keyed by peer id. Peers that have
// not delivered any track yet are omitted.
func (p *PeerPool) RemoteStreams() map[string]RemoteStream {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]RemoteStream, len(p.peers))
	for id, e := range p.peers {
		if len(e.remote) == 0 {
			continue
		}
		out[id] = RemoteStream{PeerID: id, Tracks: append([]RemoteTrack{}, e.remote...)}
	}
	return out
}

// RemoteStream returns the tracks received from one peer.
func (p *PeerPool) RemoteStream(peerID string) (RemoteStream, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.peers[peerID]
	if !ok || len(e.remote) == 0 {
		return RemoteStream{}, false
	}
	return RemoteStream{PeerID: peerID, Tracks: append([]RemoteTrack{}, e.remote...)}, true
}
