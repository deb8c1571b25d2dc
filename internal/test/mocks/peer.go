package mocks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/am-sokolov/liveroom-go/pkg/room"
)

// FakeSender records track replacements.
type FakeSender struct {
	mu       sync.Mutex
	track    webrtc.TrackLocal
	Replaced int
	Err      error
}

func (s *FakeSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *FakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.track = track
	s.Replaced++
	return nil
}

// FakeRemoteTrack is an incoming track.
type FakeRemoteTrack struct {
	TrackID string
	Stream  string
	Type    webrtc.RTPCodecType
}

func (t FakeRemoteTrack) ID() string                { return t.TrackID }
func (t FakeRemoteTrack) StreamID() string          { return t.Stream }
func (t FakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.Type }

// FakePeerConnection is a scriptable room.PeerConnection. Descriptions are
// opaque strings; nothing goes over the network.
type FakePeerConnection struct {
	mu sync.Mutex

	ID           int
	Senders      []*FakeSender
	RecvOnly     []webrtc.RTPCodecType
	Local        *webrtc.SessionDescription
	remote       *webrtc.SessionDescription
	Candidates   []webrtc.ICECandidateInit
	Closed       bool
	state        webrtc.PeerConnectionState
	ice          webrtc.ICEConnectionState
	OfferErr     error
	AnswerErr    error
	RemoteErr    error
	CandidateErr error

	onCandidate func(*webrtc.ICECandidateInit)
	onTrack     func(room.RemoteTrack)
	onState     func(webrtc.PeerConnectionState)
	onICE       func(webrtc.ICEConnectionState)
}

func (pc *FakePeerConnection) AddTrack(track webrtc.TrackLocal) (room.RTPSender, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	s := &FakeSender{track: track}
	pc.Senders = append(pc.Senders, s)
	return s, nil
}

func (pc *FakePeerConnection) AddReceiveOnly(kind webrtc.RTPCodecType) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.RecvOnly = append(pc.RecvOnly, kind)
	return nil
}

func (pc *FakePeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.OfferErr != nil {
		return webrtc.SessionDescription{}, pc.OfferErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", pc.ID)}, nil
}

func (pc *FakePeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.AnswerErr != nil {
		return webrtc.SessionDescription{}, pc.AnswerErr
	}
	if pc.remote == nil {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", pc.ID)}, nil
}

func (pc *FakePeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.Local = &desc
	return nil
}

func (pc *FakePeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.RemoteErr != nil {
		return pc.RemoteErr
	}
	pc.remote = &desc
	return nil
}

// LocalDescription returns the description passed to SetLocalDescription.
func (pc *FakePeerConnection) LocalDescription() *webrtc.SessionDescription {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.Local
}

func (pc *FakePeerConnection) RemoteDescription() *webrtc.SessionDescription {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.remote
}

func (pc *FakePeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.CandidateErr != nil {
		return pc.CandidateErr
	}
	if pc.remote == nil {
		return errors.New("candidate before remote description")
	}
	pc.Candidates = append(pc.Candidates, c)
	return nil
}

func (pc *FakePeerConnection) OnICECandidate(fn func(c *webrtc.ICECandidateInit)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onCandidate = fn
}

func (pc *FakePeerConnection) OnTrack(fn func(t room.RemoteTrack)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onTrack = fn
}

func (pc *FakePeerConnection) OnConnectionStateChange(fn func(s webrtc.PeerConnectionState)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onState = fn
}

func (pc *FakePeerConnection) OnICEConnectionStateChange(fn func(s webrtc.ICEConnectionState)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onICE = fn
}

func (pc *FakePeerConnection) ConnectionState() webrtc.PeerConnectionState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

func (pc *FakePeerConnection) ICEConnectionState() webrtc.ICEConnectionState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.ice
}

func (pc *FakePeerConnection) Close() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.Closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (pc *FakePeerConnection) IsClosed() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.Closed
}

// AppliedCandidates returns the candidates added so far.
func (pc *FakePeerConnection) AppliedCandidates() []webrtc.ICECandidateInit {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), pc.Candidates...)
}

// VideoSender returns the sender carrying a video track, or nil.
func (pc *FakePeerConnection) VideoSender() *FakeSender {
	return pc.senderOf(webrtc.RTPCodecTypeVideo)
}

// AudioSender returns the sender carrying an audio track, or nil.
func (pc *FakePeerConnection) AudioSender() *FakeSender {
	return pc.senderOf(webrtc.RTPCodecTypeAudio)
}

func (pc *FakePeerConnection) senderOf(kind webrtc.RTPCodecType) *FakeSender {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for _, s := range pc.Senders {
		if t := s.Track(); t != nil && t.Kind() == kind {
			return s
		}
	}
	return nil
}

// SetState moves the connection to s and notifies the listener.
func (pc *FakePeerConnection) SetState(s webrtc.PeerConnectionState) {
	pc.mu.Lock()
	pc.state = s
	fn := pc.onState
	pc.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// SetICEState moves ICE to s and notifies the listener.
func (pc *FakePeerConnection) SetICEState(s webrtc.ICEConnectionState) {
	pc.mu.Lock()
	pc.ice = s
	fn := pc.onICE
	pc.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// GatherCandidate emits a local candidate.
func (pc *FakePeerConnection) GatherCandidate(candidate string) {
	pc.mu.Lock()
	fn := pc.onCandidate
	pc.mu.Unlock()
	if fn != nil {
		fn(&webrtc.ICECandidateInit{Candidate: candidate})
	}
}

// ReceiveTrack emits a remote track.
func (pc *FakePeerConnection) ReceiveTrack(t room.RemoteTrack) {
	pc.mu.Lock()
	fn := pc.onTrack
	pc.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

// FakeFactory creates FakePeerConnections.
type FakeFactory struct {
	mu    sync.Mutex
	Conns []*FakePeerConnection
	Err   error

	// Prepare, if set, configures each connection before it is returned.
	Prepare func(pc *FakePeerConnection)
}

func (f *FakeFactory) NewPeerConnection() (room.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	pc := &FakePeerConnection{ID: len(f.Conns) + 1, state: webrtc.PeerConnectionStateNew}
	if f.Prepare != nil {
		f.Prepare(pc)
	}
	f.Conns = append(f.Conns, pc)
	return pc, nil
}

// Created returns every connection created so far.
func (f *FakeFactory) Created() []*FakePeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakePeerConnection(nil), f.Conns...)
}

// Sent is one negotiation message captured by a NegotiationRecorder.
type Sent struct {
	To      string
	Payload room.NegotiationPayload
}

// NegotiationRecorder captures messages a PeerPool sends.
type NegotiationRecorder struct {
	mu   sync.Mutex
	msgs []Sent
	Err  error
}

// Send implements room.NegotiationSender.
func (r *NegotiationRecorder) Send(_ context.Context, to string, p room.NegotiationPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.msgs = append(r.msgs, Sent{To: to, Payload: p})
	return nil
}

// Messages returns the captured messages.
func (r *NegotiationRecorder) Messages() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.msgs...)
}

// OfType returns captured messages of type t.
func (r *NegotiationRecorder) OfType(t room.NegotiationType) []Sent {
	var out []Sent
	for _, m := range r.Messages() {
		if m.Payload.Type == t {
			out = append(out, m)
		}
	}
	return out
}
