package room

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// RTPSender is the outgoing side of one track on a connection.
// *webrtc.RTPSender satisfies it.
type RTPSender interface {
	Track() webrtc.TrackLocal
	ReplaceTrack(track webrtc.TrackLocal) error
}

// RemoteTrack is an incoming track. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// PeerConnection is the negotiated connection to one remote participant.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) (RTPSender, error)
	// AddReceiveOnly adds a recvonly transceiver so a peer without local
	// media still negotiates incoming media of kind.
	AddReceiveOnly(kind webrtc.RTPCodecType) error

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(c webrtc.ICECandidateInit) error

	// OnICECandidate is called with nil once gathering completes.
	OnICECandidate(fn func(c *webrtc.ICECandidateInit))
	OnTrack(fn func(t RemoteTrack))
	OnConnectionStateChange(fn func(s webrtc.PeerConnectionState))
	OnICEConnectionStateChange(fn func(s webrtc.ICEConnectionState))
	ConnectionState() webrtc.PeerConnectionState
	ICEConnectionState() webrtc.ICEConnectionState

	Close() error
}

// PeerConnectionFactory creates connections for the pool.
type PeerConnectionFactory interface {
	NewPeerConnection() (PeerConnection, error)
}

// PionFactory creates PeerConnections backed by pion/webrtc.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// PionOptions configures PionFactory.
type PionOptions struct {
	ICEServers []string
	// IncludeLoopback gathers loopback candidates, which lets two local
	// endpoints connect without any other interface.
	IncludeLoopback bool
	// RegisterCodecs replaces the default codec set, e.g. with the encoders
	// a capture device produces.
	RegisterCodecs func(m *webrtc.MediaEngine)
}

// NewPionFactory registers codecs and builds a pion API.
func NewPionFactory(opts PionOptions) (*PionFactory, error) {
	m := &webrtc.MediaEngine{}
	if opts.RegisterCodecs != nil {
		opts.RegisterCodecs(m)
	} else if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	s := webrtc.SettingEngine{}
	if opts.IncludeLoopback {
		s.SetIncludeLoopbackCandidate(true)
	}

	config := webrtc.Configuration{}
	if len(opts.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}
	return &PionFactory{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(s)),
		config: config,
	}, nil
}

// NewPeerConnection implements PeerConnectionFactory.
func (f *PionFactory) NewPeerConnection() (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}
	return &pionPeer{pc: pc}, nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) AddTrack(track webrtc.TrackLocal) (RTPSender, error) {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	// Read incoming RTCP so interceptors keep working.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

func (p *pionPeer) AddReceiveOnly(kind webrtc.RTPCodecType) error {
	_, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) RemoteDescription() *webrtc.SessionDescription {
	return p.pc.RemoteDescription()
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) OnICECandidate(fn func(c *webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		init := c.ToJSON()
		fn(&init)
	})
}

func (p *pionPeer) OnTrack(fn func(t RemoteTrack)) {
	p.pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(t)
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(s webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) OnICEConnectionStateChange(fn func(s webrtc.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(fn)
}

func (p *pionPeer) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

func (p *pionPeer) ICEConnectionState() webrtc.ICEConnectionState {
	return p.pc.ICEConnectionState()
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

// connectionStateFrom maps a pion connection state onto a participant state.
func connectionStateFrom(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		return ConnectionFailed
	default:
		return ConnectionNew
	}
}
