package room_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/livekit/protocol/livekit"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/am-sokolov/liveroom-go/internal/test/mocks"
	"github.com/am-sokolov/liveroom-go/pkg/room"
)

type poolFixture struct {
	factory *mocks.FakeFactory
	sent    *mocks.NegotiationRecorder
	timers  *mocks.Timers
	pool    *room.PeerPool
}

func newPoolFixture(t *testing.T, selfID string) *poolFixture {
	t.Helper()
	f := &poolFixture{
		factory: &mocks.FakeFactory{},
		sent:    &mocks.NegotiationRecorder{},
		timers:  mocks.NewTimers(),
	}
	f.pool = room.NewPeerPool(room.PeerPoolOptions{
		Factory:     f.factory,
		Send:        f.sent.Send,
		SelfID:      selfID,
		GracePeriod: 10 * time.Second,
		AfterFunc:   f.timers.AfterFunc,
	}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = f.pool.Close() })
	return f
}

func videoLocal() webrtc.TrackLocal {
	return mocks.NewFakeTrack(webrtc.RTPCodecTypeVideo, livekit.TrackSource_CAMERA).Local()
}

func audioLocal() webrtc.TrackLocal {
	return mocks.NewFakeTrack(webrtc.RTPCodecTypeAudio, livekit.TrackSource_MICROPHONE).Local()
}

func offerFrom(id string) room.NegotiationPayload {
	return room.NegotiationPayload{
		Type: room.NegotiationOffer,
		SDP:  &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + id},
	}
}

func answerPayload() room.NegotiationPayload {
	return room.NegotiationPayload{
		Type: room.NegotiationAnswer,
		SDP:  &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"},
	}
}

func candidate(c string) room.NegotiationPayload {
	return room.NegotiationPayload{Type: room.NegotiationCandidate, Candidate: &webrtc.ICECandidateInit{Candidate: c}}
}

// TestPeerPool_InitiatorSendsOffer tests connection setup as the offering side
func TestPeerPool_InitiatorSendsOffer(t *testing.T) {
	f := newPoolFixture(t, "m")
	f.pool.SetLocalTracks(videoLocal(), nil)

	require.NoError(t, f.pool.AddPeer(context.Background(), "b", room.NegotiationInitiator))
	require.NoError(t, f.pool.AddPeer(context.Background(), "b", room.NegotiationInitiator))

	conns := f.factory.Created()
	require.Len(t, conns, 1)
	assert.NotNil(t, conns[0].VideoSender())
	assert.Nil(t, conns[0].AudioSender())
	assert.Equal(t, []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}, conns[0].RecvOnly)

	offers := f.sent.OfType(room.NegotiationOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "b", offers[0].To)
	assert.Equal(t, "offer-1", offers[0].Payload.SDP.SDP)

	state, ok := f.pool.PeerState("b")
	require.True(t, ok)
	assert.Equal(t, room.NegotiationInitiator, state.Role)
	assert.Equal(t, room.ConnectionNew, state.Connection)
	assert.Equal(t, []string{"b"}, f.pool.Peers())
}

// TestPeerPool_ResponderAnswers tests that an offer creates a responder
// entry and queued candidates are applied after the remote description.
func TestPeerPool_ResponderAnswers(t *testing.T) {
	f := newPoolFixture(t, "m")
	f.pool.SetLocalTracks(videoLocal(), audioLocal())
	ctx := context.Background()

	require.NoError(t, f.pool.HandleNegotiation(ctx, "b", candidate("early")))
	require.NoError(t, f.pool.HandleNegotiation(ctx, "b", offerFrom("b")))

	conns := f.factory.Created()
	require.Len(t, conns, 1)
	assert.Empty(t, conns[0].RecvOnly)
	assert.Equal(t, "offer-b", conns[0].RemoteDescription().SDP)

	answers := f.sent.OfType(room.NegotiationAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "b", answers[0].To)

	require.NoError(t, f.pool.HandleNegotiation(ctx, "b", candidate("late")))
	applied := conns[0].AppliedCandidates()
	require.Len(t, applied, 2)
	assert.Equal(t, "early", applied[0].Candidate)
	assert.Equal(t, "late", applied[1].Candidate)
}

func TestPeerPool_AnswerFlushesCandidates(t *testing.T) {
	f := newPoolFixture(t, "m")
	ctx := context.Background()

	assert.ErrorIs(t, f.pool.HandleNegotiation(ctx, "b", answerPayload()), room.ErrPeerNotFound)

	require.NoError(t, f.pool.AddPeer(ctx, "b", room.NegotiationInitiator))
	require.NoError(t, f.pool.HandleNegotiation(ctx, "b", candidate("c1")))
	pc := f.factory.Created()[0]
	assert.Empty(t, pc.AppliedCandidates())

	require.NoError(t, f.pool.HandleNegotiation(ctx, "b", answerPayload()))
	assert.Len(t, pc.AppliedCandidates(), 1)
	assert.Len(t, pc.RecvOnly, 2, "no local media still negotiates both kinds")
}

func TestPeerPool_LocalCandidatesForwarded(t *testing.T) {
	f := newPoolFixture(t, "m")
	require.NoError(t, f.pool.AddPeer(context.Background(), "b", room.NegotiationInitiator))

	f.factory.Created()[0].GatherCandidate("host 1")
	sent := f.sent.OfType(room.NegotiationCandidate)
	require.Len(t, sent, 1)
	assert.Equal(t, "b", sent[0].To)
	assert.Equal(t, "host 1", sent[0].Payload.Candidate.Candidate)
}

// TestPeerPool_OfferCollision tests that the side with the smaller id yields
func TestPeerPool_OfferCollision(t *testing.T) {
	t.Run("yield to larger id", func(t *testing.T) {
		f := newPoolFixture(t, "m")
		ctx := context.Background()
		require.NoError(t, f.pool.AddPeer(ctx, "z", room.NegotiationInitiator))

		require.NoError(t, f.pool.HandleNegotiation(ctx, "z", offerFrom("z")))

		conns := f.factory.Created()
		require.Len(t, conns, 2)
		assert.True(t, conns[0].IsClosed())
		assert.False(t, conns[1].IsClosed())
		assert.Len(t, f.sent.OfType(room.NegotiationAnswer), 1)
		state, _ := f.pool.PeerState("z")
		assert.Equal(t, room.NegotiationResponder, state.Role)
	})

	t.Run("ignore smaller id", func(t *testing.T) {
		f := newPoolFixture(t, "m")
		ctx := context.Background()
		require.NoError(t, f.pool.AddPeer(ctx, "a", room.NegotiationInitiator))

		require.NoError(t, f.pool.HandleNegotiation(ctx, "a", offerFrom("a")))

		require.Len(t, f.factory.Created(), 1)
		assert.Empty(t, f.sent.OfType(room.NegotiationAnswer))
		state, _ := f.pool.PeerState("a")
		assert.Equal(t, room.NegotiationInitiator, state.Role)
	})
}

// TestPeerPool_GraceWindow tests that disconnected peers are kept until the
// grace timer fires and recover when they reconnect in time.
func TestPeerPool_GraceWindow(t *testing.T) {
	f := newPoolFixture(t, "m")
	var mu sync.Mutex
	var states []room.ConnectionState
	var lost []string
	f.pool.OnStateChange(func(_ string, s room.ConnectionState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	f.pool.OnPeerLost(func(id string) { lost = append(lost, id) })

	require.NoError(t, f.pool.AddPeer(context.Background(), "b", room.NegotiationInitiator))
	pc := f.factory.Created()[0]

	pc.SetState(webrtc.PeerConnectionStateConnected)
	pc.SetState(webrtc.PeerConnectionStateDisconnected)
	assert.Equal(t, 1, f.timers.Pending())
	pc.SetState(webrtc.PeerConnectionStateConnected)
	assert.Zero(t, f.timers.Pending())
	assert.Equal(t, []string{"b"}, f.pool.Peers())

	pc.SetState(webrtc.PeerConnectionStateFailed)
	pc.SetState(webrtc.PeerConnectionStateDisconnected)
	assert.Equal(t, 1, f.timers.Pending(), "one grace timer per outage")
	assert.Equal(t, 1, f.timers.FireAll())

	assert.Empty(t, f.pool.Peers())
	assert.True(t, pc.IsClosed())
	assert.Equal(t, []string{"b"}, lost)
	mu.Lock()
	assert.Equal(t, []room.ConnectionState{
		room.ConnectionConnected, room.ConnectionDisconnected, room.ConnectionConnected,
		room.ConnectionFailed, room.ConnectionDisconnected,
	}, states)
	mu.Unlock()
}

// TestPeerPool_ReplaceTrackKeepsConnection tests that swapping local media
// reuses every connection without renegotiating.
func TestPeerPool_ReplaceTrackKeepsConnection(t *testing.T) {
	f := newPoolFixture(t, "m")
	f.pool.SetLocalTracks(videoLocal(), audioLocal())
	ctx := context.Background()
	require.NoError(t, f.pool.AddPeer(ctx, "b", room.NegotiationInitiator))
	require.NoError(t, f.pool.HandleNegotiation(ctx, "c", offerFrom("c")))
	f.factory.Created()[0].SetState(webrtc.PeerConnectionStateConnected)
	messages := len(f.sent.Messages())

	screen := mocks.NewFakeTrack(webrtc.RTPCodecTypeVideo, livekit.TrackSource_SCREEN_SHARE).Local()
	require.NoError(t, f.pool.ReplaceVideoTrack(screen))

	conns := f.factory.Created()
	require.Len(t, conns, 2)
	for _, pc := range conns {
		assert.Equal(t, 1, pc.VideoSender().Replaced)
		assert.Same(t, screen, pc.VideoSender().Track())
		assert.Zero(t, pc.AudioSender().Replaced)
		assert.False(t, pc.IsClosed())
	}
	assert.Len(t, f.sent.Messages(), messages, "no renegotiation")
	state, _ := f.pool.PeerState("b")
	assert.Equal(t, room.ConnectionConnected, state.Connection)

	require.NoError(t, f.pool.AddPeer(ctx, "d", room.NegotiationInitiator))
	assert.Same(t, screen, f.factory.Created()[2].VideoSender().Track())
}

func TestPeerPool_ReplaceTrackErrors(t *testing.T) {
	f := newPoolFixture(t, "m")
	f.pool.SetLocalTracks(videoLocal(), nil)
	require.NoError(t, f.pool.AddPeer(context.Background(), "b", room.NegotiationInitiator))
	f.factory.Created()[0].VideoSender().Err = errors.New("closed transceiver")

	err := f.pool.ReplaceVideoTrack(videoLocal())
	assert.ErrorIs(t, err, room.ErrNegotiationFailure)
	assert.NoError(t, f.pool.ReplaceAudioTrack(audioLocal()))
}

func TestPeerPool_NegotiationFailureClosesConnection(t *testing.T) {
	f := newPoolFixture(t, "m")
	f.factory.Prepare = func(pc *mocks.FakePeerConnection) { pc.RemoteErr = errors.New("bad sdp") }

	err := f.pool.HandleNegotiation(context.Background(), "b", offerFrom("b"))
	assert.ErrorIs(t, err, room.ErrNegotiationFailure)
	assert.True(t, f.factory.Created()[0].IsClosed())
	assert.Empty(t, f.pool.Peers())

	f.sent.Err = errors.New("signaling down")
	f.factory.Prepare = nil
	err = f.pool.AddPeer(context.Background(), "c", room.NegotiationInitiator)
	assert.ErrorIs(t, err, room.ErrNegotiationFailure)
	assert.Empty(t, f.pool.Peers())

	f.factory.Err = errors.New("no ice agent")
	assert.ErrorIs(t, f.pool.AddPeer(context.Background(), "d", room.NegotiationInitiator), room.ErrNegotiationFailure)

	err = f.pool.HandleNegotiation(context.Background(), "b", room.NegotiationPayload{Type: "bogus"})
	assert.ErrorIs(t, err, room.ErrNegotiationFailure)
	assert.ErrorIs(t, f.pool.HandleNegotiation(context.Background(), "b", room.NegotiationPayload{Type: room.NegotiationOffer}), room.ErrNegotiationFailure)
}

func TestPeerPool_RemoteStreams(t *testing.T) {
	f := newPoolFixture(t, "m")
	var got []string
	f.pool.OnRemoteTrack(func(id string, tr room.RemoteTrack) { got = append(got, id+"/"+tr.ID()) })
	require.NoError(t, f.pool.AddPeer(context.Background(), "b", room.NegotiationInitiator))
	require.NoError(t, f.pool.AddPeer(context.Background(), "c", room.NegotiationInitiator))

	f.factory.Created()[0].ReceiveTrack(mocks.FakeRemoteTrack{TrackID: "v", Stream: "s", Type: webrtc.RTPCodecTypeVideo})
	assert.Equal(t, []string{"b/v"}, got)

	streams := f.pool.RemoteStreams()
	require.Len(t, streams, 1)
	assert.Len(t, streams["b"].Tracks, 1)
	_, ok := f.pool.RemoteStream("c")
	assert.False(t, ok)

	require.NoError(t, f.pool.RemovePeer("b"))
	assert.Empty(t, f.pool.RemoteStreams())
	assert.ErrorIs(t, f.pool.RemovePeer("b"), room.ErrPeerNotFound)

	// Late events from a removed connection are ignored.
	f.factory.Created()[0].ReceiveTrack(mocks.FakeRemoteTrack{TrackID: "late", Type: webrtc.RTPCodecTypeAudio})
	assert.Len(t, got, 1)
}

func TestPeerPool_Close(t *testing.T) {
	f := newPoolFixture(t, "m")
	require.NoError(t, f.pool.AddPeer(context.Background(), "b", room.NegotiationInitiator))
	f.factory.Created()[0].SetState(webrtc.PeerConnectionStateDisconnected)

	require.NoError(t, f.pool.Close())
	assert.True(t, f.factory.Created()[0].IsClosed())
	assert.Empty(t, f.pool.Peers())
	assert.Zero(t, f.timers.Pending())
	assert.ErrorIs(t, f.pool.AddPeer(context.Background(), "c", room.NegotiationInitiator), room.ErrNotJoined)
}

// relay forwards negotiation between two pools in order, off the sender's goroutine.
type relay struct {
	ch chan func()
}

func newRelay(t *testing.T) *relay {
	r := &relay{ch: make(chan func(), 64)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for fn := range r.ch {
			fn()
		}
	}()
	t.Cleanup(func() {
		close(r.ch)
		<-done
	})
	return r
}

func (r *relay) to(target **room.PeerPool, from string) room.NegotiationSender {
	return func(ctx context.Context, _ string, p room.NegotiationPayload) error {
		r.ch <- func() { _ = (*target).HandleNegotiation(context.Background(), from, p) }
		return nil
	}
}

// TestPeerPool_PionLoopback tests a real pion negotiation between two pools
func TestPeerPool_PionLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("negotiates real ICE over loopback")
	}
	factory, err := room.NewPionFactory(room.PionOptions{IncludeLoopback: true})
	require.NoError(t, err)

	var a, b *room.PeerPool
	toA, toB := newRelay(t), newRelay(t)
	a = room.NewPeerPool(room.PeerPoolOptions{Factory: factory, SelfID: "a", Send: toB.to(&b, "a")}, zaptest.NewLogger(t))
	b = room.NewPeerPool(room.PeerPoolOptions{Factory: factory, SelfID: "b", Send: toA.to(&a, "b")}, zaptest.NewLogger(t))
	defer a.Close()
	defer b.Close()

	connected := make(chan struct{})
	var once sync.Once
	a.OnStateChange(func(_ string, s room.ConnectionState) {
		if s == room.ConnectionConnected {
			once.Do(func() { close(connected) })
		}
	})

	a.SetLocalTracks(videoLocal(), audioLocal())
	require.NoError(t, a.AddPeer(context.Background(), "b", room.NegotiationInitiator))

	select {
	case <-connected:
	case <-time.After(15 * time.Second):
		t.Fatal("peers did not connect")
	}
	state, ok := b.PeerState("a")
	require.True(t, ok)
	assert.Equal(t, room.NegotiationResponder, state.Role)
}
