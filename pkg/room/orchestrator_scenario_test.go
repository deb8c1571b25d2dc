package room_test

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/suite"

	"github.com/am-sokolov/liveroom-go/internal/test/mocks"
	"github.com/am-sokolov/liveroom-go/pkg/backendapi"
	"github.com/am-sokolov/liveroom-go/pkg/room"
)

// RoomScenarioSuite drives a host and a guest through one shared in-memory
// backend. Signaling advances only when a member's poll ticker is ticked.
type RoomScenarioSuite struct {
	suite.Suite

	api     *backendapi.Memory
	session room.Session
	host    *member
	guest   *member
}

func TestRoomScenarioSuite(t *testing.T) {
	suite.Run(t, new(RoomScenarioSuite))
}

func (s *RoomScenarioSuite) SetupTest() {
	s.api = backendapi.NewMemory()
	s.session = newSession(s.T(), s.api, room.CreateSessionRequest{
		Title:           "pairing",
		MaxParticipants: 2,
		Flags:           room.SessionFlags{AllowScreenShare: true},
	})
	s.host = newMember(s.T(), s.api, s.session, room.RoleHost, hostIdentity())
	s.guest = newMember(s.T(), s.api, s.session, room.RoleParticipant, guestIdentity("Pat"))
	s.host.join(s.T())
	s.guest.join(s.T())
}

// pump ticks every member's poll loop until cond holds.
func (s *RoomScenarioSuite) pump(cond func() bool, members ...*member) {
	s.T().Helper()
	if len(members) == 0 {
		members = []*member{s.host, s.guest}
	}
	s.Require().Eventually(func() bool {
		for _, m := range members {
			m.poll()
		}
		return cond()
	}, 5*time.Second, 5*time.Millisecond)
}

func firstConn(m *member) *mocks.FakePeerConnection {
	conns := m.factory.Created()
	if len(conns) == 0 {
		return nil
	}
	return conns[0]
}

func negotiated(pc *mocks.FakePeerConnection) bool {
	return pc != nil && pc.RemoteDescription() != nil
}

// connect runs discovery and one offer/answer round between host and guest.
func (s *RoomScenarioSuite) connect() (hostPC, guestPC *mocks.FakePeerConnection) {
	hostID, guestID := s.host.orch.Self().ID, s.guest.orch.Self().ID
	s.pump(func() bool {
		_, hostSeesGuest := s.host.peer(guestID)
		_, guestSeesHost := s.guest.peer(hostID)
		return hostSeesGuest && guestSeesHost && negotiated(firstConn(s.host)) && negotiated(firstConn(s.guest))
	})
	return firstConn(s.host), firstConn(s.guest)
}

// TestHandshake tests that the newcomer offers and the established member answers.
func (s *RoomScenarioSuite) TestHandshake() {
	hostPC, guestPC := s.connect()

	s.Equal(webrtc.SDPTypeOffer, hostPC.RemoteDescription().Type)
	s.Equal(webrtc.SDPTypeAnswer, guestPC.RemoteDescription().Type)
	s.Len(s.host.factory.Created(), 1)
	s.Len(s.guest.factory.Created(), 1)

	p, ok := s.host.peer(s.guest.orch.Self().ID)
	s.Require().True(ok)
	s.Equal("Pat", p.DisplayName)
	s.Equal(room.RoleParticipant, p.Role)
	s.True(p.Guest)
	s.True(s.host.events.has(room.EventParticipantJoined))

	hostPC.SetState(webrtc.PeerConnectionStateConnected)
	guestPC.SetState(webrtc.PeerConnectionStateConnected)

	p, _ = s.host.peer(s.guest.orch.Self().ID)
	s.Equal(room.ConnectionConnected, p.ConnectionState)
	p, _ = s.guest.peer(s.host.orch.Self().ID)
	s.Equal(room.ConnectionConnected, p.ConnectionState)

	s.Len(s.host.orch.Participants(), 2)
	s.Len(s.guest.orch.Participants(), 2)
}

// TestCapacity tests that a third media participant is refused while an
// observer is admitted.
func (s *RoomScenarioSuite) TestCapacity() {
	third := newMember(s.T(), s.api, s.session, room.RoleParticipant, guestIdentity("Quinn"))
	err := third.orch.Join(third.ctx)
	s.ErrorIs(err, room.ErrRoomFull)
	s.Equal(room.ActionFor(err), room.ActionFor(room.ErrRoomFull))
	s.False(third.orch.Joined())
	s.Zero(third.devices.UserMediaCalls)
	s.Zero(third.tickers.Running())

	observer := newMember(s.T(), s.api, s.session, room.RoleObserver, guestIdentity("Olive"))
	observer.join(s.T())
	s.True(observer.orch.Joined())

	s.pump(func() bool {
		conns := observer.factory.Created()
		return len(conns) == 2 && negotiated(conns[0]) && negotiated(conns[1])
	}, s.host, s.guest, observer)

	for _, pc := range observer.factory.Created() {
		s.ElementsMatch([]webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio}, pc.RecvOnly)
		s.Empty(pc.Senders, "observers publish nothing")
	}
}

// TestRemoteTracks tests that tracks received from a peer are exposed per peer.
func (s *RoomScenarioSuite) TestRemoteTracks() {
	hostPC, _ := s.connect()
	guestID := s.guest.orch.Self().ID

	hostPC.ReceiveTrack(mocks.FakeRemoteTrack{TrackID: "cam", Stream: "s1", Type: webrtc.RTPCodecTypeVideo})
	hostPC.ReceiveTrack(mocks.FakeRemoteTrack{TrackID: "mic", Stream: "s1", Type: webrtc.RTPCodecTypeAudio})

	streams := s.host.orch.RemoteStreams()
	s.Require().Contains(streams, guestID)
	s.Len(streams[guestID].Tracks, 2)
	s.Len(s.host.events.of(room.EventRemoteTrack), 2)
}

// TestScreenShareReplacesSenders tests that sharing swaps the outgoing video
// on the existing connection without renegotiating.
func (s *RoomScenarioSuite) TestScreenShareReplacesSenders() {
	_, guestPC := s.connect()
	camera := guestPC.VideoSender().Track()
	s.Require().NotNil(camera)

	active, err := s.guest.orch.ToggleScreenShare(context.Background())
	s.Require().NoError(err)
	s.True(active)
	s.Equal(s.guest.devices.LastDisplay().Fake(0).Local(), guestPC.VideoSender().Track())

	active, err = s.guest.orch.ToggleScreenShare(context.Background())
	s.Require().NoError(err)
	s.False(active)
	s.Equal(camera, guestPC.VideoSender().Track())

	s.Len(s.guest.factory.Created(), 1)
	s.Len(s.host.factory.Created(), 1)
	s.Nil(guestPC.AudioSender().Err)
}

// TestLeaveNotifiesPeers tests that a departure closes the peer's connection
// on the other side.
func (s *RoomScenarioSuite) TestLeaveNotifiesPeers() {
	hostPC, guestPC := s.connect()
	guestID := s.guest.orch.Self().ID

	s.Require().NoError(s.guest.orch.Leave(s.guest.ctx))
	s.True(guestPC.IsClosed())
	s.Zero(s.guest.devices.LiveTracks())
	s.Zero(s.guest.tickers.Running())

	s.pump(func() bool {
		_, ok := s.host.peer(guestID)
		return !ok && hostPC.IsClosed()
	}, s.host)
	s.True(s.host.events.has(room.EventParticipantLeft))
	s.Empty(s.host.orch.RemoteStreams())
}

// TestLeaveMidNegotiation tests that leaving with an unanswered offer and a
// pending grace timer still releases every track, timer and connection.
func (s *RoomScenarioSuite) TestLeaveMidNegotiation() {
	guestID := s.guest.orch.Self().ID
	s.pump(func() bool {
		_, ok := s.host.peer(guestID)
		return ok
	}, s.host)
	s.pump(func() bool {
		pc := firstConn(s.guest)
		return pc != nil && pc.LocalDescription() != nil
	}, s.guest)

	guestPC := firstConn(s.guest)
	s.False(negotiated(guestPC), "the answer is still outstanding")
	guestPC.SetState(webrtc.PeerConnectionStateDisconnected)
	s.Equal(1, s.guest.timers.Pending())

	s.Require().NoError(s.guest.orch.Leave(s.guest.ctx))
	s.True(guestPC.IsClosed())
	s.Zero(s.guest.devices.LiveTracks())
	s.Zero(s.guest.tickers.Running())
	s.Zero(s.guest.timers.Pending())
	s.Empty(s.guest.orch.RemoteStreams())

	s.pump(func() bool {
		_, ok := s.host.peer(guestID)
		return !ok
	}, s.host)
	for _, pc := range s.host.factory.Created() {
		s.True(pc.IsClosed())
	}
	s.Zero(s.host.timers.Pending())
}

// TestPeerLostAfterGrace tests the grace window for dropped connections.
func (s *RoomScenarioSuite) TestPeerLostAfterGrace() {
	hostPC, _ := s.connect()
	guestID := s.guest.orch.Self().ID

	hostPC.SetState(webrtc.PeerConnectionStateDisconnected)
	s.Equal(1, s.host.timers.Pending())
	hostPC.SetState(webrtc.PeerConnectionStateConnected)
	s.Zero(s.host.timers.Pending(), "recovery cancels the grace timer")

	hostPC.SetState(webrtc.PeerConnectionStateFailed)
	s.Equal(1, s.host.timers.FireAll())

	_, ok := s.host.peer(guestID)
	s.False(ok)
	s.True(hostPC.IsClosed())
	left := s.host.events.of(room.EventParticipantLeft)
	s.Require().Len(left, 1)
	s.Equal(room.ConnectionFailed, left[0].State)
}

// TestSessionEndedByHost tests that the guest learns the session is over and
// can still leave cleanly.
func (s *RoomScenarioSuite) TestSessionEndedByHost() {
	s.connect()
	ctx := context.Background()

	s.Require().NoError(s.host.orch.StartSession(ctx))
	s.Require().NoError(s.host.orch.EndSession(ctx))
	s.False(s.host.orch.Joined())

	s.pump(func() bool { return s.guest.events.has(room.EventSessionGone) }, s.guest)
	s.Eventually(func() bool { return s.guest.tickers.Latest(pollEvery).Stopped() }, time.Second, time.Millisecond)

	s.NoError(s.guest.orch.Leave(s.guest.ctx))
	s.Zero(s.guest.devices.LiveTracks())
	s.Zero(s.guest.tickers.Running())
}
