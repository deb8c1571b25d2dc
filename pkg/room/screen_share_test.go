package room_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/am-sokolov/liveroom-go/internal/test/mocks"
	"github.com/am-sokolov/liveroom-go/pkg/room"
)

type shareEvent struct {
	active bool
	track  room.Track
}

func newShareManager(t *testing.T) (*room.ScreenShareManager, *mocks.FakeProvider, *[]shareEvent) {
	t.Helper()
	provider := mocks.NewFakeProvider()
	s := room.NewScreenShareManager(provider, nil)
	var events []shareEvent
	s.OnChange(func(active bool, track room.Track) {
		events = append(events, shareEvent{active, track})
	})
	return s, provider, &events
}

// TestScreenShare_Toggle tests that Start toggles the share on and off
func TestScreenShare_Toggle(t *testing.T) {
	s, provider, events := newShareManager(t)

	active, err := s.Start(context.Background(), room.ScreenShareOptions{Quality: room.QualityHD})
	require.NoError(t, err)
	assert.True(t, active)
	assert.True(t, s.IsActive())
	require.NotNil(t, s.VideoTrack())

	active, err = s.Start(context.Background(), room.ScreenShareOptions{})
	require.NoError(t, err)
	assert.False(t, active)
	assert.False(t, s.IsActive())
	assert.Equal(t, 1, provider.DisplayCalls)
	assert.Zero(t, room.LiveTrackCount(provider.LastDisplay()))

	require.Len(t, *events, 2)
	assert.True(t, (*events)[0].active)
	assert.NotNil(t, (*events)[0].track)
	assert.False(t, (*events)[1].active)
	assert.Nil(t, (*events)[1].track)
}

// TestScreenShare_EndedByPlatform tests the OS "stop sharing" path
func TestScreenShare_EndedByPlatform(t *testing.T) {
	s, provider, events := newShareManager(t)
	_, err := s.Start(context.Background(), room.ScreenShareOptions{})
	require.NoError(t, err)

	provider.LastDisplay().Fake(0).End()

	assert.False(t, s.IsActive())
	require.Len(t, *events, 2)
	assert.False(t, (*events)[1].active)

	// Stop after the platform ended the share emits nothing more.
	s.Stop()
	assert.Len(t, *events, 2)
}

func TestScreenShare_StaleEndedCallback(t *testing.T) {
	s, provider, events := newShareManager(t)
	_, err := s.Start(context.Background(), room.ScreenShareOptions{})
	require.NoError(t, err)
	first := provider.LastDisplay()
	s.Stop()

	_, err = s.Start(context.Background(), room.ScreenShareOptions{})
	require.NoError(t, err)

	// The first share's track already ended; ending it again must not stop the second.
	first.Fake(0).End()
	assert.True(t, s.IsActive())
	assert.Len(t, *events, 3)
}

func TestScreenShare_Errors(t *testing.T) {
	s, provider, events := newShareManager(t)
	provider.DisplayErr = context.DeadlineExceeded
	_, err := s.Start(context.Background(), room.ScreenShareOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	provider.DisplayErr = nil
	provider.NoDisplayVideo = true
	_, err = s.Start(context.Background(), room.ScreenShareOptions{})
	assert.ErrorIs(t, err, room.ErrMediaUnavailable)
	assert.Zero(t, room.LiveTrackCount(provider.LastDisplay()))
	assert.False(t, s.IsActive())
	assert.Empty(t, *events)
}

func TestScreenShare_IndependentOfCamera(t *testing.T) {
	provider := mocks.NewFakeProvider()
	capture := room.NewMediaCaptureManager(provider, nil)
	share := room.NewScreenShareManager(provider, nil)
	_, err := capture.Acquire(context.Background(), room.ConstraintsFor(room.QualityHD))
	require.NoError(t, err)

	_, err = share.Start(context.Background(), room.ScreenShareOptions{})
	require.NoError(t, err)
	share.Stop()

	assert.Equal(t, 2, room.LiveTrackCount(capture.Stream()))
}

// TestScreenShare_ConcurrentStart tests that only one of two overlapping
// starts keeps its display stream.
func TestScreenShare_ConcurrentStart(t *testing.T) {
	m, provider, events := newShareManager(t)
	provider.Hold = make(chan struct{})
	provider.Holding = make(chan struct{}, 2)

	results := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		go func() {
			active, err := m.Start(context.Background(), room.ScreenShareOptions{Quality: room.QualityHD})
			assert.NoError(t, err)
			results <- active
		}()
	}
	<-provider.Holding
	<-provider.Holding
	close(provider.Hold)

	assert.True(t, <-results)
	assert.True(t, <-results)
	assert.True(t, m.IsActive())
	assert.Len(t, provider.Displays, 2)
	assert.Equal(t, 1, provider.LiveTracks())
	assert.Len(t, *events, 1)
}

// TestScreenShare_StopWhilePending tests that Stop discards a capture that
// has not completed yet.
func TestScreenShare_StopWhilePending(t *testing.T) {
	m, provider, events := newShareManager(t)
	provider.Hold = make(chan struct{})
	provider.Holding = make(chan struct{}, 1)

	results := make(chan bool, 1)
	go func() {
		active, err := m.Start(context.Background(), room.ScreenShareOptions{Quality: room.QualityHD})
		assert.NoError(t, err)
		results <- active
	}()
	<-provider.Holding
	m.Stop()
	close(provider.Hold)

	assert.False(t, <-results)
	assert.False(t, m.IsActive())
	assert.Zero(t, provider.LiveTracks())
	assert.Empty(t, *events)
}
