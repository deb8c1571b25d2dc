package room_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/am-sokolov/liveroom-go/internal/test/mocks"
	"github.com/am-sokolov/liveroom-go/pkg/backendapi"
	"github.com/am-sokolov/liveroom-go/pkg/room"
)

func newInviteSession(t *testing.T) (*backendapi.Memory, *room.Session) {
	t.Helper()
	api := backendapi.NewMemory()
	s, err := api.CreateSession(context.Background(), room.CreateSessionRequest{Title: "standup", MaxParticipants: 4})
	require.NoError(t, err)
	return api, s
}

func TestValidateInvite(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		inv  room.Invite
		want error
	}{
		{"usable", room.Invite{ExpiresAt: now.Add(time.Hour), MaxUses: 2, UsedCount: 1}, nil},
		{"no expiry", room.Invite{MaxUses: 1}, nil},
		{"expired unused", room.Invite{ExpiresAt: now.Add(-time.Minute), MaxUses: 5}, room.ErrInviteExpired},
		{"exhausted", room.Invite{ExpiresAt: now.Add(time.Hour), MaxUses: 1, UsedCount: 1}, room.ErrInviteExhausted},
		{"expired and exhausted", room.Invite{ExpiresAt: now.Add(-time.Minute), MaxUses: 1, UsedCount: 1}, room.ErrInviteExpired},
		{"revoked", room.Invite{ExpiresAt: now.Add(time.Hour), MaxUses: 1, Revoked: true}, room.ErrInviteRevoked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := room.ValidateInvite(tt.inv, now)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// TestInvite_SingleUse tests that a one-use invite admits exactly one joiner
func TestInvite_SingleUse(t *testing.T) {
	api, s := newInviteSession(t)
	m := room.NewInviteManager(api, s.ID, "https://app.example.com/invite/", nil)
	ctx := context.Background()

	inv, err := m.Generate(ctx, room.RoleParticipant, 24, 1)
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/invite/"+inv.Code, m.URL(inv.Code))

	res, err := m.Resolve(ctx, inv.Code)
	require.NoError(t, err)
	assert.Equal(t, s.ID, res.Session.ID)
	assert.Equal(t, room.RoleParticipant, res.Invite.Role)
	assert.Equal(t, 1, res.Invite.UsedCount)

	_, err = m.Resolve(ctx, inv.Code)
	assert.ErrorIs(t, err, room.ErrInviteExhausted)
	_, err = m.Preview(ctx, inv.Code)
	assert.ErrorIs(t, err, room.ErrInviteExhausted)
}

// TestInvite_ObserverDefaults tests an observer invite with 24h expiry and 50 uses
func TestInvite_ObserverDefaults(t *testing.T) {
	api, s := newInviteSession(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	api.SetClock(func() time.Time { return now })
	m := room.NewInviteManager(api, s.ID, "", nil)
	m.SetClock(func() time.Time { return now })
	ctx := context.Background()

	inv, err := m.Generate(ctx, room.RoleObserver, 24, 50)
	require.NoError(t, err)
	assert.Equal(t, room.RoleObserver, inv.Role)
	assert.Equal(t, 50, inv.MaxUses)
	assert.Equal(t, now.Add(24*time.Hour), inv.ExpiresAt)

	// Preview consumes nothing.
	for i := 0; i < 3; i++ {
		_, err := m.Preview(ctx, inv.Code)
		require.NoError(t, err)
	}
	res, err := m.Resolve(ctx, inv.Code)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Invite.UsedCount)

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].UsedCount)
}

// TestInvite_FiftyUses tests that a 50-use observer invite admits exactly 50
// joiners and reports expiry over exhaustion once the day has passed.
func TestInvite_FiftyUses(t *testing.T) {
	api, s := newInviteSession(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	api.SetClock(clock)
	m := room.NewInviteManager(api, s.ID, "", nil)
	m.SetClock(clock)
	ctx := context.Background()

	inv, err := m.Generate(ctx, room.RoleObserver, 24, 50)
	require.NoError(t, err)

	for i := 1; i <= 50; i++ {
		res, err := m.Resolve(ctx, inv.Code)
		require.NoError(t, err, "resolution %d", i)
		assert.Equal(t, room.RoleObserver, res.Invite.Role)
		assert.Equal(t, i, res.Invite.UsedCount)
	}

	_, err = m.Resolve(ctx, inv.Code)
	assert.ErrorIs(t, err, room.ErrInviteExhausted)

	now = now.Add(25 * time.Hour)
	_, err = m.Resolve(ctx, inv.Code)
	assert.ErrorIs(t, err, room.ErrInviteExpired)
}

// TestInvite_BackendDecidesExpiry tests that a client clock that is behind
// does not let an invite the backend considers expired through.
func TestInvite_BackendDecidesExpiry(t *testing.T) {
	api, s := newInviteSession(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	serverNow := created
	api.SetClock(func() time.Time { return serverNow })
	m := room.NewInviteManager(api, s.ID, "", nil)
	m.SetClock(func() time.Time { return created })
	ctx := context.Background()

	inv, err := m.Generate(ctx, room.RoleParticipant, 1, 5)
	require.NoError(t, err)

	serverNow = created.Add(2 * time.Hour)
	_, err = m.Resolve(ctx, inv.Code)
	assert.ErrorIs(t, err, room.ErrInviteExpired)
}

func TestInvite_Revoke(t *testing.T) {
	api, s := newInviteSession(t)
	m := room.NewInviteManager(api, s.ID, "", nil)
	ctx := context.Background()

	inv, err := m.Generate(ctx, room.RolePresenter, 1, 10)
	require.NoError(t, err)
	require.NoError(t, m.Revoke(ctx, inv.ID))

	_, err = m.Resolve(ctx, inv.Code)
	assert.ErrorIs(t, err, room.ErrInviteRevoked)
	assert.ErrorIs(t, m.Revoke(ctx, "missing"), room.ErrNotFound)
}

func TestInvite_UnknownCode(t *testing.T) {
	api, s := newInviteSession(t)
	m := room.NewInviteManager(api, s.ID, "", nil)
	_, err := m.Resolve(context.Background(), "nope")
	assert.ErrorIs(t, err, room.ErrNotFound)
}

// TestInvite_ExpiredUnused tests that expiry is checked even when the
// invite was never used.
func TestInvite_ExpiredUnused(t *testing.T) {
	api := &mocks.MockBackend{}
	expired := room.Invite{
		ID:        "i1",
		Code:      "abc",
		Role:      room.RoleParticipant,
		ExpiresAt: time.Now().Add(-time.Hour),
		MaxUses:   10,
	}
	api.On("GetInvite", mock.Anything, "abc").Return(&room.InviteResolution{Invite: expired}, nil)

	m := room.NewInviteManager(api, "s1", "", nil)
	_, err := m.Resolve(context.Background(), "abc")
	assert.ErrorIs(t, err, room.ErrInviteExpired)
	assert.NotEmpty(t, room.ActionFor(err))
	api.AssertNotCalled(t, "AcceptInvite", mock.Anything, mock.Anything)
}

func TestInvite_GenerateValidation(t *testing.T) {
	api := &mocks.MockBackend{}
	m := room.NewInviteManager(api, "s1", "", nil)
	ctx := context.Background()

	_, err := m.Generate(ctx, room.RoleHost, 24, 1)
	assert.ErrorIs(t, err, room.ErrInvalidInvite)
	_, err = m.Generate(ctx, room.Role("admin"), 24, 1)
	assert.ErrorIs(t, err, room.ErrInvalidInvite)
	_, err = m.Generate(ctx, room.RoleObserver, 0, 1)
	assert.ErrorIs(t, err, room.ErrInvalidInvite)
	_, err = m.Generate(ctx, room.RoleObserver, 24, 0)
	assert.ErrorIs(t, err, room.ErrInvalidInvite)

	_, err = room.NewInviteManager(api, "", "", nil).Generate(ctx, room.RoleObserver, 24, 1)
	assert.ErrorIs(t, err, room.ErrInvalidSession)
	api.AssertNotCalled(t, "GenerateInvite", mock.Anything, mock.Anything, mock.Anything)
}
