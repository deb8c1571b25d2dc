package room

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckCapacity(t *testing.T) {
	present := []Participant{
		{ID: "a", Role: RoleHost},
		{ID: "b", Role: RoleObserver},
		{ID: "c", Role: RoleObserver},
	}

	assert.NoError(t, CheckCapacity(2, RoleParticipant, present))
	assert.ErrorIs(t, CheckCapacity(1, RoleParticipant, present), ErrRoomFull)
	assert.NoError(t, CheckCapacity(1, RoleObserver, present), "observers are never refused")
	assert.NoError(t, CheckCapacity(0, RoleParticipant, present), "zero means unlimited")

	present = append(present, Participant{ID: "d", Role: RolePresenter})
	assert.ErrorIs(t, CheckCapacity(2, RoleParticipant, present), ErrRoomFull)
}

func TestRoster(t *testing.T) {
	r := NewRoster()
	t0 := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	r.Upsert(Participant{ID: "late", Role: RoleObserver, JoinedAt: t0.Add(time.Minute)})
	r.Upsert(Participant{ID: "early", Role: RoleHost, JoinedAt: t0})
	assert.Equal(t, 2, r.Len())

	p, ok := r.Get("early")
	assert.True(t, ok)
	assert.Equal(t, ConnectionNew, p.ConnectionState)

	assert.True(t, r.SetConnectionState("early", ConnectionConnected))
	assert.False(t, r.SetConnectionState("ghost", ConnectionConnected))

	// A replacement without a state keeps the previous one.
	r.Upsert(Participant{ID: "early", Role: RoleHost, DisplayName: "Host", JoinedAt: t0})
	p, _ = r.Get("early")
	assert.Equal(t, ConnectionConnected, p.ConnectionState)
	assert.Equal(t, "Host", p.DisplayName)

	list := r.List()
	assert.Equal(t, []string{"early", "late"}, []string{list[0].ID, list[1].ID})

	assert.True(t, r.Remove("late"))
	assert.False(t, r.Remove("late"))
	r.Clear()
	assert.Zero(t, r.Len())
}
