package room

import (
	"sort"
	"sync"
)

// CheckCapacity reports ErrRoomFull when a role that captures media would
// exceed maxParticipants. Observers never count and are never refused.
// A maxParticipants of zero means unlimited.
func CheckCapacity(maxParticipants int, role Role, present []Participant) error {
	if maxParticipants <= 0 || !role.CapturesMedia() {
		return nil
	}
	n := 0
	for _, p := range present {
		if p.Role.CapturesMedia() {
			n++
		}
	}
	if n >= maxParticipants {
		return ErrRoomFull
	}
	return nil
}

// Roster is the in-memory participant list of one room membership, one entry
// per remote connection.
type Roster struct {
	mu      sync.RWMutex
	entries map[string]Participant
}

// NewRoster creates an empty roster.
func NewRoster() *Roster {
	return &Roster{entries: make(map[string]Participant)}
}

// Upsert adds p or replaces the entry with the same ID. Connection state is
// kept when the replacement leaves it empty.
func (r *Roster) Upsert(p Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.entries[p.ID]; ok && p.ConnectionState == "" {
		p.ConnectionState = old.ConnectionState
	}
	if p.ConnectionState == "" {
		p.ConnectionState = ConnectionNew
	}
	r.entries[p.ID] = p
}

// Remove drops the entry for id and reports whether it existed.
func (r *Roster) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	return ok
}

// Get returns the entry for id.
func (r *Roster) Get(id string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.entries[id]
	return p, ok
}

// SetConnectionState updates one entry's connection state.
func (r *Roster) SetConnectionState(id string, state ConnectionState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.entries[id]
	if !ok {
		return false
	}
	p.ConnectionState = state
	r.entries[id] = p
	return true
}

// List returns all entries ordered by join time.
func (r *Roster) List() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Participant, 0, len(r.entries))
	for _, p := range r.entries {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Len returns the number of entries.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Clear removes every entry.
func (r *Roster) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]Participant)
}
