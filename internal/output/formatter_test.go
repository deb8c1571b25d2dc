package output

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/am-sokolov/liveroom-go/pkg/room"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{42 * time.Second, "42s"},
		{61 * time.Second, "1m01s"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1h02m03s"},
		{1500 * time.Millisecond, "2s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.in))
	}
}

// TestFormatter_ErrorShowsAction tests that room errors print their next step.
func TestFormatter_ErrorShowsAction(t *testing.T) {
	var buf bytes.Buffer
	NewFormatter(&buf).Error(room.ErrMediaAccessDenied)

	assert.Contains(t, buf.String(), "camera or microphone access was denied")
	assert.Contains(t, buf.String(), "→ "+room.ActionFor(room.ErrMediaAccessDenied))
}

func TestFormatter_RecordingStopped(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(&buf)

	f.RecordingStopped(nil)
	assert.Empty(t, buf.String())

	f.RecordingStopped(&room.Artifact{Data: []byte("abcd"), DurationSeconds: 75})
	assert.Contains(t, buf.String(), "1m15s, 4 bytes")
	assert.Contains(t, buf.String(), "liveroom recordings retry")

	buf.Reset()
	f.RecordingStopped(&room.Artifact{
		Uploaded:   true,
		Remote:     &room.RecordingInfo{URL: "https://cdn.example.com/r1.webm"},
		ArchiveURL: "s3://recordings/s1/r1.webm",
	})
	assert.Contains(t, buf.String(), "Uploaded: https://cdn.example.com/r1.webm")
	assert.Contains(t, buf.String(), "Archived: s3://recordings/s1/r1.webm")
}

func TestFormatter_Invite(t *testing.T) {
	var buf bytes.Buffer
	NewFormatter(&buf).InviteList([]room.Invite{
		{Code: "abc123", Role: room.RoleObserver, MaxUses: 50, UsedCount: 3, Revoked: true},
	}, func(code string) string { return "https://live.example.com/join/" + code })

	out := buf.String()
	assert.Contains(t, out, "abc123  role=observer  uses=3/50")
	assert.Contains(t, out, "(revoked)")
	assert.Contains(t, out, "https://live.example.com/join/abc123")
}
