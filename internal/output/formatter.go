package output

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/am-sokolov/liveroom-go/pkg/room"
)

type Formatter struct {
	w io.Writer
}

func NewFormatter(w io.Writer) *Formatter {
	return &Formatter{w: w}
}

func (f *Formatter) Error(err error) {
	fmt.Fprintf(f.w, "❌ %s\n", err)
	if action := room.ActionFor(err); action != "" {
		fmt.Fprintf(f.w, "   → %s\n", action)
	}
}

func (f *Formatter) Info(msg string) {
	fmt.Fprintf(f.w, "ℹ️  %s\n", msg)
}

func (f *Formatter) Success(msg string) {
	fmt.Fprintf(f.w, "✅ %s\n", msg)
}

func (f *Formatter) Warning(msg string) {
	fmt.Fprintf(f.w, "⚠️  %s\n", msg)
}

func (f *Formatter) SetupCheck(name string, ok bool, detail string) {
	if ok {
		fmt.Fprintf(f.w, "  ✅ %s: %s\n", name, detail)
	} else {
		fmt.Fprintf(f.w, "  ❌ %s: %s\n", name, detail)
	}
}

func (f *Formatter) Session(s room.Session) {
	fmt.Fprintf(f.w, "%s  %-9s  %s  %s", s.ID, s.Status, s.ScheduledAt.Local().Format("2006-01-02 15:04"), s.Title)
	var tags []string
	if s.MaxParticipants > 0 {
		tags = append(tags, fmt.Sprintf("max %d", s.MaxParticipants))
	}
	if s.Recording.AutoRecord {
		tags = append(tags, "auto-record "+string(s.Recording.Quality))
	}
	if s.IsRecording {
		tags = append(tags, "🔴 recording")
	}
	if len(tags) > 0 {
		fmt.Fprintf(f.w, "  [%s]", strings.Join(tags, ", "))
	}
	fmt.Fprintln(f.w)
}

func (f *Formatter) SessionList(sessions []room.Session) {
	if len(sessions) == 0 {
		f.Info("No sessions found")
		return
	}
	fmt.Fprintf(f.w, "📅 Sessions:\n\n")
	for _, s := range sessions {
		fmt.Fprint(f.w, "  ")
		f.Session(s)
	}
}

func (f *Formatter) Invite(inv room.Invite, url string) {
	fmt.Fprintf(f.w, "🎟️  %s  role=%s  uses=%d/%d  expires=%s",
		inv.Code, inv.Role, inv.UsedCount, inv.MaxUses, inv.ExpiresAt.Local().Format("2006-01-02 15:04"))
	if inv.Revoked {
		fmt.Fprint(f.w, "  (revoked)")
	}
	fmt.Fprintln(f.w)
	if url != "" {
		fmt.Fprintf(f.w, "    %s\n", url)
	}
}

func (f *Formatter) InviteList(invites []room.Invite, urlFor func(code string) string) {
	if len(invites) == 0 {
		f.Info("No invites found")
		return
	}
	for _, inv := range invites {
		f.Invite(inv, urlFor(inv.Code))
	}
}

func (f *Formatter) Participants(ps []room.Participant) {
	fmt.Fprintf(f.w, "👥 Participants (%d):\n", len(ps))
	for _, p := range ps {
		name := p.DisplayName
		if name == "" {
			name = p.ID
		}
		fmt.Fprintf(f.w, "  %s  %s  %s\n", name, p.Role, p.ConnectionState)
	}
}

func (f *Formatter) Event(ev room.Event) {
	switch ev.Kind {
	case room.EventParticipantJoined:
		fmt.Fprintf(f.w, "👋 %s joined as %s\n", participantName(ev.Participant, ev.PeerID), roleOf(ev.Participant))
	case room.EventParticipantLeft:
		fmt.Fprintf(f.w, "🚪 %s left\n", participantName(ev.Participant, ev.PeerID))
	case room.EventPeerStateChanged:
		fmt.Fprintf(f.w, "🔗 %s is %s\n", ev.PeerID, ev.State)
	case room.EventRemoteTrack:
		fmt.Fprintf(f.w, "📺 receiving media from %s\n", ev.PeerID)
	case room.EventScreenShareChanged:
		if ev.Active {
			fmt.Fprintf(f.w, "🖥️  screen share started\n")
		} else {
			fmt.Fprintf(f.w, "🖥️  screen share stopped\n")
		}
	case room.EventRecordingChanged:
		fmt.Fprintf(f.w, "⏺️  recording %s\n", ev.Recording)
	case room.EventSessionChanged:
		fmt.Fprintf(f.w, "📅 session is %s\n", ev.Status)
	case room.EventSessionGone:
		f.Warning("session is no longer available")
	case room.EventSignalingRecovered:
		fmt.Fprintf(f.w, "📶 signaling reconnected\n")
	default:
		if ev.Err != nil {
			f.Warning(fmt.Sprintf("%s: %v", ev.Kind, ev.Err))
		}
	}
}

func (f *Formatter) RecordingStopped(a *room.Artifact) {
	if a == nil {
		return
	}
	fmt.Fprintf(f.w, "⏹️  Recording stopped (%s, %d bytes)\n", formatDuration(time.Duration(a.DurationSeconds)*time.Second), a.Size())
	switch {
	case a.Uploaded && a.Remote != nil && a.Remote.URL != "":
		f.Success("Uploaded: " + a.Remote.URL)
	case a.Uploaded:
		f.Success("Uploaded")
	default:
		f.Warning("Upload failed, kept locally for `liveroom recordings retry`")
	}
	if a.ArchiveURL != "" {
		fmt.Fprintf(f.w, "📦 Archived: %s\n", a.ArchiveURL)
	}
}

func (f *Formatter) PendingArtifact(a *room.Artifact) {
	fmt.Fprintf(f.w, "  %s  session=%s  %s  %d bytes  %s\n",
		a.ID, a.SessionID, formatDuration(time.Duration(a.DurationSeconds)*time.Second), a.Size(),
		a.RecordedAt.Local().Format("2006-01-02 15:04"))
}

func participantName(p *room.Participant, fallback string) string {
	if p != nil && p.DisplayName != "" {
		return p.DisplayName
	}
	return fallback
}

func roleOf(p *room.Participant) room.Role {
	if p == nil {
		return ""
	}
	return p.Role
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
