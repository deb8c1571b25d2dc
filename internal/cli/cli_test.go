package cli

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/am-sokolov/liveroom-go/config"
	"github.com/am-sokolov/liveroom-go/internal/app"
	"github.com/am-sokolov/liveroom-go/internal/output"
	"github.com/am-sokolov/liveroom-go/internal/test/mocks"
	"github.com/am-sokolov/liveroom-go/pkg/backendapi"
	"github.com/am-sokolov/liveroom-go/pkg/room"
)

func newTestDeps(t *testing.T, backend room.BackendAPI) *Dependencies {
	t.Helper()
	cfg, err := config.LoadFrom("", "")
	require.NoError(t, err)
	cfg.ArtifactDB = filepath.Join(t.TempDir(), "artifacts.sqlite")
	cfg.LogLevel = "error"

	a, err := app.New(cfg)
	require.NoError(t, err)
	a.Backend = backend
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return &Dependencies{App: a, Config: cfg}
}

func newHostRoom(t *testing.T, backend *backendapi.Memory) (*room.Orchestrator, *mocks.FakeProvider) {
	t.Helper()
	s, err := backend.CreateSession(context.Background(), room.CreateSessionRequest{Title: "standup", MaxParticipants: 4})
	require.NoError(t, err)

	provider := mocks.NewFakeProvider()
	o, err := room.NewOrchestrator(room.Options{
		Session:     *s,
		Identity:    room.Identity{DisplayName: "host"},
		Role:        room.RoleHost,
		API:         backend,
		Devices:     provider,
		PeerFactory: &mocks.FakeFactory{},
		Captures:    (&mocks.Captures{}).Factory(),
		Tickers:     mocks.NewTickers().Factory(),
		Logger:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return o, provider
}

func TestRunRoom_CommandsAndLeave(t *testing.T) {
	o, provider := newHostRoom(t, backendapi.NewMemory())
	var out bytes.Buffer

	err := runRoom(context.Background(), o, false, 0, strings.NewReader("v\nl\nbogus\nq\n"), output.NewFormatter(&out))
	require.NoError(t, err)

	assert.Contains(t, out.String(), "Joined \"standup\" as host")
	assert.Contains(t, out.String(), "video off")
	assert.Contains(t, out.String(), "Participants (1)")
	assert.Contains(t, out.String(), "Left the room")
	assert.False(t, o.Joined())
	assert.Equal(t, 0, provider.LiveTracks())
}

func TestRunRoom_StopsRecordingOnLeave(t *testing.T) {
	o, _ := newHostRoom(t, backendapi.NewMemory())
	var out bytes.Buffer

	err := runRoom(context.Background(), o, true, 0, strings.NewReader("q\n"), output.NewFormatter(&out))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Recording stopped")
	assert.False(t, o.IsRecording())
}

func TestRunRoom_LeavesWhenContextEnds(t *testing.T) {
	o, _ := newHostRoom(t, backendapi.NewMemory())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// A reader that never yields keeps the loop waiting on ctx.
	pr, pw := io.Pipe()
	defer pw.Close()

	require.NoError(t, runRoom(ctx, o, false, 0, pr, output.NewFormatter(&bytes.Buffer{})))
	assert.False(t, o.Joined())
}

func TestHandleCommand_EndSession(t *testing.T) {
	o, _ := newHostRoom(t, backendapi.NewMemory())
	require.NoError(t, o.Join(context.Background()))
	require.NoError(t, o.StartSession(context.Background()))

	quit, err := handleCommand(context.Background(), o, "end", output.NewFormatter(&bytes.Buffer{}))
	require.NoError(t, err)
	assert.True(t, quit)
	assert.Equal(t, room.StatusEnded, o.Session().Status)
	assert.False(t, o.Joined())
}

func TestHandleCommand_Reconnect(t *testing.T) {
	o, _ := newHostRoom(t, backendapi.NewMemory())
	ctx := context.Background()
	f := output.NewFormatter(&bytes.Buffer{})

	_, err := handleCommand(ctx, o, "reconnect", f)
	assert.ErrorIs(t, err, room.ErrNotJoined)

	require.NoError(t, o.Join(ctx))
	defer o.Leave(ctx)
	assert.False(t, o.SignalingPartitioned())
	quit, err := handleCommand(ctx, o, "reconnect", f)
	require.NoError(t, err)
	assert.False(t, quit)
}

func TestHandleCommand_PauseTogglesRecording(t *testing.T) {
	o, _ := newHostRoom(t, backendapi.NewMemory())
	ctx := context.Background()
	require.NoError(t, o.Join(ctx))
	defer o.Leave(ctx)
	f := output.NewFormatter(&bytes.Buffer{})

	_, err := handleCommand(ctx, o, "p", f)
	assert.ErrorIs(t, err, room.ErrNotRecording)

	_, err = handleCommand(ctx, o, "r", f)
	require.NoError(t, err)
	_, err = handleCommand(ctx, o, "p", f)
	require.NoError(t, err)
	_, err = handleCommand(ctx, o, "p", f)
	require.NoError(t, err)
	assert.True(t, o.IsRecording())
}

func TestRetryUploads(t *testing.T) {
	ctx := context.Background()
	backend := backendapi.NewMemory()
	s, err := backend.CreateSession(ctx, room.CreateSessionRequest{Title: "review"})
	require.NoError(t, err)
	deps := newTestDeps(t, backend)

	store, err := deps.App.Store()
	require.NoError(t, err)
	pending := &room.Artifact{
		ID: "a1", SessionID: s.ID, Data: []byte("segment"), MimeType: "video/webm", Format: "webm",
		Quality: room.QualityHD, DurationSeconds: 3, RecordedAt: time.Now(),
	}
	orphan := &room.Artifact{
		ID: "a2", SessionID: "missing", Data: []byte("segment"), MimeType: "video/webm", Format: "webm",
		Quality: room.QualityHD, DurationSeconds: 3, RecordedAt: time.Now(),
	}
	require.NoError(t, store.Save(ctx, pending))
	require.NoError(t, store.Save(ctx, orphan))

	all, err := store.Pending(ctx)
	require.NoError(t, err)
	uploaded, errs := retryUploads(ctx, deps, all)
	assert.Equal(t, 1, uploaded)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], room.ErrRecordingFailure)

	left, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "a2", left[0].ID)
	assert.Len(t, backend.Recordings(s.ID), 1)
}

func TestNewRootCmd_RegistersCommands(t *testing.T) {
	deps := newTestDeps(t, backendapi.NewMemory())
	root := NewRootCmd(deps)

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"session", "invite", "join", "recordings", "doctor", "demo"})
}

func TestSessionAndInviteCommands(t *testing.T) {
	backend := backendapi.NewMemory()
	deps := newTestDeps(t, backend)
	ctx := context.Background()

	root := NewRootCmd(deps)
	root.SetArgs([]string{"session", "create", "--title", "retro", "--max", "3"})
	require.NoError(t, root.ExecuteContext(ctx))

	sessions, err := backend.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 3, sessions[0].MaxParticipants)

	root = NewRootCmd(deps)
	root.SetArgs([]string{"session", "start", sessions[0].ID})
	require.NoError(t, root.ExecuteContext(ctx))
	s, err := backend.GetSession(ctx, sessions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, room.StatusLive, s.Status)

	root = NewRootCmd(deps)
	root.SetArgs([]string{"session", "start", sessions[0].ID})
	assert.ErrorIs(t, root.ExecuteContext(ctx), room.ErrIllegalTransition)

	root = NewRootCmd(deps)
	root.SetArgs([]string{"invite", "generate", sessions[0].ID, "--role", "observer", "--uses", "2"})
	require.NoError(t, root.ExecuteContext(ctx))
	invites, err := backend.ListInvites(ctx, sessions[0].ID)
	require.NoError(t, err)
	require.Len(t, invites, 1)
	assert.Equal(t, room.RoleObserver, invites[0].Role)

	root = NewRootCmd(deps)
	root.SetArgs([]string{"invite", "generate", sessions[0].ID, "--role", "host"})
	assert.Error(t, root.ExecuteContext(ctx))

	root = NewRootCmd(deps)
	root.SetArgs([]string{"invite", "resolve", invites[0].Code})
	require.NoError(t, root.ExecuteContext(ctx))
	invites, err = backend.ListInvites(ctx, sessions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 0, invites[0].UsedCount)
}

func TestExportArtifact_SplitsTracks(t *testing.T) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, part := range []struct{ mime, data string }{
		{"video/x-ivf", "DKIF-head"}, {"audio/ogg", "OggS-head"}, {"video/x-ivf", "-frame"},
	} {
		w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {part.mime}})
		require.NoError(t, err)
		_, err = w.Write([]byte(part.data))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	dir := t.TempDir()
	files, err := exportArtifact(&room.Artifact{
		ID:       "r1",
		Data:     body.Bytes(),
		MimeType: "multipart/mixed; boundary=" + mw.Boundary(),
	}, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "r1.ivf"), filepath.Join(dir, "r1.ogg")}, files)

	video, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, "DKIF-head-frame", string(video))
	audio, err := os.ReadFile(files[1])
	require.NoError(t, err)
	assert.Equal(t, "OggS-head", string(audio))

	_, err = exportArtifact(&room.Artifact{ID: "r2", MimeType: "video/webm"}, dir)
	assert.Error(t, err)
}
