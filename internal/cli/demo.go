package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/am-sokolov/liveroom-go/internal/app"
	"github.com/am-sokolov/liveroom-go/internal/output"
	"github.com/am-sokolov/liveroom-go/pkg/backendapi"
	"github.com/am-sokolov/liveroom-go/pkg/room"
)

func NewDemoCmd(deps *Dependencies) *cobra.Command {
	var (
		duration time.Duration
		record   bool
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a host and an observer against an in-process backend",
		Long:  "Creates a session on an in-process backend, joins it as host with the local camera and microphone, and lets an observer join through an invite. Useful to check devices and peer connectivity without a server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, duration)
			defer cancel()
			return runDemo(ctx, deps, record)
		},
	}

	cmd.Flags().DurationVar(&duration, "duration", 20*time.Second, "How long to keep the room open")
	cmd.Flags().BoolVar(&record, "record", false, "Record the host while the demo runs")

	return cmd
}

func runDemo(ctx context.Context, deps *Dependencies, record bool) error {
	f := output.NewFormatter(os.Stdout)
	backend := backendapi.NewMemory()

	session, err := backend.CreateSession(ctx, room.CreateSessionRequest{
		Title:           "liveroom demo",
		Type:            room.SessionTypeTeamMeeting,
		MaxParticipants: 2,
		Recording:       room.RecordingConfig{Quality: room.QualitySD},
		Flags:           room.SessionFlags{AllowScreenShare: true},
	})
	if err != nil {
		return err
	}

	host, err := deps.App.NewOrchestrator(app.RoomOptions{
		Session:  *session,
		Role:     room.RoleHost,
		API:      backend,
		Identity: &room.Identity{DisplayName: "host"},
	})
	if err != nil {
		return err
	}
	host.OnEvent(func(ev room.Event) { f.Event(ev) })

	if err := host.Join(ctx); err != nil {
		return err
	}
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if host.IsRecording() {
			a, err := host.StopRecording(leaveCtx)
			if err != nil {
				f.Error(err)
			}
			f.RecordingStopped(a)
		}
		if err := host.EndSession(leaveCtx); err != nil {
			f.Error(err)
		}
	}()
	if err := host.StartSession(ctx); err != nil {
		return err
	}

	inv, _, err := host.CreateInvite(ctx, room.RoleObserver, 1, 1)
	if err != nil {
		return err
	}
	f.Invite(*inv, "")

	res, err := room.NewInviteManager(backend, "", "", deps.App.Logger).Resolve(ctx, inv.Code)
	if err != nil {
		return err
	}
	viewer, err := deps.App.NewOrchestrator(app.RoomOptions{
		Session:  res.Session,
		Role:     res.Invite.Role,
		API:      backend,
		Identity: &room.Identity{DisplayName: "viewer", Guest: true},
	})
	if err != nil {
		return err
	}
	if err := viewer.Join(ctx); err != nil {
		return err
	}
	defer func() {
		if viewer.Joined() {
			_ = viewer.Leave(context.Background())
		}
	}()

	if record {
		if err := host.StartRecording(ctx); err != nil {
			f.Error(err)
		}
	}

	<-ctx.Done()
	f.Participants(host.Participants())
	f.Info(fmt.Sprintf("viewer receives %d remote streams", len(viewer.RemoteStreams())))
	return nil
}
