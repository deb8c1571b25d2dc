package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/am-sokolov/liveroom-go/internal/app"
	"github.com/am-sokolov/liveroom-go/internal/output"
	"github.com/am-sokolov/liveroom-go/pkg/room"
)

const joinHelp = `Commands: v=toggle video  a=toggle audio  s=toggle screen share
          r=start/stop recording  p=pause/resume recording  l=list participants
          reconnect=re-offer to unconnected peers  end=end session (host)  q=leave`

func NewJoinCmd(deps *Dependencies) *cobra.Command {
	var (
		role     string
		invite   string
		record   bool
		duration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "join [session-id]",
		Short: "Join a session's room",
		Long:  "Join a session's room with camera and microphone, either directly by id or through an invite code.\n\n" + joinHelp,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			session, r, err := resolveJoinTarget(ctx, deps, args, invite, role)
			if err != nil {
				return err
			}

			o, err := deps.App.NewOrchestrator(app.RoomOptions{Session: *session, Role: r})
			if err != nil {
				return err
			}
			return runRoom(ctx, o, record, duration, os.Stdin, output.NewFormatter(os.Stdout))
		},
	}

	cmd.Flags().StringVarP(&role, "role", "r", string(room.RoleParticipant), "Role to join as when not using an invite")
	cmd.Flags().StringVarP(&invite, "invite", "i", "", "Join through an invite code")
	cmd.Flags().BoolVar(&record, "record", false, "Start recording after joining")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Leave automatically after this long")

	return cmd
}

func resolveJoinTarget(ctx context.Context, deps *Dependencies, args []string, invite, role string) (*room.Session, room.Role, error) {
	if invite != "" {
		res, err := deps.invites("").Resolve(ctx, invite)
		if err != nil {
			return nil, "", err
		}
		return &res.Session, res.Invite.Role, nil
	}
	if len(args) == 0 {
		return nil, "", errors.New("a session id or --invite is required")
	}
	r, err := room.ParseRole(role)
	if err != nil {
		return nil, "", err
	}
	s, err := deps.App.Backend.GetSession(ctx, args[0])
	if err != nil {
		return nil, "", err
	}
	return s, r, nil
}

// runRoom joins, relays events and stdin commands, and leaves when ctx ends,
// duration elapses, input closes or the user quits.
func runRoom(ctx context.Context, o *room.Orchestrator, record bool, duration time.Duration, in io.Reader, f *output.Formatter) error {
	gone := make(chan struct{}, 1)
	o.OnEvent(func(ev room.Event) {
		f.Event(ev)
		if ev.Kind == room.EventSessionGone {
			select {
			case gone <- struct{}{}:
			default:
			}
		}
	})

	if err := o.Join(ctx); err != nil {
		return err
	}
	f.Success(fmt.Sprintf("Joined %q as %s", o.Session().Title, o.Self().Role))
	if err := o.Degraded(); err != nil {
		f.Error(err)
	}
	if record {
		if err := o.StartRecording(ctx); err != nil {
			f.Error(err)
		}
	}
	f.Info(joinHelp)

	var timeout <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		timeout = timer.C
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-timeout:
			break loop
		case <-gone:
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			quit, err := handleCommand(ctx, o, line, f)
			if err != nil {
				f.Error(err)
			}
			if quit {
				break loop
			}
		}
	}

	leaveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if o.IsRecording() {
		a, err := o.StopRecording(leaveCtx)
		if err != nil {
			f.Error(err)
		}
		f.RecordingStopped(a)
	}
	if !o.Joined() {
		return nil
	}
	if err := o.Leave(leaveCtx); err != nil {
		return err
	}
	f.Success("Left the room")
	return nil
}

func handleCommand(ctx context.Context, o *room.Orchestrator, line string, f *output.Formatter) (quit bool, err error) {
	switch line {
	case "":
		return false, nil
	case "q", "quit", "leave":
		return true, nil
	case "v":
		on, err := o.ToggleVideo()
		if err == nil {
			f.Info(fmt.Sprintf("video %s", onOff(on)))
		}
		return false, err
	case "a":
		on, err := o.ToggleAudio()
		if err == nil {
			f.Info(fmt.Sprintf("audio %s", onOff(on)))
		}
		return false, err
	case "s":
		_, err := o.ToggleScreenShare(ctx)
		return false, err
	case "r":
		if o.IsRecording() {
			a, err := o.StopRecording(ctx)
			f.RecordingStopped(a)
			return false, err
		}
		return false, o.StartRecording(ctx)
	case "p":
		err := o.PauseRecording()
		if errors.Is(err, room.ErrNotRecording) {
			return false, o.ResumeRecording()
		}
		return false, err
	case "l":
		f.Participants(o.Participants())
		return false, nil
	case "reconnect":
		if o.SignalingPartitioned() {
			f.Warning("signaling is unreachable, peers are re-offered once it recovers")
			return false, nil
		}
		return false, o.Reconnect(ctx)
	case "end":
		return true, o.EndSession(ctx)
	default:
		f.Info(joinHelp)
		return false, nil
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
