package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/am-sokolov/liveroom-go/internal/output"
	"github.com/am-sokolov/liveroom-go/pkg/room"
)

func NewSessionCmd(deps *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Create and control sessions",
	}
	cmd.AddCommand(newSessionCreateCmd(deps))
	cmd.AddCommand(newSessionListCmd(deps))
	cmd.AddCommand(newSessionShowCmd(deps))
	cmd.AddCommand(newSessionTransitionCmd(deps, "start", "Go live", (*room.SessionStateMachine).Start))
	cmd.AddCommand(newSessionTransitionCmd(deps, "pause", "Pause a live session", (*room.SessionStateMachine).Pause))
	cmd.AddCommand(newSessionTransitionCmd(deps, "resume", "Resume a paused session", (*room.SessionStateMachine).Resume))
	cmd.AddCommand(newSessionTransitionCmd(deps, "end", "End a session", (*room.SessionStateMachine).End))
	cmd.AddCommand(newSessionTransitionCmd(deps, "cancel", "Cancel a session", (*room.SessionStateMachine).Cancel))
	return cmd
}

func newSessionCreateCmd(deps *Dependencies) *cobra.Command {
	var (
		title       string
		sessionType string
		at          string
		duration    int
		maxPeople   int
		autoRecord  bool
		quality     string
		screenShare bool
		public      bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Schedule a new session",
		RunE: func(cmd *cobra.Command, args []string) error {
			scheduled := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				scheduled = t
			}
			q := room.Quality(quality)
			if _, err := room.QualityPreset(q); err != nil {
				return err
			}

			s, err := deps.App.Backend.CreateSession(cmd.Context(), room.CreateSessionRequest{
				Title:           title,
				Type:            room.SessionType(sessionType),
				ScheduledAt:     scheduled,
				DurationMinutes: duration,
				MaxParticipants: maxPeople,
				Recording:       room.RecordingConfig{AutoRecord: autoRecord, Quality: q},
				Flags:           room.SessionFlags{AllowScreenShare: screenShare, IsPublic: public},
			})
			if err != nil {
				return err
			}
			f := output.NewFormatter(os.Stdout)
			f.Success("Session created")
			f.Session(*s)
			return nil
		},
	}

	cmd.Flags().StringVarP(&title, "title", "t", "", "Session title")
	cmd.Flags().StringVar(&sessionType, "type", string(room.SessionTypeTeamMeeting), "Session type")
	cmd.Flags().StringVar(&at, "at", "", "Scheduled start (RFC 3339), defaults to now")
	cmd.Flags().IntVar(&duration, "duration", 60, "Planned duration in minutes")
	cmd.Flags().IntVar(&maxPeople, "max", 10, "Maximum participants with camera or microphone")
	cmd.Flags().BoolVar(&autoRecord, "auto-record", false, "Record automatically when the host joins")
	cmd.Flags().StringVar(&quality, "quality", string(room.QualityHD), "Recording quality: sd, hd, fullhd, uhd")
	cmd.Flags().BoolVar(&screenShare, "screen-share", true, "Allow participants to share their screen")
	cmd.Flags().BoolVar(&public, "public", false, "List the session publicly")
	_ = cmd.MarkFlagRequired("title")

	return cmd
}

func newSessionListCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := deps.App.Backend.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			output.NewFormatter(os.Stdout).SessionList(sessions)
			return nil
		},
	}
}

func newSessionShowCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session and who is in it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := output.NewFormatter(os.Stdout)
			s, err := deps.App.Backend.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			f.Session(*s)
			ps, err := deps.App.Backend.ListParticipants(cmd.Context(), s.ID)
			if err != nil {
				return err
			}
			f.Participants(ps)
			return nil
		},
	}
}

type transitionFunc func(m *room.SessionStateMachine, ctx context.Context) error

func newSessionTransitionCmd(deps *Dependencies, use, short string, transition transitionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <session-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := deps.App.Backend.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			machine := room.NewSessionStateMachine(*s, deps.App.Backend, deps.App.Logger)
			if err := transition(machine, cmd.Context()); err != nil {
				return err
			}
			f := output.NewFormatter(os.Stdout)
			f.Success(fmt.Sprintf("Session is %s", machine.Status()))
			return nil
		},
	}
}
