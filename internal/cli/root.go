package cli

import (
	"github.com/spf13/cobra"

	"github.com/am-sokolov/liveroom-go/config"
	"github.com/am-sokolov/liveroom-go/internal/app"
	"github.com/am-sokolov/liveroom-go/internal/version"
)

type Dependencies struct {
	App    *app.App
	Config *config.Config
}

func NewRootCmd(deps *Dependencies) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "liveroom",
		Short:         "Run and join live collaborative sessions",
		Long:          "Create and schedule sessions, issue invites, join rooms with camera, microphone and screen share, and record them.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.Version = version.Version
	rootCmd.SetVersionTemplate(version.Full() + "\n")

	rootCmd.AddCommand(NewSessionCmd(deps))
	rootCmd.AddCommand(NewInviteCmd(deps))
	rootCmd.AddCommand(NewJoinCmd(deps))
	rootCmd.AddCommand(NewRecordingsCmd(deps))
	rootCmd.AddCommand(NewDoctorCmd(deps))
	rootCmd.AddCommand(NewDemoCmd(deps))

	return rootCmd
}
