package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/am-sokolov/liveroom-go/config"
	"github.com/am-sokolov/liveroom-go/internal/output"
	"github.com/am-sokolov/liveroom-go/pkg/devices"
)

func NewDoctorCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, backend and capture devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := output.NewFormatter(os.Stdout)
			ok := true
			check := func(name string, pass bool, detail string) {
				f.SetupCheck(name, pass, detail)
				ok = ok && pass
			}

			f.SetupCheck("Config file", true, config.Path())

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if sessions, err := deps.App.Backend.ListSessions(ctx); err != nil {
				check("Backend", false, err.Error())
			} else {
				check("Backend", true, fmt.Sprintf("%s (%d sessions)", deps.Config.BackendURL, len(sessions)))
			}

			if deps.Config.AuthToken != "" {
				check("Auth token", true, "configured")
			} else {
				check("Auth token", false, "not set. Set LIVEROOM_AUTH_TOKEN or add auth_token to config")
			}

			cameras, mics := devices.Count()
			check("Camera", cameras > 0, fmt.Sprintf("%d found", cameras))
			check("Microphone", mics > 0, fmt.Sprintf("%d found", mics))

			switch deps.Config.Signaling {
			case config.SignalingWebSocket:
				f.SetupCheck("Signaling", true, "websocket "+deps.Config.SignalingWSURL)
			default:
				f.SetupCheck("Signaling", true, fmt.Sprintf("polling every %s", deps.Config.PollInterval))
			}

			if _, err := deps.App.Store(); err != nil {
				check("Recording store", false, err.Error())
			} else {
				check("Recording store", true, deps.Config.ArtifactDB)
			}

			if deps.Config.S3.Enabled() {
				f.SetupCheck("S3 archive", true, deps.Config.S3.Endpoint+"/"+deps.Config.S3.Bucket)
			} else {
				f.SetupCheck("S3 archive", true, "disabled")
			}

			if ok {
				f.Success("\nAll checks passed. Ready to join!")
			} else {
				f.Warning("\nSome checks failed.")
			}
			return nil
		},
	}
}
