package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/am-sokolov/liveroom-go/internal/output"
	"github.com/am-sokolov/liveroom-go/pkg/devices"
	"github.com/am-sokolov/liveroom-go/pkg/room"
)

func NewRecordingsCmd(deps *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recordings",
		Short: "Manage locally kept recordings",
	}
	cmd.AddCommand(newRecordingsListCmd(deps))
	cmd.AddCommand(newRecordingsRetryCmd(deps))
	cmd.AddCommand(newRecordingsPruneCmd(deps))
	cmd.AddCommand(newRecordingsExportCmd(deps))
	return cmd
}

func newRecordingsListCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recordings waiting for upload",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := deps.App.Store()
			if err != nil {
				return err
			}
			pending, err := store.Pending(cmd.Context())
			if err != nil {
				return err
			}
			f := output.NewFormatter(os.Stdout)
			if len(pending) == 0 {
				f.Info("No recordings waiting for upload")
				return nil
			}
			for _, a := range pending {
				f.PendingArtifact(a)
			}
			return nil
		},
	}
}

func newRecordingsRetryCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [artifact-id]",
		Short: "Upload recordings that failed to upload",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := deps.App.Store()
			if err != nil {
				return err
			}
			var artifacts []*room.Artifact
			if len(args) == 1 {
				a, err := store.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				artifacts = append(artifacts, a)
			} else if artifacts, err = store.Pending(cmd.Context()); err != nil {
				return err
			}

			f := output.NewFormatter(os.Stdout)
			uploaded, errs := retryUploads(cmd.Context(), deps, artifacts)
			f.Info(fmt.Sprintf("%d of %d recordings uploaded", uploaded, len(artifacts)))
			return errors.Join(errs...)
		},
	}
}

func retryUploads(ctx context.Context, deps *Dependencies, artifacts []*room.Artifact) (int, []error) {
	store, err := deps.App.Store()
	if err != nil {
		return 0, []error{err}
	}
	var (
		uploaded int
		errs     []error
	)
	for _, a := range artifacts {
		if a.Uploaded {
			continue
		}
		uctx, cancel := context.WithTimeout(ctx, deps.Config.UploadTimeout)
		info, err := room.UploadArtifact(uctx, deps.App.Backend, a)
		cancel()
		if err != nil {
			deps.App.Logger.Warn("retry upload failed", zap.String("artifact", a.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", a.ID, err))
			continue
		}
		if err := store.MarkUploaded(ctx, a.ID, info); err != nil {
			errs = append(errs, err)
			continue
		}
		uploaded++
	}
	return uploaded, errs
}

func newRecordingsPruneCmd(deps *Dependencies) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete local copies of uploaded recordings",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := deps.App.Store()
			if err != nil {
				return err
			}
			n, err := store.Prune(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			output.NewFormatter(os.Stdout).Success(fmt.Sprintf("Removed %d recordings", n))
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Only remove recordings older than this")

	return cmd
}

func newRecordingsExportCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "export <artifact-id> [dir]",
		Short: "Write a kept recording out as playable IVF and Ogg files",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := deps.App.Store()
			if err != nil {
				return err
			}
			a, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			dir := "."
			if len(args) == 2 {
				dir = args[1]
			}
			files, err := exportArtifact(a, dir)
			if err != nil {
				return err
			}
			f := output.NewFormatter(os.Stdout)
			for _, name := range files {
				f.Success("Wrote " + name)
			}
			return nil
		},
	}
}

// exportArtifact splits a into its tracks and writes one file per track.
func exportArtifact(a *room.Artifact, dir string) ([]string, error) {
	video, audio, err := devices.SplitAV(a.Data, a.MimeType)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", a.ID, err)
	}
	var files []string
	for _, track := range []struct {
		ext  string
		data []byte
	}{{".ivf", video}, {".ogg", audio}} {
		if len(track.data) == 0 {
			continue
		}
		name := filepath.Join(dir, a.ID+track.ext)
		if err := os.WriteFile(name, track.data, 0o644); err != nil {
			return files, fmt.Errorf("export %s: %w", a.ID, err)
		}
		files = append(files, name)
	}
	return files, nil
}
