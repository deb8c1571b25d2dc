package app

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/am-sokolov/liveroom-go/config"
	"github.com/am-sokolov/liveroom-go/pkg/artifactstore"
	"github.com/am-sokolov/liveroom-go/pkg/backendapi"
	"github.com/am-sokolov/liveroom-go/pkg/devices"
	"github.com/am-sokolov/liveroom-go/pkg/room"
)

// App holds the process-wide dependencies shared by CLI commands.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Backend room.BackendAPI

	// shutdown reuses the room's phased hooks for process teardown.
	shutdown *room.LifecycleHooks

	storeOnce sync.Once
	store     *artifactstore.Store
	storeErr  error
}

func New(cfg *config.Config) (*App, error) {
	logger, err := NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	client, err := backendapi.New(backendapi.Options{
		BaseURL: cfg.BackendURL,
		Token:   cfg.AuthToken,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Backend:  client,
		shutdown: room.NewLifecycleHooks(logger.Named("shutdown")),
	}
	if err := a.shutdown.AddHook(room.LeavePhaseFinal, room.NewLogFlushHook(logger)); err != nil {
		return nil, err
	}
	return a, nil
}

// NewLogger builds a zap logger from a level name and a json|console format.
func NewLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	var zc zap.Config
	if format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.DisableStacktrace = true
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

// Store opens the local artifact store on first use.
func (a *App) Store() (*artifactstore.Store, error) {
	a.storeOnce.Do(func() {
		a.store, a.storeErr = artifactstore.Open(a.Config.ArtifactDB)
		if a.storeErr != nil {
			return
		}
		a.storeErr = a.shutdown.AddHook(room.LeavePhaseDevices, room.LeaveHook{
			Name:    "artifact_store_close",
			Handler: func(context.Context) error { return a.store.Close() },
		})
	})
	return a.store, a.storeErr
}

// Archive returns the S3 archive, or nil when none is configured.
func (a *App) Archive() (room.ArchiveSink, error) {
	if !a.Config.S3.Enabled() {
		return nil, nil
	}
	archive, err := artifactstore.NewS3Archive(a.Config.S3, a.Logger)
	if err != nil {
		return nil, err
	}
	return archive, nil
}

// Identity is the local user as configured.
func (a *App) Identity() room.Identity {
	return room.Identity{
		UserID:        a.Config.UserID,
		DisplayName:   a.Config.DisplayName,
		Guest:         a.Config.Guest,
		Authenticated: a.Config.AuthToken != "" && !a.Config.Guest,
	}
}

// Transport returns the configured signaling transport. Nil selects the
// orchestrator's default poll transport. The orchestrator binds the session
// hooks through room.SessionWatcher either way.
func (a *App) Transport() room.Transport {
	if a.Config.Signaling != config.SignalingWebSocket {
		return nil
	}
	return room.NewWebSocketTransport(room.WebSocketOptions{
		URL:   a.Config.SignalingWSURL,
		Token: a.Config.AuthToken,
	}, a.Logger)
}

// RoomOptions are the per-join knobs the CLI exposes.
type RoomOptions struct {
	Session room.Session
	Role    room.Role
	Quality room.Quality

	// API and Identity override the configured backend and user.
	API      room.BackendAPI
	Identity *room.Identity
}

// NewOrchestrator wires an orchestrator for one session with real capture
// devices, pion peer connections, the local store and the archive.
func (a *App) NewOrchestrator(opts RoomOptions) (*room.Orchestrator, error) {
	quality := opts.Quality
	if quality == "" {
		quality = opts.Session.Recording.Quality
	}
	provider, err := devices.NewProvider(devices.Options{Quality: quality}, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("init capture devices: %w", err)
	}
	factory, err := room.NewPionFactory(room.PionOptions{
		ICEServers:     a.Config.ICEServers,
		RegisterCodecs: provider.PopulateMediaEngine,
	})
	if err != nil {
		return nil, err
	}
	store, err := a.Store()
	if err != nil {
		return nil, err
	}
	archive, err := a.Archive()
	if err != nil {
		return nil, err
	}

	api, identity, transport := a.Backend, a.Identity(), a.Transport()
	if opts.API != nil {
		// A substituted backend carries its own signal queue.
		api, transport = opts.API, nil
	}
	if opts.Identity != nil {
		identity = *opts.Identity
	}

	return room.NewOrchestrator(room.Options{
		Session:         opts.Session,
		Identity:        identity,
		Role:            opts.Role,
		API:             api,
		Devices:         provider,
		PeerFactory:     factory,
		Captures:        devices.NewCaptureFactory(a.Logger),
		Transport:       transport,
		ArtifactStore:   store,
		Archive:         archive,
		InviteBaseURL:   a.Config.InviteBaseURL,
		PollInterval:    a.Config.PollInterval,
		GracePeriod:     a.Config.ReconnectGrace,
		SegmentInterval: a.Config.SegmentInterval,
		UploadTimeout:   a.Config.UploadTimeout,
		Logger:          a.Logger,
	})
}

// Close runs the shutdown hooks: store close, then log flush.
func (a *App) Close(ctx context.Context) error {
	return a.shutdown.Run(ctx)
}
