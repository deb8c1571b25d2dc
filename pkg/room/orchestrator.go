package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// EventKind identifies an orchestrator event.
type EventKind string

const (
	EventParticipantJoined  EventKind = "participant_joined"
	EventParticipantLeft    EventKind = "participant_left"
	EventPeerStateChanged   EventKind = "peer_state_changed"
	EventRemoteTrack        EventKind = "remote_track"
	EventNegotiationFailed  EventKind = "negotiation_failed"
	EventScreenShareChanged EventKind = "screen_share_changed"
	EventRecordingChanged   EventKind = "recording_changed"
	EventRecordingFailed    EventKind = "recording_failed"
	EventStreamReplaced     EventKind = "stream_replaced"
	EventDeviceError        EventKind = "device_error"
	EventDegraded           EventKind = "degraded"
	EventSignalingDegraded  EventKind = "signaling_degraded"
	EventSignalingRecovered EventKind = "signaling_recovered"
	EventSessionChanged     EventKind = "session_changed"
	EventSessionGone        EventKind = "session_gone"
)

// Event is delivered to OnEvent listeners. Only the fields relevant to Kind are set.
type Event struct {
	Kind        EventKind
	PeerID      string
	Participant *Participant
	State       ConnectionState
	Active      bool
	Recording   RecordingState
	Status      SessionStatus
	Err         error
}

// Options wires an Orchestrator.
type Options struct {
	Session  Session
	Identity Identity
	Role     Role

	API         BackendAPI
	Devices     DeviceProvider
	PeerFactory PeerConnectionFactory
	Captures    CaptureFactory

	// Transport defaults to a PollTransport over API.
	Transport Transport

	ArtifactStore LocalArtifactStore
	Archive       ArchiveSink

	InviteBaseURL   string
	PollInterval    time.Duration
	GracePeriod     time.Duration
	SegmentInterval time.Duration
	UploadTimeout   time.Duration
	HookTimeout     time.Duration

	// PollRequestsPerSecond caps the default transport's poll rate.
	PollRequestsPerSecond float64

	Tickers   TickerFactory
	AfterFunc AfterFunc
	NewID     func() string
	Now       func() time.Time

	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Tickers == nil {
		o.Tickers = NewTicker
	}
	if o.HookTimeout <= 0 {
		o.HookTimeout = 5 * time.Second
	}
	return o
}

// Orchestrator is the composition root of one room membership. It mediates
// every user-facing action and owns teardown.
type Orchestrator struct {
	opts   Options
	logger *zap.Logger

	session   *SessionStateMachine
	media     *MediaCaptureManager
	screen    *ScreenShareManager
	signaling *SignalingChannel
	network   *NetworkHandler
	recorder  *RecordingEngine
	invites   *InviteManager
	roster    *Roster
	hooks     *LifecycleHooks

	// joinMu serializes Join and Leave.
	joinMu sync.Mutex

	mu            sync.RWMutex
	joined        bool
	membership    uint64
	self          Participant
	peers         *PeerPool
	degraded      error
	view          View
	backendJoined bool
	joinCancel    context.CancelFunc
	listeners     []func(Event)
}

// NewOrchestrator validates opts and builds the per-session managers.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	opts = opts.withDefaults()
	if opts.API == nil {
		return nil, errors.New("room: backend API is required")
	}
	if opts.PeerFactory == nil {
		return nil, errors.New("room: peer connection factory is required")
	}
	if !opts.Role.Valid() {
		return nil, ErrNotPermitted.withMessage(fmt.Sprintf("unknown role %q", opts.Role))
	}
	if opts.Session.ID == "" {
		return nil, ErrInvalidSession
	}

	logger := opts.Logger.With(zap.String("session", opts.Session.ID), zap.String("role", string(opts.Role)))
	o := &Orchestrator{
		opts:    opts,
		logger:  logger.Named("room"),
		session: NewSessionStateMachine(opts.Session, opts.API, logger),
		media:   NewMediaCaptureManager(opts.Devices, logger),
		screen:  NewScreenShareManager(opts.Devices, logger),
		recorder: NewRecordingEngine(RecordingEngineOptions{
			API:           opts.API,
			Captures:      opts.Captures,
			Store:         opts.ArtifactStore,
			Archive:       opts.Archive,
			UploadTimeout: opts.UploadTimeout,
			Tickers:       opts.Tickers,
			Now:           opts.Now,
		}, logger),
		invites: NewInviteManager(opts.API, opts.Session.ID, opts.InviteBaseURL, logger),
		roster:  NewRoster(),
		hooks:   NewLifecycleHooks(logger.Named("hooks")),
		view:    ViewCamera,
	}
	o.invites.SetClock(opts.Now)

	transport := opts.Transport
	if transport == nil {
		transport = NewPollTransport(opts.API, PollOptions{
			Interval:          opts.PollInterval,
			RequestsPerSecond: opts.PollRequestsPerSecond,
			OnDegraded:        func(err error) { o.emit(Event{Kind: EventSignalingDegraded, Err: err}) },
			Tickers:           opts.Tickers,
		}, logger)
	}
	if w, ok := transport.(SessionWatcher); ok {
		w.WatchSession(o.session.IsActive, func() { o.emit(Event{Kind: EventSessionGone}) })
	}
	if n, ok := transport.(interface{ Network() *NetworkHandler }); ok {
		o.network = n.Network()
		o.network.OnRecovered(o.onSignalingRecovered)
	}
	o.signaling = NewSignalingChannel(transport, logger)

	o.session.OnTransition(func(from, to SessionStatus) {
		o.emit(Event{Kind: EventSessionChanged, Status: to})
	})
	o.screen.OnChange(o.onScreenShareChanged)
	o.media.OnStreamReplaced(o.onStreamReplaced)
	o.recorder.OnError(func(err error) {
		o.emit(Event{Kind: EventRecordingFailed, Err: err, Recording: o.recorder.State()})
	})
	return o, nil
}

// OnEvent registers fn for orchestrator events. fn must not block.
func (o *Orchestrator) OnEvent(fn func(Event)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, fn)
}

func (o *Orchestrator) emit(ev Event) {
	o.mu.RLock()
	listeners := append([]func(Event){}, o.listeners...)
	o.mu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// Join runs the join sequence: capacity check, room, local media, signaling,
// backend registration and then negotiation with the peers already present.
// Any failure tears down whatever was set up.
func (o *Orchestrator) Join(ctx context.Context) (err error) {
	o.joinMu.Lock()
	defer o.joinMu.Unlock()

	o.mu.RLock()
	joined := o.joined
	o.mu.RUnlock()
	if joined {
		return ErrAlreadyJoined
	}
	if !o.session.IsActive() {
		return ErrInvalidSession
	}
	sessionID := o.session.Session().ID
	role := o.opts.Role

	present, listErr := o.opts.API.ListParticipants(ctx, sessionID)
	if listErr != nil {
		o.logger.Warn("participant list unavailable, capacity enforced by backend only", zap.Error(listErr))
	}
	if err := CheckCapacity(o.session.Session().MaxParticipants, role, present); err != nil {
		o.logger.Info("join refused, session at capacity", zap.Int("max", o.session.Session().MaxParticipants))
		return err
	}

	joinCtx, cancel := context.WithCancel(context.Background())
	self := Participant{
		ID:              o.opts.NewID(),
		UserID:          o.opts.Identity.UserID,
		DisplayName:     o.opts.Identity.DisplayName,
		Guest:           o.opts.Identity.Guest,
		Role:            role,
		JoinedAt:        o.opts.Now().UTC(),
		ConnectionState: ConnectionConnected,
	}
	pool := NewPeerPool(PeerPoolOptions{
		Factory:     o.opts.PeerFactory,
		Send:        o.signaling.SendNegotiation,
		SelfID:      self.ID,
		GracePeriod: o.opts.GracePeriod,
		AfterFunc:   o.opts.AfterFunc,
	}, o.logger)
	pool.OnStateChange(o.onPeerState)
	pool.OnPeerLost(o.onPeerLost)
	pool.OnRemoteTrack(func(peerID string, t RemoteTrack) {
		o.emit(Event{Kind: EventRemoteTrack, PeerID: peerID})
	})

	o.mu.Lock()
	o.self = self
	o.peers = pool
	o.joinCancel = cancel
	o.degraded = nil
	o.backendJoined = false
	o.mu.Unlock()

	o.registerLeaveHooks(pool, cancel)
	defer func() {
		if err != nil {
			o.logger.Warn("join failed, tearing down", zap.Error(err))
			if terr := o.teardown(ctx); terr != nil {
				o.logger.Warn("teardown after failed join", zap.Error(terr))
			}
		}
	}()

	if _, roomErr := o.session.EnsureRoom(ctx); roomErr != nil {
		o.mu.Lock()
		o.degraded = roomErr
		o.mu.Unlock()
		o.emit(Event{Kind: EventDegraded, Err: roomErr})
	}

	if role.CapturesMedia() {
		stream, err := o.media.Acquire(ctx, ConstraintsFor(o.session.Session().Recording.Quality))
		if err != nil {
			return err
		}
		pool.SetLocalTracks(localOf(VideoTrack(stream)), localOf(AudioTrack(stream)))
	}

	unsubscribe := []func(){
		o.signaling.On(SignalUserJoined, func(sig Signal) { o.onUserJoined(joinCtx, sig) }),
		o.signaling.On(SignalUserLeft, o.onUserLeft),
		o.signaling.On(SignalWebRTC, func(sig Signal) { o.onNegotiation(joinCtx, sig) }),
	}
	_ = o.hooks.AddHook(LeavePhaseNetwork, LeaveHook{
		Name:     "signaling_unsubscribe",
		Priority: 40,
		Timeout:  o.opts.HookTimeout,
		Handler: func(context.Context) error {
			for _, fn := range unsubscribe {
				fn()
			}
			return nil
		},
	})

	if err := o.signaling.Connect(ctx, sessionID, self); err != nil {
		return err
	}
	if err := o.signaling.AnnounceJoined(ctx); err != nil {
		return err
	}

	if role.AutoJoinsBackend(o.opts.Identity.Authenticated) {
		if _, err := o.opts.API.JoinSession(ctx, sessionID, role); err != nil {
			return fmt.Errorf("join session: %w", err)
		}
		o.mu.Lock()
		o.backendJoined = true
		o.mu.Unlock()
	}

	if w, ok := o.opts.Devices.(DeviceWatcher); ok && role.CapturesMedia() {
		stop := w.WatchDevices(func() { go o.recoverDevices(joinCtx) })
		_ = o.hooks.AddHook(LeavePhaseDevices, LeaveHook{
			Name:     "device_watch_stop",
			Priority: 5,
			Timeout:  o.opts.HookTimeout,
			Handler:  func(context.Context) error { stop(); return nil },
		})
	}

	o.mu.Lock()
	o.joined = true
	o.mu.Unlock()
	o.logger.Info("joined room", zap.String("self", self.ID), zap.Bool("degraded", o.Degraded() != nil))

	sess := o.session.Session()
	if sess.Recording.AutoRecord && role.CanRecord() && o.Degraded() == nil {
		if err := o.StartRecording(ctx); err != nil {
			o.logger.Warn("auto-record failed", zap.Error(err))
			o.emit(Event{Kind: EventRecordingFailed, Err: err})
		}
	}
	return nil
}

// registerLeaveHooks installs the teardown steps of one membership, the
// inverse of the join sequence.
func (o *Orchestrator) registerLeaveHooks(pool *PeerPool, cancel context.CancelFunc) {
	timeout := o.opts.HookTimeout
	add := func(phase LeavePhase, name string, priority int, fn func(context.Context) error) {
		_ = o.hooks.AddHook(phase, LeaveHook{Name: name, Priority: priority, Timeout: timeout, Handler: fn})
	}

	add(LeavePhaseCapture, "recording_stop", 10, func(ctx context.Context) error {
		if !o.recorder.IsRecording() {
			return nil
		}
		_, err := o.recorder.Stop(ctx)
		return err
	})
	add(LeavePhaseCapture, "screen_share_stop", 20, func(context.Context) error {
		o.screen.Stop()
		return nil
	})

	add(LeavePhaseNetwork, "peers_close", 10, func(context.Context) error {
		cancel()
		return pool.Close()
	})
	add(LeavePhaseNetwork, "backend_leave", 20, func(ctx context.Context) error {
		o.mu.Lock()
		joined := o.backendJoined
		o.backendJoined = false
		o.mu.Unlock()
		if !joined {
			return nil
		}
		return o.opts.API.LeaveSession(ctx, o.session.Session().ID)
	})
	add(LeavePhaseNetwork, "announce_left", 30, func(ctx context.Context) error {
		if !o.signaling.Connected() || !o.session.IsActive() {
			return nil
		}
		err := o.signaling.AnnounceLeft(ctx)
		if errors.Is(err, ErrInvalidSession) || errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	})
	add(LeavePhaseNetwork, "signaling_disconnect", 50, func(context.Context) error {
		return o.signaling.Disconnect()
	})

	add(LeavePhaseDevices, "media_release", 10, func(context.Context) error {
		o.media.Release()
		return nil
	})

	add(LeavePhaseFinal, "roster_clear", 100, func(context.Context) error {
		o.roster.Clear()
		return nil
	})
}

// Leave tears the membership down. Every step runs even if earlier steps
// fail; failures are returned joined. Calling Leave when not joined is a no-op.
func (o *Orchestrator) Leave(ctx context.Context) error {
	o.joinMu.Lock()
	defer o.joinMu.Unlock()
	return o.teardown(ctx)
}

func (o *Orchestrator) teardown(ctx context.Context) error {
	o.mu.Lock()
	wasJoined := o.joined
	o.joined = false
	o.membership++
	o.view = ViewCamera
	o.mu.Unlock()

	err := o.hooks.Run(ctx)
	o.hooks.Clear()
	if wasJoined {
		o.logger.Info("left room", zap.Bool("clean", err == nil))
	}
	return err
}

// Joined reports whether the local participant is in the room.
func (o *Orchestrator) Joined() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.joined
}

func (o *Orchestrator) requireJoined() error {
	_, err := o.currentMembership()
	return err
}

// currentMembership identifies the running membership. Leave advances it
// before any teardown step runs.
func (o *Orchestrator) currentMembership() (uint64, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if !o.joined {
		return 0, ErrNotJoined
	}
	return o.membership, nil
}

func (o *Orchestrator) stillMember(m uint64) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.joined && o.membership == m
}

// Self returns the local participant entry.
func (o *Orchestrator) Self() Participant {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.self
}

func (o *Orchestrator) pool() *PeerPool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.peers
}

func participantFromSignal(sig Signal) Participant {
	role := sig.Role
	if !role.Valid() {
		role = RoleParticipant
	}
	return Participant{
		ID:          sig.From,
		UserID:      sig.UserID,
		DisplayName: sig.DisplayName,
		Guest:       sig.UserID == "",
		Role:        role,
		JoinedAt:    sig.CreatedAt,
	}
}

// onUserJoined handles both a newcomer's broadcast, answered with a directed
// greeting, and a greeting addressed to us, answered with an offer. Only the
// newcomer initiates, so established peers never offer to each other.
func (o *Orchestrator) onUserJoined(ctx context.Context, sig Signal) {
	p := participantFromSignal(sig)
	_, known := o.roster.Get(p.ID)
	o.roster.Upsert(p)
	if !known {
		o.emit(Event{Kind: EventParticipantJoined, PeerID: p.ID, Participant: &p})
	}

	if sig.To == "" {
		if err := o.signaling.Greet(ctx, sig.From); err != nil {
			o.logger.Warn("greeting failed", zap.String("peer", sig.From), zap.Error(err))
		}
		return
	}
	if err := o.connectPeers(ctx, []string{sig.From}); err != nil {
		o.logger.Warn("negotiation failed", zap.String("peer", sig.From), zap.Error(err))
	}
}

func (o *Orchestrator) onUserLeft(sig Signal) {
	if pool := o.pool(); pool != nil {
		_ = pool.RemovePeer(sig.From)
	}
	if o.roster.Remove(sig.From) {
		o.emit(Event{Kind: EventParticipantLeft, PeerID: sig.From})
	}
}

func (o *Orchestrator) onNegotiation(ctx context.Context, sig Signal) {
	if sig.Payload == nil {
		return
	}
	if _, ok := o.roster.Get(sig.From); !ok {
		p := participantFromSignal(sig)
		o.roster.Upsert(p)
		o.emit(Event{Kind: EventParticipantJoined, PeerID: p.ID, Participant: &p})
	}
	pool := o.pool()
	if pool == nil {
		return
	}
	if err := pool.HandleNegotiation(ctx, sig.From, *sig.Payload); err != nil {
		o.logger.Warn("negotiation message rejected",
			zap.String("peer", sig.From),
			zap.String("type", string(sig.Payload.Type)),
			zap.Error(err))
		o.emit(Event{Kind: EventNegotiationFailed, PeerID: sig.From, Err: err})
	}
}

// connectPeers offers to every peer in ids concurrently. Each failure is
// reported as an event; the joined error is returned.
func (o *Orchestrator) connectPeers(ctx context.Context, ids []string) error {
	pool := o.pool()
	if pool == nil {
		return ErrNotJoined
	}
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := pool.AddPeer(ctx, id, NegotiationInitiator); err != nil {
				o.emit(Event{Kind: EventNegotiationFailed, PeerID: id, Err: err})
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Reconnect re-offers to every roster entry that has no connection, e.g.
// one whose offer could not be sent while signaling was down. It also runs
// on its own whenever a degraded signaling transport recovers.
func (o *Orchestrator) Reconnect(ctx context.Context) error {
	if err := o.requireJoined(); err != nil {
		return err
	}
	pool := o.pool()
	var missing []string
	for _, p := range o.roster.List() {
		if _, ok := pool.PeerState(p.ID); !ok {
			missing = append(missing, p.ID)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	o.logger.Info("re-attempting negotiation", zap.Int("peers", len(missing)))
	return o.connectPeers(ctx, missing)
}

// onSignalingRecovered runs on the goroutine that recorded the recovering
// success, usually the transport's own loop.
func (o *Orchestrator) onSignalingRecovered() {
	o.emit(Event{Kind: EventSignalingRecovered})
	if err := o.Reconnect(context.Background()); err != nil && !errors.Is(err, ErrNotJoined) {
		o.logger.Warn("re-offer after signaling recovery failed", zap.Error(err))
	}
}

// SignalingPartitioned reports whether the signaling transport is degraded
// or has been silent past its partition timeout. Transports without a
// health tracker are never reported partitioned.
func (o *Orchestrator) SignalingPartitioned() bool {
	return o.network != nil && o.network.DetectNetworkPartition()
}

func (o *Orchestrator) onPeerState(peerID string, state ConnectionState) {
	o.roster.SetConnectionState(peerID, state)
	o.emit(Event{Kind: EventPeerStateChanged, PeerID: peerID, State: state})
}

func (o *Orchestrator) onPeerLost(peerID string) {
	if o.roster.Remove(peerID) {
		o.emit(Event{Kind: EventParticipantLeft, PeerID: peerID, State: ConnectionFailed})
	}
}

func localOf(t Track) webrtc.TrackLocal {
	if t == nil {
		return nil
	}
	return t.Local()
}

func (o *Orchestrator) onScreenShareChanged(active bool, track Track) {
	o.mu.Lock()
	if active {
		o.view = ViewScreen
	} else {
		o.view = ViewCamera
	}
	pool := o.peers
	o.mu.Unlock()

	if pool != nil {
		next := localOf(track)
		if !active {
			next = localOf(VideoTrack(o.media.Stream()))
		}
		if err := pool.ReplaceVideoTrack(next); err != nil {
			o.logger.Warn("screen share handoff incomplete", zap.Error(err))
		}
	}
	o.emit(Event{Kind: EventScreenShareChanged, Active: active})
}

func (o *Orchestrator) onStreamReplaced(old, replacement Stream) {
	if pool := o.pool(); pool != nil {
		if !o.screen.IsActive() {
			if err := pool.ReplaceVideoTrack(localOf(VideoTrack(replacement))); err != nil {
				o.logger.Warn("replace video after device change", zap.Error(err))
			}
		}
		if err := pool.ReplaceAudioTrack(localOf(AudioTrack(replacement))); err != nil {
			o.logger.Warn("replace audio after device change", zap.Error(err))
		}
	}
	o.emit(Event{Kind: EventStreamReplaced})
}

func (o *Orchestrator) recoverDevices(ctx context.Context) {
	if _, err := o.media.RecoverDevices(ctx); err != nil {
		o.logger.Warn("device recovery failed", zap.Error(err))
		o.emit(Event{Kind: EventDeviceError, Err: err})
	}
}

// RecoverDevices runs the device-change recovery path on demand.
func (o *Orchestrator) RecoverDevices(ctx context.Context) (bool, error) {
	return o.media.RecoverDevices(ctx)
}

// ToggleVideo flips camera enablement.
func (o *Orchestrator) ToggleVideo() (bool, error) { return o.media.ToggleVideo() }

// ToggleAudio flips microphone enablement.
func (o *Orchestrator) ToggleAudio() (bool, error) { return o.media.ToggleAudio() }

// LocalMedia returns the local capture state.
func (o *Orchestrator) LocalMedia() LocalMediaState { return o.media.State() }

// ToggleScreenShare starts sharing, or stops an active share.
func (o *Orchestrator) ToggleScreenShare(ctx context.Context) (bool, error) {
	m, err := o.currentMembership()
	if err != nil {
		return false, err
	}
	if !o.opts.Role.CanScreenShare() {
		return false, ErrNotPermitted
	}
	if !o.session.Session().Flags.AllowScreenShare && !o.opts.Role.CanControlSession() {
		return false, ErrNotPermitted.withMessage("screen sharing is disabled for this session")
	}
	active, err := o.screen.Start(ctx, ScreenShareOptions{Quality: QualityFullHD})
	if err != nil {
		return false, err
	}
	if !o.stillMember(m) {
		if active {
			o.screen.Stop()
		}
		return false, ErrNotJoined
	}
	return active, nil
}

// MainView returns which local source is in focus.
func (o *Orchestrator) MainView() View {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.view
}

// StartRecording records the local stream, acquiring media first if the
// local participant has none yet.
func (o *Orchestrator) StartRecording(ctx context.Context) error {
	m, err := o.currentMembership()
	if err != nil {
		return err
	}
	if !o.opts.Role.CanRecord() {
		return ErrNotPermitted
	}

	stream := o.media.Stream()
	if stream == nil {
		stream, err = o.media.Acquire(ctx, ConstraintsFor(o.session.Session().Recording.Quality))
		// Leave releases the stream itself once it has advanced the membership.
		if !o.stillMember(m) {
			return ErrNotJoined
		}
		if err != nil {
			return err
		}
		if pool := o.pool(); pool != nil {
			pool.SetLocalTracks(localOf(VideoTrack(stream)), localOf(AudioTrack(stream)))
		}
	}

	sess := o.session.Session()
	if err := o.recorder.Start(ctx, stream, RecordingOptions{
		SessionID:       sess.ID,
		Quality:         sess.Recording.Quality,
		SegmentInterval: o.opts.SegmentInterval,
	}); err != nil {
		return err
	}
	if !o.stillMember(m) {
		if _, err := o.recorder.Stop(ctx); err != nil {
			o.logger.Warn("stop recording started during leave", zap.Error(err))
		}
		return ErrNotJoined
	}
	o.emit(Event{Kind: EventRecordingChanged, Recording: RecordingActive})
	return nil
}

// PauseRecording pauses the active recording.
func (o *Orchestrator) PauseRecording() error {
	if !o.opts.Role.CanRecord() {
		return ErrNotPermitted
	}
	if err := o.recorder.Pause(); err != nil {
		return err
	}
	o.emit(Event{Kind: EventRecordingChanged, Recording: RecordingPaused})
	return nil
}

// ResumeRecording resumes a paused recording.
func (o *Orchestrator) ResumeRecording() error {
	if !o.opts.Role.CanRecord() {
		return ErrNotPermitted
	}
	if err := o.recorder.Resume(); err != nil {
		return err
	}
	o.emit(Event{Kind: EventRecordingChanged, Recording: RecordingActive})
	return nil
}

// StopRecording stops recording and returns the assembled artifact.
func (o *Orchestrator) StopRecording(ctx context.Context) (*Artifact, error) {
	if !o.opts.Role.CanRecord() {
		return nil, ErrNotPermitted
	}
	a, err := o.recorder.Stop(ctx)
	if err != nil {
		return nil, err
	}
	o.emit(Event{Kind: EventRecordingChanged, Recording: RecordingStopped})
	return a, nil
}

// RetryUpload uploads the last artifact again after a failed upload.
func (o *Orchestrator) RetryUpload(ctx context.Context) (*RecordingInfo, error) {
	return o.recorder.RetryUpload(ctx)
}

// IsRecording reports the local engine's state, which is authoritative over
// the session's isRecording mirror.
func (o *Orchestrator) IsRecording() bool { return o.recorder.IsRecording() }

// RecordingDuration returns the seconds recorded so far.
func (o *Orchestrator) RecordingDuration() int { return o.recorder.Duration() }

// CreateInvite issues an invite for the session.
func (o *Orchestrator) CreateInvite(ctx context.Context, role Role, expiresInHours, maxUses int) (*Invite, string, error) {
	if !o.opts.Role.CanInvite() {
		return nil, "", ErrNotPermitted
	}
	inv, err := o.invites.Generate(ctx, role, expiresInHours, maxUses)
	if err != nil {
		return nil, "", err
	}
	return inv, o.invites.URL(inv.Code), nil
}

// RevokeInvite revokes an invite.
func (o *Orchestrator) RevokeInvite(ctx context.Context, inviteID string) error {
	if !o.opts.Role.CanInvite() {
		return ErrNotPermitted
	}
	return o.invites.Revoke(ctx, inviteID)
}

// ListInvites lists the session's invites.
func (o *Orchestrator) ListInvites(ctx context.Context) ([]Invite, error) {
	if !o.opts.Role.CanInvite() {
		return nil, ErrNotPermitted
	}
	return o.invites.List(ctx)
}

// StartSession moves the session live.
func (o *Orchestrator) StartSession(ctx context.Context) error {
	if !o.opts.Role.CanControlSession() {
		return ErrNotPermitted
	}
	return o.session.Start(ctx)
}

// PauseSession pauses a live session.
func (o *Orchestrator) PauseSession(ctx context.Context) error {
	if !o.opts.Role.CanControlSession() {
		return ErrNotPermitted
	}
	return o.session.Pause(ctx)
}

// ResumeSession resumes a paused session.
func (o *Orchestrator) ResumeSession(ctx context.Context) error {
	if !o.opts.Role.CanControlSession() {
		return ErrNotPermitted
	}
	return o.session.Resume(ctx)
}

// EndSession ends the session and leaves the room.
func (o *Orchestrator) EndSession(ctx context.Context) error {
	if !o.opts.Role.CanControlSession() {
		return ErrNotPermitted
	}
	if err := o.session.End(ctx); err != nil {
		return err
	}
	return o.Leave(ctx)
}

// CancelSession cancels the session and leaves the room.
func (o *Orchestrator) CancelSession(ctx context.Context) error {
	if !o.opts.Role.CanControlSession() {
		return ErrNotPermitted
	}
	if err := o.session.Cancel(ctx); err != nil {
		return err
	}
	return o.Leave(ctx)
}

// Session returns the current session record.
func (o *Orchestrator) Session() Session { return o.session.Session() }

// SessionState exposes the lifecycle state machine.
func (o *Orchestrator) SessionState() *SessionStateMachine { return o.session }

// Participants returns the local participant followed by the remote roster.
func (o *Orchestrator) Participants() []Participant {
	if !o.Joined() {
		return nil
	}
	return append([]Participant{o.Self()}, o.roster.List()...)
}

// RemoteStreams returns the received tracks keyed by peer id.
func (o *Orchestrator) RemoteStreams() map[string]RemoteStream {
	pool := o.pool()
	if pool == nil || !o.Joined() {
		return map[string]RemoteStream{}
	}
	return pool.RemoteStreams()
}

// Degraded returns the room creation failure, if the session runs without
// a media room.
func (o *Orchestrator) Degraded() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.degraded
}

// AddLeaveHook registers an extra teardown step for the current membership.
func (o *Orchestrator) AddLeaveHook(phase LeavePhase, hook LeaveHook) error {
	return o.hooks.AddHook(phase, hook)
}
