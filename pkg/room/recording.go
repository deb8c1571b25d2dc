package room

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RecordingState is the lifecycle state of a RecordingEngine.
type RecordingState string

const (
	RecordingIdle    RecordingState = "idle"
	RecordingActive  RecordingState = "recording"
	RecordingPaused  RecordingState = "paused"
	RecordingStopped RecordingState = "stopped"
)

// Segment is one fixed-interval chunk of captured media.
type Segment struct {
	Index      int
	Data       []byte
	CapturedAt time.Time
}

// Artifact is an assembled recording. Data is immutable once assembled.
type Artifact struct {
	ID              string
	SessionID       string
	Data            []byte
	MimeType        string
	Format          string
	Quality         Quality
	DurationSeconds int
	RecordedAt      time.Time

	// Uploaded is set once the backend accepted the artifact.
	Uploaded   bool
	Remote     *RecordingInfo
	ArchiveURL string

	// Failed carries the capture error when the recording was aborted.
	Failed error
}

// Size returns the artifact size in bytes.
func (a *Artifact) Size() int { return len(a.Data) }

// FileName is the name the artifact is uploaded under.
func (a *Artifact) FileName() string {
	return fmt.Sprintf("recording-%s-%s.%s", a.SessionID, a.RecordedAt.UTC().Format("20060102T150405Z"), a.Format)
}

// Capture produces encoded media for one recording. Flush returns what was
// captured since the previous flush. After Close, one more Flush returns the
// remainder including any container trailer.
type Capture interface {
	Flush() ([]byte, error)
	Pause() error
	Resume() error
	Close() error
	MimeType() string
}

// CaptureFactory starts capturing stream.
type CaptureFactory func(stream Stream, opts RecordingOptions) (Capture, error)

// LocalArtifactStore keeps assembled artifacts on disk so failed uploads
// survive a restart.
type LocalArtifactStore interface {
	Save(ctx context.Context, a *Artifact) error
	MarkUploaded(ctx context.Context, id string, info *RecordingInfo) error
}

// ArchiveSink copies an artifact to long-term storage and returns its location.
type ArchiveSink interface {
	Archive(ctx context.Context, a *Artifact) (string, error)
}

// RecordingOptions configures one recording.
type RecordingOptions struct {
	SessionID string
	Quality   Quality

	// SegmentInterval is the flush cadence. Defaults to 5s.
	SegmentInterval time.Duration
}

func (o RecordingOptions) withDefaults() RecordingOptions {
	if o.SegmentInterval <= 0 {
		o.SegmentInterval = 5 * time.Second
	}
	if o.Quality == "" {
		o.Quality = QualityHD
	}
	return o
}

// RecordingEngineOptions wires a RecordingEngine.
type RecordingEngineOptions struct {
	API      RecordingAPI
	Captures CaptureFactory

	// Store and Archive are optional sinks.
	Store   LocalArtifactStore
	Archive ArchiveSink

	// UploadTimeout bounds a single upload attempt. Defaults to 2m.
	UploadTimeout time.Duration

	Tickers TickerFactory
	Now     func() time.Time
}

// recordingRun is the set of background loops of one recording stretch
// between start/resume and pause/stop.
type recordingRun struct {
	stop chan struct{}
	once sync.Once
}

func (r *recordingRun) halt() { r.once.Do(func() { close(r.stop) }) }

// RecordingEngine captures a local stream into segments, assembles them into
// one artifact and uploads it. The engine's own state is the source of truth
// for whether the session is being recorded.
type RecordingEngine struct {
	opts   RecordingEngineOptions
	logger *zap.Logger

	// opMu serializes Start, Pause, Resume and Stop.
	opMu sync.Mutex

	mu        sync.Mutex
	state     RecordingState
	rec       RecordingOptions
	capture   Capture
	segments  []Segment
	duration  int
	startedAt time.Time
	artifact  *Artifact
	run       *recordingRun
	wg        sync.WaitGroup
	onError   []func(err error)
}

// NewRecordingEngine creates an idle engine.
func NewRecordingEngine(opts RecordingEngineOptions, logger *zap.Logger) *RecordingEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Tickers == nil {
		opts.Tickers = NewTicker
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 2 * time.Minute
	}
	return &RecordingEngine{opts: opts, logger: logger.Named("recording"), state: RecordingIdle}
}

// OnError registers fn for failures that abort a recording in the background.
func (e *RecordingEngine) OnError(fn func(err error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onError = append(e.onError, fn)
}

// State returns the current recording state.
func (e *RecordingEngine) State() RecordingState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsRecording reports whether a recording is in progress, paused or not.
func (e *RecordingEngine) IsRecording() bool {
	s := e.State()
	return s == RecordingActive || s == RecordingPaused
}

// Duration returns the whole seconds spent in the recording state.
func (e *RecordingEngine) Duration() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.duration
}

// Segments returns a copy of the captured segments.
func (e *RecordingEngine) Segments() []Segment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Segment(nil), e.segments...)
}

// Artifact returns the assembled artifact, or nil before Stop.
func (e *RecordingEngine) Artifact() *Artifact {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.artifact
}

// Start begins recording stream. It fails with ErrNoStream when stream has no
// live track and ErrAlreadyRecording while a recording is in progress.
func (e *RecordingEngine) Start(ctx context.Context, stream Stream, opts RecordingOptions) error {
	if stream == nil || LiveTrackCount(stream) == 0 {
		return ErrNoStream
	}
	opts = opts.withDefaults()

	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.state == RecordingActive || e.state == RecordingPaused {
		e.mu.Unlock()
		return ErrAlreadyRecording
	}
	e.mu.Unlock()
	// Loops of an aborted recording may still be exiting.
	e.wg.Wait()

	if e.opts.Captures == nil {
		return ErrRecordingFailure.withMessage("no capture backend configured")
	}
	capture, err := e.opts.Captures(stream, opts)
	if err != nil {
		return ErrRecordingFailure.wrap(err)
	}

	e.mu.Lock()
	e.state = RecordingActive
	e.rec = opts
	e.capture = capture
	e.segments = nil
	e.duration = 0
	e.startedAt = e.opts.Now()
	e.artifact = nil
	e.startLoopsLocked()
	e.mu.Unlock()

	e.logger.Info("recording started",
		zap.String("session", opts.SessionID),
		zap.String("quality", string(opts.Quality)),
		zap.Int("bitrate", RecordingBitrate(opts.Quality)),
		zap.Duration("segmentInterval", opts.SegmentInterval))

	if e.opts.API != nil && opts.SessionID != "" {
		if err := e.opts.API.NotifyRecordingStarted(ctx, opts.SessionID); err != nil {
			e.logger.Warn("recording start notification failed", zap.Error(err))
		}
	}
	return nil
}

// Pause stops the duration counter and the segment timer together.
func (e *RecordingEngine) Pause() error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.state != RecordingActive {
		e.mu.Unlock()
		return ErrNotRecording
	}
	e.state = RecordingPaused
	run, capture := e.run, e.capture
	e.mu.Unlock()

	run.halt()
	e.wg.Wait()
	if err := capture.Pause(); err != nil {
		e.logger.Warn("capture pause failed", zap.Error(err))
	}
	e.logger.Info("recording paused", zap.Int("duration", e.Duration()))
	return nil
}

// Resume restarts the duration counter and the segment timer.
func (e *RecordingEngine) Resume() error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.state != RecordingPaused {
		e.mu.Unlock()
		return ErrNotRecording
	}
	capture := e.capture
	e.mu.Unlock()

	if err := capture.Resume(); err != nil {
		return ErrRecordingFailure.wrap(err)
	}

	e.mu.Lock()
	e.state = RecordingActive
	e.startLoopsLocked()
	e.mu.Unlock()
	e.logger.Info("recording resumed")
	return nil
}

// startLoopsLocked launches the duration counter and segment loops.
func (e *RecordingEngine) startLoopsLocked() {
	run := &recordingRun{stop: make(chan struct{})}
	e.run = run
	counter := e.opts.Tickers(time.Second)
	segmenter := e.opts.Tickers(e.rec.SegmentInterval)

	e.wg.Add(2)
	go e.countLoop(run, counter)
	go e.segmentLoop(run, segmenter)
}

func (e *RecordingEngine) countLoop(run *recordingRun, t Ticker) {
	defer e.wg.Done()
	defer t.Stop()
	for {
		select {
		case <-run.stop:
			return
		case <-t.C():
			// A tick already received counts even when a pause is pending.
			e.mu.Lock()
			if e.run == run {
				e.duration++
			}
			e.mu.Unlock()
		}
	}
}

func (e *RecordingEngine) segmentLoop(run *recordingRun, t Ticker) {
	defer e.wg.Done()
	defer t.Stop()
	for {
		select {
		case <-run.stop:
			return
		case <-t.C():
			if err := e.flushSegment(run); err != nil {
				e.abort(run, err)
				return
			}
		}
	}
}

// flushSegment appends whatever the capture produced since the last flush.
func (e *RecordingEngine) flushSegment(run *recordingRun) error {
	e.mu.Lock()
	if e.run != run || e.state != RecordingActive {
		e.mu.Unlock()
		return nil
	}
	capture := e.capture
	e.mu.Unlock()

	data, err := capture.Flush()
	if err != nil {
		return err
	}
	e.appendSegment(data)
	return nil
}

func (e *RecordingEngine) appendSegment(data []byte) {
	if len(data) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.segments = append(e.segments, Segment{
		Index:      len(e.segments),
		Data:       data,
		CapturedAt: e.opts.Now(),
	})
}

// abort ends a recording whose capture failed. Segments captured so far are
// kept as a partial artifact.
func (e *RecordingEngine) abort(run *recordingRun, cause error) {
	e.mu.Lock()
	if e.run != run || e.state != RecordingActive {
		e.mu.Unlock()
		return
	}
	e.state = RecordingStopped
	capture := e.capture
	e.artifact = e.assembleLocked(ErrRecordingFailure.wrap(cause))
	listeners := append([]func(error){}, e.onError...)
	e.mu.Unlock()

	run.halt()
	if err := capture.Close(); err != nil {
		e.logger.Debug("capture close after abort", zap.Error(err))
	}

	err := ErrRecordingFailure.wrap(cause)
	e.logger.Error("recording aborted", zap.Error(err))
	for _, fn := range listeners {
		fn(err)
	}
}

// Stop closes the capture, takes the final flush, assembles the artifact
// exactly once and uploads it. A second Stop returns the existing artifact.
// Upload and notification failures are logged; the local artifact stays
// available for RetryUpload.
func (e *RecordingEngine) Stop(ctx context.Context) (*Artifact, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	switch e.state {
	case RecordingStopped:
		a := e.artifact
		e.mu.Unlock()
		return a, nil
	case RecordingIdle:
		e.mu.Unlock()
		return nil, ErrNotRecording
	}
	e.state = RecordingStopped
	run, capture := e.run, e.capture
	e.mu.Unlock()

	run.halt()
	e.wg.Wait()

	if err := capture.Close(); err != nil {
		e.logger.Debug("capture close", zap.Error(err))
	}
	data, flushErr := capture.Flush()
	if flushErr != nil {
		e.logger.Warn("final segment flush failed", zap.Error(flushErr))
	} else {
		e.appendSegment(data)
	}

	e.mu.Lock()
	var failed error
	if flushErr != nil {
		failed = ErrRecordingFailure.wrap(flushErr)
	}
	a := e.assembleLocked(failed)
	e.artifact = a
	sessionID := e.rec.SessionID
	e.mu.Unlock()

	e.logger.Info("recording stopped",
		zap.String("artifact", a.ID),
		zap.Int("duration", a.DurationSeconds),
		zap.Int("bytes", a.Size()),
		zap.Int("segments", len(e.Segments())))

	if e.opts.API != nil && sessionID != "" {
		if err := e.opts.API.NotifyRecordingStopped(ctx, sessionID); err != nil {
			e.logger.Warn("recording stop notification failed", zap.Error(err))
		}
	}

	e.persist(ctx, a)
	e.archive(ctx, a)
	if _, err := e.upload(ctx, a); err != nil {
		e.logger.Warn("recording upload failed, local copy kept for retry", zap.String("artifact", a.ID), zap.Error(err))
	}
	return a, nil
}

// assembleLocked concatenates the segments into a new artifact.
func (e *RecordingEngine) assembleLocked(failed error) *Artifact {
	size := 0
	for _, s := range e.segments {
		size += len(s.Data)
	}
	buf := bytes.NewBuffer(make([]byte, 0, size))
	for _, s := range e.segments {
		buf.Write(s.Data)
	}

	mime := ""
	if e.capture != nil {
		mime = e.capture.MimeType()
	}
	return &Artifact{
		ID:              uuid.NewString(),
		SessionID:       e.rec.SessionID,
		Data:            buf.Bytes(),
		MimeType:        mime,
		Format:          formatFor(mime),
		Quality:         e.rec.Quality,
		DurationSeconds: e.duration,
		RecordedAt:      e.startedAt,
		Failed:          failed,
	}
}

// RetryUpload uploads the held artifact again. It is a no-op once uploaded.
func (e *RecordingEngine) RetryUpload(ctx context.Context) (*RecordingInfo, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	a := e.Artifact()
	if a == nil {
		return nil, ErrNotRecording
	}
	return e.upload(ctx, a)
}

func (e *RecordingEngine) upload(ctx context.Context, a *Artifact) (*RecordingInfo, error) {
	e.mu.Lock()
	if a.Uploaded {
		info := a.Remote
		e.mu.Unlock()
		return info, nil
	}
	e.mu.Unlock()

	if e.opts.API == nil || a.SessionID == "" {
		return nil, ErrRecordingFailure.withMessage("no upload destination")
	}
	if a.Size() == 0 {
		return nil, ErrRecordingFailure.withMessage("recording is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.UploadTimeout)
	defer cancel()

	info, err := UploadArtifact(ctx, e.opts.API, a)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	a.Uploaded = true
	a.Remote = info
	e.mu.Unlock()
	e.logger.Info("recording uploaded", zap.String("artifact", a.ID))

	if e.opts.Store != nil {
		if err := e.opts.Store.MarkUploaded(ctx, a.ID, info); err != nil {
			e.logger.Warn("mark artifact uploaded", zap.Error(err))
		}
	}
	return info, nil
}

// UploadArtifact sends a to the backend as a multipart recording upload.
// It does not modify a.
func UploadArtifact(ctx context.Context, api RecordingAPI, a *Artifact) (*RecordingInfo, error) {
	info, err := api.UploadRecording(ctx, a.SessionID, RecordingUpload{
		File:            bytes.NewReader(a.Data),
		FileName:        a.FileName(),
		DurationSeconds: a.DurationSeconds,
		Quality:         a.Quality,
		Format:          a.Format,
		RecordedAt:      a.RecordedAt,
	})
	if err != nil {
		return nil, ErrRecordingFailure.wrap(err)
	}
	return info, nil
}

func (e *RecordingEngine) persist(ctx context.Context, a *Artifact) {
	if e.opts.Store == nil {
		return
	}
	if err := e.opts.Store.Save(ctx, a); err != nil {
		e.logger.Warn("persist artifact locally", zap.String("artifact", a.ID), zap.Error(err))
	}
}

func (e *RecordingEngine) archive(ctx context.Context, a *Artifact) {
	if e.opts.Archive == nil || a.Size() == 0 {
		return
	}
	loc, err := e.opts.Archive.Archive(ctx, a)
	if err != nil {
		e.logger.Warn("archive artifact", zap.String("artifact", a.ID), zap.Error(err))
		return
	}
	e.mu.Lock()
	a.ArchiveURL = loc
	e.mu.Unlock()
}

// formatFor derives the upload format field from a MIME type.
func formatFor(mime string) string {
	base := mime
	if i := strings.IndexByte(base, ';'); i >= 0 {
		base = base[:i]
	}
	switch strings.TrimSpace(base) {
	case "video/x-ivf":
		return "ivf"
	case "audio/ogg", "video/ogg":
		return "ogg"
	case "video/mp4":
		return "mp4"
	case "multipart/mixed":
		return "mime"
	case "video/webm", "audio/webm", "":
		return "webm"
	default:
		if i := strings.IndexByte(base, '/'); i >= 0 {
			return strings.TrimPrefix(base[i+1:], "x-")
		}
		return base
	}
}
