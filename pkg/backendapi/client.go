// Package backendapi implements room.BackendAPI over the session service's
// HTTP API, plus an in-process Memory backend with the same contract.
package backendapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/am-sokolov/liveroom-go/pkg/room"
)

// Options configures Client.
type Options struct {
	// BaseURL is the API root, e.g. https://api.example.com/v1.
	BaseURL string
	// Token is sent as a bearer token. Empty means anonymous (guest).
	Token string

	HTTPClient *http.Client

	// RequestsPerSecond caps outgoing requests. Defaults to 10.
	RequestsPerSecond float64

	// Retries is how many times an idempotent GET is retried after a network
	// error. Zero means 2; negative disables retries.
	Retries int

	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = 10
	}
	if o.Retries < 0 {
		o.Retries = 0
	} else if o.Retries == 0 {
		o.Retries = 2
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Client talks to the session service.
type Client struct {
	base    *url.URL
	opts    Options
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ room.BackendAPI = (*Client)(nil)

// New creates a client for opts.BaseURL.
func New(opts Options) (*Client, error) {
	opts = opts.withDefaults()
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend url must be http or https, got %q", opts.BaseURL)
	}
	return &Client{
		base:    base,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), int(opts.RequestsPerSecond)+1),
		logger:  opts.Logger.Named("backend"),
	}, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.RawPath = c.base.EscapedPath() + path
	if p, err := url.PathUnescape(u.RawPath); err == nil {
		u.Path = p
	} else {
		u.Path = c.base.Path + path
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func seg(s string) string { return url.PathEscape(s) }

// do sends one request and decodes the envelope's data into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var payload []byte
	contentType := ""
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		contentType = "application/json"
	}
	return c.send(ctx, method, path, query, contentType, payload, out)
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, contentType string, payload []byte, out any) error {
	attempts := 1
	if method == http.MethodGet {
		attempts += c.opts.Retries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 200 * time.Millisecond
			c.logger.Debug("retrying request", zap.String("path", path), zap.Int("attempt", attempt), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if c.opts.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.opts.Token)
		}

		resp, err := c.opts.HTTPClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			if isTransient(err) {
				continue
			}
			return err
		}
		err = decode(resp, out)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		return nil
	}
	return fmt.Errorf("%s %s: %w", method, path, lastErr)
}

func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

// decode maps the HTTP status and the {success, message, data} envelope onto
// room errors.
func decode(resp *http.Response, out any) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	var env room.Envelope[json.RawMessage]
	decodeErr := json.Unmarshal(raw, &env)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if env.Message != "" {
			return fmt.Errorf("%w: %s", room.ErrUnauthorized, env.Message)
		}
		return room.ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		if env.Message != "" {
			return fmt.Errorf("%w: %s", room.ErrNotFound, env.Message)
		}
		return room.ErrNotFound
	case decodeErr != nil:
		if resp.StatusCode >= 300 {
			return room.Rejected(fmt.Sprintf("status %d", resp.StatusCode))
		}
		return fmt.Errorf("decode response: %w", decodeErr)
	}

	data, err := env.Unwrap()
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return room.Rejected(fmt.Sprintf("status %d", resp.StatusCode))
	}
	if out == nil || len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

func (c *Client) CreateSession(ctx context.Context, req room.CreateSessionRequest) (*room.Session, error) {
	var s room.Session
	if err := c.do(ctx, http.MethodPost, "/sessions", nil, req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (*room.Session, error) {
	var s room.Session
	if err := c.do(ctx, http.MethodGet, "/sessions/"+seg(sessionID), nil, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) ListSessions(ctx context.Context) ([]room.Session, error) {
	var s []room.Session
	if err := c.do(ctx, http.MethodGet, "/sessions", nil, nil, &s); err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Client) StartSession(ctx context.Context, sessionID string) (*room.Session, error) {
	var s room.Session
	if err := c.do(ctx, http.MethodPost, "/sessions/"+seg(sessionID)+"/start", nil, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) EndSession(ctx context.Context, sessionID string) (*room.Session, error) {
	var s room.Session
	if err := c.do(ctx, http.MethodPost, "/sessions/"+seg(sessionID)+"/end", nil, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) UpdateSessionStatus(ctx context.Context, sessionID string, status room.SessionStatus) (*room.Session, error) {
	var s room.Session
	body := map[string]room.SessionStatus{"status": status}
	if err := c.do(ctx, http.MethodPatch, "/sessions/"+seg(sessionID)+"/status", nil, body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) GetRoomStatus(ctx context.Context, sessionID string) (*room.RoomStatus, error) {
	var r room.RoomStatus
	if err := c.do(ctx, http.MethodGet, "/sessions/"+seg(sessionID)+"/room", nil, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) CreateRoom(ctx context.Context, sessionID string) (*room.RoomStatus, error) {
	var r room.RoomStatus
	if err := c.do(ctx, http.MethodPost, "/sessions/"+seg(sessionID)+"/room", nil, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) JoinSession(ctx context.Context, sessionID string, role room.Role) (*room.Participant, error) {
	var p room.Participant
	body := map[string]room.Role{"role": role}
	if err := c.do(ctx, http.MethodPost, "/sessions/"+seg(sessionID)+"/join", nil, body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) LeaveSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+seg(sessionID)+"/leave", nil, nil, nil)
}

func (c *Client) ListParticipants(ctx context.Context, sessionID string) ([]room.Participant, error) {
	var p []room.Participant
	if err := c.do(ctx, http.MethodGet, "/sessions/"+seg(sessionID)+"/participants", nil, nil, &p); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Client) NotifyRecordingStarted(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+seg(sessionID)+"/recording/start", nil, nil, nil)
}

func (c *Client) NotifyRecordingStopped(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+seg(sessionID)+"/recording/stop", nil, nil, nil)
}

// UploadRecording sends the artifact as multipart form data: a `file` part and
// `duration`, `quality` and `format` fields.
func (c *Client) UploadRecording(ctx context.Context, sessionID string, upload room.RecordingUpload) (*room.RecordingInfo, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", upload.FileName)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(fw, upload.File); err != nil {
		return nil, fmt.Errorf("read recording: %w", err)
	}
	fields := map[string]string{
		"duration": strconv.Itoa(upload.DurationSeconds),
		"quality":  string(upload.Quality),
		"format":   upload.Format,
	}
	if !upload.RecordedAt.IsZero() {
		fields["recordedAt"] = upload.RecordedAt.UTC().Format(time.RFC3339)
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	var info room.RecordingInfo
	path := "/sessions/" + seg(sessionID) + "/recordings"
	if err := c.send(ctx, http.MethodPost, path, nil, w.FormDataContentType(), buf.Bytes(), &info); err != nil {
		return nil, err
	}
	c.logger.Info("recording uploaded",
		zap.String("session", sessionID),
		zap.String("recording", info.ID),
		zap.Int("bytes", buf.Len()))
	return &info, nil
}

func (c *Client) GenerateInvite(ctx context.Context, sessionID string, req room.InviteRequest) (*room.Invite, error) {
	var inv room.Invite
	if err := c.do(ctx, http.MethodPost, "/sessions/"+seg(sessionID)+"/invites", nil, req, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (c *Client) GetInvite(ctx context.Context, code string) (*room.InviteResolution, error) {
	var res room.InviteResolution
	if err := c.do(ctx, http.MethodGet, "/invites/"+seg(code), nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) AcceptInvite(ctx context.Context, code string) (*room.InviteResolution, error) {
	var res room.InviteResolution
	if err := c.do(ctx, http.MethodPost, "/invites/"+seg(code)+"/accept", nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) RevokeInvite(ctx context.Context, sessionID, inviteID string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+seg(sessionID)+"/invites/"+seg(inviteID), nil, nil, nil)
}

func (c *Client) ListInvites(ctx context.Context, sessionID string) ([]room.Invite, error) {
	var inv []room.Invite
	if err := c.do(ctx, http.MethodGet, "/sessions/"+seg(sessionID)+"/invites", nil, nil, &inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (c *Client) SendSignal(ctx context.Context, sessionID string, sig room.Signal) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+seg(sessionID)+"/signals", nil, sig, nil)
}

func (c *Client) GetSignals(ctx context.Context, sessionID string, afterSeq int64) ([]room.Signal, error) {
	var sigs []room.Signal
	q := url.Values{"after": {strconv.FormatInt(afterSeq, 10)}}
	if err := c.do(ctx, http.MethodGet, "/sessions/"+seg(sessionID)+"/signals", q, nil, &sigs); err != nil {
		return nil, err
	}
	return sigs, nil
}
