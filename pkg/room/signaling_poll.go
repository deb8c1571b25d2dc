package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// PollOptions configures PollTransport.
type PollOptions struct {
	// Interval between polls. Defaults to 2s.
	Interval time.Duration

	// RequestsPerSecond caps poll requests regardless of Interval. Defaults to 2.
	RequestsPerSecond float64

	// DegradeAfter is the number of consecutive failures before the transport
	// reports itself degraded. Defaults to 3.
	DegradeAfter int

	// SessionValid is checked before every poll; when it returns false the
	// loop stops. Optional.
	SessionValid func() bool

	// OnDegraded is called when polling has failed DegradeAfter times in a row.
	OnDegraded func(err error)

	// OnSessionGone is called when polling stops because the session is no
	// longer valid.
	OnSessionGone func()

	// Tickers creates the poll ticker. Defaults to NewTicker.
	Tickers TickerFactory
}

func (o PollOptions) withDefaults() PollOptions {
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = 2
	}
	if o.DegradeAfter <= 0 {
		o.DegradeAfter = 3
	}
	if o.Tickers == nil {
		o.Tickers = NewTicker
	}
	return o
}

// PollTransport implements Transport by polling the backend's signal
// endpoint at a fixed interval. Failed polls are logged and the loop keeps
// going; the loop ends only on Close, on an invalid session predicate or
// when the backend reports the session gone.
type PollTransport struct {
	api     SignalAPI
	opts    PollOptions
	logger  *zap.Logger
	limiter *rate.Limiter
	network *NetworkHandler

	mu        sync.Mutex
	sessionID string
	lastSeq   int64
	deliver   func(Signal)
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewPollTransport creates a polling transport over api.
func NewPollTransport(api SignalAPI, opts PollOptions, logger *zap.Logger) *PollTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	logger = logger.Named("poll")
	network := NewNetworkHandler(opts.DegradeAfter, logger)
	if opts.OnDegraded != nil {
		network.OnDegraded(opts.OnDegraded)
	}
	return &PollTransport{
		api:     api,
		opts:    opts,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		network: network,
	}
}

// Network exposes the transport health tracker.
func (p *PollTransport) Network() *NetworkHandler { return p.network }

// WatchSession installs the session hooks. Call it before Open.
func (p *PollTransport) WatchSession(valid func() bool, gone func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opts.SessionValid = valid
	p.opts.OnSessionGone = gone
}

// Open starts the polling loop for sessionID. It refuses to start against an
// absent or invalid session.
func (p *PollTransport) Open(ctx context.Context, sessionID string, deliver func(Signal)) error {
	if sessionID == "" || !p.sessionValid() {
		return ErrInvalidSession
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		select {
		case <-p.done:
		default:
			if p.sessionID == sessionID {
				return nil
			}
			return ErrAlreadyJoined
		}
	}

	// Start from the current head so a joiner never replays old negotiation.
	history, err := p.api.GetSignals(ctx, sessionID, 0)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidSession) {
			return ErrInvalidSession.wrap(err)
		}
		return err
	}
	var head int64
	for _, sig := range history {
		if sig.Seq > head {
			head = sig.Seq
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p.sessionID = sessionID
	p.lastSeq = head
	p.deliver = deliver
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.loop(loopCtx, p.done)
	p.logger.Info("polling started", zap.String("session", sessionID), zap.Duration("interval", p.opts.Interval))
	return nil
}

// Active reports whether the polling loop is running.
func (p *PollTransport) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Send posts sig through the backend.
func (p *PollTransport) Send(ctx context.Context, sig Signal) error {
	if err := p.api.SendSignal(ctx, sig.SessionID, sig); err != nil {
		p.network.RecordFailure(err)
		return err
	}
	p.network.RecordSuccess()
	return nil
}

// Close stops the polling loop and waits for it to exit.
func (p *PollTransport) Close() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	p.logger.Info("polling stopped")
	return nil
}

func (p *PollTransport) sessionValid() bool {
	return p.opts.SessionValid == nil || p.opts.SessionValid()
}

func (p *PollTransport) sessionGone() {
	if p.opts.OnSessionGone != nil {
		p.opts.OnSessionGone()
	}
}

func (p *PollTransport) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := p.opts.Tickers(p.opts.Interval)
	defer ticker.Stop()

	if !p.poll(ctx) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if !p.poll(ctx) {
				return
			}
		}
	}
}

// poll performs one fetch and reports whether the loop should continue.
func (p *PollTransport) poll(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if !p.sessionValid() {
		p.logger.Info("session no longer valid, polling stopped")
		p.sessionGone()
		return false
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return false
	}

	p.mu.Lock()
	sessionID, after, deliver := p.sessionID, p.lastSeq, p.deliver
	p.mu.Unlock()

	signals, err := p.api.GetSignals(ctx, sessionID, after)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidSession) {
			p.logger.Warn("session gone, polling stopped", zap.Error(err))
			p.sessionGone()
			return false
		}
		p.network.RecordFailure(err)
		p.logger.Warn("poll failed", zap.Int("consecutiveFailures", p.network.ConsecutiveFailures()), zap.Error(err))
		return true
	}
	p.network.RecordSuccess()

	for _, sig := range signals {
		if ctx.Err() != nil {
			return false
		}
		p.mu.Lock()
		if sig.Seq > p.lastSeq {
			p.lastSeq = sig.Seq
		}
		p.mu.Unlock()
		if deliver != nil {
			deliver(sig)
		}
	}
	return true
}
