package room

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WebSocketConn is the subset of a websocket connection the handler writes through.
type WebSocketConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
}

// NetworkHandler tracks signaling transport health. Single failures are
// transient; after degradeAfter consecutive failures the transport is reported
// degraded, and the first success afterwards reports recovery.
type NetworkHandler struct {
	mu                  sync.RWMutex
	logger              *zap.Logger
	lastNetworkActivity time.Time
	consecutiveFailures int
	degradeAfter        int
	partitionTimeout    time.Duration
	degraded            bool
	lastErr             error
	onDegraded          func(err error)
	onRecovered         func()
}

// NewNetworkHandler creates a handler that degrades after degradeAfter
// consecutive failures.
func NewNetworkHandler(degradeAfter int, logger *zap.Logger) *NetworkHandler {
	if degradeAfter <= 0 {
		degradeAfter = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NetworkHandler{
		logger:              logger,
		degradeAfter:        degradeAfter,
		partitionTimeout:    30 * time.Second,
		lastNetworkActivity: time.Now(),
	}
}

// OnDegraded sets the callback fired once when the transport becomes degraded.
func (n *NetworkHandler) OnDegraded(fn func(err error)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onDegraded = fn
}

// OnRecovered sets the callback fired once when a degraded transport recovers.
func (n *NetworkHandler) OnRecovered(fn func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onRecovered = fn
}

// RecordSuccess marks network activity and resets the failure streak.
func (n *NetworkHandler) RecordSuccess() {
	n.mu.Lock()
	n.lastNetworkActivity = time.Now()
	n.consecutiveFailures = 0
	n.lastErr = nil
	wasDegraded := n.degraded
	n.degraded = false
	cb := n.onRecovered
	n.mu.Unlock()

	if wasDegraded {
		n.logger.Info("signaling transport recovered")
		if cb != nil {
			cb()
		}
	}
}

// RecordFailure counts a failed exchange and reports whether this failure
// pushed the transport into the degraded state.
func (n *NetworkHandler) RecordFailure(err error) bool {
	n.mu.Lock()
	n.consecutiveFailures++
	n.lastErr = err
	becameDegraded := !n.degraded && n.consecutiveFailures >= n.degradeAfter
	if becameDegraded {
		n.degraded = true
	}
	failures := n.consecutiveFailures
	cb := n.onDegraded
	n.mu.Unlock()

	if becameDegraded {
		n.logger.Warn("signaling transport degraded",
			zap.Int("consecutiveFailures", failures),
			zap.Bool("networkError", isNetworkError(err)),
			zap.Error(err))
		if cb != nil {
			cb(ErrSignalingTransport.wrap(err))
		}
	}
	return becameDegraded
}

// ConsecutiveFailures returns the current failure streak.
func (n *NetworkHandler) ConsecutiveFailures() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.consecutiveFailures
}

// Degraded reports whether the failure streak crossed the threshold.
func (n *NetworkHandler) Degraded() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.degraded
}

// LastError returns the most recent failure since the last success.
func (n *NetworkHandler) LastError() error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastErr
}

// DetectNetworkPartition reports whether the transport is degraded or has
// been silent for longer than the partition timeout.
func (n *NetworkHandler) DetectNetworkPartition() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.degraded {
		return true
	}
	return time.Since(n.lastNetworkActivity) > n.partitionTimeout
}

// WriteMessage writes through conn with a write deadline and records the outcome.
func (n *NetworkHandler) WriteMessage(conn WebSocketConn, messageType int, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		n.RecordFailure(err)
		return ErrSignalingTransport.wrap(fmt.Errorf("set write deadline: %w", err))
	}
	if err := conn.WriteMessage(messageType, data); err != nil {
		n.RecordFailure(err)
		return ErrSignalingTransport.wrap(err)
	}
	n.RecordSuccess()
	return nil
}

// isNetworkError checks if an error is a network-related error
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := err.Error()
	for _, s := range []string{
		"connection reset",
		"broken pipe",
		"connection refused",
		"no route to host",
		"network is unreachable",
		"connection timed out",
		"EOF",
	} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}
