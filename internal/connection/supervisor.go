// Package connection owns the lifecycle of the single broker session:
// initial connect with bounded retry, loss detection, reconnection with
// jittered backoff, and a stable event stream that survives session
// replacement.
package connection

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/quantarc/execd/internal/config"
	"github.com/quantarc/execd/internal/entity"
	"github.com/quantarc/execd/internal/monitor"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotConnected       = errors.New("broker session not connected")
	ErrConnectTimeout     = errors.New("timed out waiting for broker connection")
	ErrReconnectExhausted = errors.New("broker reconnect attempts exhausted")
)

const supervisorEventBuffer = 256

// Supervisor multiplexes successive broker sessions behind one stable
// Events() channel. Callers obtain the live session through Session()
// and report failures through ReportLoss; the supervisor serializes
// reconnection so only one attempt runs at a time.
type Supervisor struct {
	dialer  entity.SessionDialer
	cfg     config.BrokerConfig
	emitter monitor.Emitter
	rng     *rand.Rand

	mu          sync.Mutex
	session     entity.BrokerSession
	state       entity.ConnectionState
	epoch       int
	connectedCh chan struct{}

	onConnected func(session entity.BrokerSession)

	events chan entity.BrokerEvent
	done   chan struct{}

	closeOnce sync.Once
}

func NewSupervisor(dialer entity.SessionDialer, cfg config.BrokerConfig, emitter monitor.Emitter) *Supervisor {
	if emitter == nil {
		emitter = monitor.NopEmitter{}
	}

	return &Supervisor{
		dialer:      dialer,
		cfg:         cfg,
		emitter:     emitter,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		state:       entity.ConnectionStateDisconnected,
		connectedCh: make(chan struct{}),
		events:      make(chan entity.BrokerEvent, supervisorEventBuffer),
		done:        make(chan struct{}),
	}
}

// OnConnected registers a callback invoked after every successful
// (re)connect, before the state flips to CONNECTED. Reconciliation hooks
// in here. Must be set before Connect.
func (s *Supervisor) OnConnected(fn func(session entity.BrokerSession)) {
	s.onConnected = fn
}

// State returns the current connection state.
func (s *Supervisor) State() entity.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Session returns the live broker session, or ErrNotConnected while
// degraded or disconnected.
func (s *Supervisor) Session() (entity.BrokerSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != entity.ConnectionStateConnected || s.session == nil {
		return nil, ErrNotConnected
	}

	return s.session, nil
}

// Events returns the stable inbound stream. It keeps delivering across
// session replacements. The channel is never closed; consumers stop on
// their own shutdown signal.
func (s *Supervisor) Events() <-chan entity.BrokerEvent {
	return s.events
}

// Connect performs the initial connection with bounded retry. A failure
// after max attempts is fatal to the caller.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.setState(entity.ConnectionStateConnecting, "initial connect")

	if err := s.connectWithRetry(ctx); err != nil {
		s.setState(entity.ConnectionStateDisconnected, err.Error())
		s.wakeWaiters()
		return err
	}

	return nil
}

// EnsureConnected blocks until the session is CONNECTED or the timeout
// elapses. Order submission gates on this instead of failing fast during
// a reconnect window.
func (s *Supervisor) EnsureConnected(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	if s.state == entity.ConnectionStateConnected {
		s.mu.Unlock()
		return nil
	}
	if s.state == entity.ConnectionStateDisconnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	waitCh := s.connectedCh
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-waitCh:
		s.mu.Lock()
		connected := s.state == entity.ConnectionStateConnected
		s.mu.Unlock()
		if !connected {
			return ErrNotConnected
		}
		return nil
	case <-timer.C:
		return ErrConnectTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrNotConnected
	}
}

// ReportLoss flags the current session as lost and starts reconnection.
// Safe to call from multiple goroutines; only the first report per
// session epoch triggers a reconnect.
func (s *Supervisor) ReportLoss(reason string) {
	s.mu.Lock()
	if s.state != entity.ConnectionStateConnected {
		s.mu.Unlock()
		return
	}
	epoch := s.epoch
	session := s.session
	s.session = nil
	s.mu.Unlock()

	if session != nil {
		_ = session.Close()
	}

	s.setState(entity.ConnectionStateDegraded, reason)

	go s.reconnectLoop(epoch)
}

// Close shuts the supervisor down and closes the current session.
func (s *Supervisor) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		session := s.session
		s.session = nil
		s.mu.Unlock()

		if session != nil {
			_ = session.Close()
		}
	})

	return nil
}

func (s *Supervisor) connectWithRetry(ctx context.Context) error {
	maxAttempts := s.cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			waitDuration := backoffWithJitter(attempt-1, s.cfg.ReconnectFactor, s.cfg.MinJitter, s.cfg.MaxJitter, s.rng)
			logrus.WithFields(logrus.Fields{
				"attempt":      attempt + 1,
				"max_attempts": maxAttempts,
				"retry_in":     waitDuration.String(),
				"broker":       s.cfg.Name,
			}).Warnf("broker connection failed: %v", lastErr)

			s.emitter.Emit(entity.MonitorReconnectFailed, map[string]any{
				"attempt": attempt,
				"error":   lastErr.Error(),
			})

			select {
			case <-time.After(waitDuration):
			case <-ctx.Done():
				return ctx.Err()
			case <-s.done:
				return ErrNotConnected
			}
		}

		dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		session, err := s.dialer.Dial(dialCtx)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}

		s.adopt(session)
		return nil
	}

	s.emitter.Emit(entity.MonitorReconnectExhausted, map[string]any{
		"attempts": maxAttempts,
		"error":    lastErr.Error(),
	})

	return ErrReconnectExhausted
}

// adopt installs a freshly dialed session, runs the on-connected hook,
// then flips to CONNECTED and wakes waiters.
func (s *Supervisor) adopt(session entity.BrokerSession) {
	if s.onConnected != nil {
		s.onConnected(session)
	}

	s.mu.Lock()
	s.session = session
	s.epoch++
	epoch := s.epoch
	s.state = entity.ConnectionStateConnected
	close(s.connectedCh)
	s.connectedCh = make(chan struct{})
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"broker": s.cfg.Name,
		"epoch":  epoch,
	}).Info("broker session connected")

	s.emitter.Emit(entity.MonitorConnectionChange, map[string]any{
		"state": string(entity.ConnectionStateConnected),
	})

	select {
	case s.events <- entity.BrokerEvent{
		Type:       entity.BrokerEventConnection,
		Connection: entity.ConnectionStateConnected,
		Timestamp:  time.Now().UTC(),
	}:
	case <-s.done:
		return
	}

	go s.pump(session, epoch)
}

// pump relays one session's events onto the stable channel. The session
// closing its channel without a supervisor shutdown means the connection
// was lost.
func (s *Supervisor) pump(session entity.BrokerSession, epoch int) {
	for event := range session.Events() {
		select {
		case s.events <- event:
		case <-s.done:
			return
		}
	}

	select {
	case <-s.done:
		return
	default:
	}

	s.mu.Lock()
	stale := s.epoch != epoch || s.session == nil
	if !stale {
		s.session = nil
	}
	s.mu.Unlock()

	if stale {
		return
	}

	s.setState(entity.ConnectionStateDegraded, "event stream closed")
	go s.reconnectLoop(epoch)
}

func (s *Supervisor) reconnectLoop(epoch int) {
	s.mu.Lock()
	if s.epoch != epoch {
		// A newer session already took over.
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	err := s.connectWithRetry(context.Background())
	if err == nil {
		return
	}

	select {
	case <-s.done:
		return
	default:
	}

	logrus.Errorf("broker reconnect exhausted: %v", err)
	s.setState(entity.ConnectionStateDisconnected, err.Error())
	s.wakeWaiters()
}

// wakeWaiters releases EnsureConnected callers after a terminal
// DISCONNECTED transition; they observe the state and fail fast with
// ErrNotConnected instead of burning their timeout.
func (s *Supervisor) wakeWaiters() {
	s.mu.Lock()
	close(s.connectedCh)
	s.connectedCh = make(chan struct{})
	s.mu.Unlock()
}

func (s *Supervisor) setState(next entity.ConnectionState, reason string) {
	s.mu.Lock()
	prior := s.state
	s.state = next
	s.mu.Unlock()

	if prior == next {
		return
	}

	logrus.WithFields(logrus.Fields{
		"from":   string(prior),
		"to":     string(next),
		"reason": reason,
	}).Info("broker connection state changed")

	s.emitter.Emit(entity.MonitorConnectionChange, map[string]any{
		"from":   string(prior),
		"to":     string(next),
		"reason": reason,
	})

	select {
	case s.events <- entity.BrokerEvent{
		Type:       entity.BrokerEventConnection,
		Connection: next,
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
	}:
	case <-s.done:
	}
}

func backoffWithJitter(attempt int, factor float64, min, max time.Duration, rng *rand.Rand) time.Duration {
	backoff := float64(min) * math.Pow(factor, float64(attempt))
	if backoff > float64(max) {
		backoff = float64(max)
	}

	base := time.Duration(backoff)
	if max <= min {
		return base
	}

	jitterWindow := max - min
	jitter := time.Duration(rng.Int63n(int64(jitterWindow) + 1))
	result := base + jitter
	if result > max {
		return max
	}

	return result
}
