package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quantarc/execd/internal/config"
	"github.com/quantarc/execd/internal/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSession struct {
	events    chan entity.BrokerEvent
	closeOnce sync.Once
}

func newStubSession() *stubSession {
	return &stubSession{events: make(chan entity.BrokerEvent, 8)}
}

func (s *stubSession) Connect(context.Context) error { return nil }

func (s *stubSession) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

func (s *stubSession) SubmitOrder(context.Context, entity.Order) (string, error) {
	return "stub-1", nil
}

func (s *stubSession) CancelOrder(context.Context, string) error { return nil }

func (s *stubSession) QueryOpenOrders(context.Context) ([]entity.BrokerOrderState, error) {
	return nil, nil
}

func (s *stubSession) QueryPositions(context.Context) ([]entity.Position, error) {
	return nil, nil
}

func (s *stubSession) Events() <-chan entity.BrokerEvent { return s.events }

type stubDialer struct {
	mu       sync.Mutex
	failures int
	dials    atomic.Int32
	sessions []*stubSession
}

func (d *stubDialer) Dial(context.Context) (entity.BrokerSession, error) {
	d.dials.Add(1)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("dial refused")
	}

	session := newStubSession()
	d.sessions = append(d.sessions, session)
	return session, nil
}

func (d *stubDialer) lastSession() *stubSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

func testBrokerConfig(maxAttempts int) config.BrokerConfig {
	return config.BrokerConfig{
		Name:                 "stub",
		ConnectTimeout:       time.Second,
		MaxReconnectAttempts: maxAttempts,
		ReconnectFactor:      1.0,
		MinJitter:            time.Millisecond,
		MaxJitter:            5 * time.Millisecond,
	}
}

func waitForState(t *testing.T, s *Supervisor, want entity.ConnectionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state %s not reached, still %s", want, s.State())
}

func TestConnectRetriesThenSucceeds(t *testing.T) {
	dialer := &stubDialer{failures: 2}
	s := NewSupervisor(dialer, testBrokerConfig(5), nil)
	defer s.Close()

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, entity.ConnectionStateConnected, s.State())
	assert.Equal(t, int32(3), dialer.dials.Load())

	session, err := s.Session()
	require.NoError(t, err)
	assert.NotNil(t, session)
}

func TestConnectExhaustion(t *testing.T) {
	dialer := &stubDialer{failures: 10}
	s := NewSupervisor(dialer, testBrokerConfig(3), nil)
	defer s.Close()

	err := s.Connect(context.Background())
	require.ErrorIs(t, err, ErrReconnectExhausted)
	assert.Equal(t, entity.ConnectionStateDisconnected, s.State())

	_, err = s.Session()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestEnsureConnectedTimesOutWhileDegraded(t *testing.T) {
	dialer := &stubDialer{}
	cfg := testBrokerConfig(100)
	cfg.MinJitter = 200 * time.Millisecond
	cfg.MaxJitter = 500 * time.Millisecond
	s := NewSupervisor(dialer, cfg, nil)
	defer s.Close()

	require.NoError(t, s.Connect(context.Background()))
	assert.NoError(t, s.EnsureConnected(context.Background(), 10*time.Millisecond))

	// wedge the dialer so reconnection stalls
	dialer.mu.Lock()
	dialer.failures = 1_000_000
	dialer.mu.Unlock()

	s.ReportLoss("test loss")
	waitForState(t, s, entity.ConnectionStateDegraded)

	err := s.EnsureConnected(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrConnectTimeout)
}

func TestEnsureConnectedFailsFastOnExhaustion(t *testing.T) {
	dialer := &stubDialer{}
	cfg := testBrokerConfig(2)
	cfg.MinJitter = 200 * time.Millisecond
	cfg.MaxJitter = 300 * time.Millisecond
	s := NewSupervisor(dialer, cfg, nil)
	defer s.Close()

	require.NoError(t, s.Connect(context.Background()))

	// wedge the dialer so reconnection exhausts quickly
	dialer.mu.Lock()
	dialer.failures = 1_000_000
	dialer.mu.Unlock()

	s.ReportLoss("test loss")

	// the waiter is released when reconnection gives up, long before
	// its own timeout would fire
	start := time.Now()
	err := s.EnsureConnected(context.Background(), 10*time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Less(t, time.Since(start), 5*time.Second)
	waitForState(t, s, entity.ConnectionStateDisconnected)
}

func TestReconnectAfterSessionLoss(t *testing.T) {
	dialer := &stubDialer{}
	s := NewSupervisor(dialer, testBrokerConfig(5), nil)
	defer s.Close()

	require.NoError(t, s.Connect(context.Background()))
	first := dialer.lastSession()
	require.NotNil(t, first)

	// the session closing its event stream signals loss
	first.Close()
	waitForState(t, s, entity.ConnectionStateConnected)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && dialer.lastSession() == first {
		time.Sleep(5 * time.Millisecond)
	}
	assert.NotSame(t, first, dialer.lastSession())
}

func TestOnConnectedHookRunsBeforeConnected(t *testing.T) {
	dialer := &stubDialer{}
	s := NewSupervisor(dialer, testBrokerConfig(5), nil)
	defer s.Close()

	var stateInHook entity.ConnectionState
	s.OnConnected(func(entity.BrokerSession) {
		stateInHook = s.State()
	})

	require.NoError(t, s.Connect(context.Background()))
	assert.NotEqual(t, entity.ConnectionStateConnected, stateInHook)
}

func TestEventsSurviveSessionReplacement(t *testing.T) {
	dialer := &stubDialer{}
	s := NewSupervisor(dialer, testBrokerConfig(5), nil)
	defer s.Close()

	require.NoError(t, s.Connect(context.Background()))

	first := dialer.lastSession()
	first.events <- entity.BrokerEvent{Type: entity.BrokerEventStatus, BrokerOrderID: "brk-1"}
	first.Close()
	waitForState(t, s, entity.ConnectionStateConnected)

	second := dialer.lastSession()
	require.NotSame(t, first, second)
	second.events <- entity.BrokerEvent{Type: entity.BrokerEventStatus, BrokerOrderID: "brk-2"}

	var seen []string
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case event := <-s.Events():
			if event.Type == entity.BrokerEventStatus {
				seen = append(seen, event.BrokerOrderID)
			}
		case <-deadline:
			t.Fatalf("only saw %v", seen)
		}
	}
	assert.Contains(t, seen, "brk-1")
	assert.Contains(t, seen, "brk-2")
}

func TestReportLossIsIdempotent(t *testing.T) {
	dialer := &stubDialer{}
	s := NewSupervisor(dialer, testBrokerConfig(5), nil)
	defer s.Close()

	require.NoError(t, s.Connect(context.Background()))

	s.ReportLoss("first")
	s.ReportLoss("second")

	waitForState(t, s, entity.ConnectionStateConnected)
}
