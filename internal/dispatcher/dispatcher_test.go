package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quantarc/execd/internal/entity"
	"github.com/quantarc/execd/internal/repository"
	"github.com/quantarc/execd/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu        sync.Mutex
	statuses  []entity.Order
	fills     []entity.Fill
	anomalies []entity.BrokerEvent
}

func (l *recordingListener) OnOrderStatus(order entity.Order) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, order)
}

func (l *recordingListener) OnFill(_ entity.Order, fill entity.Fill) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fills = append(l.fills, fill)
}

func (l *recordingListener) OnConnection(entity.ConnectionState) {}

func (l *recordingListener) OnAnomaly(event entity.BrokerEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.anomalies = append(l.anomalies, event)
}

func (l *recordingListener) counts() (int, int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.statuses), len(l.fills), len(l.anomalies)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []entity.MonitorEventType
}

func (e *recordingEmitter) Emit(eventType entity.MonitorEventType, _ map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, eventType)
}

func (e *recordingEmitter) has(eventType entity.MonitorEventType) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, emitted := range e.events {
		if emitted == eventType {
			return true
		}
	}
	return false
}

func submittedOrder(t *testing.T, s *store.Store, correlationID, brokerOrderID string, qty int64) {
	t.Helper()
	ctx := context.Background()
	_, err := s.Reserve(ctx, entity.OrderRequest{
		CorrelationID: correlationID,
		Symbol:        "AAPL",
		Quantity:      decimal.NewFromInt(qty),
		Side:          entity.OrderSideBuy,
		Type:          entity.OrderTypeMarket,
	})
	require.NoError(t, err)
	_, err = s.MarkSubmitted(ctx, correlationID, brokerOrderID, entity.AuditSourceLive)
	require.NoError(t, err)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDispatcherAppliesFills(t *testing.T) {
	s := store.New(repository.NewMemoryAuditTrail())
	submittedOrder(t, s, "ord-1", "brk-1", 100)

	listener := &recordingListener{}
	d := New(s, listener, nil, 2)
	events := make(chan entity.BrokerEvent, 8)
	d.Run(events)
	defer d.Stop()

	events <- entity.BrokerEvent{
		Type:          entity.BrokerEventFill,
		BrokerOrderID: "brk-1",
		Fill: &entity.Fill{
			FillID:        "f-1",
			BrokerOrderID: "brk-1",
			Quantity:      decimal.NewFromInt(100),
			Price:         decimal.NewFromInt(100),
			Side:          entity.OrderSideBuy,
		},
	}

	waitFor(t, func() bool {
		order, err := s.Get("ord-1")
		return err == nil && order.Status == entity.OrderStatusFilled
	})

	// a full fill notifies both the fill and the terminal status
	waitFor(t, func() bool {
		statuses, fills, _ := listener.counts()
		return statuses == 1 && fills == 1
	})
}

func TestDispatcherIgnoresDuplicateFills(t *testing.T) {
	s := store.New(repository.NewMemoryAuditTrail())
	submittedOrder(t, s, "ord-1", "brk-1", 100)

	listener := &recordingListener{}
	d := New(s, listener, nil, 2)
	events := make(chan entity.BrokerEvent, 8)
	d.Run(events)
	defer d.Stop()

	fillEvent := entity.BrokerEvent{
		Type:          entity.BrokerEventFill,
		BrokerOrderID: "brk-1",
		Fill: &entity.Fill{
			FillID:        "f-1",
			BrokerOrderID: "brk-1",
			Quantity:      decimal.NewFromInt(40),
			Price:         decimal.NewFromInt(100),
			Side:          entity.OrderSideBuy,
		},
	}
	events <- fillEvent
	events <- fillEvent

	waitFor(t, func() bool {
		order, err := s.Get("ord-1")
		return err == nil && order.Status == entity.OrderStatusPartiallyFilled
	})

	order, err := s.Get("ord-1")
	require.NoError(t, err)
	assert.True(t, order.FilledQuantity.Equal(decimal.NewFromInt(40)))

	_, fills, _ := listener.counts()
	assert.Equal(t, 1, fills)
}

func TestSameOrderEventsShareAWorker(t *testing.T) {
	s := store.New(repository.NewMemoryAuditTrail())
	submittedOrder(t, s, "ord-1", "brk-1", 100)

	d := New(s, &recordingListener{}, nil, 8)

	// a fill keyed by broker id and a status keyed by correlation id
	// describe the same order and must serialize on one worker
	fillIndex := d.queueIndex(entity.BrokerEvent{
		Type:          entity.BrokerEventFill,
		BrokerOrderID: "brk-1",
	})
	statusIndex := d.queueIndex(entity.BrokerEvent{
		Type:          entity.BrokerEventStatus,
		CorrelationID: "ord-1",
	})
	assert.Equal(t, statusIndex, fillIndex)

	// an order the store has never seen still routes deterministically
	foreignA := d.queueIndex(entity.BrokerEvent{Type: entity.BrokerEventStatus, BrokerOrderID: "brk-foreign"})
	foreignB := d.queueIndex(entity.BrokerEvent{Type: entity.BrokerEventStatus, BrokerOrderID: "brk-foreign"})
	assert.Equal(t, foreignA, foreignB)
}

func TestDispatcherUnknownOrderIsAnomaly(t *testing.T) {
	s := store.New(repository.NewMemoryAuditTrail())

	listener := &recordingListener{}
	emitter := &recordingEmitter{}
	d := New(s, listener, emitter, 1)
	events := make(chan entity.BrokerEvent, 8)
	d.Run(events)
	defer d.Stop()

	events <- entity.BrokerEvent{
		Type:          entity.BrokerEventStatus,
		BrokerOrderID: "brk-foreign",
		Status:        entity.OrderStatusFilled,
	}

	waitFor(t, func() bool {
		_, _, anomalies := listener.counts()
		return anomalies == 1
	})
	assert.True(t, emitter.has(entity.MonitorAnomaly))

	// the foreign order was never merged into local state
	assert.Empty(t, s.Snapshot())
}

func TestDispatcherEscalatesConsistencyViolations(t *testing.T) {
	s := store.New(repository.NewMemoryAuditTrail())
	submittedOrder(t, s, "ord-1", "brk-1", 100)
	_, err := s.Transition(context.Background(), "ord-1", entity.OrderStatusCancelled, "cancel confirmed", entity.AuditSourceLive)
	require.NoError(t, err)

	listener := &recordingListener{}
	emitter := &recordingEmitter{}
	d := New(s, listener, emitter, 1)
	events := make(chan entity.BrokerEvent, 8)
	d.Run(events)
	defer d.Stop()

	events <- entity.BrokerEvent{
		Type:          entity.BrokerEventFill,
		BrokerOrderID: "brk-1",
		Fill: &entity.Fill{
			FillID:        "f-late",
			BrokerOrderID: "brk-1",
			Quantity:      decimal.NewFromInt(10),
			Price:         decimal.NewFromInt(100),
			Side:          entity.OrderSideBuy,
		},
	}

	waitFor(t, func() bool { return emitter.has(entity.MonitorConsistency) })

	order, err := s.Get("ord-1")
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusCancelled, order.Status)
	assert.True(t, order.FilledQuantity.IsZero())
}

func TestDispatcherRedeliveredStatusIsIgnored(t *testing.T) {
	s := store.New(repository.NewMemoryAuditTrail())
	submittedOrder(t, s, "ord-1", "brk-1", 100)
	_, err := s.Transition(context.Background(), "ord-1", entity.OrderStatusCancelled, "cancel confirmed", entity.AuditSourceLive)
	require.NoError(t, err)

	listener := &recordingListener{}
	emitter := &recordingEmitter{}
	d := New(s, listener, emitter, 1)
	events := make(chan entity.BrokerEvent, 8)
	d.Run(events)

	events <- entity.BrokerEvent{
		Type:          entity.BrokerEventStatus,
		BrokerOrderID: "brk-1",
		Status:        entity.OrderStatusCancelled,
	}

	time.Sleep(50 * time.Millisecond)
	d.Stop()

	statuses, _, anomalies := listener.counts()
	assert.Zero(t, statuses)
	assert.Zero(t, anomalies)
	assert.False(t, emitter.has(entity.MonitorConsistency))
}
