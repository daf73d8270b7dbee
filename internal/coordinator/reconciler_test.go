package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/quantarc/execd/internal/config"
	"github.com/quantarc/execd/internal/connection"
	"github.com/quantarc/execd/internal/entity"
	"github.com/quantarc/execd/internal/positions"
	"github.com/quantarc/execd/internal/repository"
	"github.com/quantarc/execd/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// brokerView serves a fixed broker-side order table.
type brokerView struct {
	scriptedSession
	orders    []entity.BrokerOrderState
	positions []entity.Position
}

func (s *brokerView) QueryOpenOrders(context.Context) ([]entity.BrokerOrderState, error) {
	return s.orders, nil
}

func (s *brokerView) QueryPositions(context.Context) ([]entity.Position, error) {
	return s.positions, nil
}

func newReconcilerHarness(t *testing.T, pendingGrace time.Duration) (*Reconciler, *store.Store, *repository.MemoryAuditTrail, *positions.Book) {
	t.Helper()

	trail := repository.NewMemoryAuditTrail()
	orderStore := store.New(trail)
	book := positions.NewBook()
	subscribers := NewSubscribers()

	// the supervisor is only needed for Run; Reconcile takes a session
	supervisor := connection.NewSupervisor(&sessionDialer{initial: newScriptedSession(nil)}, config.BrokerConfig{
		ConnectTimeout:       time.Second,
		MaxReconnectAttempts: 1,
	}, nil)
	t.Cleanup(func() { _ = supervisor.Close() })

	reconciler := NewReconciler(orderStore, supervisor, book, positions.NopCache{}, nil, subscribers, config.ExecutionConfig{
		ReconcileInterval: time.Minute,
		PendingGrace:      pendingGrace,
	})

	return reconciler, orderStore, trail, book
}

func reserveUnknown(t *testing.T, orderStore *store.Store, correlationID string, qty int64) {
	t.Helper()
	ctx := context.Background()
	_, err := orderStore.Reserve(ctx, request(correlationID, qty))
	require.NoError(t, err)
	_, err = orderStore.MarkUnknown(ctx, correlationID, "ack timed out")
	require.NoError(t, err)
}

func TestReconcileResolvesUnknownFoundAtBroker(t *testing.T) {
	reconciler, orderStore, trail, _ := newReconcilerHarness(t, time.Minute)
	reserveUnknown(t, orderStore, "ord-1", 100)

	session := &brokerView{orders: []entity.BrokerOrderState{{
		BrokerOrderID:  "brk-1",
		CorrelationID:  "ord-1",
		Symbol:         "AAPL",
		Status:         entity.OrderStatusSubmitted,
		FilledQuantity: decimal.Zero,
	}}}

	require.NoError(t, reconciler.Reconcile(context.Background(), session))

	order, err := orderStore.Get("ord-1")
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusSubmitted, order.Status)
	assert.Equal(t, "brk-1", order.BrokerOrderID)

	// the resolution is audited as reconciliation-sourced
	events, err := trail.GetByCorrelationID(context.Background(), "ord-1")
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, entity.AuditSourceReconciliation, last.Source)
}

func TestReconcileResolvesUnknownAbsentAsRejected(t *testing.T) {
	reconciler, orderStore, _, _ := newReconcilerHarness(t, time.Minute)
	reserveUnknown(t, orderStore, "ord-1", 100)

	require.NoError(t, reconciler.Reconcile(context.Background(), &brokerView{}))

	order, err := orderStore.Get("ord-1")
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusRejected, order.Status)
}

func TestReconcileBackfillsMissedFills(t *testing.T) {
	reconciler, orderStore, trail, _ := newReconcilerHarness(t, time.Minute)

	ctx := context.Background()
	_, err := orderStore.Reserve(ctx, request("ord-1", 100))
	require.NoError(t, err)
	_, err = orderStore.MarkSubmitted(ctx, "ord-1", "brk-1", entity.AuditSourceLive)
	require.NoError(t, err)

	avg := decimal.RequireFromString("100.60")
	session := &brokerView{orders: []entity.BrokerOrderState{{
		BrokerOrderID:  "brk-1",
		CorrelationID:  "ord-1",
		Symbol:         "AAPL",
		Status:         entity.OrderStatusFilled,
		FilledQuantity: decimal.NewFromInt(100),
		AvgFillPrice:   &avg,
	}}}

	require.NoError(t, reconciler.Reconcile(ctx, session))

	order, err := orderStore.Get("ord-1")
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusFilled, order.Status)
	assert.True(t, order.FilledQuantity.Equal(decimal.NewFromInt(100)))
	require.NotNil(t, order.AvgFillPrice)
	assert.True(t, order.AvgFillPrice.Equal(avg))

	var sawReconciledFill bool
	for _, event := range trail.All() {
		if event.EventType == entity.AuditOrderFill && event.Source == entity.AuditSourceReconciliation {
			sawReconciledFill = true
		}
	}
	assert.True(t, sawReconciledFill)
}

func TestReconcileIsIdempotentAcrossPasses(t *testing.T) {
	reconciler, orderStore, trail, _ := newReconcilerHarness(t, time.Minute)

	ctx := context.Background()
	_, err := orderStore.Reserve(ctx, request("ord-1", 100))
	require.NoError(t, err)
	_, err = orderStore.MarkSubmitted(ctx, "ord-1", "brk-1", entity.AuditSourceLive)
	require.NoError(t, err)

	session := &brokerView{orders: []entity.BrokerOrderState{{
		BrokerOrderID:  "brk-1",
		CorrelationID:  "ord-1",
		Symbol:         "AAPL",
		Status:         entity.OrderStatusPartiallyFilled,
		FilledQuantity: decimal.NewFromInt(40),
	}}}

	require.NoError(t, reconciler.Reconcile(ctx, session))
	require.NoError(t, reconciler.Reconcile(ctx, session))

	order, err := orderStore.Get("ord-1")
	require.NoError(t, err)
	assert.True(t, order.FilledQuantity.Equal(decimal.NewFromInt(40)))

	var fillEvents int
	for _, event := range trail.All() {
		if event.EventType == entity.AuditOrderFill {
			fillEvents++
		}
	}
	assert.Equal(t, 1, fillEvents)
}

func TestReconcileLeavesFreshPendingAlone(t *testing.T) {
	reconciler, orderStore, _, _ := newReconcilerHarness(t, time.Minute)

	_, err := orderStore.Reserve(context.Background(), request("ord-1", 100))
	require.NoError(t, err)

	require.NoError(t, reconciler.Reconcile(context.Background(), &brokerView{}))

	order, err := orderStore.Get("ord-1")
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusPending, order.Status)
}

func TestReconcileRejectsStalePending(t *testing.T) {
	reconciler, orderStore, _, _ := newReconcilerHarness(t, time.Nanosecond)

	_, err := orderStore.Reserve(context.Background(), request("ord-1", 100))
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	require.NoError(t, reconciler.Reconcile(context.Background(), &brokerView{}))

	order, err := orderStore.Get("ord-1")
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusRejected, order.Status)
}

func TestReconcileReplacesPositionBook(t *testing.T) {
	reconciler, _, _, book := newReconcilerHarness(t, time.Minute)

	session := &brokerView{positions: []entity.Position{{
		Symbol:      "SPY",
		Quantity:    decimal.NewFromInt(25),
		AverageCost: decimal.NewFromInt(520),
	}}}

	require.NoError(t, reconciler.Reconcile(context.Background(), session))

	position, ok := book.Get("SPY")
	require.True(t, ok)
	assert.True(t, position.Quantity.Equal(decimal.NewFromInt(25)))
}
