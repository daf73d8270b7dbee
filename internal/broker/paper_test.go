package broker

import (
	"context"
	"testing"
	"time"

	"github.com/quantarc/execd/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paperOrder(correlationID string, qty int64) entity.Order {
	return entity.Order{
		CorrelationID: correlationID,
		Symbol:        "AAPL",
		Side:          entity.OrderSideBuy,
		Type:          entity.OrderTypeMarket,
		Quantity:      decimal.NewFromInt(qty),
		Status:        entity.OrderStatusPending,
	}
}

func TestPaperSubmitAcksImmediately(t *testing.T) {
	session := NewPaperSession(false, 0)
	defer session.Close()

	brokerOrderID, err := session.SubmitOrder(context.Background(), paperOrder("ord-1", 100))
	require.NoError(t, err)
	assert.Equal(t, "paper-1", brokerOrderID)

	states, err := session.QueryOpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, entity.OrderStatusSubmitted, states[0].Status)
	assert.Equal(t, "ord-1", states[0].CorrelationID)
}

func TestPaperSubmitIsIdempotentPerCorrelationID(t *testing.T) {
	session := NewPaperSession(false, 0)
	defer session.Close()

	first, err := session.SubmitOrder(context.Background(), paperOrder("ord-1", 100))
	require.NoError(t, err)
	second, err := session.SubmitOrder(context.Background(), paperOrder("ord-1", 100))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPaperAutoFillEmitsFillEvent(t *testing.T) {
	session := NewPaperSession(true, 0)
	defer session.Close()

	_, err := session.SubmitOrder(context.Background(), paperOrder("ord-1", 100))
	require.NoError(t, err)

	select {
	case event := <-session.Events():
		require.Equal(t, entity.BrokerEventFill, event.Type)
		require.NotNil(t, event.Fill)
		assert.Equal(t, "ord-1", event.Fill.CorrelationID)
		assert.True(t, event.Fill.Quantity.Equal(decimal.NewFromInt(100)))
	case <-time.After(2 * time.Second):
		t.Fatal("no fill event")
	}
}

func TestPaperCancelEmitsStatusEvent(t *testing.T) {
	session := NewPaperSession(false, 0)
	defer session.Close()

	brokerOrderID, err := session.SubmitOrder(context.Background(), paperOrder("ord-1", 100))
	require.NoError(t, err)

	require.NoError(t, session.CancelOrder(context.Background(), brokerOrderID))

	select {
	case event := <-session.Events():
		assert.Equal(t, entity.BrokerEventStatus, event.Type)
		assert.Equal(t, entity.OrderStatusCancelled, event.Status)
		assert.Equal(t, "ord-1", event.CorrelationID)
	case <-time.After(2 * time.Second):
		t.Fatal("no status event")
	}

	// cancelling a terminal order is a no-op
	require.NoError(t, session.CancelOrder(context.Background(), brokerOrderID))
}

func TestPaperSubmitAfterClose(t *testing.T) {
	session := NewPaperSession(false, 0)
	require.NoError(t, session.Close())

	_, err := session.SubmitOrder(context.Background(), paperOrder("ord-1", 100))
	assert.ErrorIs(t, err, ErrSessionClosed)
}
