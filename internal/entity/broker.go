package entity

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "DISCONNECTED"
	ConnectionStateConnecting   ConnectionState = "CONNECTING"
	ConnectionStateConnected    ConnectionState = "CONNECTED"
	ConnectionStateDegraded     ConnectionState = "DEGRADED"
)

type BrokerEventType string

const (
	BrokerEventStatus     BrokerEventType = "status"
	BrokerEventFill       BrokerEventType = "fill"
	BrokerEventReject     BrokerEventType = "reject"
	BrokerEventConnection BrokerEventType = "connection"
)

// BrokerEvent is one notification from the broker's inbound stream.
// Exactly one payload field is set depending on Type.
type BrokerEvent struct {
	Type          BrokerEventType `json:"type"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Status        OrderStatus     `json:"status,omitempty"`
	Fill          *Fill           `json:"fill,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Connection    ConnectionState `json:"connection,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// BrokerOrderState is the broker's view of one order, returned by the
// open-orders query and consumed during reconciliation.
type BrokerOrderState struct {
	BrokerOrderID  string           `json:"broker_order_id"`
	CorrelationID  string           `json:"correlation_id,omitempty"`
	Symbol         string           `json:"symbol"`
	Status         OrderStatus      `json:"status"`
	FilledQuantity decimal.Decimal  `json:"filled_quantity"`
	AvgFillPrice   *decimal.Decimal `json:"avg_fill_price,omitempty"`
}

// BrokerSession abstracts the single stateful broker connection as a
// capability set plus one ordered inbound event stream. The concrete wire
// protocol stays behind this interface.
type BrokerSession interface {
	// Connect establishes the session. Retryable failures are reported
	// as errors; retry policy belongs to the connection supervisor.
	Connect(ctx context.Context) error

	// Close tears the session down. It cancels no outstanding orders.
	Close() error

	// SubmitOrder sends the order and waits for the broker ack, honoring
	// the context deadline. On ack it returns the broker-assigned id.
	SubmitOrder(ctx context.Context, order Order) (string, error)

	// CancelOrder requests cancellation of an open order. Cancellation is
	// a request, not a guarantee.
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// QueryOpenOrders returns the broker's current view of open orders.
	QueryOpenOrders(ctx context.Context) ([]BrokerOrderState, error)

	// QueryPositions returns the broker's current positions.
	QueryPositions(ctx context.Context) ([]Position, error)

	// Events returns the inbound notification stream. The channel is
	// closed when the session is lost or closed.
	Events() <-chan BrokerEvent
}

// SessionDialer produces broker sessions. The connection supervisor dials
// a fresh session on every (re)connect attempt.
type SessionDialer interface {
	Dial(ctx context.Context) (BrokerSession, error)
}
