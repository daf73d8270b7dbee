package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderType string
type OrderSide string
type TimeInForce string
type OrderStatus string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"

	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"

	TimeInForceDay TimeInForce = "DAY"
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"

	// OrderStatusPending means the order is reserved locally but not yet sent.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusSubmitted means the broker acknowledged the order and
	// assigned it a broker-side id.
	OrderStatusSubmitted OrderStatus = "SUBMITTED"
	// OrderStatusUnknown means the submit went out but no acknowledgment
	// arrived within the ack window. Resolved by reconciliation, never by
	// a blind retry.
	OrderStatusUnknown         OrderStatus = "UNKNOWN"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether no further mutation of an order in this
// status is permitted.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// RequiresLimitPrice reports whether the order type carries a limit price.
func (t OrderType) RequiresLimitPrice() bool {
	return t == OrderTypeLimit || t == OrderTypeStopLimit
}

// RequiresStopPrice reports whether the order type carries a stop price.
func (t OrderType) RequiresStopPrice() bool {
	return t == OrderTypeStop || t == OrderTypeStopLimit
}

// OrderRequest is the immutable intent produced by a caller. The
// correlation id links the intent to every broker and audit record it
// produces.
type OrderRequest struct {
	CorrelationID string           `json:"correlation_id"`
	Symbol        string           `json:"symbol"`
	Quantity      decimal.Decimal  `json:"quantity"`
	Side          OrderSide        `json:"side"`
	Type          OrderType        `json:"type"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice     *decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce   TimeInForce      `json:"time_in_force"`
	Account       string           `json:"account,omitempty"`
	Source        string           `json:"source,omitempty"`
}

// Order is the mutable record owned exclusively by the order state store.
// Everything outside the store only ever sees copies.
type Order struct {
	CorrelationID  string           `json:"correlation_id"`
	BrokerOrderID  string           `json:"broker_order_id,omitempty"`
	Symbol         string           `json:"symbol"`
	Side           OrderSide        `json:"side"`
	Type           OrderType        `json:"type"`
	Quantity       decimal.Decimal  `json:"quantity"`
	FilledQuantity decimal.Decimal  `json:"filled_quantity"`
	AvgFillPrice   *decimal.Decimal `json:"avg_fill_price,omitempty"`
	Status         OrderStatus      `json:"status"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice      *decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce    TimeInForce      `json:"time_in_force"`
	Account        string           `json:"account,omitempty"`
	SubmittedAt    time.Time        `json:"submitted_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// Fill is a broker-reported execution. Applied exactly once, deduplicated
// by fill id.
type Fill struct {
	FillID        string           `json:"fill_id"`
	BrokerOrderID string           `json:"broker_order_id"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	Symbol        string           `json:"symbol"`
	Quantity      decimal.Decimal  `json:"quantity"`
	Price         decimal.Decimal  `json:"price"`
	Side          OrderSide        `json:"side"`
	Commission    *decimal.Decimal `json:"commission,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}

// Position is a derived, read-only snapshot. Positive quantity is long,
// negative is short. Never itself the source of truth.
type Position struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AverageCost   decimal.Decimal `json:"average_cost"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
	Timestamp     time.Time       `json:"timestamp"`
}
