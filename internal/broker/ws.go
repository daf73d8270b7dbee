// Package broker provides broker session implementations behind the
// entity.BrokerSession capability set. The concrete wire protocol lives
// here and nowhere else.
package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/quantarc/execd/internal/config"
	"github.com/quantarc/execd/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	ErrSessionClosed = errors.New("broker session closed")
	ErrAckTimeout    = errors.New("broker acknowledgment timed out")
)

// OrderRejectedError carries a broker-reported synchronous rejection.
type OrderRejectedError struct {
	CorrelationID string
	Reason        string
}

func (e *OrderRejectedError) Error() string {
	return fmt.Sprintf("order %s rejected by broker: %s", e.CorrelationID, e.Reason)
}

const (
	wsPingInterval = 2 * time.Minute
	wsEventBuffer  = 256
)

type wsCommand struct {
	Op            string          `json:"op"`
	RequestID     string          `json:"request_id"`
	Timestamp     int64           `json:"timestamp"`
	Signature     string          `json:"signature,omitempty"`
	APIKey        string          `json:"api_key,omitempty"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	Order         *wsOrderPayload `json:"order,omitempty"`
}

type wsOrderPayload struct {
	CorrelationID string `json:"correlation_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Quantity      string `json:"quantity"`
	LimitPrice    string `json:"limit_price,omitempty"`
	StopPrice     string `json:"stop_price,omitempty"`
	TimeInForce   string `json:"time_in_force,omitempty"`
	Account       string `json:"account,omitempty"`
}

type wsFrame struct {
	Type          string            `json:"type"`
	RequestID     string            `json:"request_id,omitempty"`
	BrokerOrderID string            `json:"broker_order_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Status        string            `json:"status,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Timestamp     int64             `json:"timestamp,omitempty"`
	Fill          *wsFillPayload    `json:"fill,omitempty"`
	Orders        []wsOrderState    `json:"orders,omitempty"`
	Positions     []wsPositionState `json:"positions,omitempty"`
}

type wsFillPayload struct {
	FillID        string `json:"fill_id"`
	BrokerOrderID string `json:"broker_order_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Symbol        string `json:"symbol"`
	Quantity      string `json:"quantity"`
	Price         string `json:"price"`
	Side          string `json:"side"`
	Commission    string `json:"commission,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

type wsOrderState struct {
	BrokerOrderID  string `json:"broker_order_id"`
	CorrelationID  string `json:"correlation_id,omitempty"`
	Symbol         string `json:"symbol"`
	Status         string `json:"status"`
	FilledQuantity string `json:"filled_quantity"`
	AvgFillPrice   string `json:"avg_fill_price,omitempty"`
}

type wsPositionState struct {
	Symbol        string `json:"symbol"`
	Quantity      string `json:"quantity"`
	AverageCost   string `json:"average_cost"`
	MarketValue   string `json:"market_value,omitempty"`
	UnrealizedPnl string `json:"unrealized_pnl,omitempty"`
}

// WSSession speaks the broker's websocket protocol: signed JSON commands
// out, a single ordered frame stream in. Request/reply pairs (submit,
// cancel, queries) are correlated by request id; everything else flows
// to the event channel.
type WSSession struct {
	cfg config.BrokerConfig

	writeMu sync.Mutex
	conn    *websocket.Conn

	pendingMu sync.Mutex
	pending   map[string]chan wsFrame

	events chan entity.BrokerEvent
	done   chan struct{}

	closeOnce sync.Once
}

func NewWSSession(cfg config.BrokerConfig) *WSSession {
	return &WSSession{
		cfg:     cfg,
		pending: map[string]chan wsFrame{},
		events:  make(chan entity.BrokerEvent, wsEventBuffer),
		done:    make(chan struct{}),
	}
}

func (s *WSSession) Connect(ctx context.Context) error {
	wsHost, err := url.Parse(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid broker url: %w", err)
	}

	logrus.Infof("connecting to %s", wsHost.String())
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsHost.String(), nil)
	if err != nil {
		return fmt.Errorf("broker ws dial: %w", err)
	}

	conn.SetPongHandler(func(string) error {
		return nil
	})

	s.conn = conn

	auth := wsCommand{
		Op:        "auth",
		RequestID: uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		APIKey:    s.cfg.APIKey,
	}
	auth.Signature = s.sign(auth)

	if err := s.writeCommand(auth); err != nil {
		_ = conn.Close()
		return fmt.Errorf("broker ws auth: %w", err)
	}

	go s.pingLoop()
	go s.readLoop()

	return nil
}

func (s *WSSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			s.writeMu.Lock()
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			s.writeMu.Unlock()
			_ = s.conn.Close()
		}
	})

	return nil
}

func (s *WSSession) Events() <-chan entity.BrokerEvent {
	return s.events
}

func (s *WSSession) SubmitOrder(ctx context.Context, order entity.Order) (string, error) {
	payload := &wsOrderPayload{
		CorrelationID: order.CorrelationID,
		Symbol:        order.Symbol,
		Side:          string(order.Side),
		Type:          string(order.Type),
		Quantity:      order.Quantity.String(),
		TimeInForce:   string(order.TimeInForce),
		Account:       order.Account,
	}
	if order.LimitPrice != nil {
		payload.LimitPrice = order.LimitPrice.String()
	}
	if order.StopPrice != nil {
		payload.StopPrice = order.StopPrice.String()
	}

	reply, err := s.request(ctx, wsCommand{
		Op:        "submit",
		RequestID: uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Order:     payload,
	})
	if err != nil {
		return "", err
	}

	if reply.Type == "reject" {
		return "", &OrderRejectedError{CorrelationID: order.CorrelationID, Reason: reply.Reason}
	}
	if reply.BrokerOrderID == "" {
		return "", fmt.Errorf("broker ack without order id for %s", order.CorrelationID)
	}

	return reply.BrokerOrderID, nil
}

func (s *WSSession) CancelOrder(ctx context.Context, brokerOrderID string) error {
	reply, err := s.request(ctx, wsCommand{
		Op:            "cancel",
		RequestID:     uuid.NewString(),
		Timestamp:     time.Now().UnixMilli(),
		BrokerOrderID: brokerOrderID,
	})
	if err != nil {
		return err
	}

	if reply.Type == "reject" {
		return fmt.Errorf("cancel rejected for %s: %s", brokerOrderID, reply.Reason)
	}

	return nil
}

func (s *WSSession) QueryOpenOrders(ctx context.Context) ([]entity.BrokerOrderState, error) {
	reply, err := s.request(ctx, wsCommand{
		Op:        "query_orders",
		RequestID: uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, err
	}

	states := make([]entity.BrokerOrderState, 0, len(reply.Orders))
	for _, raw := range reply.Orders {
		state, err := parseOrderState(raw)
		if err != nil {
			logrus.Warnf("skipping malformed broker order state: %v", err)
			continue
		}
		states = append(states, state)
	}

	return states, nil
}

func (s *WSSession) QueryPositions(ctx context.Context) ([]entity.Position, error) {
	reply, err := s.request(ctx, wsCommand{
		Op:        "query_positions",
		RequestID: uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	positions := make([]entity.Position, 0, len(reply.Positions))
	for _, raw := range reply.Positions {
		position, err := parsePosition(raw, now)
		if err != nil {
			logrus.Warnf("skipping malformed broker position: %v", err)
			continue
		}
		positions = append(positions, position)
	}

	return positions, nil
}

// request sends a signed command and waits for its reply frame, honoring
// the context deadline. An elapsed deadline on submit is the ack-timeout
// path upstream.
func (s *WSSession) request(ctx context.Context, cmd wsCommand) (wsFrame, error) {
	cmd.Signature = s.sign(cmd)

	replyCh := make(chan wsFrame, 1)
	s.pendingMu.Lock()
	s.pending[cmd.RequestID] = replyCh
	s.pendingMu.Unlock()

	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, cmd.RequestID)
		s.pendingMu.Unlock()
	}()

	if err := s.writeCommand(cmd); err != nil {
		return wsFrame{}, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-s.done:
		return wsFrame{}, ErrSessionClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return wsFrame{}, ErrAckTimeout
		}
		return wsFrame{}, ctx.Err()
	}
}

func (s *WSSession) writeCommand(cmd wsCommand) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// sign computes the HMAC-SHA256 request signature over op, request id
// and timestamp.
func (s *WSSession) sign(cmd wsCommand) string {
	mac := hmac.New(sha256.New, []byte(s.cfg.APISecret))
	mac.Write([]byte(cmd.Op + "|" + cmd.RequestID + "|" + strconv.FormatInt(cmd.Timestamp, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *WSSession) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				logrus.Errorf("broker ws ping failed: %v", err)
				return
			}
		case <-s.done:
			return
		}
	}
}

// readLoop owns the inbound side. A read error ends the session: the
// event channel closes and pending requests fail, which the connection
// supervisor treats as loss.
func (s *WSSession) readLoop() {
	defer func() {
		s.failPending()
		close(s.events)
	}()

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				logrus.Errorf("broker ws read failed: %v", err)
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			logrus.Warnf("broker ws malformed frame: %v", err)
			continue
		}

		if frame.RequestID != "" {
			s.pendingMu.Lock()
			replyCh, ok := s.pending[frame.RequestID]
			s.pendingMu.Unlock()
			if ok {
				replyCh <- frame
				continue
			}
		}

		event, ok := frameToEvent(frame)
		if !ok {
			logrus.Warnf("broker ws unhandled frame type: %s", frame.Type)
			continue
		}

		select {
		case s.events <- event:
		case <-s.done:
			return
		}
	}
}

func (s *WSSession) failPending() {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	for id, replyCh := range s.pending {
		close(replyCh)
		delete(s.pending, id)
	}
}

func frameToEvent(frame wsFrame) (entity.BrokerEvent, bool) {
	timestamp := time.Now().UTC()
	if frame.Timestamp > 0 {
		timestamp = time.UnixMilli(frame.Timestamp).UTC()
	}

	switch frame.Type {
	case "status":
		return entity.BrokerEvent{
			Type:          entity.BrokerEventStatus,
			BrokerOrderID: frame.BrokerOrderID,
			CorrelationID: frame.CorrelationID,
			Status:        entity.OrderStatus(frame.Status),
			Reason:        frame.Reason,
			Timestamp:     timestamp,
		}, true
	case "fill":
		if frame.Fill == nil {
			return entity.BrokerEvent{}, false
		}

		fill, err := parseFill(*frame.Fill)
		if err != nil {
			logrus.Warnf("broker ws malformed fill: %v", err)
			return entity.BrokerEvent{}, false
		}

		return entity.BrokerEvent{
			Type:          entity.BrokerEventFill,
			BrokerOrderID: fill.BrokerOrderID,
			CorrelationID: fill.CorrelationID,
			Fill:          &fill,
			Timestamp:     timestamp,
		}, true
	case "reject":
		return entity.BrokerEvent{
			Type:          entity.BrokerEventReject,
			BrokerOrderID: frame.BrokerOrderID,
			CorrelationID: frame.CorrelationID,
			Reason:        frame.Reason,
			Timestamp:     timestamp,
		}, true
	case "connection":
		return entity.BrokerEvent{
			Type:       entity.BrokerEventConnection,
			Connection: entity.ConnectionState(frame.Status),
			Reason:     frame.Reason,
			Timestamp:  timestamp,
		}, true
	default:
		return entity.BrokerEvent{}, false
	}
}

func parseFill(raw wsFillPayload) (entity.Fill, error) {
	quantity, err := decimal.NewFromString(raw.Quantity)
	if err != nil {
		return entity.Fill{}, fmt.Errorf("invalid fill quantity: %w", err)
	}

	price, err := decimal.NewFromString(raw.Price)
	if err != nil {
		return entity.Fill{}, fmt.Errorf("invalid fill price: %w", err)
	}

	fill := entity.Fill{
		FillID:        raw.FillID,
		BrokerOrderID: raw.BrokerOrderID,
		CorrelationID: raw.CorrelationID,
		Symbol:        raw.Symbol,
		Quantity:      quantity,
		Price:         price,
		Side:          entity.OrderSide(raw.Side),
		Timestamp:     time.UnixMilli(raw.Timestamp).UTC(),
	}

	if raw.Commission != "" {
		commission, err := decimal.NewFromString(raw.Commission)
		if err != nil {
			return entity.Fill{}, fmt.Errorf("invalid fill commission: %w", err)
		}
		fill.Commission = &commission
	}

	return fill, nil
}

func parseOrderState(raw wsOrderState) (entity.BrokerOrderState, error) {
	filled, err := decimal.NewFromString(raw.FilledQuantity)
	if err != nil {
		return entity.BrokerOrderState{}, fmt.Errorf("invalid filled quantity: %w", err)
	}

	state := entity.BrokerOrderState{
		BrokerOrderID:  raw.BrokerOrderID,
		CorrelationID:  raw.CorrelationID,
		Symbol:         raw.Symbol,
		Status:         entity.OrderStatus(raw.Status),
		FilledQuantity: filled,
	}

	if raw.AvgFillPrice != "" {
		avg, err := decimal.NewFromString(raw.AvgFillPrice)
		if err != nil {
			return entity.BrokerOrderState{}, fmt.Errorf("invalid avg fill price: %w", err)
		}
		state.AvgFillPrice = &avg
	}

	return state, nil
}

func parsePosition(raw wsPositionState, now time.Time) (entity.Position, error) {
	quantity, err := decimal.NewFromString(raw.Quantity)
	if err != nil {
		return entity.Position{}, fmt.Errorf("invalid position quantity: %w", err)
	}

	averageCost, err := decimal.NewFromString(raw.AverageCost)
	if err != nil {
		return entity.Position{}, fmt.Errorf("invalid average cost: %w", err)
	}

	position := entity.Position{
		Symbol:      raw.Symbol,
		Quantity:    quantity,
		AverageCost: averageCost,
		MarketValue: quantity.Mul(averageCost),
		Timestamp:   now,
	}

	if raw.MarketValue != "" {
		marketValue, err := decimal.NewFromString(raw.MarketValue)
		if err == nil {
			position.MarketValue = marketValue
		}
	}
	if raw.UnrealizedPnl != "" {
		pnl, err := decimal.NewFromString(raw.UnrealizedPnl)
		if err == nil {
			position.UnrealizedPnl = pnl
		}
	}

	return position, nil
}

// WSDialer dials a fresh websocket session per connection attempt.
type WSDialer struct {
	cfg config.BrokerConfig
}

func NewWSDialer(cfg config.BrokerConfig) *WSDialer {
	return &WSDialer{cfg: cfg}
}

func (d *WSDialer) Dial(ctx context.Context) (entity.BrokerSession, error) {
	session := NewWSSession(d.cfg)
	if err := session.Connect(ctx); err != nil {
		return nil, err
	}

	return session, nil
}
