package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quantarc/execd/internal/entity"
	"github.com/shopspring/decimal"
)

// PaperSession is an in-process broker used in paper mode and tests. It
// acks submits immediately and, when auto-fill is on, fully fills each
// order on a background goroutine so the async notification path stays
// exercised.
type PaperSession struct {
	autoFill  bool
	fillDelay time.Duration

	mu     sync.Mutex
	orders map[string]*entity.BrokerOrderState
	byCorr map[string]string
	seq    atomic.Int64

	events chan entity.BrokerEvent
	done   chan struct{}

	closeOnce sync.Once
}

func NewPaperSession(autoFill bool, fillDelay time.Duration) *PaperSession {
	return &PaperSession{
		autoFill:  autoFill,
		fillDelay: fillDelay,
		orders:    map[string]*entity.BrokerOrderState{},
		byCorr:    map[string]string{},
		events:    make(chan entity.BrokerEvent, wsEventBuffer),
		done:      make(chan struct{}),
	}
}

func (s *PaperSession) Connect(ctx context.Context) error {
	return nil
}

func (s *PaperSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		close(s.events)
	})

	return nil
}

func (s *PaperSession) Events() <-chan entity.BrokerEvent {
	return s.events
}

func (s *PaperSession) SubmitOrder(ctx context.Context, order entity.Order) (string, error) {
	select {
	case <-s.done:
		return "", ErrSessionClosed
	default:
	}

	s.mu.Lock()
	if brokerID, ok := s.byCorr[order.CorrelationID]; ok {
		s.mu.Unlock()
		return brokerID, nil
	}

	brokerID := fmt.Sprintf("paper-%d", s.seq.Add(1))
	s.orders[brokerID] = &entity.BrokerOrderState{
		BrokerOrderID:  brokerID,
		CorrelationID:  order.CorrelationID,
		Symbol:         order.Symbol,
		Status:         entity.OrderStatusSubmitted,
		FilledQuantity: decimal.Zero,
	}
	s.byCorr[order.CorrelationID] = brokerID
	s.mu.Unlock()

	if s.autoFill {
		go s.fill(brokerID, order)
	}

	return brokerID, nil
}

func (s *PaperSession) fill(brokerID string, order entity.Order) {
	if s.fillDelay > 0 {
		select {
		case <-time.After(s.fillDelay):
		case <-s.done:
			return
		}
	}

	price := decimal.NewFromInt(100)
	if order.LimitPrice != nil {
		price = *order.LimitPrice
	}

	s.mu.Lock()
	state, ok := s.orders[brokerID]
	if !ok || state.Status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	state.Status = entity.OrderStatusFilled
	state.FilledQuantity = order.Quantity
	state.AvgFillPrice = &price
	s.mu.Unlock()

	event := entity.BrokerEvent{
		Type:          entity.BrokerEventFill,
		BrokerOrderID: brokerID,
		CorrelationID: order.CorrelationID,
		Fill: &entity.Fill{
			FillID:        uuid.NewString(),
			BrokerOrderID: brokerID,
			CorrelationID: order.CorrelationID,
			Symbol:        order.Symbol,
			Quantity:      order.Quantity,
			Price:         price,
			Side:          order.Side,
			Timestamp:     time.Now().UTC(),
		},
		Timestamp: time.Now().UTC(),
	}

	select {
	case s.events <- event:
	case <-s.done:
	}
}

func (s *PaperSession) CancelOrder(ctx context.Context, brokerOrderID string) error {
	s.mu.Lock()
	state, ok := s.orders[brokerOrderID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown broker order %s", brokerOrderID)
	}
	if state.Status.IsTerminal() {
		s.mu.Unlock()
		return nil
	}
	state.Status = entity.OrderStatusCancelled
	correlationID := state.CorrelationID
	s.mu.Unlock()

	event := entity.BrokerEvent{
		Type:          entity.BrokerEventStatus,
		BrokerOrderID: brokerOrderID,
		CorrelationID: correlationID,
		Status:        entity.OrderStatusCancelled,
		Timestamp:     time.Now().UTC(),
	}

	select {
	case s.events <- event:
	case <-s.done:
	}

	return nil
}

func (s *PaperSession) QueryOpenOrders(ctx context.Context) ([]entity.BrokerOrderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := make([]entity.BrokerOrderState, 0, len(s.orders))
	for _, state := range s.orders {
		states = append(states, *state)
	}

	return states, nil
}

func (s *PaperSession) QueryPositions(ctx context.Context) ([]entity.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	bySymbol := map[string]*entity.Position{}
	for _, state := range s.orders {
		if state.FilledQuantity.IsZero() {
			continue
		}

		position, ok := bySymbol[state.Symbol]
		if !ok {
			position = &entity.Position{Symbol: state.Symbol, Timestamp: now}
			bySymbol[state.Symbol] = position
		}
		position.Quantity = position.Quantity.Add(state.FilledQuantity)
		if state.AvgFillPrice != nil {
			position.AverageCost = *state.AvgFillPrice
			position.MarketValue = position.Quantity.Mul(position.AverageCost)
		}
	}

	positions := make([]entity.Position, 0, len(bySymbol))
	for _, position := range bySymbol {
		positions = append(positions, *position)
	}

	return positions, nil
}

// PaperDialer hands out fresh paper sessions.
type PaperDialer struct {
	AutoFill  bool
	FillDelay time.Duration
}

func (d *PaperDialer) Dial(ctx context.Context) (entity.BrokerSession, error) {
	session := NewPaperSession(d.AutoFill, d.FillDelay)
	if err := session.Connect(ctx); err != nil {
		return nil, err
	}

	return session, nil
}
