package store

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/quantarc/execd/internal/entity"
)

// Restore applies one audit event to rebuild in-memory state after a
// restart. The log is the source of truth: events are applied in append
// order without re-auditing. A crash between log and apply is recovered
// here because the logged transition simply replays.
func (s *Store) Restore(event entity.AuditEvent) error {
	switch event.EventType {
	case entity.AuditRiskCheckFailed, entity.AuditConnectionChange:
		// No order state was ever created for these.
		return nil
	case entity.AuditOrderAccepted:
		return s.restoreAccepted(event)
	case entity.AuditOrderFill:
		return s.restoreFill(event)
	default:
		return s.restoreStatus(event)
	}
}

func (s *Store) restoreAccepted(event entity.AuditEvent) error {
	var req entity.OrderRequest
	if err := json.Unmarshal(event.Payload, &req); err != nil {
		return fmt.Errorf("decode accepted payload for %s: %w", event.CorrelationID, err)
	}

	sh := s.shardFor(event.CorrelationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.records[event.CorrelationID]; exists {
		return nil
	}

	sh.records[event.CorrelationID] = &record{
		order: entity.Order{
			CorrelationID: req.CorrelationID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          req.Type,
			Quantity:      req.Quantity,
			LimitPrice:    req.LimitPrice,
			StopPrice:     req.StopPrice,
			TimeInForce:   req.TimeInForce,
			Account:       req.Account,
			Status:        entity.OrderStatusPending,
			SubmittedAt:   event.CreatedAt,
			UpdatedAt:     event.CreatedAt,
		},
		appliedFills: map[string]struct{}{},
	}

	return nil
}

func (s *Store) restoreFill(event entity.AuditEvent) error {
	var fill entity.Fill
	if err := json.Unmarshal(event.Payload, &fill); err != nil {
		return fmt.Errorf("decode fill payload for %s: %w", event.CorrelationID, err)
	}

	sh := s.shardFor(event.CorrelationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[event.CorrelationID]
	if !ok {
		return fmt.Errorf("fill event for unknown order %s", event.CorrelationID)
	}

	if _, seen := rec.appliedFills[fill.FillID]; seen {
		return nil
	}

	rec.order.AvgFillPrice = weightedAverage(rec.order.AvgFillPrice, rec.order.FilledQuantity, fill.Price, fill.Quantity)
	rec.order.FilledQuantity = rec.order.FilledQuantity.Add(fill.Quantity)
	rec.order.Status = entity.OrderStatus(event.NewStatus)
	rec.order.UpdatedAt = eventTime(event)
	rec.appliedFills[fill.FillID] = struct{}{}

	return nil
}

func (s *Store) restoreStatus(event entity.AuditEvent) error {
	sh := s.shardFor(event.CorrelationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[event.CorrelationID]
	if !ok {
		return fmt.Errorf("%s event for unknown order %s", event.EventType, event.CorrelationID)
	}

	if event.BrokerOrderID != "" && rec.order.BrokerOrderID == "" {
		rec.order.BrokerOrderID = event.BrokerOrderID

		s.brokerMu.Lock()
		s.byBroker[event.BrokerOrderID] = event.CorrelationID
		s.brokerMu.Unlock()
	}

	if event.NewStatus != "" {
		rec.order.Status = entity.OrderStatus(event.NewStatus)
	}
	rec.order.UpdatedAt = eventTime(event)

	return nil
}

func eventTime(event entity.AuditEvent) time.Time {
	if event.CreatedAt.IsZero() {
		return time.Now().UTC()
	}

	return event.CreatedAt
}
