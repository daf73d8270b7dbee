// Package store holds the authoritative in-memory order state. Mutation
// is serialized per order via sharded locks so unrelated orders never
// contend, and every accepted transition is durably audited before it
// becomes queryable state.
package store

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/quantarc/execd/internal/entity"
	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound          = errors.New("order not found")
	ErrDuplicateCorrelationID = errors.New("duplicate correlation id")
)

// ConsistencyViolationError reports a broken invariant: a transition out
// of a terminal status, a changed broker order id, or an overfill. It is
// escalated by callers, never swallowed or clamped.
type ConsistencyViolationError struct {
	CorrelationID string
	From          entity.OrderStatus
	To            entity.OrderStatus
	Reason        string
}

func (e *ConsistencyViolationError) Error() string {
	return fmt.Sprintf("consistency violation on order %s (%s -> %s): %s", e.CorrelationID, e.From, e.To, e.Reason)
}

// AuditAppender is the durable append-only sink for accepted
// transitions. Append must return cleanly only once the event is
// durable; the store applies a transition only after its audit record
// landed.
type AuditAppender interface {
	Append(ctx context.Context, event *entity.AuditEvent) error
}

// validTransitions is the order state machine. Terminal statuses are
// absorbing and deliberately have no outgoing edges.
var validTransitions = map[entity.OrderStatus][]entity.OrderStatus{
	entity.OrderStatusPending: {
		entity.OrderStatusSubmitted,
		entity.OrderStatusUnknown,
		entity.OrderStatusCancelled,
		entity.OrderStatusRejected,
		entity.OrderStatusPartiallyFilled,
		entity.OrderStatusFilled,
	},
	entity.OrderStatusSubmitted: {
		entity.OrderStatusPartiallyFilled,
		entity.OrderStatusFilled,
		entity.OrderStatusCancelled,
		entity.OrderStatusRejected,
		entity.OrderStatusUnknown,
	},
	entity.OrderStatusUnknown: {
		entity.OrderStatusSubmitted,
		entity.OrderStatusPartiallyFilled,
		entity.OrderStatusFilled,
		entity.OrderStatusCancelled,
		entity.OrderStatusRejected,
	},
	entity.OrderStatusPartiallyFilled: {
		entity.OrderStatusPartiallyFilled,
		entity.OrderStatusFilled,
		entity.OrderStatusCancelled,
	},
}

func transitionAllowed(from, to entity.OrderStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}

	return false
}

type record struct {
	order        entity.Order
	appliedFills map[string]struct{}
}

type shard struct {
	mu      sync.RWMutex
	records map[string]*record
}

type Store struct {
	shards []*shard
	audit  AuditAppender

	brokerMu sync.RWMutex
	byBroker map[string]string
}

const defaultShardCount = 32

func New(audit AuditAppender) *Store {
	return NewWithShards(audit, defaultShardCount)
}

func NewWithShards(audit AuditAppender, shardCount int) *Store {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}

	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{records: map[string]*record{}}
	}

	return &Store{
		shards:   shards,
		audit:    audit,
		byBroker: map[string]string{},
	}
}

func (s *Store) shardFor(correlationID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(correlationID))
	return s.shards[int(h.Sum32())%len(s.shards)]
}

// Reserve creates a PENDING order for an approved request. The
// acceptance is audited before the order becomes visible.
func (s *Store) Reserve(ctx context.Context, req entity.OrderRequest) (entity.Order, error) {
	sh := s.shardFor(req.CorrelationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.records[req.CorrelationID]; exists {
		return entity.Order{}, ErrDuplicateCorrelationID
	}

	now := time.Now().UTC()
	order := entity.Order{
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
		SubmittedAt:   now,
		UpdatedAt:     now,
	}

	payload, _ := json.Marshal(req)
	err := s.audit.Append(ctx, &entity.AuditEvent{
		CorrelationID: req.CorrelationID,
		EventType:     entity.AuditOrderAccepted,
		NewStatus:     string(entity.OrderStatusPending),
		Payload:       payload,
		Source:        entity.AuditSourceLive,
		CreatedAt:     now,
	})
	if err != nil {
		return entity.Order{}, fmt.Errorf("audit append: %w", err)
	}

	sh.records[req.CorrelationID] = &record{
		order:        order,
		appliedFills: map[string]struct{}{},
	}

	return order, nil
}

// MarkSubmitted attaches the broker-assigned id and moves the order to
// SUBMITTED. The broker id is write-once.
func (s *Store) MarkSubmitted(ctx context.Context, correlationID, brokerOrderID string, source entity.AuditSource) (entity.Order, error) {
	sh := s.shardFor(correlationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[correlationID]
	if !ok {
		return entity.Order{}, ErrOrderNotFound
	}

	if rec.order.BrokerOrderID != "" && rec.order.BrokerOrderID != brokerOrderID {
		return rec.order, &ConsistencyViolationError{
			CorrelationID: correlationID,
			From:          rec.order.Status,
			To:            entity.OrderStatusSubmitted,
			Reason:        fmt.Sprintf("broker order id already set to %s, got %s", rec.order.BrokerOrderID, brokerOrderID),
		}
	}

	if !transitionAllowed(rec.order.Status, entity.OrderStatusSubmitted) {
		return rec.order, &ConsistencyViolationError{
			CorrelationID: correlationID,
			From:          rec.order.Status,
			To:            entity.OrderStatusSubmitted,
			Reason:        "transition not allowed",
		}
	}

	now := time.Now().UTC()
	err := s.audit.Append(ctx, &entity.AuditEvent{
		CorrelationID: correlationID,
		BrokerOrderID: brokerOrderID,
		EventType:     entity.AuditOrderSubmitted,
		PriorStatus:   string(rec.order.Status),
		NewStatus:     string(entity.OrderStatusSubmitted),
		Source:        source,
		CreatedAt:     now,
	})
	if err != nil {
		return rec.order, fmt.Errorf("audit append: %w", err)
	}

	rec.order.BrokerOrderID = brokerOrderID
	rec.order.Status = entity.OrderStatusSubmitted
	rec.order.UpdatedAt = now

	s.brokerMu.Lock()
	s.byBroker[brokerOrderID] = correlationID
	s.brokerMu.Unlock()

	return rec.order, nil
}

// MarkUnknown moves an order into the ack-timeout sub-state. Not a
// failure; the reconciler resolves the true state.
func (s *Store) MarkUnknown(ctx context.Context, correlationID, reason string) (entity.Order, error) {
	return s.Transition(ctx, correlationID, entity.OrderStatusUnknown, reason, entity.AuditSourceLive)
}

// Transition applies a validated status change. Transitions out of a
// terminal status are consistency violations.
func (s *Store) Transition(ctx context.Context, correlationID string, to entity.OrderStatus, reason string, source entity.AuditSource) (entity.Order, error) {
	sh := s.shardFor(correlationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[correlationID]
	if !ok {
		return entity.Order{}, ErrOrderNotFound
	}

	from := rec.order.Status
	if !transitionAllowed(from, to) {
		reason := "transition not allowed"
		if from.IsTerminal() {
			reason = "order is in a terminal status"
		}

		return rec.order, &ConsistencyViolationError{
			CorrelationID: correlationID,
			From:          from,
			To:            to,
			Reason:        reason,
		}
	}

	now := time.Now().UTC()
	var payload []byte
	if reason != "" {
		payload, _ = json.Marshal(map[string]string{"reason": reason})
	}

	err := s.audit.Append(ctx, &entity.AuditEvent{
		CorrelationID: correlationID,
		BrokerOrderID: rec.order.BrokerOrderID,
		EventType:     auditTypeFor(to, source),
		PriorStatus:   string(from),
		NewStatus:     string(to),
		Payload:       payload,
		Source:        source,
		CreatedAt:     now,
	})
	if err != nil {
		return rec.order, fmt.Errorf("audit append: %w", err)
	}

	rec.order.Status = to
	rec.order.UpdatedAt = now

	return rec.order, nil
}

func auditTypeFor(to entity.OrderStatus, source entity.AuditSource) entity.AuditEventType {
	if source == entity.AuditSourceReconciliation {
		return entity.AuditOrderReconciled
	}

	switch to {
	case entity.OrderStatusSubmitted:
		return entity.AuditOrderSubmitted
	case entity.OrderStatusUnknown:
		return entity.AuditOrderUnknown
	case entity.OrderStatusCancelled:
		return entity.AuditOrderCancelled
	case entity.OrderStatusRejected:
		return entity.AuditOrderRejected
	default:
		return entity.AuditOrderFill
	}
}

// ApplyFill applies a broker fill exactly once, keyed by fill id. The
// second return reports whether the fill was applied (false for a
// duplicate). Filled quantity is strictly non-decreasing; an overfill is
// a consistency violation, not a clamp.
func (s *Store) ApplyFill(ctx context.Context, fill entity.Fill, source entity.AuditSource) (entity.Order, bool, error) {
	correlationID := fill.CorrelationID
	if correlationID == "" {
		var ok bool
		correlationID, ok = s.CorrelationIDForBroker(fill.BrokerOrderID)
		if !ok {
			return entity.Order{}, false, ErrOrderNotFound
		}
	}

	sh := s.shardFor(correlationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[correlationID]
	if !ok {
		return entity.Order{}, false, ErrOrderNotFound
	}

	if _, seen := rec.appliedFills[fill.FillID]; seen {
		return rec.order, false, nil
	}

	if rec.order.Status.IsTerminal() {
		return rec.order, false, &ConsistencyViolationError{
			CorrelationID: correlationID,
			From:          rec.order.Status,
			To:            rec.order.Status,
			Reason:        fmt.Sprintf("fill %s arrived for an order in a terminal status", fill.FillID),
		}
	}

	newFilled := rec.order.FilledQuantity.Add(fill.Quantity)
	if newFilled.GreaterThan(rec.order.Quantity) {
		return rec.order, false, &ConsistencyViolationError{
			CorrelationID: correlationID,
			From:          rec.order.Status,
			To:            rec.order.Status,
			Reason: fmt.Sprintf("fill %s would push filled quantity to %s above requested %s",
				fill.FillID, newFilled, rec.order.Quantity),
		}
	}

	nextStatus := entity.OrderStatusPartiallyFilled
	if newFilled.Equal(rec.order.Quantity) {
		nextStatus = entity.OrderStatusFilled
	}

	if !transitionAllowed(rec.order.Status, nextStatus) {
		return rec.order, false, &ConsistencyViolationError{
			CorrelationID: correlationID,
			From:          rec.order.Status,
			To:            nextStatus,
			Reason:        "transition not allowed",
		}
	}

	now := time.Now().UTC()
	payload, _ := json.Marshal(fill)
	err := s.audit.Append(ctx, &entity.AuditEvent{
		CorrelationID: correlationID,
		BrokerOrderID: rec.order.BrokerOrderID,
		EventType:     entity.AuditOrderFill,
		PriorStatus:   string(rec.order.Status),
		NewStatus:     string(nextStatus),
		Payload:       payload,
		Source:        source,
		CreatedAt:     now,
	})
	if err != nil {
		return rec.order, false, fmt.Errorf("audit append: %w", err)
	}

	rec.order.AvgFillPrice = weightedAverage(rec.order.AvgFillPrice, rec.order.FilledQuantity, fill.Price, fill.Quantity)
	rec.order.FilledQuantity = newFilled
	rec.order.Status = nextStatus
	rec.order.UpdatedAt = now
	rec.appliedFills[fill.FillID] = struct{}{}

	return rec.order, true, nil
}

// weightedAverage computes avg' = (avg*filled + price*qty) / (filled+qty).
func weightedAverage(avg *decimal.Decimal, filled, price, qty decimal.Decimal) *decimal.Decimal {
	total := filled.Add(qty)
	if total.IsZero() {
		return avg
	}

	prior := decimal.Zero
	if avg != nil {
		prior = *avg
	}

	next := prior.Mul(filled).Add(price.Mul(qty)).Div(total)
	return &next
}

// Get returns a copy of the order for the correlation id.
func (s *Store) Get(correlationID string) (entity.Order, error) {
	sh := s.shardFor(correlationID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	rec, ok := sh.records[correlationID]
	if !ok {
		return entity.Order{}, ErrOrderNotFound
	}

	return rec.order, nil
}

// GetByBrokerID returns a copy of the order carrying the broker id.
func (s *Store) GetByBrokerID(brokerOrderID string) (entity.Order, error) {
	correlationID, ok := s.CorrelationIDForBroker(brokerOrderID)
	if !ok {
		return entity.Order{}, ErrOrderNotFound
	}

	return s.Get(correlationID)
}

func (s *Store) CorrelationIDForBroker(brokerOrderID string) (string, bool) {
	s.brokerMu.RLock()
	defer s.brokerMu.RUnlock()

	correlationID, ok := s.byBroker[brokerOrderID]
	return correlationID, ok
}

// OpenOrders returns point-in-time copies of all non-terminal orders.
func (s *Store) OpenOrders() []entity.Order {
	return s.collect(func(o entity.Order) bool {
		return !o.Status.IsTerminal()
	})
}

// UnresolvedOrders returns orders whose broker-side state may be
// ambiguous: PENDING, SUBMITTED, and UNKNOWN.
func (s *Store) UnresolvedOrders() []entity.Order {
	return s.collect(func(o entity.Order) bool {
		switch o.Status {
		case entity.OrderStatusPending, entity.OrderStatusSubmitted, entity.OrderStatusUnknown:
			return true
		default:
			return false
		}
	})
}

// Snapshot returns point-in-time copies of every order, terminal ones
// included.
func (s *Store) Snapshot() []entity.Order {
	return s.collect(func(entity.Order) bool { return true })
}

// collect copies matching orders shard by shard; no shard lock is held
// beyond its own scan, and none during serialization by the caller.
func (s *Store) collect(match func(entity.Order) bool) []entity.Order {
	var orders []entity.Order
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, rec := range sh.records {
			if match(rec.order) {
				orders = append(orders, rec.order)
			}
		}
		sh.mu.RUnlock()
	}

	return orders
}
