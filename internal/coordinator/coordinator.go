// Package coordinator is the order execution surface: it validates and
// risk-checks intents, submits them over the supervised broker session
// exactly once, and serves state and position reads.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/quantarc/execd/internal/broker"
	"github.com/quantarc/execd/internal/config"
	"github.com/quantarc/execd/internal/connection"
	"github.com/quantarc/execd/internal/entity"
	"github.com/quantarc/execd/internal/monitor"
	"github.com/quantarc/execd/internal/positions"
	"github.com/quantarc/execd/internal/riskgate"
	"github.com/quantarc/execd/internal/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	ErrDuplicateOrder = store.ErrDuplicateCorrelationID
	ErrOrderNotFound  = store.ErrOrderNotFound

	// ErrCancelUnresolved means the order is UNKNOWN: there is no broker
	// id to address a cancel to until reconciliation resolves it.
	ErrCancelUnresolved = errors.New("order submission unresolved; cancel after reconciliation")
)

// ValidationError reports a malformed order intent, rejected before risk
// checks and before any broker interaction.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order request: %s %s", e.Field, e.Reason)
}

// AuditTrail is the coordinator's view of the audit log: append for
// pre-reservation rejections, read for the per-order history surface.
type AuditTrail interface {
	Append(ctx context.Context, event *entity.AuditEvent) error
	GetByCorrelationID(ctx context.Context, correlationID string) ([]entity.AuditEvent, error)
}

type Coordinator struct {
	store       *store.Store
	gate        *riskgate.Gate
	supervisor  *connection.Supervisor
	audit       AuditTrail
	book        *positions.Book
	cache       positions.Cache
	emitter     monitor.Emitter
	subscribers *Subscribers

	ackWindow      time.Duration
	connectTimeout time.Duration

	requestReconcile func()
}

func New(
	orderStore *store.Store,
	gate *riskgate.Gate,
	supervisor *connection.Supervisor,
	audit AuditTrail,
	book *positions.Book,
	cache positions.Cache,
	emitter monitor.Emitter,
	subscribers *Subscribers,
	brokerCfg config.BrokerConfig,
) *Coordinator {
	if emitter == nil {
		emitter = monitor.NopEmitter{}
	}
	if cache == nil {
		cache = positions.NopCache{}
	}

	return &Coordinator{
		store:          orderStore,
		gate:           gate,
		supervisor:     supervisor,
		audit:          audit,
		book:           book,
		cache:          cache,
		emitter:        emitter,
		subscribers:    subscribers,
		ackWindow:      brokerCfg.AckWindow,
		connectTimeout: brokerCfg.ConnectTimeout,
	}
}

// Subscribe registers a listener for execution notifications.
func (c *Coordinator) Subscribe(listener entity.Listener) {
	c.subscribers.Add(listener)
}

// OnUnresolved registers a hook invoked whenever a submission parks in
// UNKNOWN, so a reconciliation pass runs promptly instead of waiting for
// the periodic tick. Must be set before serving traffic.
func (c *Coordinator) OnUnresolved(fn func()) {
	c.requestReconcile = fn
}

func (c *Coordinator) scheduleReconcile() {
	if c.requestReconcile != nil {
		c.requestReconcile()
	}
}

// SubmitOrder runs the full submission flow. Once the intent passes
// validation and risk checks an order record always exists; from then on
// the returned order's status carries the outcome (SUBMITTED, UNKNOWN,
// REJECTED) and the error is nil. A non-nil error means nothing was
// sent and no order record exists.
func (c *Coordinator) SubmitOrder(ctx context.Context, req entity.OrderRequest) (entity.Order, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	if err := validateRequest(req); err != nil {
		return entity.Order{}, err
	}

	if err := c.gate.Check(req); err != nil {
		return entity.Order{}, c.rejectOnRisk(ctx, req, err)
	}

	order, err := c.store.Reserve(ctx, req)
	if err != nil {
		return entity.Order{}, err
	}

	logFields := logrus.Fields{
		"correlation_id": order.CorrelationID,
		"symbol":         order.Symbol,
		"side":           string(order.Side),
		"quantity":       order.Quantity.String(),
	}

	if err := c.supervisor.EnsureConnected(ctx, c.connectTimeout); err != nil {
		logrus.WithFields(logFields).Warnf("rejecting order, broker unavailable: %v", err)
		return c.transitionAfterSubmit(ctx, order, entity.OrderStatusRejected, fmt.Sprintf("broker unavailable: %v", err))
	}

	session, err := c.supervisor.Session()
	if err != nil {
		logrus.WithFields(logFields).Warnf("rejecting order, broker unavailable: %v", err)
		return c.transitionAfterSubmit(ctx, order, entity.OrderStatusRejected, fmt.Sprintf("broker unavailable: %v", err))
	}

	submitCtx, cancel := context.WithTimeout(ctx, c.ackWindow)
	defer cancel()

	brokerOrderID, err := session.SubmitOrder(submitCtx, order)
	if err != nil {
		return c.resolveSubmitFailure(ctx, order, logFields, err)
	}

	submitted, err := c.store.MarkSubmitted(ctx, order.CorrelationID, brokerOrderID, entity.AuditSourceLive)
	if err != nil {
		// The broker has the order; local bookkeeping failing here is a
		// defect, not a reason to resubmit.
		logrus.WithFields(logFields).Errorf("failed to record broker ack: %v", err)
		return order, err
	}

	logrus.WithFields(logFields).WithField("broker_order_id", brokerOrderID).Info("order submitted")
	c.subscribers.OnOrderStatus(submitted)

	return submitted, nil
}

// resolveSubmitFailure decides the post-reservation status when the wire
// submit did not produce an ack. A broker rejection is definitive; every
// other failure leaves the true outcome ambiguous, so the order parks in
// UNKNOWN for reconciliation instead of a blind retry.
func (c *Coordinator) resolveSubmitFailure(ctx context.Context, order entity.Order, logFields logrus.Fields, submitErr error) (entity.Order, error) {
	var rejected *broker.OrderRejectedError
	if errors.As(submitErr, &rejected) {
		logrus.WithFields(logFields).Warnf("order rejected by broker: %s", rejected.Reason)
		c.emitter.Emit(entity.MonitorOrderRejected, map[string]any{
			"correlation_id": order.CorrelationID,
			"reason":         rejected.Reason,
		})
		return c.transitionAfterSubmit(ctx, order, entity.OrderStatusRejected, rejected.Reason)
	}

	reason := fmt.Sprintf("submission unresolved: %v", submitErr)
	if errors.Is(submitErr, broker.ErrAckTimeout) {
		reason = "broker acknowledgment timed out"
	} else {
		// A transport-level submit failure doubles as loss detection:
		// the session is suspect, not just this one order.
		c.supervisor.ReportLoss(fmt.Sprintf("submit failed: %v", submitErr))
	}

	logrus.WithFields(logFields).Warnf("order parked as unresolved: %v", submitErr)

	unknown, err := c.store.MarkUnknown(ctx, order.CorrelationID, reason)
	if err != nil {
		// A broker notification may have raced us past UNKNOWN; the
		// stored status is the truth either way.
		current, getErr := c.store.Get(order.CorrelationID)
		if getErr == nil {
			return current, nil
		}
		return order, err
	}

	c.subscribers.OnOrderStatus(unknown)
	c.scheduleReconcile()

	return unknown, nil
}

func (c *Coordinator) transitionAfterSubmit(ctx context.Context, order entity.Order, to entity.OrderStatus, reason string) (entity.Order, error) {
	updated, err := c.store.Transition(ctx, order.CorrelationID, to, reason, entity.AuditSourceLive)
	if err != nil {
		current, getErr := c.store.Get(order.CorrelationID)
		if getErr == nil {
			return current, nil
		}
		return order, err
	}

	c.subscribers.OnOrderStatus(updated)

	return updated, nil
}

// rejectOnRisk records the rejection as the intent's single audit entry.
// No order record is created and the broker is never contacted.
func (c *Coordinator) rejectOnRisk(ctx context.Context, req entity.OrderRequest, violation error) error {
	payload, _ := json.Marshal(map[string]any{
		"request": req,
		"reason":  violation.Error(),
	})

	if err := c.audit.Append(ctx, &entity.AuditEvent{
		CorrelationID: req.CorrelationID,
		EventType:     entity.AuditRiskCheckFailed,
		NewStatus:     string(entity.OrderStatusRejected),
		Payload:       payload,
		Source:        entity.AuditSourceLive,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("audit risk rejection: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"correlation_id": req.CorrelationID,
		"symbol":         req.Symbol,
	}).Warnf("order rejected by risk gate: %v", violation)

	c.emitter.Emit(entity.MonitorRiskRejected, map[string]any{
		"correlation_id": req.CorrelationID,
		"symbol":         req.Symbol,
		"reason":         violation.Error(),
	})

	return violation
}

// CancelOrder requests cancellation. Cancelling an already-terminal
// order is a no-op; state only changes when the broker confirms.
func (c *Coordinator) CancelOrder(ctx context.Context, correlationID string) error {
	order, err := c.store.Get(correlationID)
	if err != nil {
		return err
	}

	if order.Status.IsTerminal() {
		return nil
	}

	if order.Status == entity.OrderStatusUnknown {
		return ErrCancelUnresolved
	}

	if order.BrokerOrderID == "" {
		// Never reached the broker; cancel locally.
		cancelled, err := c.store.Transition(ctx, correlationID, entity.OrderStatusCancelled, "cancelled before submission", entity.AuditSourceLive)
		if err != nil {
			return err
		}
		c.subscribers.OnOrderStatus(cancelled)
		return nil
	}

	session, err := c.supervisor.Session()
	if err != nil {
		return err
	}

	return session.CancelOrder(ctx, order.BrokerOrderID)
}

// GetOrderStatus returns the current record for one order.
func (c *Coordinator) GetOrderStatus(correlationID string) (entity.Order, error) {
	return c.store.Get(correlationID)
}

// GetOpenOrders returns all non-terminal orders.
func (c *Coordinator) GetOpenOrders() []entity.Order {
	return c.store.OpenOrders()
}

// GetOrders returns every order this process knows about.
func (c *Coordinator) GetOrders() []entity.Order {
	return c.store.Snapshot()
}

// GetOrderAudit returns the ordered audit history for one order.
func (c *Coordinator) GetOrderAudit(ctx context.Context, correlationID string) ([]entity.AuditEvent, error) {
	return c.audit.GetByCorrelationID(ctx, correlationID)
}

// GetPositions serves position reads: cached broker snapshot first, then
// a live broker query, then the fill-derived book when the broker is
// unreachable.
func (c *Coordinator) GetPositions(ctx context.Context) ([]entity.Position, error) {
	if cached, ok, err := c.cache.Load(ctx); err == nil && ok {
		return cached, nil
	} else if err != nil {
		logrus.Warnf("position cache read failed: %v", err)
	}

	session, err := c.supervisor.Session()
	if err != nil {
		return c.book.Snapshot(), nil
	}

	queried, err := session.QueryPositions(ctx)
	if err != nil {
		logrus.Warnf("broker position query failed: %v", err)
		return c.book.Snapshot(), nil
	}

	if err := c.cache.Save(ctx, queried); err != nil {
		logrus.Warnf("position cache write failed: %v", err)
	}

	return queried, nil
}

// ConnectionState exposes the supervisor state for readiness checks.
func (c *Coordinator) ConnectionState() entity.ConnectionState {
	return c.supervisor.State()
}

func validateRequest(req entity.OrderRequest) error {
	if req.Symbol == "" {
		return &ValidationError{Field: "symbol", Reason: "is required"}
	}

	if !req.Quantity.GreaterThan(decimal.Zero) {
		return &ValidationError{Field: "quantity", Reason: "must be positive"}
	}

	switch req.Side {
	case entity.OrderSideBuy, entity.OrderSideSell:
	default:
		return &ValidationError{Field: "side", Reason: "must be BUY or SELL"}
	}

	switch req.Type {
	case entity.OrderTypeMarket, entity.OrderTypeLimit, entity.OrderTypeStop, entity.OrderTypeStopLimit:
	default:
		return &ValidationError{Field: "type", Reason: "must be MARKET, LIMIT, STOP or STOP_LIMIT"}
	}

	if req.Type.RequiresLimitPrice() {
		if req.LimitPrice == nil || !req.LimitPrice.GreaterThan(decimal.Zero) {
			return &ValidationError{Field: "limit_price", Reason: "must be positive for " + string(req.Type) + " orders"}
		}
	} else if req.LimitPrice != nil {
		return &ValidationError{Field: "limit_price", Reason: "not allowed for " + string(req.Type) + " orders"}
	}

	if req.Type.RequiresStopPrice() {
		if req.StopPrice == nil || !req.StopPrice.GreaterThan(decimal.Zero) {
			return &ValidationError{Field: "stop_price", Reason: "must be positive for " + string(req.Type) + " orders"}
		}
	} else if req.StopPrice != nil {
		return &ValidationError{Field: "stop_price", Reason: "not allowed for " + string(req.Type) + " orders"}
	}

	switch req.TimeInForce {
	case "", entity.TimeInForceDay, entity.TimeInForceGTC, entity.TimeInForceIOC, entity.TimeInForceFOK:
	default:
		return &ValidationError{Field: "time_in_force", Reason: "must be DAY, GTC, IOC or FOK"}
	}

	return nil
}
