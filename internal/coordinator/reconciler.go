package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quantarc/execd/internal/config"
	"github.com/quantarc/execd/internal/connection"
	"github.com/quantarc/execd/internal/entity"
	"github.com/quantarc/execd/internal/monitor"
	"github.com/quantarc/execd/internal/positions"
	"github.com/quantarc/execd/internal/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Reconciler resolves local/broker state drift: it is the only path out
// of UNKNOWN, and the safety net for notifications lost while
// disconnected. It runs periodically, on demand, and after every
// reconnect.
type Reconciler struct {
	store       *store.Store
	supervisor  *connection.Supervisor
	book        *positions.Book
	cache       positions.Cache
	emitter     monitor.Emitter
	subscribers *Subscribers

	interval     time.Duration
	pendingGrace time.Duration

	trigger chan struct{}
}

func NewReconciler(
	orderStore *store.Store,
	supervisor *connection.Supervisor,
	book *positions.Book,
	cache positions.Cache,
	emitter monitor.Emitter,
	subscribers *Subscribers,
	cfg config.ExecutionConfig,
) *Reconciler {
	if emitter == nil {
		emitter = monitor.NopEmitter{}
	}
	if cache == nil {
		cache = positions.NopCache{}
	}

	return &Reconciler{
		store:        orderStore,
		supervisor:   supervisor,
		book:         book,
		cache:        cache,
		emitter:      emitter,
		subscribers:  subscribers,
		interval:     cfg.ReconcileInterval,
		pendingGrace: cfg.PendingGrace,
		trigger:      make(chan struct{}, 1),
	}
}

// Trigger requests an out-of-band reconcile pass. Coalesces when one is
// already queued.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run drives periodic and triggered passes until the context ends.
func (r *Reconciler) Run(ctx context.Context) {
	interval := r.interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-r.trigger:
		case <-ctx.Done():
			return
		}

		session, err := r.supervisor.Session()
		if err != nil {
			continue
		}

		if err := r.Reconcile(ctx, session); err != nil {
			logrus.Errorf("reconcile pass failed: %v", err)
		}
	}
}

// Reconcile runs one pass against the given session. Also invoked by the
// connection supervisor's on-connected hook before submissions resume.
func (r *Reconciler) Reconcile(ctx context.Context, session entity.BrokerSession) error {
	brokerStates, err := session.QueryOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("query broker orders: %w", err)
	}

	byCorrelation := make(map[string]entity.BrokerOrderState, len(brokerStates))
	byBrokerID := make(map[string]entity.BrokerOrderState, len(brokerStates))
	for _, state := range brokerStates {
		if state.CorrelationID != "" {
			byCorrelation[state.CorrelationID] = state
		}
		byBrokerID[state.BrokerOrderID] = state
	}

	var resolved, lost int
	for _, order := range r.store.UnresolvedOrders() {
		state, found := byCorrelation[order.CorrelationID]
		if !found && order.BrokerOrderID != "" {
			state, found = byBrokerID[order.BrokerOrderID]
		}

		if found {
			if r.resolveAgainstBroker(ctx, order, state) {
				resolved++
			}
			continue
		}

		if r.resolveAbsent(ctx, order) {
			lost++
		}
	}

	r.refreshPositions(ctx, session)

	if resolved > 0 || lost > 0 {
		logrus.WithFields(logrus.Fields{
			"resolved": resolved,
			"lost":     lost,
		}).Info("reconcile pass resolved drift")
	}

	r.emitter.Emit(entity.MonitorReconcile, map[string]any{
		"broker_orders": len(brokerStates),
		"resolved":      resolved,
		"lost":          lost,
	})

	return nil
}

// resolveAgainstBroker aligns one local order with the broker's record:
// attach the broker id, backfill missed fills as synthetic reconciliation
// fills, then align the status.
func (r *Reconciler) resolveAgainstBroker(ctx context.Context, order entity.Order, state entity.BrokerOrderState) bool {
	changed := false

	if order.BrokerOrderID == "" {
		updated, err := r.store.MarkSubmitted(ctx, order.CorrelationID, state.BrokerOrderID, entity.AuditSourceReconciliation)
		if err != nil {
			r.escalate(order.CorrelationID, err)
			return false
		}
		order = updated
		changed = true
		r.subscribers.OnOrderStatus(updated)
	}

	if state.FilledQuantity.GreaterThan(order.FilledQuantity) {
		missed := state.FilledQuantity.Sub(order.FilledQuantity)
		price := decimal.Zero
		if state.AvgFillPrice != nil {
			price = *state.AvgFillPrice
		}

		fill := entity.Fill{
			FillID:        fmt.Sprintf("recon-%s-%s", order.CorrelationID, state.FilledQuantity),
			BrokerOrderID: state.BrokerOrderID,
			CorrelationID: order.CorrelationID,
			Symbol:        order.Symbol,
			Quantity:      missed,
			Price:         price,
			Side:          order.Side,
			Timestamp:     time.Now().UTC(),
		}

		updated, applied, err := r.store.ApplyFill(ctx, fill, entity.AuditSourceReconciliation)
		if err != nil {
			r.escalate(order.CorrelationID, err)
			return changed
		}
		if applied {
			order = updated
			changed = true
			r.subscribers.OnFill(updated, fill)
		}
	}

	if state.Status != order.Status && state.Status.IsTerminal() && !order.Status.IsTerminal() {
		updated, err := r.store.Transition(ctx, order.CorrelationID, state.Status, "aligned with broker state", entity.AuditSourceReconciliation)
		if err != nil {
			r.escalate(order.CorrelationID, err)
			return changed
		}
		changed = true
		r.subscribers.OnOrderStatus(updated)
	}

	return changed
}

// resolveAbsent handles an unresolved local order the broker has no
// record of. UNKNOWN orders are definitively lost; PENDING orders get a
// grace period to cover the in-flight submit window.
func (r *Reconciler) resolveAbsent(ctx context.Context, order entity.Order) bool {
	var reason string
	switch order.Status {
	case entity.OrderStatusUnknown:
		reason = "submission lost before broker acceptance"
	case entity.OrderStatusPending:
		if time.Since(order.SubmittedAt) < r.pendingGrace {
			return false
		}
		reason = "pending past grace period with no broker record"
	case entity.OrderStatusSubmitted:
		reason = "acknowledged order missing from broker state"
	default:
		return false
	}

	updated, err := r.store.Transition(ctx, order.CorrelationID, entity.OrderStatusRejected, reason, entity.AuditSourceReconciliation)
	if err != nil {
		r.escalate(order.CorrelationID, err)
		return false
	}

	logrus.WithFields(logrus.Fields{
		"correlation_id": order.CorrelationID,
		"prior_status":   string(order.Status),
	}).Warnf("order resolved as lost: %s", reason)

	r.subscribers.OnOrderStatus(updated)

	return true
}

func (r *Reconciler) refreshPositions(ctx context.Context, session entity.BrokerSession) {
	queried, err := session.QueryPositions(ctx)
	if err != nil {
		logrus.Warnf("broker position query failed during reconcile: %v", err)
		return
	}

	r.book.Replace(queried, time.Now().UTC())

	if err := r.cache.Save(ctx, queried); err != nil {
		logrus.Warnf("position cache write failed during reconcile: %v", err)
	}
}

func (r *Reconciler) escalate(correlationID string, err error) {
	var violation *store.ConsistencyViolationError
	if errors.As(err, &violation) {
		logrus.WithFields(logrus.Fields{
			"correlation_id": violation.CorrelationID,
			"from":           string(violation.From),
			"to":             string(violation.To),
		}).Errorf("consistency violation during reconcile: %s", violation.Reason)

		r.emitter.Emit(entity.MonitorConsistency, map[string]any{
			"correlation_id": violation.CorrelationID,
			"from":           string(violation.From),
			"to":             string(violation.To),
			"reason":         violation.Reason,
		})
		return
	}

	logrus.WithField("correlation_id", correlationID).Errorf("reconcile failed to apply: %v", err)
}
