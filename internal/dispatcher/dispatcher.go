// Package dispatcher routes broker notifications into the order state
// store. Events for the same order are processed strictly in arrival
// order; events for different orders run concurrently across a fixed
// worker pool.
package dispatcher

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/quantarc/execd/internal/entity"
	"github.com/quantarc/execd/internal/monitor"
	"github.com/quantarc/execd/internal/store"
	"github.com/sirupsen/logrus"
)

const (
	defaultWorkers    = 8
	workerQueueBuffer = 128
)

// Dispatcher consumes the supervisor's stable event stream. Routing is
// by correlation id (broker order id as fallback) so one order never has
// two events in flight at once.
type Dispatcher struct {
	store    *store.Store
	listener entity.Listener
	emitter  monitor.Emitter

	queues []chan entity.BrokerEvent
	stop   chan struct{}
	wg     sync.WaitGroup

	stopOnce sync.Once
}

func New(orderStore *store.Store, listener entity.Listener, emitter monitor.Emitter, workers int) *Dispatcher {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if emitter == nil {
		emitter = monitor.NopEmitter{}
	}

	queues := make([]chan entity.BrokerEvent, workers)
	for i := range queues {
		queues[i] = make(chan entity.BrokerEvent, workerQueueBuffer)
	}

	return &Dispatcher{
		store:    orderStore,
		listener: listener,
		emitter:  emitter,
		queues:   queues,
		stop:     make(chan struct{}),
	}
}

// Run starts the worker pool and consumes events until Stop is called.
func (d *Dispatcher) Run(events <-chan entity.BrokerEvent) {
	for _, queue := range d.queues {
		d.wg.Add(1)
		go d.worker(queue)
	}

	d.wg.Add(1)
	go d.route(events)
}

// Stop drains nothing: in-flight events finish, queued events are
// dropped with the process.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
	})
	d.wg.Wait()
}

func (d *Dispatcher) route(events <-chan entity.BrokerEvent) {
	defer d.wg.Done()
	defer func() {
		for _, queue := range d.queues {
			close(queue)
		}
	}()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}

			queue := d.queues[d.queueIndex(event)]
			select {
			case queue <- event:
			case <-d.stop:
				return
			}
		case <-d.stop:
			return
		}
	}
}

// queueIndex routes by correlation id so an order's events always land
// on the same worker, whichever identifier the broker put on the frame.
// Only events for orders the store has never seen hash the raw broker id.
func (d *Dispatcher) queueIndex(event entity.BrokerEvent) int {
	key := event.CorrelationID
	if key == "" && event.BrokerOrderID != "" {
		if correlationID, ok := d.store.CorrelationIDForBroker(event.BrokerOrderID); ok {
			key = correlationID
		} else {
			key = event.BrokerOrderID
		}
	}

	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()) % len(d.queues)
}

func (d *Dispatcher) worker(queue <-chan entity.BrokerEvent) {
	defer d.wg.Done()

	for event := range queue {
		d.handle(event)
	}
}

func (d *Dispatcher) handle(event entity.BrokerEvent) {
	switch event.Type {
	case entity.BrokerEventConnection:
		d.listener.OnConnection(event.Connection)
	case entity.BrokerEventFill:
		d.handleFill(event)
	case entity.BrokerEventStatus:
		d.handleStatus(event)
	case entity.BrokerEventReject:
		d.handleReject(event)
	default:
		logrus.Warnf("dropping broker event with unknown type %q", event.Type)
	}
}

func (d *Dispatcher) handleFill(event entity.BrokerEvent) {
	if event.Fill == nil {
		d.anomaly(event, "fill event without fill payload")
		return
	}

	order, applied, err := d.store.ApplyFill(context.Background(), *event.Fill, entity.AuditSourceLive)
	if err != nil {
		d.storeFailure(event, err)
		return
	}
	if !applied {
		logrus.WithFields(logrus.Fields{
			"correlation_id": order.CorrelationID,
			"fill_id":        event.Fill.FillID,
		}).Debug("duplicate fill ignored")
		return
	}

	d.listener.OnFill(order, *event.Fill)
	if order.Status.IsTerminal() {
		d.listener.OnOrderStatus(order)
	}
}

func (d *Dispatcher) handleStatus(event entity.BrokerEvent) {
	correlationID, ok := d.resolve(event)
	if !ok {
		d.anomaly(event, "status for order this coordinator never submitted")
		return
	}

	current, err := d.store.Get(correlationID)
	if err != nil {
		d.storeFailure(event, err)
		return
	}

	// Out-of-order redelivery of the status we already hold is noise,
	// not a violation.
	if current.Status == event.Status {
		return
	}

	var order entity.Order
	if event.Status == entity.OrderStatusSubmitted && event.BrokerOrderID != "" {
		order, err = d.store.MarkSubmitted(context.Background(), correlationID, event.BrokerOrderID, entity.AuditSourceLive)
	} else {
		order, err = d.store.Transition(context.Background(), correlationID, event.Status, event.Reason, entity.AuditSourceLive)
	}
	if err != nil {
		d.storeFailure(event, err)
		return
	}

	d.listener.OnOrderStatus(order)
}

func (d *Dispatcher) handleReject(event entity.BrokerEvent) {
	correlationID, ok := d.resolve(event)
	if !ok {
		d.anomaly(event, "reject for order this coordinator never submitted")
		return
	}

	order, err := d.store.Transition(context.Background(), correlationID, entity.OrderStatusRejected, event.Reason, entity.AuditSourceLive)
	if err != nil {
		d.storeFailure(event, err)
		return
	}

	d.emitter.Emit(entity.MonitorOrderRejected, map[string]any{
		"correlation_id": correlationID,
		"reason":         event.Reason,
	})
	d.listener.OnOrderStatus(order)
}

// resolve maps an event to the local correlation id. Events that match
// nothing we ever submitted are anomalies and never merged into state.
func (d *Dispatcher) resolve(event entity.BrokerEvent) (string, bool) {
	if event.CorrelationID != "" {
		if _, err := d.store.Get(event.CorrelationID); err == nil {
			return event.CorrelationID, true
		}
		return "", false
	}

	if event.BrokerOrderID != "" {
		if correlationID, ok := d.store.CorrelationIDForBroker(event.BrokerOrderID); ok {
			return correlationID, true
		}
	}

	return "", false
}

func (d *Dispatcher) storeFailure(event entity.BrokerEvent, err error) {
	var violation *store.ConsistencyViolationError
	if errors.As(err, &violation) {
		logrus.WithFields(logrus.Fields{
			"correlation_id": violation.CorrelationID,
			"from":           string(violation.From),
			"to":             string(violation.To),
		}).Errorf("consistency violation: %s", violation.Reason)

		d.emitter.Emit(entity.MonitorConsistency, map[string]any{
			"correlation_id": violation.CorrelationID,
			"from":           string(violation.From),
			"to":             string(violation.To),
			"reason":         violation.Reason,
		})
		d.listener.OnAnomaly(event)
		return
	}

	if errors.Is(err, store.ErrOrderNotFound) {
		d.anomaly(event, "event for order this coordinator never submitted")
		return
	}

	logrus.Errorf("failed to apply broker event: %v", err)
}

func (d *Dispatcher) anomaly(event entity.BrokerEvent, reason string) {
	logrus.WithFields(logrus.Fields{
		"event_type":      string(event.Type),
		"broker_order_id": event.BrokerOrderID,
		"correlation_id":  event.CorrelationID,
	}).Warnf("broker anomaly: %s", reason)

	d.emitter.Emit(entity.MonitorAnomaly, map[string]any{
		"event_type":      string(event.Type),
		"broker_order_id": event.BrokerOrderID,
		"correlation_id":  event.CorrelationID,
		"reason":          reason,
	})
	d.listener.OnAnomaly(event)
}
