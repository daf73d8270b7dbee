package entity

import "time"

// Listener receives execution notifications after the audit trail has
// durably recorded them. Implementations must not block; slow consumers
// should hand off to their own goroutines.
type Listener interface {
	OnOrderStatus(order Order)
	OnFill(order Order, fill Fill)
	OnConnection(state ConnectionState)
	OnAnomaly(event BrokerEvent)
}

// MonitorEventType classifies events emitted to the external
// monitoring/alerting collaborator.
type MonitorEventType string

const (
	MonitorConnectionChange   MonitorEventType = "connection_change"
	MonitorReconnectFailed    MonitorEventType = "reconnect_failed"
	MonitorReconnectExhausted MonitorEventType = "reconnect_exhausted"
	MonitorOrderRejected      MonitorEventType = "order_rejected"
	MonitorRiskRejected       MonitorEventType = "risk_rejected"
	MonitorAnomaly            MonitorEventType = "anomaly"
	MonitorConsistency        MonitorEventType = "consistency_violation"
	MonitorReconcile          MonitorEventType = "reconcile"
)

type MonitorEvent struct {
	RetryCount int              `json:"retry"`
	Type       MonitorEventType `json:"type"`
	Detail     map[string]any   `json:"detail,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}
