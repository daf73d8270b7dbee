package entity

import "time"

type AuditEventType string
type AuditSource string

const (
	AuditOrderAccepted    AuditEventType = "ORDER_ACCEPTED"
	AuditOrderSubmitted   AuditEventType = "ORDER_SUBMITTED"
	AuditOrderUnknown     AuditEventType = "ORDER_UNKNOWN"
	AuditOrderFill        AuditEventType = "ORDER_FILL"
	AuditOrderCancelled   AuditEventType = "ORDER_CANCELLED"
	AuditOrderRejected    AuditEventType = "ORDER_REJECTED"
	AuditRiskCheckFailed  AuditEventType = "RISK_CHECK_FAILED"
	AuditOrderReconciled  AuditEventType = "ORDER_RECONCILED"
	AuditConnectionChange AuditEventType = "CONNECTION_CHANGE"

	AuditSourceLive           AuditSource = "live"
	AuditSourceReconciliation AuditSource = "reconciliation"
)

// AuditEvent is one append-only compliance record. Appended durably
// before the transition it describes becomes queryable state.
type AuditEvent struct {
	ID            string         `db:"id" json:"id"`
	Seq           int64          `db:"seq" json:"seq,omitempty"`
	CorrelationID string         `db:"correlation_id" json:"correlation_id"`
	BrokerOrderID string         `db:"broker_order_id" json:"broker_order_id"`
	EventType     AuditEventType `db:"event_type" json:"event_type"`
	PriorStatus   string         `db:"prior_status" json:"prior_status"`
	NewStatus     string         `db:"new_status" json:"new_status"`
	Payload       []byte         `db:"payload" json:"payload,omitempty"`
	Source        AuditSource    `db:"source" json:"source"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}

func (e AuditEvent) TableName() string {
	return "audit_events"
}
