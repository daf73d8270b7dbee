package repository

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/quantarc/execd/internal/entity"
)

// MemoryAuditTrail keeps the audit log in memory. Used in paper-trading
// mode when no audit database is configured, and in tests.
type MemoryAuditTrail struct {
	mu     sync.Mutex
	events []entity.AuditEvent
	seq    int64
}

func NewMemoryAuditTrail() *MemoryAuditTrail {
	return &MemoryAuditTrail{}
}

func (m *MemoryAuditTrail) Append(_ context.Context, event *entity.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.Source == "" {
		event.Source = entity.AuditSourceLive
	}

	m.seq++
	event.ID = strconv.FormatInt(m.seq, 10)
	event.Seq = m.seq
	m.events = append(m.events, *event)

	return nil
}

func (m *MemoryAuditTrail) GetByCorrelationID(_ context.Context, correlationID string) ([]entity.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var events []entity.AuditEvent
	for _, event := range m.events {
		if event.CorrelationID == correlationID {
			events = append(events, event)
		}
	}

	return events, nil
}

func (m *MemoryAuditTrail) Replay(_ context.Context, apply func(entity.AuditEvent) error) error {
	m.mu.Lock()
	events := make([]entity.AuditEvent, len(m.events))
	copy(events, m.events)
	m.mu.Unlock()

	for _, event := range events {
		if err := apply(event); err != nil {
			return err
		}
	}

	return nil
}

// All returns a copy of the full log in append order.
func (m *MemoryAuditTrail) All() []entity.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := make([]entity.AuditEvent, len(m.events))
	copy(events, m.events)

	return events
}
