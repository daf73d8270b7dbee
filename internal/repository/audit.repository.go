package repository

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/quantarc/execd/internal/entity"
)

// AuditRepository is the durable append-only audit trail. Rows are only
// ever inserted; retention is the storage collaborator's concern.
type AuditRepository struct {
	db *sqlx.DB
}

func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Append(ctx context.Context, event *entity.AuditEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.Source == "" {
		event.Source = entity.AuditSourceLive
	}

	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Insert(event.TableName()).
		Columns(
			"correlation_id",
			"broker_order_id",
			"event_type",
			"prior_status",
			"new_status",
			"payload",
			"source",
			"created_at",
		).
		Values(
			event.CorrelationID,
			event.BrokerOrderID,
			event.EventType,
			event.PriorStatus,
			event.NewStatus,
			event.Payload,
			event.Source,
			event.CreatedAt,
		).
		Suffix("RETURNING id, seq")

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return err
	}

	err = r.db.QueryRowContext(ctx, query, args...).Scan(&event.ID, &event.Seq)
	if err != nil {
		return err
	}

	return nil
}

func (r *AuditRepository) GetByCorrelationID(ctx context.Context, correlationID string) ([]entity.AuditEvent, error) {
	query, args, err := historyQuery(correlationID).ToSql()
	if err != nil {
		return nil, err
	}

	var events []entity.AuditEvent
	err = r.db.SelectContext(ctx, &events, query, args...)
	if err != nil {
		return nil, err
	}

	return events, nil
}

// Replay streams the whole log in append order into apply. Used at
// startup to rebuild the in-memory order state.
func (r *AuditRepository) Replay(ctx context.Context, apply func(entity.AuditEvent) error) error {
	query, args, err := replayQuery().ToSql()
	if err != nil {
		return err
	}

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var event entity.AuditEvent
		if err := rows.StructScan(&event); err != nil {
			return err
		}

		if err := apply(event); err != nil {
			return err
		}
	}

	return rows.Err()
}

// Append order is defined by the identity sequence, not timestamps:
// same-microsecond events would otherwise replay in arbitrary order.
func replayQuery() sq.SelectBuilder {
	return sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("*").
		From("audit_events").
		OrderBy("seq asc")
}

func historyQuery(correlationID string) sq.SelectBuilder {
	return sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("*").
		From("audit_events").
		Where(sq.Eq{"correlation_id": correlationID}).
		OrderBy("seq asc")
}
