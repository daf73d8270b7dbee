package repository

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/quantarc/execd/internal/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayOrdersBySequence(t *testing.T) {
	query, _, err := replayQuery().ToSql()
	require.NoError(t, err)

	// replay order comes from the identity sequence; created_at has only
	// microsecond resolution and ids are random
	assert.True(t, strings.HasSuffix(query, "ORDER BY seq asc"), query)
}

func TestHistoryOrdersBySequence(t *testing.T) {
	query, args, err := historyQuery("ord-1").ToSql()
	require.NoError(t, err)

	assert.Contains(t, query, "correlation_id = $1")
	assert.True(t, strings.HasSuffix(query, "ORDER BY seq asc"), query)
	require.Len(t, args, 1)
	assert.Equal(t, "ord-1", args[0])
}

func TestMemoryTrailAssignsSequence(t *testing.T) {
	trail := NewMemoryAuditTrail()
	ctx := context.Background()

	// identical timestamps must still yield a deterministic total order
	created := time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, trail.Append(ctx, &entity.AuditEvent{
			CorrelationID: "ord-1",
			EventType:     entity.AuditOrderAccepted,
			CreatedAt:     created,
		}))
	}

	events := trail.All()
	require.Len(t, events, 3)
	for i, event := range events {
		assert.Equal(t, int64(i+1), event.Seq)
	}
}
