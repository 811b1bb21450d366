package database

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxEvent_Validate(t *testing.T) {
	tests := []struct {
		name  string
		event OutboxEvent
	}{
		{
			name:  "missing aggregate type",
			event: OutboxEvent{AggregateID: "901", EventType: EventTypeListingDetected, Payload: json.RawMessage(`{}`)},
		},
		{
			name:  "missing aggregate id",
			event: OutboxEvent{AggregateType: AggregateTypeListing, EventType: EventTypeListingDetected, Payload: json.RawMessage(`{}`)},
		},
		{
			name:  "missing event type",
			event: OutboxEvent{AggregateType: AggregateTypeListing, AggregateID: "901", Payload: json.RawMessage(`{}`)},
		},
		{
			name:  "missing payload",
			event: OutboxEvent{AggregateType: AggregateTypeListing, AggregateID: "901", EventType: EventTypeListingDetected},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.event.validate(), ErrInvalidEvent)
		})
	}

	ok := listingEvent("901")
	assert.NoError(t, ok.validate())
}

func insertEvent(t *testing.T, db *DB, repo *OutboxRepository, event *OutboxEvent) {
	t.Helper()
	err := db.Transaction(context.Background(), func(tx pgx.Tx) error {
		return repo.InsertWithTx(context.Background(), tx, event)
	})
	require.NoError(t, err)
}

func TestOutboxRepository_InsertWithTx(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewOutboxRepository(db)

	t.Run("defaults are filled", func(t *testing.T) {
		event := &OutboxEvent{
			AggregateType: AggregateTypeListing,
			AggregateID:   "901",
			EventType:     EventTypeListingDetected,
			Payload:       json.RawMessage(`{"olx_id":"901"}`),
		}
		insertEvent(t, db, repo, event)

		assert.NotEqual(t, uuid.Nil, event.ID)
		assert.Equal(t, OutboxStatusPending, event.Status)
		assert.Equal(t, DefaultListingStream, event.TargetStream)
		assert.False(t, event.CreatedAt.IsZero())
	})

	t.Run("rolled back with the transaction", func(t *testing.T) {
		event := listingEvent("902")
		rollback := errors.New("rollback")
		err := db.Transaction(ctx, func(tx pgx.Tx) error {
			if err := repo.InsertWithTx(ctx, tx, event); err != nil {
				return err
			}
			return rollback
		})
		require.ErrorIs(t, err, rollback)

		pending, err := repo.GetPending(ctx, 10)
		require.NoError(t, err)
		for _, e := range pending {
			assert.NotEqual(t, "902", e.AggregateID)
		}
	})
}

func TestOutboxRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewOutboxRepository(db)

	first, second := listingEvent("901"), listingEvent("902")
	insertEvent(t, db, repo, first)
	insertEvent(t, db, repo, second)

	pending, err := repo.GetPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "901", pending[0].AggregateID)
	assert.JSONEq(t, `{"olx_id":"901"}`, string(pending[0].Payload))

	require.NoError(t, repo.MarkProcessed(ctx, first.ID))
	require.NoError(t, repo.MarkFailed(ctx, second.ID, errors.New("sink down")))

	// The failed event is rescheduled into the future.
	pending, err = repo.GetPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	count, err := repo.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	for i := 1; i < MaxRetryCount; i++ {
		require.NoError(t, repo.MarkFailed(ctx, second.ID, errors.New("sink down")))
	}

	var status string
	var retries int
	require.NoError(t, db.QueryRow(ctx,
		"SELECT status, retry_count FROM outbox_event WHERE id = $1", second.ID).Scan(&status, &retries))
	assert.Equal(t, OutboxStatusDeadLetter, status)
	assert.Equal(t, MaxRetryCount, retries)

	dead, err := repo.DeadLetterCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)

	assert.ErrorIs(t, repo.MarkProcessed(ctx, uuid.New()), ErrEventNotFound)
	assert.ErrorIs(t, repo.MarkFailed(ctx, uuid.New(), errors.New("sink down")), ErrEventNotFound)
}

func TestOutboxRepository_GetPendingRespectsRetryTime(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewOutboxRepository(db)

	future := time.Now().Add(time.Hour)
	later := listingEvent("903")
	later.NextRetryAt = &future
	insertEvent(t, db, repo, later)
	insertEvent(t, db, repo, listingEvent("904"))

	pending, err := repo.GetPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "904", pending[0].AggregateID)
}
