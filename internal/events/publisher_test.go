package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/maltedev/listing-harvester/internal/crawl"
	"github.com/maltedev/listing-harvester/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeTx runs the callback without a real transaction.
type fakeTx struct {
	err error
}

func (f fakeTx) Transaction(_ context.Context, fn func(pgx.Tx) error) error {
	if f.err != nil {
		return f.err
	}
	return fn(nil)
}

type MockOutbox struct {
	mock.Mock
}

func (m *MockOutbox) InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error {
	args := m.Called(ctx, tx, event)
	return args.Error(0)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublisher_PublishRunCompleted(t *testing.T) {
	ctx := context.Background()
	runID := uuid.New()

	t.Run("records a run event", func(t *testing.T) {
		outbox := new(MockOutbox)
		pub := newPublisher(fakeTx{}, outbox, "", testLogger())

		var captured *database.OutboxEvent
		outbox.On("InsertWithTx", ctx, mock.Anything, mock.AnythingOfType("*database.OutboxEvent")).
			Run(func(args mock.Arguments) { captured = args.Get(2).(*database.OutboxEvent) }).
			Return(nil)

		payload := &RunCompletedPayload{RunID: runID.String(), Mode: "full", Outcome: "completed", Unique: 1500, Saved: 1500}
		require.NoError(t, pub.PublishRunCompleted(ctx, payload))

		require.NotNil(t, captured)
		assert.Equal(t, AggregateTypeRun, captured.AggregateType)
		assert.Equal(t, runID.String(), captured.AggregateID)
		assert.Equal(t, EventTypeRunCompleted, captured.EventType)
		assert.Equal(t, database.DefaultListingStream, captured.TargetStream)

		var body RunCompletedPayload
		require.NoError(t, json.Unmarshal(captured.Payload, &body))
		assert.Equal(t, EventTypeRunCompleted, body.EventType)
		assert.Equal(t, "harvester", body.Source)
		assert.NotEmpty(t, body.EventID)
		assert.Equal(t, 1500, body.Saved)
	})

	t.Run("missing run id", func(t *testing.T) {
		pub := newPublisher(fakeTx{}, new(MockOutbox), "", testLogger())
		assert.Error(t, pub.PublishRunCompleted(ctx, &RunCompletedPayload{}))
	})

	t.Run("transaction failure", func(t *testing.T) {
		pub := newPublisher(fakeTx{err: errors.New("db down")}, new(MockOutbox), "stream:runs", testLogger())
		err := pub.PublishRunCompleted(ctx, &RunCompletedPayload{RunID: runID.String()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "db down")
	})
}

func TestNewRunCompletedPayload(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	report := &crawl.Report{
		RunID:       uuid.New(),
		Mode:        crawl.ModeFull,
		Outcome:     crawl.OutcomeAborted,
		Fatal:       crawl.ErrSeedProbe,
		Deactivated: 10,
		Unique:      3,
		Saved:       2,
		Warnings:    []crawl.Warning{{Kind: crawl.WarnPersistFailed}},
		StartedAt:   start,
		FinishedAt:  start.Add(1500 * time.Millisecond),
	}

	p := NewRunCompletedPayload(report)
	assert.Equal(t, report.RunID.String(), p.RunID)
	assert.Equal(t, "full", p.Mode)
	assert.Equal(t, "aborted", p.Outcome)
	assert.Equal(t, int64(10), p.Deactivated)
	assert.Equal(t, 1, p.Warnings)
	assert.Equal(t, int64(1500), p.DurationMS)
	assert.Equal(t, crawl.ErrSeedProbe.Error(), p.Error)
}
