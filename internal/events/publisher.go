package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/maltedev/listing-harvester/internal/crawl"
	"github.com/maltedev/listing-harvester/internal/database"
)

const (
	EventTypeRunCompleted = "CRAWL_RUN_COMPLETED"
	AggregateTypeRun      = "crawl_run"
)

// RunCompletedPayload is the body of a CRAWL_RUN_COMPLETED event.
type RunCompletedPayload struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	Timestamp   time.Time `json:"timestamp"`
	RunID       string    `json:"run_id"`
	Mode        string    `json:"mode"`
	Outcome     string    `json:"outcome"`
	Unique      int       `json:"unique"`
	Saved       int       `json:"saved"`
	Deactivated int64     `json:"deactivated"`
	Warnings    int       `json:"warnings"`
	DurationMS  int64     `json:"duration_ms"`
	Error       string    `json:"error,omitempty"`
	Source      string    `json:"source"`
}

// NewRunCompletedPayload summarizes a finished crawl report.
func NewRunCompletedPayload(report *crawl.Report) *RunCompletedPayload {
	p := &RunCompletedPayload{
		RunID:       report.RunID.String(),
		Mode:        string(report.Mode),
		Outcome:     string(report.Outcome),
		Unique:      report.Unique,
		Saved:       report.Saved,
		Deactivated: report.Deactivated,
		Warnings:    len(report.Warnings),
		DurationMS:  report.Duration().Milliseconds(),
	}
	if err := report.Err(); err != nil {
		p.Error = err.Error()
	}
	return p
}

// TxRunner runs fn in a database transaction.
type TxRunner interface {
	Transaction(ctx context.Context, fn func(pgx.Tx) error) error
}

type OutboxWriter interface {
	InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error
}

// Publisher records run events in the transactional outbox.
type Publisher struct {
	db     TxRunner
	outbox OutboxWriter
	stream string
	logger *slog.Logger
}

func NewPublisher(db *database.DB, stream string, logger *slog.Logger) *Publisher {
	return newPublisher(db, database.NewOutboxRepository(db), stream, logger)
}

func newPublisher(db TxRunner, outbox OutboxWriter, stream string, logger *slog.Logger) *Publisher {
	if stream == "" {
		stream = database.DefaultListingStream
	}
	return &Publisher{
		db:     db,
		outbox: outbox,
		stream: stream,
		logger: logger.With("component", "event_publisher"),
	}
}

func (p *Publisher) PublishRunCompleted(ctx context.Context, payload *RunCompletedPayload) error {
	if payload.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if payload.EventID == "" {
		payload.EventID = uuid.New().String()
	}
	payload.EventType = EventTypeRunCompleted
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now()
	}
	if payload.Source == "" {
		payload.Source = "harvester"
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	event := &database.OutboxEvent{
		AggregateType: AggregateTypeRun,
		AggregateID:   payload.RunID,
		EventType:     EventTypeRunCompleted,
		Payload:       data,
		TargetStream:  p.stream,
	}

	err = p.db.Transaction(ctx, func(tx pgx.Tx) error {
		return p.outbox.InsertWithTx(ctx, tx, event)
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Info("event published to outbox",
		"type", payload.EventType,
		"run_id", payload.RunID,
		"outcome", payload.Outcome,
		"outbox_id", event.ID)

	return nil
}
