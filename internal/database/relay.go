package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Sink delivers one outbox event to a downstream transport.
type Sink interface {
	Publish(ctx context.Context, event *OutboxEvent) error
	Name() string
}

// OutboxRepo is the part of OutboxRepository the relay needs.
type OutboxRepo interface {
	GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, err error) error
}

// RelayObserver receives the outcome of every drain.
type RelayObserver interface {
	ObserveRelay(sink string, delivered, failed int)
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Observer     RelayObserver
}

// RelayResult counts what one drain did.
type RelayResult struct {
	Batches   int
	Delivered int
	Failed    int
}

// Relay moves outbox rows to a Sink. Each tick reads batches until the
// backlog is empty.
type Relay struct {
	outbox    OutboxRepo
	sink      Sink
	observer  RelayObserver
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

func NewRelay(outbox OutboxRepo, sink Sink, logger *slog.Logger, cfg RelayConfig) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Relay{
		outbox:    outbox,
		sink:      sink,
		observer:  cfg.Observer,
		interval:  cfg.PollInterval,
		batchSize: cfg.BatchSize,
		logger:    logger.With("component", "relay", "sink", sink.Name()),
	}
}

// Start drains once immediately and then on every tick until ctx ends.
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("starting relay", "interval", r.interval, "batch_size", r.batchSize)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("outbox drain failed", "error", err)
		}

		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain delivers due events batch by batch. It stops at the first short
// batch, or at a batch with a failure so a broken sink is not hammered.
func (r *Relay) Drain(ctx context.Context) (RelayResult, error) {
	var res RelayResult
	defer func() {
		if r.observer != nil && res.Batches > 0 {
			r.observer.ObserveRelay(r.sink.Name(), res.Delivered, res.Failed)
		}
	}()

	for ctx.Err() == nil {
		batch, err := r.outbox.GetPending(ctx, r.batchSize)
		if err != nil {
			return res, fmt.Errorf("failed to get pending events: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		res.Batches++

		failed := 0
		for _, event := range batch {
			if err := r.deliver(ctx, event); err != nil {
				failed++
				r.logger.Warn("event delivery failed",
					"event_id", event.ID,
					"event_type", event.EventType,
					"aggregate_id", event.AggregateID,
					"error", err)
				continue
			}
			res.Delivered++
		}
		res.Failed += failed

		if failed > 0 || len(batch) < r.batchSize {
			break
		}
	}

	if res.Delivered > 0 || res.Failed > 0 {
		r.logger.Info("outbox drained",
			"batches", res.Batches,
			"delivered", res.Delivered,
			"failed", res.Failed)
	}
	return res, nil
}

func (r *Relay) deliver(ctx context.Context, event *OutboxEvent) error {
	if err := r.sink.Publish(ctx, event); err != nil {
		err = fmt.Errorf("failed to publish to %s: %w", r.sink.Name(), err)
		if markErr := r.outbox.MarkFailed(ctx, event.ID, err); markErr != nil {
			r.logger.Error("failed to record delivery failure", "event_id", event.ID, "error", markErr)
		}
		return err
	}
	// The event already left; a failed mark means it will be sent again.
	if err := r.outbox.MarkProcessed(ctx, event.ID); err != nil {
		return err
	}
	return nil
}
