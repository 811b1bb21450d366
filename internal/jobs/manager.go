package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/listing-harvester/internal/crawl"
	"github.com/maltedev/listing-harvester/internal/events"
)

const DefaultPollInterval = 10 * time.Second

// interruptedReason is stored on runs left running by a previous process.
const interruptedReason = "interrupted: worker restarted before the run finished"

type RunStore interface {
	Insert(ctx context.Context, run *Run) error
	Get(ctx context.Context, id uuid.UUID) (*Run, error)
	List(ctx context.Context, limit int) ([]*Run, error)
	// ClaimNext moves the oldest pending run to running and returns it.
	ClaimNext(ctx context.Context) (*Run, error)
	Finish(ctx context.Context, run *Run) error
	// FailRunning marks every running run failed and returns how many changed.
	FailRunning(ctx context.Context, reason string) (int64, error)
}

type Crawler interface {
	FullCrawl(ctx context.Context, params crawl.FullParams) *crawl.Report
	LatestCrawl(ctx context.Context, params crawl.LatestParams) *crawl.Report
}

type RunPublisher interface {
	PublishRunCompleted(ctx context.Context, payload *events.RunCompletedPayload) error
}

// Manager queues crawl runs and executes them in a background worker.
type Manager struct {
	store     RunStore
	crawler   Crawler
	publisher RunPublisher
	defaults  RunParams
	interval  time.Duration
	logger    *slog.Logger
}

type ManagerConfig struct {
	Defaults     RunParams
	PollInterval time.Duration
}

// NewManager wires the run store to the crawler. publisher may be nil.
func NewManager(store RunStore, crawler Crawler, publisher RunPublisher, logger *slog.Logger, cfg ManagerConfig) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Manager{
		store:     store,
		crawler:   crawler,
		publisher: publisher,
		defaults:  cfg.Defaults,
		interval:  cfg.PollInterval,
		logger:    logger.With("component", "job_manager"),
	}
}

// CreateRun validates and queues a run.
func (m *Manager) CreateRun(ctx context.Context, req RunRequest) (*Run, error) {
	mode, err := crawl.ParseMode(req.Mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	params := req.Params.withDefaults(m.defaults)
	if err := params.validate(); err != nil {
		return nil, err
	}

	run := &Run{
		ID:        uuid.New(),
		Mode:      mode,
		Params:    params,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	if err := m.store.Insert(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	m.logger.Info("run created", "id", run.ID, "mode", mode, "query", params.Query)
	return run, nil
}

func (m *Manager) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	return m.store.Get(ctx, id)
}

func (m *Manager) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return m.store.List(ctx, limit)
}

// RecoverInterrupted fails runs that were still running when the previous
// worker died. Only one worker may be active per database when this runs.
func (m *Manager) RecoverInterrupted(ctx context.Context) (int64, error) {
	n, err := m.store.FailRunning(ctx, interruptedReason)
	if err != nil {
		return 0, fmt.Errorf("failed to recover interrupted runs: %w", err)
	}
	if n > 0 {
		m.logger.Warn("marked interrupted runs failed", "count", n)
	}
	return n, nil
}

// StartWorker recovers interrupted runs, then executes pending runs until
// ctx is cancelled.
func (m *Manager) StartWorker(ctx context.Context) {
	if _, err := m.RecoverInterrupted(ctx); err != nil {
		m.logger.Error("startup sweep failed", "error", err)
	}

	m.logger.Info("run worker started", "interval", m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("run worker stopping")
			return
		case <-ticker.C:
			for m.processNextRun(ctx) {
				if ctx.Err() != nil {
					break
				}
			}
		}
	}
}

// processNextRun executes one pending run and reports whether it found one.
func (m *Manager) processNextRun(ctx context.Context) bool {
	run, err := m.store.ClaimNext(ctx)
	if errors.Is(err, ErrNoPendingRun) {
		return false
	}
	if err != nil {
		m.logger.Error("failed to claim run", "error", err)
		return false
	}

	m.logger.Info("processing run", "id", run.ID, "mode", run.Mode, "query", run.Params.Query)

	report := m.execute(ctx, run)
	run.applyReport(report)

	// The run row must reach a terminal state even when ctx was cancelled.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := m.store.Finish(finishCtx, run); err != nil {
		m.logger.Error("failed to finish run", "id", run.ID, "error", err)
	}

	if m.publisher != nil {
		if err := m.publisher.PublishRunCompleted(finishCtx, events.NewRunCompletedPayload(report)); err != nil {
			m.logger.Error("failed to publish run event", "id", run.ID, "error", err)
		}
	}

	m.logger.Info("run finished",
		"id", run.ID,
		"status", run.Status,
		"unique", run.Unique,
		"saved", run.Saved,
		"warnings", len(run.Warnings))
	return true
}

func (m *Manager) execute(ctx context.Context, run *Run) *crawl.Report {
	p := run.Params
	switch run.Mode {
	case crawl.ModeLatest:
		return m.crawler.LatestCrawl(ctx, crawl.LatestParams{
			RunID:      run.ID,
			Query:      p.query(),
			MaxResults: p.MaxResults,
			PageSize:   p.PageSize,
			PriceFrom:  p.PriceFrom,
			PriceTo:    p.PriceTo,
		})
	default:
		return m.crawler.FullCrawl(ctx, crawl.FullParams{
			RunID:     run.ID,
			Query:     p.query(),
			Target:    p.Target,
			PageSize:  p.PageSize,
			PriceFrom: p.PriceFrom,
			PriceTo:   p.PriceTo,
		})
	}
}
