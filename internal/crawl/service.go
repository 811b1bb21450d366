package crawl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service exposes the two run modes a harvest can be started in.
type Service struct {
	scheduler *Scheduler
	fetcher   *Fetcher
	store     ListingStore
	recorder  Recorder
	logger    *slog.Logger
}

func NewService(scheduler *Scheduler, fetcher *Fetcher, store ListingStore, recorder Recorder, logger *slog.Logger) *Service {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Service{
		scheduler: scheduler,
		fetcher:   fetcher,
		store:     store,
		recorder:  recorder,
		logger:    logger.With("component", "crawl_service"),
	}
}

// FullParams configures a full crawl. PriceFrom defaults to DefaultPriceFrom
// and PriceTo is probed when unset. A nil RunID gets a fresh one.
type FullParams struct {
	RunID     uuid.UUID
	Query     Query
	Target    int
	PageSize  int
	PriceFrom decimal.NullDecimal
	PriceTo   decimal.NullDecimal
}

// LatestParams configures an incremental crawl of the newest listings.
type LatestParams struct {
	RunID      uuid.UUID
	Query      Query
	MaxResults int
	PageSize   int
	PriceFrom  decimal.NullDecimal
	PriceTo    decimal.NullDecimal
}

// FullCrawl marks every stored listing inactive, then harvests the whole
// result set, reactivating each listing it writes.
func (s *Service) FullCrawl(ctx context.Context, params FullParams) *Report {
	report := s.newReport(ModeFull, params.RunID)
	logger := s.logger.With("run_id", report.RunID, "mode", ModeFull)

	from := params.PriceFrom
	if !from.Valid {
		from = decimal.NewNullDecimal(DefaultPriceFrom)
	}

	logger.Info("starting full crawl",
		"query", params.Query.Text,
		"category", params.Query.CategoryID,
		"state", params.Query.State,
		"target", params.Target,
		"range", PriceRange{From: from, To: params.PriceTo}.String())

	deactivated, err := s.store.DeactivateAll(ctx)
	if err != nil {
		report.abort(fmt.Errorf("%w: %w", ErrDeactivate, err))
		return s.finish(report, logger)
	}
	report.Deactivated = deactivated
	logger.Info("listings deactivated", "count", deactivated)

	res, err := s.scheduler.Partition(ctx, PartitionRequest{
		Query:    params.Query,
		Seed:     PriceRange{From: from, To: params.PriceTo},
		Target:   params.Target,
		PageSize: params.PageSize,
	})
	report.Listings = res.Listings
	report.Unique = res.Unique
	report.Saved = res.Saved
	report.Counters = res.Counters
	report.Warnings = append(report.Warnings, res.Warnings...)

	if err != nil {
		report.abort(err)
	}
	return s.finish(report, logger)
}

// LatestCrawl fetches the newest listings in a single drain and upserts
// them without touching the active flag of anything else.
func (s *Service) LatestCrawl(ctx context.Context, params LatestParams) *Report {
	report := s.newReport(ModeLatest, params.RunID)
	logger := s.logger.With("run_id", report.RunID, "mode", ModeLatest)

	maxResults := params.MaxResults
	if maxResults <= 0 || maxResults > WindowLimit {
		maxResults = WindowLimit
	}
	r := PriceRange{From: params.PriceFrom, To: params.PriceTo}

	logger.Info("starting latest crawl",
		"query", params.Query.Text,
		"category", params.Query.CategoryID,
		"state", params.Query.State,
		"max_results", maxResults,
		"range", r.String())

	res := s.fetcher.Drain(ctx, params.Query, r, SortNewest, params.PageSize, maxResults)
	report.Counters.Drains = 1
	report.Counters.Pages = res.Pages
	report.Counters.Fetched = len(res.Listings)
	s.recorder.ObserveDrain(res.Reason, len(res.Listings))

	if res.Reason == StopFailed && ctx.Err() == nil {
		report.Warnings = append(report.Warnings, Warning{
			Kind:    WarnDrainInterrupted,
			Range:   r.String(),
			Count:   len(res.Listings),
			Message: res.Err.Error(),
		})
	}

	acc := NewAccumulator(maxResults)
	accepted, _ := acc.Merge(res.Listings)
	report.Listings = accepted
	report.Unique = len(accepted)

	if len(accepted) > 0 {
		saved, err := s.store.UpsertBatch(ctx, accepted)
		s.recorder.ObservePersist(saved, err)
		if err != nil {
			logger.Error("failed to persist latest listings", "size", len(accepted), "error", err)
			report.Warnings = append(report.Warnings, Warning{
				Kind:    WarnPersistFailed,
				Range:   r.String(),
				Count:   len(accepted),
				Message: err.Error(),
			})
		} else {
			report.Saved = saved
		}
	}

	if err := ctx.Err(); err != nil {
		report.abort(err)
	}
	return s.finish(report, logger)
}

// Stats returns the current summary of the listing store.
func (s *Service) Stats(ctx context.Context) (string, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get stats: %w", err)
	}
	return FormatStats(stats), nil
}

func (s *Service) newReport(mode Mode, id uuid.UUID) *Report {
	if id == uuid.Nil {
		id = uuid.New()
	}
	return &Report{
		RunID:     id,
		Mode:      mode,
		Outcome:   OutcomeCompleted,
		Warnings:  []Warning{},
		StartedAt: time.Now(),
	}
}

func (s *Service) finish(report *Report, logger *slog.Logger) *Report {
	report.FinishedAt = time.Now()
	s.recorder.ObserveRun(report.Mode, report.Outcome, report.Duration())

	attrs := []any{
		"outcome", report.Outcome,
		"unique", report.Unique,
		"saved", report.Saved,
		"probes", report.Counters.Probes,
		"splits", report.Counters.Splits,
		"lossy_ranges", report.Counters.LossyRanges,
		"warnings", len(report.Warnings),
		"duration", report.Duration(),
	}

	switch {
	case report.Fatal == nil:
		logger.Info("crawl finished", attrs...)
	case errors.Is(report.Fatal, context.Canceled):
		logger.Warn("crawl cancelled", attrs...)
	default:
		logger.Error("crawl aborted", append(attrs, "error", report.Fatal)...)
	}

	return report
}
