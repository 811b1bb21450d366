// Package app assembles the crawl pipeline from configuration. Both
// binaries build their crawl.Service here.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/maltedev/listing-harvester/internal/config"
	"github.com/maltedev/listing-harvester/internal/crawl"
	"github.com/maltedev/listing-harvester/internal/database"
	"github.com/maltedev/listing-harvester/internal/jobs"
	"github.com/maltedev/listing-harvester/internal/olx"
	"github.com/maltedev/listing-harvester/internal/ratelimit"
)

// OpenDatabase connects the pool and makes sure the schema exists.
func OpenDatabase(ctx context.Context, cfg config.DatabaseConfig) (*database.DB, error) {
	db, err := database.New(ctx, database.Config{
		DSN:      cfg.ConnString(),
		MaxConns: cfg.MaxConns,
	})
	if err != nil {
		return nil, err
	}
	if err := db.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// NewListingRepository builds the store for the configured event sink.
// With the sink disabled no outbox rows are written.
func NewListingRepository(db *database.DB, cfg *config.Config, logger *slog.Logger) *database.ListingRepository {
	return database.NewListingRepository(db, logger, database.ListingOptions{
		StatsCurrency: database.DefaultStatsCurrency,
		EventStream:   cfg.Events.Stream,
		DisableEvents: cfg.Events.Sink == "none",
	})
}

// NewCrawlService wires the OLX client, retry, pacing and the scheduler
// around store. recorder may be nil.
func NewCrawlService(cfg *config.Config, store crawl.ListingStore, recorder crawl.Recorder, logger *slog.Logger) *crawl.Service {
	var client crawl.SearchClient = olx.NewClient(olx.ClientOptions{
		Endpoint:       cfg.OLX.Endpoint,
		Timeout:        cfg.OLX.Timeout,
		UserAgent:      cfg.OLX.UserAgent,
		AcceptLanguage: cfg.OLX.AcceptLanguage,
	}, logger)

	// The token bucket sits below the retry so every attempt spends a token.
	client = crawl.NewPacedClient(client, ratelimit.NewTokenBucket(cfg.Crawl.RatePerSecond, cfg.Crawl.RateBurst))
	client = crawl.NewRetryClient(client, cfg.Crawl.MaxRetries, cfg.Crawl.RetryDelay, logger)

	mapper := olx.NewMapper(logger)
	fetcher := crawl.NewFetcher(client, mapper, pagePacer(cfg.Crawl), logger)
	prober := crawl.NewBoundProber(client, mapper, logger)
	scheduler := crawl.NewScheduler(client, prober, fetcher, store, logger, crawl.SchedulerConfig{
		Workers:  cfg.Crawl.Workers,
		Recorder: recorder,
	})

	return crawl.NewService(scheduler, fetcher, store, recorder, logger)
}

func pagePacer(c config.CrawlConfig) *ratelimit.SimpleRateLimiter {
	if c.PageDelayMax > c.PageDelay {
		return ratelimit.NewSimpleRateLimiter(c.PageDelay, c.PageDelayMax)
	}
	return ratelimit.NewFixedRateLimiter(c.PageDelay)
}

// DefaultRunParams turns the crawl section into the defaults queued runs
// fall back to.
func DefaultRunParams(c config.CrawlConfig) jobs.RunParams {
	return jobs.RunParams{
		Query:      c.Query,
		CategoryID: c.CategoryID,
		State:      c.State,
		PriceFrom:  c.PriceFrom,
		PriceTo:    c.PriceTo,
		Target:     c.Target,
		MaxResults: c.MaxResults,
		PageSize:   c.PageSize,
	}
}

func query(c config.CrawlConfig) (crawl.Query, error) {
	state, err := crawl.ParseState(c.State)
	if err != nil {
		return crawl.Query{}, fmt.Errorf("invalid state: %w", err)
	}
	return crawl.Query{Text: c.Query, CategoryID: c.CategoryID, State: state}, nil
}

func FullParams(c config.CrawlConfig) (crawl.FullParams, error) {
	q, err := query(c)
	if err != nil {
		return crawl.FullParams{}, err
	}
	return crawl.FullParams{
		Query:     q,
		Target:    c.Target,
		PageSize:  c.PageSize,
		PriceFrom: c.PriceFrom,
		PriceTo:   c.PriceTo,
	}, nil
}

func LatestParams(c config.CrawlConfig) (crawl.LatestParams, error) {
	q, err := query(c)
	if err != nil {
		return crawl.LatestParams{}, err
	}
	return crawl.LatestParams{
		Query:      q,
		MaxResults: c.MaxResults,
		PageSize:   c.PageSize,
		PriceFrom:  c.PriceFrom,
		PriceTo:    c.PriceTo,
	}, nil
}
