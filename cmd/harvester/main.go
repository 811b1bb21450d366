package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maltedev/listing-harvester/internal/app"
	"github.com/maltedev/listing-harvester/internal/config"
	"github.com/maltedev/listing-harvester/internal/crawl"
	"github.com/maltedev/listing-harvester/internal/logging"
	"github.com/maltedev/listing-harvester/internal/metrics"
	"github.com/maltedev/listing-harvester/internal/models"
)

func main() {
	var (
		mode        = flag.String("mode", "full", "Mode: full, latest or stats")
		profileName = flag.String("profile", "", "Crawl profile name")
		profileFile = flag.String("profile-file", "profiles.yaml", "YAML file with crawl profiles")
		queryText   = flag.String("query", "", "Search phrase")
		category    = flag.String("category", "", "Category id")
		state       = flag.String("state", "", "Item condition: new, used or empty")
		priceFrom   = flag.String("price-from", "", "Lower price bound (none = open)")
		priceTo     = flag.String("price-to", "", "Upper price bound (none = open)")
		target      = flag.Int("target", 0, "Unique listings to collect in full mode")
		maxResults  = flag.Int("max-results", 0, "Listings to fetch in latest mode")
		pageSize    = flag.Int("page-size", 0, "Results per page")
		workers     = flag.Int("workers", 0, "Ranges crawled concurrently")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	slog.SetDefault(logger)

	if *profileName != "" {
		profile, err := config.LoadProfile(*profileFile, *profileName)
		if err != nil {
			logger.Error("failed to load profile", "profile", *profileName, "error", err)
			os.Exit(1)
		}
		profile.Apply(&cfg.Crawl)
	}

	// Flags win over the profile and the environment.
	var flagErr error
	flag.Visit(func(f *flag.Flag) {
		var err error
		switch f.Name {
		case "query":
			cfg.Crawl.Query = *queryText
		case "category":
			cfg.Crawl.CategoryID = *category
		case "state":
			cfg.Crawl.State = *state
		case "price-from":
			cfg.Crawl.PriceFrom, err = config.ParsePrice(*priceFrom)
		case "price-to":
			cfg.Crawl.PriceTo, err = config.ParsePrice(*priceTo)
		case "target":
			cfg.Crawl.Target = *target
		case "max-results":
			cfg.Crawl.MaxResults = *maxResults
		case "page-size":
			cfg.Crawl.PageSize = *pageSize
		case "workers":
			cfg.Crawl.Workers = *workers
		}
		if err != nil && flagErr == nil {
			flagErr = fmt.Errorf("-%s: %w", f.Name, err)
		}
	})
	if flagErr == nil {
		flagErr = cfg.Validate()
	}
	if flagErr != nil {
		fmt.Println(flagErr)
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		cancel()
	}()

	db, err := app.OpenDatabase(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	var store crawl.ListingStore = app.NewListingRepository(db, cfg, logger)
	if *mode == "full" {
		store = &reportingStore{ListingStore: store}
	}
	service := app.NewCrawlService(cfg, store, metrics.New(nil), logger)

	switch *mode {
	case "full":
		os.Exit(runFull(ctx, service, cfg.Crawl))
	case "latest":
		os.Exit(runLatest(ctx, service, cfg.Crawl))
	case "stats":
		os.Exit(printStats(ctx, service))
	default:
		fmt.Printf("Unknown mode: %s\n", *mode)
		flag.Usage()
		os.Exit(2)
	}
}

func runFull(ctx context.Context, service *crawl.Service, c config.CrawlConfig) int {
	params, err := app.FullParams(c)
	if err != nil {
		fmt.Println(err)
		return 2
	}

	start := time.Now()
	report := service.FullCrawl(ctx, params)

	printSummary(report)
	fmt.Println("After crawl:")
	code := printStats(ctx, service)
	fmt.Printf("Elapsed: %s\n", time.Since(start).Round(time.Second))

	if report.Err() != nil {
		return 1
	}
	return code
}

// reportingStore prints the store summary right after a full run has
// deactivated everything, before the first page is fetched.
type reportingStore struct {
	crawl.ListingStore
}

func (s *reportingStore) DeactivateAll(ctx context.Context) (int64, error) {
	n, err := s.ListingStore.DeactivateAll(ctx)
	if err != nil {
		return n, err
	}
	fmt.Printf("Deactivated %d listings\n", n)
	if stats, err := s.ListingStore.Stats(ctx); err == nil {
		fmt.Print(crawl.FormatStats(stats))
	}
	return n, nil
}

func runLatest(ctx context.Context, service *crawl.Service, c config.CrawlConfig) int {
	params, err := app.LatestParams(c)
	if err != nil {
		fmt.Println(err)
		return 2
	}

	report := service.LatestCrawl(ctx, params)
	printSummary(report)

	if report.Err() != nil {
		return 1
	}
	return 0
}

func printStats(ctx context.Context, service *crawl.Service) int {
	out, err := service.Stats(ctx)
	if err != nil {
		fmt.Println(err)
		return 1
	}
	fmt.Print(out)
	return 0
}

func printSummary(report *crawl.Report) {
	fmt.Printf("Run %s (%s): %s\n", report.RunID, report.Mode, report.Outcome)
	if err := report.Err(); err != nil {
		fmt.Printf("Error: %v\n", err)
	}
	fmt.Printf("Unique: %d, saved: %d, probes: %d, splits: %d, warnings: %d\n",
		report.Unique, report.Saved, report.Counters.Probes, report.Counters.Splits, len(report.Warnings))
	for _, w := range report.Warnings {
		fmt.Printf("  [%s] %s: %s\n", w.Kind, w.Range, w.Message)
	}

	n := min(3, len(report.Listings))
	if n == 0 {
		return
	}
	fmt.Printf("First %d listings:\n", n)
	for _, l := range report.Listings[:n] {
		printListing(l)
	}
}

func printListing(l models.Listing) {
	price := l.Price.Label
	if l.Price.Value.Valid {
		price = l.Price.Value.Decimal.StringFixed(2) + " " + l.Price.Currency
	}
	fmt.Printf("  %s | %s | %s | %s\n", l.ID, l.Title, price, l.Location.City)
}
