package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/maltedev/listing-harvester/internal/api"
	"github.com/maltedev/listing-harvester/internal/app"
	"github.com/maltedev/listing-harvester/internal/config"
	"github.com/maltedev/listing-harvester/internal/database"
	"github.com/maltedev/listing-harvester/internal/events"
	"github.com/maltedev/listing-harvester/internal/jobs"
	"github.com/maltedev/listing-harvester/internal/logging"
	"github.com/maltedev/listing-harvester/internal/metrics"
)

// healthSource joins the pool ping with the outbox counters.
type healthSource struct {
	*database.DB
	*database.OutboxRepository
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := app.OpenDatabase(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	recorder := metrics.New(nil)
	listings := app.NewListingRepository(db, cfg, logger)
	service := app.NewCrawlService(cfg, listings, recorder, logger)
	outbox := database.NewOutboxRepository(db)

	// Background goroutines are joined before the pool and sink close.
	var wg sync.WaitGroup

	// Outbox relay
	var publisher jobs.RunPublisher
	sink, closeSink, err := openSink(ctx, cfg)
	if err != nil {
		logger.Error("failed to open event sink", "sink", cfg.Events.Sink, "error", err)
		os.Exit(1)
	}
	if sink != nil {
		defer closeSink()
		publisher = events.NewPublisher(db, cfg.Events.Stream, logger)

		relay := database.NewRelay(outbox, sink, logger, database.RelayConfig{
			PollInterval: cfg.Events.RelayInterval,
			BatchSize:    cfg.Events.BatchSize,
			Observer:     recorder,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("relay stopped with error", "error", err)
			}
		}()
	} else {
		logger.Warn("event sink disabled, outbox is not relayed")
	}

	manager := jobs.NewManager(jobs.NewPostgresRunStore(db), service, publisher, logger, jobs.ManagerConfig{
		Defaults:     app.DefaultRunParams(cfg.Crawl),
		PollInterval: cfg.Crawl.PollInterval,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		manager.StartWorker(ctx)
	}()

	handlers := api.NewHandlers(manager, listings, logger)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://localhost:*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", handlers.Health(healthSource{DB: db, OutboxRepository: outbox}))
	r.Handle("/metrics", recorder.Handler())
	handlers.Routes(r)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	logger.Info("server starting", "addr", server.Addr, "sink", cfg.Events.Sink)
	serveErr := server.ListenAndServe()
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}

	cancel()
	logger.Info("waiting for background workers")
	wg.Wait()

	if serveErr != nil {
		logger.Error("server failed", "error", serveErr)
		// os.Exit skips defers.
		closeSink()
		db.Close()
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// openSink returns a nil sink when events are disabled.
func openSink(ctx context.Context, cfg *config.Config) (database.Sink, func(), error) {
	switch cfg.Events.Sink {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return events.NewRedisStreamSink(client), func() { _ = client.Close() }, nil
	case "amqp":
		sink, err := events.DialAMQPSink(cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.RoutingKey)
		if err != nil {
			return nil, nil, err
		}
		return sink, func() { _ = sink.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}
