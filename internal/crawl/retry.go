package crawl

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryClient retries failed searches a bounded number of times with a
// fixed delay. The scheduler itself never retries.
type RetryClient struct {
	next     SearchClient
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

// NewRetryClient wraps next so each search is tried up to 1+retries times.
func NewRetryClient(next SearchClient, retries int, delay time.Duration, logger *slog.Logger) *RetryClient {
	if retries < 0 {
		retries = 0
	}
	return &RetryClient{
		next:     next,
		attempts: retries + 1,
		delay:    delay,
		logger:   logger.With("component", "retry_client"),
	}
}

func (c *RetryClient) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	var lastErr error

	for attempt := 1; attempt <= c.attempts; attempt++ {
		res, err := c.next.Search(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if ctx.Err() != nil || attempt == c.attempts {
			break
		}

		c.logger.Warn("search failed, retrying",
			"attempt", attempt,
			"offset", req.Offset,
			"range", req.Price.String(),
			"error", err)

		timer := time.NewTimer(c.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("search failed after %d attempts: %w", c.attempts, lastErr)
}

// PacedClient waits on a limiter before every search, so probes and pages
// share one request budget.
type PacedClient struct {
	next  SearchClient
	pacer Pacer
}

func NewPacedClient(next SearchClient, pacer Pacer) *PacedClient {
	if pacer == nil {
		pacer = noPacer{}
	}
	return &PacedClient{next: next, pacer: pacer}
}

func (c *PacedClient) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}
	return c.next.Search(ctx, req)
}
