package crawl

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/maltedev/listing-harvester/internal/models"
)

// StopReason says why a drain stopped paging.
type StopReason string

const (
	StopCapReached StopReason = "cap_reached"
	StopExhausted  StopReason = "exhausted"
	StopCeiling    StopReason = "ceiling"
	StopFailed     StopReason = "failed"
)

// Natural reports whether the drain saw the end of the range or its cap,
// as opposed to being cut short.
func (s StopReason) Natural() bool {
	return s == StopCapReached || s == StopExhausted
}

type DrainResult struct {
	Listings []models.Listing
	Pages    int
	// Skipped counts hits dropped for lacking an id.
	Skipped int
	Reason  StopReason
	// Err is set when Reason is StopFailed.
	Err error
}

// Fetcher pages through one price range with offset pagination.
type Fetcher struct {
	client SearchClient
	mapper RecordMapper
	pacer  Pacer
	logger *slog.Logger
}

func NewFetcher(client SearchClient, mapper RecordMapper, pacer Pacer, logger *slog.Logger) *Fetcher {
	if pacer == nil {
		pacer = noPacer{}
	}
	return &Fetcher{
		client: client,
		mapper: mapper,
		pacer:  pacer,
		logger: logger.With("component", "fetcher"),
	}
}

// Drain collects up to min(maxResults, WindowLimit) listings from the range.
// An error on any page ends the drain and keeps what was already collected.
// Hits without an id still advance the offset, so a drain can reach
// PaginationCeiling before collecting its limit.
func (f *Fetcher) Drain(ctx context.Context, q Query, r PriceRange, sort SortOrder, pageSize, maxResults int) DrainResult {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	limit := min(maxResults, WindowLimit)

	var res DrainResult
	if limit <= 0 {
		res.Reason = StopCapReached
		return res
	}

	collected := make([]models.Listing, 0, min(limit, 4*pageSize))
	offset := 0

	for len(collected) < limit {
		if offset >= PaginationCeiling {
			res.Reason = StopCeiling
			break
		}

		if err := f.pacer.Wait(ctx); err != nil {
			res.Reason = StopFailed
			res.Err = err
			break
		}

		page, err := f.client.Search(ctx, SearchRequest{
			Query:  q,
			Offset: offset,
			Limit:  pageSize,
			Sort:   sort,
			Price:  r,
		})
		if err != nil {
			f.logger.Warn("page fetch failed",
				"range", r.String(),
				"offset", offset,
				"collected", len(collected),
				"error", err)
			res.Reason = StopFailed
			res.Err = fmt.Errorf("failed to fetch page at offset %d: %w", offset, err)
			break
		}
		res.Pages++

		for _, hit := range page.Hits {
			l := f.mapper.Map(hit)
			if l.ID == "" {
				res.Skipped++
				continue
			}
			collected = append(collected, l)
		}

		f.logger.Debug("page fetched",
			"range", r.String(),
			"offset", offset,
			"hits", len(page.Hits),
			"skipped", res.Skipped,
			"collected", len(collected))

		if len(page.Hits) < pageSize {
			res.Reason = StopExhausted
			break
		}

		offset += pageSize
	}

	if res.Reason == "" {
		res.Reason = StopCapReached
	}
	if len(collected) > limit {
		collected = collected[:limit]
	}
	res.Listings = collected

	return res
}
