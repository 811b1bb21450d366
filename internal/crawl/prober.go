package crawl

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
)

// Bound is a price discovered by sampling the top of a sorted result page.
type Bound struct {
	Price decimal.Decimal
	// Degraded is set when every priced hit on the page was promoted and
	// the bound came from a promoted listing.
	Degraded bool
}

// BoundProber finds the extreme price of a query. Promoted listings are
// pinned to the top regardless of sort order, so they are skipped.
type BoundProber struct {
	client   SearchClient
	mapper   RecordMapper
	pageSize int
	logger   *slog.Logger
}

func NewBoundProber(client SearchClient, mapper RecordMapper, logger *slog.Logger) *BoundProber {
	return &BoundProber{
		client:   client,
		mapper:   mapper,
		pageSize: BoundProbePageSize,
		logger:   logger.With("component", "bound_prober"),
	}
}

// Probe returns the price of the first non-promoted priced hit on page one
// of q sorted by sort.
func (p *BoundProber) Probe(ctx context.Context, q Query, r PriceRange, sort SortOrder) (Bound, error) {
	page, err := p.client.Search(ctx, SearchRequest{
		Query: q,
		Limit: p.pageSize,
		Sort:  sort,
		Price: r,
	})
	if err != nil {
		return Bound{}, fmt.Errorf("%w: %w", ErrBoundProbe, err)
	}

	var fallback *decimal.Decimal
	for _, hit := range page.Hits {
		l := p.mapper.Map(hit)
		if !l.HasPrice() {
			continue
		}
		if !l.Promoted {
			p.logger.Debug("bound found", "sort", sort, "price", l.Price.Value.Decimal.StringFixed(2))
			return Bound{Price: l.Price.Value.Decimal}, nil
		}
		if fallback == nil {
			price := l.Price.Value.Decimal
			fallback = &price
		}
	}

	if fallback != nil {
		p.logger.Warn("no non-promoted price on first page, using promoted price",
			"sort", sort,
			"price", fallback.StringFixed(2))
		return Bound{Price: *fallback, Degraded: true}, nil
	}

	return Bound{}, fmt.Errorf("%w: no priced listing among %d hits sorted by %s", ErrBoundProbe, len(page.Hits), sort)
}
