package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/maltedev/listing-harvester/internal/models"
	"github.com/shopspring/decimal"
)

var errUpstream = errors.New("upstream unavailable")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeHit struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Price    *string `json:"price,omitempty"`
	Promoted bool    `json:"promoted"`
}

func pricedHit(id string, price decimal.Decimal) fakeHit {
	p := price.StringFixed(2)
	return fakeHit{ID: id, Title: id, Price: &p}
}

// fakeMapper decodes fakeHit payloads.
type fakeMapper struct{}

func (fakeMapper) Map(raw json.RawMessage) models.Listing {
	var h fakeHit
	_ = json.Unmarshal(raw, &h)

	l := models.Listing{ID: h.ID, Title: h.Title, Promoted: h.Promoted}
	if h.Price != nil {
		if d, err := decimal.NewFromString(*h.Price); err == nil {
			l.Price.Value = decimal.NewNullDecimal(d)
		}
	}
	return l
}

// fakeIndex is an in-memory search index over a fixed dataset ordered
// newest first. Counts are exact unless countFor overrides them.
type fakeIndex struct {
	mu     sync.Mutex
	items  []fakeHit
	calls  []SearchRequest
	served map[string]int

	countFor  func(r PriceRange) (int, bool)
	failCount func(r PriceRange) bool
	failPage  func(req SearchRequest) bool

	// centPrecision rounds price filters to cents the way the wire does.
	centPrecision bool
}

func newFakeIndex(items []fakeHit) *fakeIndex {
	return &fakeIndex{items: items, served: make(map[string]int)}
}

func isCountProbe(req SearchRequest) bool {
	return req.Limit == 1
}

func (f *fakeIndex) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, req)

	if isCountProbe(req) && f.failCount != nil && f.failCount(req.Price) {
		return nil, errUpstream
	}
	if !isCountProbe(req) && f.failPage != nil && f.failPage(req) {
		return nil, errUpstream
	}

	price := req.Price
	if f.centPrecision {
		price = roundToCents(price)
	}

	matches := make([]fakeHit, 0, len(f.items))
	for _, it := range f.items {
		if price.From.Valid || price.To.Valid {
			if it.Price == nil {
				continue
			}
			if !price.Contains(decimal.RequireFromString(*it.Price)) {
				continue
			}
		}
		matches = append(matches, it)
	}

	if req.Sort == SortPriceDesc {
		sort.SliceStable(matches, func(i, j int) bool {
			a, b := matches[i], matches[j]
			if a.Promoted != b.Promoted {
				return a.Promoted
			}
			if a.Price == nil || b.Price == nil {
				return b.Price == nil && a.Price != nil
			}
			return decimal.RequireFromString(*a.Price).GreaterThan(decimal.RequireFromString(*b.Price))
		})
	}

	count := len(matches)
	if f.countFor != nil {
		if c, ok := f.countFor(req.Price); ok {
			count = c
		}
	}

	start := min(req.Offset, len(matches))
	end := min(req.Offset+req.Limit, len(matches))

	res := &SearchResult{Count: count}
	for _, it := range matches[start:end] {
		if !isCountProbe(req) {
			f.served[it.ID]++
			it.Title = fmt.Sprintf("%s-v%d", it.ID, f.served[it.ID])
		}
		raw, _ := json.Marshal(it)
		res.Hits = append(res.Hits, raw)
	}
	return res, nil
}

func roundToCents(r PriceRange) PriceRange {
	if r.From.Valid {
		r.From.Decimal = r.From.Decimal.Round(2)
	}
	if r.To.Valid {
		r.To.Decimal = r.To.Decimal.Round(2)
	}
	return r
}

func (f *fakeIndex) requests(filter func(SearchRequest) bool) []SearchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []SearchRequest
	for _, c := range f.calls {
		if filter(c) {
			out = append(out, c)
		}
	}
	return out
}

// recordingStore keeps rows in memory and logs the order of calls.
type recordingStore struct {
	mu      sync.Mutex
	ops     []string
	batches [][]models.Listing
	rows    map[string]models.Listing

	deactivateErr error
	failBatch     func(batch []models.Listing) bool
}

func newRecordingStore() *recordingStore {
	return &recordingStore{rows: make(map[string]models.Listing)}
}

func (s *recordingStore) DeactivateAll(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ops = append(s.ops, "deactivate")
	if s.deactivateErr != nil {
		return 0, s.deactivateErr
	}
	return int64(len(s.rows)), nil
}

func (s *recordingStore) UpsertBatch(ctx context.Context, listings []models.Listing) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ops = append(s.ops, "upsert")
	if s.failBatch != nil && s.failBatch(listings) {
		return 0, errors.New("write failed")
	}

	batch := make([]models.Listing, len(listings))
	copy(batch, listings)
	s.batches = append(s.batches, batch)
	for _, l := range listings {
		s.rows[l.ID] = l
	}
	return len(listings), nil
}

func (s *recordingStore) Stats(ctx context.Context) (*models.ListingStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &models.ListingStats{Total: int64(len(s.rows)), Active: int64(len(s.rows)), Currency: "PLN"}, nil
}

func (s *recordingStore) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.ops {
		if o == op {
			n++
		}
	}
	return n
}

// scenarioItems builds the 400/400/700 dataset spread over [1000, 50000]
// with no listing priced exactly on a bisection midpoint.
func scenarioItems() []fakeHit {
	items := make([]fakeHit, 0, 1500)
	for i := 0; i < 400; i++ {
		items = append(items, pricedHit(fmt.Sprintf("a-%d", i), decimal.NewFromInt(int64(1000+i*60))))
	}
	for i := 0; i < 400; i++ {
		items = append(items, pricedHit(fmt.Sprintf("b-%d", i), decimal.NewFromInt(int64(26000+i*27))))
	}
	for i := 0; i < 700; i++ {
		items = append(items, pricedHit(fmt.Sprintf("c-%d", i), decimal.NewFromInt(int64(38000+i*17))))
	}
	return items
}

func uniformItems(prefix string, n int, price decimal.Decimal) []fakeHit {
	items := make([]fakeHit, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, pricedHit(fmt.Sprintf("%s-%d", prefix, i), price))
	}
	return items
}

type countingPacer struct {
	mu    sync.Mutex
	waits int
}

func (p *countingPacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waits++
	return ctx.Err()
}

func newTestScheduler(index SearchClient, store ListingStore, workers int) *Scheduler {
	logger := discardLogger()
	return NewScheduler(
		index,
		NewBoundProber(index, fakeMapper{}, logger),
		NewFetcher(index, fakeMapper{}, nil, logger),
		store,
		logger,
		SchedulerConfig{Workers: workers},
	)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
