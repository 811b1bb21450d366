package crawl

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/maltedev/listing-harvester/internal/models"
	"github.com/shopspring/decimal"
)

const (
	// WindowLimit is the most ranked results one query exposes through paging.
	WindowLimit = 999
	// PaginationCeiling is the first offset the search API refuses.
	PaginationCeiling = 1000
	// DefaultPageSize matches the page size of the web client.
	DefaultPageSize = 40
	// BoundProbePageSize is the sample size used to find the top price.
	BoundProbePageSize = 40
)

var (
	// MinRangeWidth is the narrowest price range that can still be bisected.
	MinRangeWidth = decimal.New(1, -2)
	// DefaultPriceFrom is the lower bound of a full crawl when none is given.
	DefaultPriceFrom = decimal.NewFromInt(1)

	half = decimal.New(5, -1)
)

type SortOrder string

const (
	SortNewest    SortOrder = "created_at:desc"
	SortPriceDesc SortOrder = "filter_float_price:desc"
	SortPriceAsc  SortOrder = "filter_float_price:asc"
)

// State filters listings by item condition. The zero value means unset.
type State string

const (
	StateAny  State = ""
	StateNew  State = "new"
	StateUsed State = "used"
)

func ParseState(s string) (State, error) {
	switch State(s) {
	case StateAny, StateNew, StateUsed:
		return State(s), nil
	default:
		return StateAny, fmt.Errorf("invalid state %q: must be new, used or empty", s)
	}
}

// Query is everything about a search except paging and the price facet.
type Query struct {
	Text       string `json:"text"`
	CategoryID string `json:"category_id,omitempty"`
	State      State  `json:"state,omitempty"`
}

// PriceRange is an inclusive price interval. Either end may be open.
type PriceRange struct {
	From decimal.NullDecimal `json:"from"`
	To   decimal.NullDecimal `json:"to"`
}

func NewPriceRange(from, to decimal.Decimal) PriceRange {
	return PriceRange{
		From: decimal.NewNullDecimal(from),
		To:   decimal.NewNullDecimal(to),
	}
}

func (r PriceRange) Bounded() bool {
	return r.From.Valid && r.To.Valid
}

// Malformed reports a bound range whose lower end exceeds its upper end.
func (r PriceRange) Malformed() bool {
	return r.Bounded() && r.From.Decimal.GreaterThan(r.To.Decimal)
}

// Splittable reports whether the range is wide enough to bisect.
func (r PriceRange) Splittable() bool {
	if !r.Bounded() {
		return false
	}
	return r.To.Decimal.Sub(r.From.Decimal).GreaterThanOrEqual(MinRangeWidth)
}

// Split bisects the range at its exact midpoint. Both halves include the
// midpoint, so listings priced exactly there show up in both.
func (r PriceRange) Split() (lower, upper PriceRange) {
	mid := r.From.Decimal.Add(r.To.Decimal).Mul(half)
	lower = NewPriceRange(r.From.Decimal, mid)
	upper = NewPriceRange(mid, r.To.Decimal)
	return lower, upper
}

// Contains reports whether price falls inside the range.
func (r PriceRange) Contains(price decimal.Decimal) bool {
	if r.From.Valid && price.LessThan(r.From.Decimal) {
		return false
	}
	if r.To.Valid && price.GreaterThan(r.To.Decimal) {
		return false
	}
	return true
}

func (r PriceRange) String() string {
	return formatBound(r.From) + "-" + formatBound(r.To)
}

func formatBound(b decimal.NullDecimal) string {
	if !b.Valid {
		return "*"
	}
	return b.Decimal.StringFixed(2)
}

type SearchRequest struct {
	Query  Query
	Offset int
	Limit  int
	Sort   SortOrder
	Price  PriceRange
}

type SearchResult struct {
	// Count is the total number of matches the index reports for the query.
	Count int
	Hits  []json.RawMessage
}

type SearchClient interface {
	Search(ctx context.Context, req SearchRequest) (*SearchResult, error)
}

// RecordMapper converts one raw search hit into a listing. Missing fields
// are left empty, it never fails.
type RecordMapper interface {
	Map(raw json.RawMessage) models.Listing
}

type ListingStore interface {
	DeactivateAll(ctx context.Context) (int64, error)
	UpsertBatch(ctx context.Context, listings []models.Listing) (int, error)
	Stats(ctx context.Context) (*models.ListingStats, error)
}

type Pacer interface {
	Wait(ctx context.Context) error
}

type noPacer struct{}

func (noPacer) Wait(ctx context.Context) error {
	return ctx.Err()
}
