package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/listing-harvester/internal/crawl"
	"github.com/shopspring/decimal"
)

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var (
	ErrRunNotFound   = errors.New("run not found")
	ErrNoPendingRun  = errors.New("no pending run")
	ErrInvalidParams = errors.New("invalid run parameters")
)

// RunParams are the crawl inputs stored with a run.
type RunParams struct {
	Query      string              `json:"query"`
	CategoryID string              `json:"category_id,omitempty"`
	State      string              `json:"state,omitempty"`
	PriceFrom  decimal.NullDecimal `json:"price_from"`
	PriceTo    decimal.NullDecimal `json:"price_to"`
	Target     int                 `json:"target,omitempty"`
	MaxResults int                 `json:"max_results,omitempty"`
	PageSize   int                 `json:"page_size,omitempty"`
}

// Run is one queued or executed crawl.
type Run struct {
	ID          uuid.UUID       `json:"id"`
	Mode        crawl.Mode      `json:"mode"`
	Params      RunParams       `json:"params"`
	Status      string          `json:"status"`
	Outcome     string          `json:"outcome,omitempty"`
	Unique      int             `json:"unique"`
	Saved       int             `json:"saved"`
	Deactivated int64           `json:"deactivated"`
	Warnings    []crawl.Warning `json:"warnings,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// RunRequest asks for a new run. Zero params fall back to the manager
// defaults.
type RunRequest struct {
	Mode   string    `json:"mode"`
	Params RunParams `json:"params"`
}

func (p RunParams) withDefaults(d RunParams) RunParams {
	if p.Query == "" {
		p.Query = d.Query
	}
	if p.CategoryID == "" {
		p.CategoryID = d.CategoryID
	}
	if p.State == "" {
		p.State = d.State
	}
	if !p.PriceFrom.Valid {
		p.PriceFrom = d.PriceFrom
	}
	if !p.PriceTo.Valid {
		p.PriceTo = d.PriceTo
	}
	if p.Target <= 0 {
		p.Target = d.Target
	}
	if p.MaxResults <= 0 {
		p.MaxResults = d.MaxResults
	}
	if p.PageSize <= 0 {
		p.PageSize = d.PageSize
	}
	return p
}

func (p RunParams) validate() error {
	if p.Query == "" {
		return fmt.Errorf("%w: query is required", ErrInvalidParams)
	}
	if _, err := crawl.ParseState(p.State); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if p.PriceFrom.Valid && p.PriceFrom.Decimal.IsNegative() {
		return fmt.Errorf("%w: price_from cannot be negative", ErrInvalidParams)
	}
	if p.PriceFrom.Valid && p.PriceTo.Valid && p.PriceFrom.Decimal.GreaterThan(p.PriceTo.Decimal) {
		return fmt.Errorf("%w: price_from cannot exceed price_to", ErrInvalidParams)
	}
	if p.PageSize < 0 || p.PageSize > crawl.PaginationCeiling {
		return fmt.Errorf("%w: page_size must be between 1 and %d", ErrInvalidParams, crawl.PaginationCeiling)
	}
	if p.Target < 0 || p.MaxResults < 0 {
		return fmt.Errorf("%w: target and max_results cannot be negative", ErrInvalidParams)
	}
	return nil
}

func (p RunParams) query() crawl.Query {
	state, _ := crawl.ParseState(p.State)
	return crawl.Query{Text: p.Query, CategoryID: p.CategoryID, State: state}
}

// applyReport copies the outcome of a finished crawl onto the run.
func (r *Run) applyReport(report *crawl.Report) {
	now := time.Now()
	r.CompletedAt = &now
	r.Outcome = string(report.Outcome)
	r.Unique = report.Unique
	r.Saved = report.Saved
	r.Deactivated = report.Deactivated
	r.Warnings = report.Warnings

	if err := report.Err(); err != nil {
		r.Status = StatusFailed
		r.Error = err.Error()
		return
	}
	r.Status = StatusCompleted
}
