package crawl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/maltedev/listing-harvester/internal/models"
	"github.com/maltedev/listing-harvester/internal/queue"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Scheduler partitions a query by price until every leaf range fits in the
// search window, draining and persisting each leaf as it is found.
type Scheduler struct {
	client   SearchClient
	prober   *BoundProber
	fetcher  *Fetcher
	store    ListingStore
	recorder Recorder
	workers  int
	logger   *slog.Logger
}

type SchedulerConfig struct {
	// Workers is the number of ranges handled concurrently. Values below
	// two run the crawl strictly sequentially.
	Workers  int
	Recorder Recorder
}

func NewScheduler(client SearchClient, prober *BoundProber, fetcher *Fetcher, store ListingStore, logger *slog.Logger, cfg SchedulerConfig) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	return &Scheduler{
		client:   client,
		prober:   prober,
		fetcher:  fetcher,
		store:    store,
		recorder: cfg.Recorder,
		workers:  cfg.Workers,
		logger:   logger.With("component", "scheduler"),
	}
}

type PartitionRequest struct {
	Query    Query
	Seed     PriceRange
	Target   int
	PageSize int
}

type PartitionResult struct {
	Listings []models.Listing
	Unique   int
	Saved    int
	Counters Counters
	Warnings []Warning
}

// partition is the state of one Partition call.
type partition struct {
	req   PartitionRequest
	acc   *Accumulator
	tasks *queue.WorkQueue[PriceRange]
	tally tally

	// forced holds the wire form of every force-drained range.
	forcedMu sync.Mutex
	forced   map[string]struct{}
}

// claimForced reports whether r's wire form has not been force-drained yet,
// and marks it drained.
func (p *partition) claimForced(r PriceRange) bool {
	p.forcedMu.Lock()
	defer p.forcedMu.Unlock()
	key := r.String()
	if _, ok := p.forced[key]; ok {
		return false
	}
	p.forced[key] = struct{}{}
	return true
}

// Partition crawls req.Seed. The returned result is always non-nil and
// reflects everything persisted before a fatal error, if any.
func (s *Scheduler) Partition(ctx context.Context, req PartitionRequest) (*PartitionResult, error) {
	if req.PageSize <= 0 {
		req.PageSize = DefaultPageSize
	}

	p := &partition{
		req:    req,
		acc:    NewAccumulator(req.Target),
		tasks:  queue.New[PriceRange](),
		forced: make(map[string]struct{}),
	}

	err := s.run(ctx, p)

	counters, warnings, saved := p.tally.snapshot()
	res := &PartitionResult{
		Listings: p.acc.Listings(),
		Unique:   p.acc.Len(),
		Saved:    saved,
		Counters: counters,
		Warnings: warnings,
	}
	return res, err
}

func (s *Scheduler) run(ctx context.Context, p *partition) error {
	seed := p.req.Seed
	if seed.Malformed() {
		p.tally.warn(Warning{
			Kind:    WarnMalformedRange,
			Range:   seed.String(),
			Message: "seed range lower bound exceeds upper bound",
		})
		return nil
	}

	count, err := s.count(ctx, p, seed)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSeedProbe, err)
	}

	s.logger.Info("seed range probed", "range", seed.String(), "count", count, "target", p.req.Target)

	if count == 0 {
		return nil
	}

	if count <= WindowLimit {
		s.drain(ctx, p, seed, min(count, p.acc.Remaining()))
		return ctx.Err()
	}

	root, err := s.resolveBounds(ctx, p, seed)
	if err != nil {
		return err
	}
	if err := p.tasks.Push(root, queue.Back); err != nil {
		return fmt.Errorf("failed to queue root range: %w", err)
	}

	if s.workers == 1 {
		return s.work(ctx, p)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.workers; i++ {
		g.Go(func() error {
			return s.work(gctx, p)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// resolveBounds turns the seed into a closed range. The lower end defaults
// to zero; the upper end is probed when the caller left it open.
func (s *Scheduler) resolveBounds(ctx context.Context, p *partition, seed PriceRange) (PriceRange, error) {
	lower := decimal.Zero
	if seed.From.Valid {
		lower = seed.From.Decimal
	}

	if seed.To.Valid {
		return NewPriceRange(lower, seed.To.Decimal), nil
	}

	bound, err := s.prober.Probe(ctx, p.req.Query, PriceRange{}, SortPriceDesc)
	if err != nil {
		return PriceRange{}, err
	}
	upper := bound.Price

	if bound.Degraded {
		p.tally.warn(Warning{
			Kind:    WarnBoundDegraded,
			Message: fmt.Sprintf("upper bound %s taken from a promoted listing", upper.StringFixed(2)),
		})
	}

	if upper.LessThan(lower) {
		s.logger.Warn("probed upper bound below lower bound, clamping",
			"lower", lower.StringFixed(2),
			"upper", upper.StringFixed(2))
		p.tally.warn(Warning{
			Kind:    WarnBoundClamped,
			Message: fmt.Sprintf("upper bound %s clamped to lower bound %s", upper.StringFixed(2), lower.StringFixed(2)),
		})
		upper = lower
	}

	return NewPriceRange(lower, upper), nil
}

// work pops and handles ranges until the queue drains or the target is met.
func (s *Scheduler) work(ctx context.Context, p *partition) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.acc.Full() {
			return nil
		}

		r, err := p.tasks.Pop(ctx)
		if errors.Is(err, queue.ErrQueueDrained) {
			return nil
		}
		if err != nil {
			return err
		}

		if p.acc.Full() {
			p.tasks.Done()
			return nil
		}

		err = s.handle(ctx, p, r)
		p.tasks.Done()
		if err != nil {
			return err
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, p *partition, r PriceRange) error {
	if r.Malformed() {
		s.logger.Warn("discarding malformed range", "range", r.String())
		p.tally.warn(Warning{
			Kind:    WarnMalformedRange,
			Range:   r.String(),
			Message: "range lower bound exceeds upper bound",
		})
		return nil
	}

	count, err := s.count(ctx, p, r)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("range probe failed, discarding", "range", r.String(), "error", err)
		p.tally.warn(Warning{
			Kind:    WarnProbeFailed,
			Range:   r.String(),
			Message: err.Error(),
		})
		return nil
	}

	switch {
	case count == 0:
		return nil

	case count <= WindowLimit:
		s.drain(ctx, p, r, min(p.acc.Remaining(), count))

	case r.Splittable() && splitAdvances(r):
		lower, upper := r.Split()
		// Upper goes in first so that lower is popped next.
		if err := p.tasks.Push(upper, queue.Front); err != nil {
			return fmt.Errorf("failed to queue range %s: %w", upper, err)
		}
		if err := p.tasks.Push(lower, queue.Front); err != nil {
			return fmt.Errorf("failed to queue range %s: %w", lower, err)
		}
		p.tally.add(func(c *Counters) { c.Splits++ })
		s.recorder.ObserveSplit()
		s.logger.Debug("range split",
			"range", r.String(),
			"count", count,
			"lower", lower.String(),
			"upper", upper.String(),
			"queued", p.tasks.Size(),
			"in_flight", p.tasks.InFlight())

	default:
		if !p.claimForced(r) {
			s.logger.Debug("range already force-drained", "range", r.String(), "count", count)
			return nil
		}
		s.logger.Warn("range too narrow to split, results will be incomplete",
			"range", r.String(),
			"count", count,
			"window", WindowLimit)
		p.tally.warn(Warning{
			Kind:    WarnLossyRange,
			Range:   r.String(),
			Count:   count,
			Message: fmt.Sprintf("%d listings reported, at most %d retrievable", count, WindowLimit),
		})
		p.tally.add(func(c *Counters) { c.LossyRanges++ })
		s.recorder.ObserveLossyRange()
		s.drain(ctx, p, r, min(p.acc.Remaining(), WindowLimit))
	}

	return ctx.Err()
}

// splitAdvances reports whether both halves of r reach the index as
// narrower queries than r. Below one cent a half can round to r's own wire
// form, and probing it again returns the same window.
func splitAdvances(r PriceRange) bool {
	lower, upper := r.Split()
	wire := r.String()
	return lower.String() != wire && upper.String() != wire
}

// count asks the index how many listings fall in r.
func (s *Scheduler) count(ctx context.Context, p *partition, r PriceRange) (int, error) {
	p.tally.add(func(c *Counters) { c.Probes++ })

	res, err := s.client.Search(ctx, SearchRequest{
		Query: p.req.Query,
		Limit: 1,
		Sort:  SortNewest,
		Price: r,
	})
	if err != nil {
		s.recorder.ObserveProbe("error")
		return 0, fmt.Errorf("failed to count range %s: %w", r, err)
	}

	s.recorder.ObserveProbe("ok")
	return res.Count, nil
}

func (s *Scheduler) drain(ctx context.Context, p *partition, r PriceRange, maxResults int) {
	res := s.fetcher.Drain(ctx, p.req.Query, r, SortNewest, p.req.PageSize, maxResults)

	p.tally.add(func(c *Counters) {
		c.Drains++
		c.Pages += res.Pages
		c.Fetched += len(res.Listings)
	})
	s.recorder.ObserveDrain(res.Reason, len(res.Listings))

	switch res.Reason {
	case StopFailed:
		if ctx.Err() == nil {
			p.tally.warn(Warning{
				Kind:    WarnDrainInterrupted,
				Range:   r.String(),
				Count:   len(res.Listings),
				Message: res.Err.Error(),
			})
		}
	case StopCeiling:
		p.tally.warn(Warning{
			Kind:    WarnCeilingReached,
			Range:   r.String(),
			Count:   len(res.Listings),
			Message: fmt.Sprintf("pagination ceiling %d reached", PaginationCeiling),
		})
	}

	s.persist(ctx, p, r, res.Listings)
}

// persist merges listings into the accumulator and upserts the accepted
// ones as a single batch.
func (s *Scheduler) persist(ctx context.Context, p *partition, r PriceRange, listings []models.Listing) {
	accepted, fresh := p.acc.Merge(listings)
	if len(accepted) == 0 {
		return
	}

	saved, err := s.store.UpsertBatch(ctx, accepted)
	s.recorder.ObservePersist(saved, err)
	if err != nil {
		s.logger.Error("failed to persist batch", "range", r.String(), "size", len(accepted), "error", err)
		p.tally.warn(Warning{
			Kind:    WarnPersistFailed,
			Range:   r.String(),
			Count:   len(accepted),
			Message: err.Error(),
		})
		return
	}

	p.tally.addSaved(saved)
	s.logger.Info("batch persisted",
		"range", r.String(),
		"fetched", len(listings),
		"new", fresh,
		"saved", saved,
		"unique", p.acc.Len())
}
