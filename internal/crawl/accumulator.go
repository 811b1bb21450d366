package crawl

import (
	"sync"

	"github.com/maltedev/listing-harvester/internal/models"
)

// Accumulator is the set of unique listings seen during one run, capped at
// a target size. It is safe for concurrent use.
type Accumulator struct {
	mu    sync.Mutex
	limit int
	order []string
	byID  map[string]models.Listing
}

// NewAccumulator creates an accumulator holding at most limit listings.
// A non-positive limit means no cap.
func NewAccumulator(limit int) *Accumulator {
	return &Accumulator{
		limit: limit,
		byID:  make(map[string]models.Listing),
	}
}

// Merge adds listings to the set. A listing already present is refreshed
// with the newer values and accepted without growing the set; a new listing
// is accepted while the cap allows it. The accepted slice holds each id at
// most once, carrying its last value, in first-seen order. fresh is the
// number of ids the set did not hold before.
func (a *Accumulator) Merge(listings []models.Listing) (accepted []models.Listing, fresh int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	index := make(map[string]int, len(listings))
	for _, l := range listings {
		if l.ID == "" {
			continue
		}

		if i, ok := index[l.ID]; ok {
			accepted[i] = l
			a.byID[l.ID] = l
			continue
		}

		if _, known := a.byID[l.ID]; !known {
			if a.limit > 0 && len(a.byID) >= a.limit {
				continue
			}
			a.order = append(a.order, l.ID)
			fresh++
		}

		a.byID[l.ID] = l
		index[l.ID] = len(accepted)
		accepted = append(accepted, l)
	}

	return accepted, fresh
}

func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byID)
}

// Remaining is how many new listings the cap still admits.
func (a *Accumulator) Remaining() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.limit <= 0 {
		return WindowLimit
	}
	if n := a.limit - len(a.byID); n > 0 {
		return n
	}
	return 0
}

func (a *Accumulator) Full() bool {
	return a.Remaining() == 0
}

func (a *Accumulator) Get(id string) (models.Listing, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.byID[id]
	return l, ok
}

// Listings returns the current values in first-seen order.
func (a *Accumulator) Listings() []models.Listing {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]models.Listing, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.byID[id])
	}
	return out
}
