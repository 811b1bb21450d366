package crawl

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/listing-harvester/internal/models"
)

var (
	// ErrSeedProbe means the count of the initial range could not be read.
	ErrSeedProbe = errors.New("seed range probe failed")
	// ErrBoundProbe means no upper price bound could be established.
	ErrBoundProbe = errors.New("bound probe failed")
	// ErrDeactivate means the mark phase of a full crawl failed.
	ErrDeactivate = errors.New("deactivate listings failed")
)

type Mode string

const (
	ModeFull   Mode = "full"
	ModeLatest Mode = "latest"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFull, ModeLatest:
		return Mode(s), nil
	default:
		return "", errors.New("mode must be full or latest")
	}
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAborted   Outcome = "aborted"
)

type WarningKind string

const (
	WarnMalformedRange   WarningKind = "malformed_range"
	WarnProbeFailed      WarningKind = "probe_failed"
	WarnLossyRange       WarningKind = "lossy_range"
	WarnDrainInterrupted WarningKind = "drain_interrupted"
	WarnCeilingReached   WarningKind = "ceiling_reached"
	WarnPersistFailed    WarningKind = "persist_failed"
	WarnBoundClamped     WarningKind = "bound_clamped"
	WarnBoundDegraded    WarningKind = "bound_degraded"
)

// Warning is a non-fatal condition observed during a run.
type Warning struct {
	Kind    WarningKind `json:"kind"`
	Range   string      `json:"range,omitempty"`
	Count   int         `json:"count,omitempty"`
	Message string      `json:"message"`
}

type Counters struct {
	Probes      int `json:"probes"`
	Splits      int `json:"splits"`
	Drains      int `json:"drains"`
	Pages       int `json:"pages"`
	LossyRanges int `json:"lossy_ranges"`
	Fetched     int `json:"fetched"`
}

// Report is the result of one crawl run, completed or aborted.
type Report struct {
	RunID       uuid.UUID        `json:"run_id"`
	Mode        Mode             `json:"mode"`
	Outcome     Outcome          `json:"outcome"`
	Fatal       error            `json:"-"`
	FatalReason string           `json:"fatal,omitempty"`
	Deactivated int64            `json:"deactivated"`
	Unique      int              `json:"unique"`
	Saved       int              `json:"saved"`
	Counters    Counters         `json:"counters"`
	Warnings    []Warning        `json:"warnings"`
	Listings    []models.Listing `json:"-"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
}

func (r *Report) Err() error {
	return r.Fatal
}

func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// WarningCount returns how many warnings of the given kind were recorded.
func (r *Report) WarningCount(kind WarningKind) int {
	n := 0
	for _, w := range r.Warnings {
		if w.Kind == kind {
			n++
		}
	}
	return n
}

func (r *Report) abort(err error) {
	r.Outcome = OutcomeAborted
	r.Fatal = err
	if err != nil {
		r.FatalReason = err.Error()
	}
}

// Recorder receives crawl measurements. Implementations must be safe for
// concurrent use.
type Recorder interface {
	ObserveProbe(outcome string)
	ObserveSplit()
	ObserveLossyRange()
	ObserveDrain(reason StopReason, fetched int)
	ObservePersist(saved int, err error)
	ObserveRun(mode Mode, outcome Outcome, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveProbe(string)                     {}
func (nopRecorder) ObserveSplit()                           {}
func (nopRecorder) ObserveLossyRange()                      {}
func (nopRecorder) ObserveDrain(StopReason, int)            {}
func (nopRecorder) ObservePersist(int, error)               {}
func (nopRecorder) ObserveRun(Mode, Outcome, time.Duration) {}

// tally collects counters and warnings from concurrent workers.
type tally struct {
	mu       sync.Mutex
	counters Counters
	warnings []Warning
	saved    int
}

func (t *tally) warn(w Warning) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.warnings = append(t.warnings, w)
}

func (t *tally) add(fn func(c *Counters)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.counters)
}

func (t *tally) addSaved(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.saved += n
}

func (t *tally) snapshot() (Counters, []Warning, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	warnings := make([]Warning, len(t.warnings))
	copy(warnings, t.warnings)
	return t.counters, warnings, t.saved
}
