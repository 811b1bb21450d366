// Package metrics exports crawl counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/maltedev/listing-harvester/internal/crawl"
	"github.com/maltedev/listing-harvester/internal/database"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "harvester"

// Recorder implements crawl.Recorder and database.RelayObserver.
type Recorder struct {
	Probes        *prometheus.CounterVec
	Splits        prometheus.Counter
	LossyRanges   prometheus.Counter
	Drains        *prometheus.CounterVec
	Fetched       prometheus.Counter
	Saved         prometheus.Counter
	PersistFailed prometheus.Counter
	Runs          *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	RelayEvents   *prometheus.CounterVec

	registry prometheus.Gatherer
}

var (
	_ crawl.Recorder         = (*Recorder)(nil)
	_ database.RelayObserver = (*Recorder)(nil)
)

// New registers the crawl metrics on reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Recorder{
		Probes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Count and bound probes by outcome",
		}, []string{"outcome"}),
		Splits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "range_splits_total",
			Help:      "Price ranges bisected",
		}),
		LossyRanges: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lossy_ranges_total",
			Help:      "Unsplittable ranges drained past the window limit",
		}),
		Drains: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drains_total",
			Help:      "Range drains by stop reason",
		}, []string{"reason"}),
		Fetched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listings_fetched_total",
			Help:      "Listings returned by drains",
		}),
		Saved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listings_saved_total",
			Help:      "Listings written to the store",
		}),
		PersistFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Batches the store rejected",
		}),
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs by mode and outcome",
		}, []string{"mode", "outcome"}),
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of finished runs",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"mode"}),
		RelayEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_events_total",
			Help:      "Outbox events handed to a sink by result",
		}, []string{"sink", "result"}),
		registry: reg,
	}
}

func (r *Recorder) ObserveProbe(outcome string) {
	r.Probes.WithLabelValues(outcome).Inc()
}

func (r *Recorder) ObserveSplit() {
	r.Splits.Inc()
}

func (r *Recorder) ObserveLossyRange() {
	r.LossyRanges.Inc()
}

func (r *Recorder) ObserveDrain(reason crawl.StopReason, fetched int) {
	r.Drains.WithLabelValues(string(reason)).Inc()
	r.Fetched.Add(float64(fetched))
}

func (r *Recorder) ObservePersist(saved int, err error) {
	if err != nil {
		r.PersistFailed.Inc()
		return
	}
	r.Saved.Add(float64(saved))
}

func (r *Recorder) ObserveRun(mode crawl.Mode, outcome crawl.Outcome, d time.Duration) {
	r.Runs.WithLabelValues(string(mode), string(outcome)).Inc()
	r.RunDuration.WithLabelValues(string(mode)).Observe(d.Seconds())
}

func (r *Recorder) ObserveRelay(sink string, delivered, failed int) {
	r.RelayEvents.WithLabelValues(sink, "delivered").Add(float64(delivered))
	r.RelayEvents.WithLabelValues(sink, "failed").Add(float64(failed))
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
