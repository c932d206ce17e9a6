// Package metrics exports ledger operation timings and health counters to
// Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/erazemk/oprema/internal/rules"
)

const namespace = "oprema"

// Recorder owns a private registry so several can coexist in tests.
type Recorder struct {
	registry *prometheus.Registry

	durations       *prometheus.HistogramVec
	results         *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	feedErrors      *prometheus.CounterVec
	inconsistencies *prometheus.GaugeVec
}

// New returns a recorder with process and Go runtime collectors registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of ledger operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Ledger operations by outcome.",
		}, []string{"op", "result"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_rejections_total",
			Help:      "Writes blocked by the rule table, by rule.",
		}, []string{"rule", "collection"}),
		feedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_errors_total",
			Help:      "Live feed failures, by feed.",
		}, []string{"feed"}),
		inconsistencies: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inconsistencies",
			Help:      "Inconsistencies found by the last rebuild, by kind.",
		}, []string{"kind"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.durations, r.results, r.rejections, r.feedErrors, r.inconsistencies,
	)
	return r
}

// Observe records one operation's duration and outcome.
func (r *Recorder) Observe(op string, success bool, d time.Duration) {
	result := "success"
	if !success {
		result = "error"
	}
	r.durations.WithLabelValues(op).Observe(d.Seconds())
	r.results.WithLabelValues(op, result).Inc()
}

// Rejected counts a blocking violation. It fits rules.Guard.OnViolation.
func (r *Recorder) Rejected(v rules.Violation) {
	r.rejections.WithLabelValues(v.Rule, string(v.Collection)).Inc()
}

// FeedError counts a failed delivery on a live feed.
func (r *Recorder) FeedError(feed string) {
	r.feedErrors.WithLabelValues(feed).Inc()
}

// Inconsistencies sets the per-kind totals of the latest rebuild. Kinds
// missing from counts are reset to zero.
func (r *Recorder) Inconsistencies(counts map[string]int) {
	r.inconsistencies.Reset()
	for kind, n := range counts {
		r.inconsistencies.WithLabelValues(kind).Set(float64(n))
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
