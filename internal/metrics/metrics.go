// Package metrics holds the Prometheus collectors for the queue, worker,
// ingestor, normalizer, and summary cache. A nil *Metrics records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "catalog"

// Metrics holds all collectors.
type Metrics struct {
	JobsClaimed       *prometheus.CounterVec
	JobsSucceeded     *prometheus.CounterVec
	JobsFailed        *prometheus.CounterVec
	JobDuration       *prometheus.HistogramVec
	JobsReaped        *prometheus.CounterVec
	SnapshotsTotal    *prometheus.CounterVec
	CanonicalUpserted *prometheus.CounterVec
	SummaryCache      *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates and registers all collectors on reg. A nil reg gets a fresh
// registry, which keeps tests from colliding on the default one.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		JobsClaimed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "claimed_total",
			Help: "Jobs claimed by workers, by kind.",
		}, []string{"kind"}),
		JobsSucceeded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "succeeded_total",
			Help: "Jobs completed successfully, by kind.",
		}, []string{"kind"}),
		JobsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "failed_total",
			Help: "Job attempts that failed, by kind and error class.",
		}, []string{"kind", "class"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "duration_seconds",
			Help:    "Handler duration in seconds, by kind.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"kind"}),
		JobsReaped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "reaped_total",
			Help: "Running jobs reclaimed after lock expiry, by outcome.",
		}, []string{"outcome"}),
		SnapshotsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "snapshots_total",
			Help: "Snapshot writes by entity type and result (created, deduped).",
		}, []string{"entity_type", "result"}),
		CanonicalUpserted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "normalize", Name: "canonical_upserted_total",
			Help: "Canonical rows upserted by entity type and match method.",
		}, []string{"entity_type", "match_method"}),
		SummaryCache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "summary", Name: "lookups_total",
			Help: "Offer summary lookups by tier (cache, store, computed).",
		}, []string{"tier"}),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// JobClaimed records a claim.
func (m *Metrics) JobClaimed(kind string) {
	if m == nil {
		return
	}
	m.JobsClaimed.WithLabelValues(kind).Inc()
}

// JobFinished records a handler outcome. class is empty on success.
func (m *Metrics) JobFinished(kind, class string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobDuration.WithLabelValues(kind).Observe(d.Seconds())
	if class == "" {
		m.JobsSucceeded.WithLabelValues(kind).Inc()
		return
	}
	m.JobsFailed.WithLabelValues(kind, class).Inc()
}

// Reaped records a reaper pass.
func (m *Metrics) Reaped(requeued, failed int) {
	if m == nil {
		return
	}
	m.JobsReaped.WithLabelValues("requeued").Add(float64(requeued))
	m.JobsReaped.WithLabelValues("failed").Add(float64(failed))
}

// Snapshot records a snapshot write.
func (m *Metrics) Snapshot(entityType string, created bool) {
	if m == nil {
		return
	}
	result := "deduped"
	if created {
		result = "created"
	}
	m.SnapshotsTotal.WithLabelValues(entityType, result).Inc()
}

// Canonical records a canonical upsert.
func (m *Metrics) Canonical(entityType, matchMethod string) {
	if m == nil {
		return
	}
	m.CanonicalUpserted.WithLabelValues(entityType, matchMethod).Inc()
}

// SummaryLookup records where summaries were served from.
func (m *Metrics) SummaryLookup(tier string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SummaryCache.WithLabelValues(tier).Add(float64(n))
}
