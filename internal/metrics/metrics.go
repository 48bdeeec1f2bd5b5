// Package metrics registers the Prometheus instruments for the pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cache
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "area_advisor_cache_hits_total",
			Help: "Cache lookups served from a fresh entry",
		},
		[]string{"kind"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "area_advisor_cache_misses_total",
			Help: "Cache lookups that found nothing or an expired entry",
		},
		[]string{"kind"},
	)

	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "area_advisor_cache_errors_total",
			Help: "Cache backend errors, degraded to a miss or a skipped write",
		},
		[]string{"op"}, // "get", "set", "sweep"
	)

	// Sources
	SourceFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "area_advisor_source_fetches_total",
			Help: "Source fetch outcomes; outcome is ok or a failure class",
		},
		[]string{"source", "outcome"},
	)

	SourceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "area_advisor_source_fetch_seconds",
			Help:    "Latency of source fetches that missed the cache",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	// Pipeline
	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "area_advisor_pipeline_duration_seconds",
			Help:    "End-to-end recommendation run duration",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"persona", "cached"},
	)

	AreasDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "area_advisor_areas_dropped_total",
			Help: "Candidate areas dropped because a critical source failed",
		},
		[]string{"source"},
	)

	RelaxationRounds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "area_advisor_constraint_relaxation_rounds",
			Help:    "Constraint relaxation rounds used per scoring run",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		},
	)
)

// RecordCacheLookup counts a hit or a miss for kind.
func RecordCacheLookup(kind string, hit bool) {
	if hit {
		CacheHits.WithLabelValues(kind).Inc()
		return
	}
	CacheMisses.WithLabelValues(kind).Inc()
}

// RecordSourceFetch records one fetch outcome. An empty outcome means ok.
func RecordSourceFetch(source, outcome string, duration time.Duration) {
	if outcome == "" {
		outcome = "ok"
	}
	SourceFetches.WithLabelValues(source, outcome).Inc()
	SourceLatency.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordPipelineRun observes a finished run.
func RecordPipelineRun(persona string, cached bool, duration time.Duration) {
	c := "false"
	if cached {
		c = "true"
	}
	PipelineDuration.WithLabelValues(persona, c).Observe(duration.Seconds())
}
