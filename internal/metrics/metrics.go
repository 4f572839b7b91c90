// Package metrics exposes the Prometheus collectors of the narration service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cache lookup outcomes.
const (
	LookupHit      = "hit"
	LookupMiss     = "miss"
	LookupShared   = "shared"
	LookupFailOpen = "fail_open"
	LookupRace     = "insert_race"
	LookupError    = "error"
)

// Provider attempt outcomes.
const (
	AttemptSuccess = "success"
	AttemptRetry   = "retry"
	AttemptFailed  = "failed"
)

var (
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narration_cache_lookups_total",
		Help: "Get-or-generate calls by outcome",
	}, []string{"outcome"})

	providerAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narration_provider_attempts_total",
		Help: "Synthesis attempts per provider backend by outcome",
	}, []string{"provider", "outcome"})

	providerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "narration_provider_latency_seconds",
		Help:    "Latency of a single synthesis attempt",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"provider"})

	audioBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narration_audio_bytes_total",
		Help: "Audio bytes generated per provider backend",
	}, []string{"provider"})

	jobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narration_job_transitions_total",
		Help: "Batch job status transitions",
	}, []string{"status"})

	itemOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narration_job_items_total",
		Help: "Resolved batch job items by outcome",
	}, []string{"outcome"})

	busyWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "narration_batch_busy_workers",
		Help: "Batch workers currently processing an item",
	})
)

// RecordLookup counts a get-or-generate outcome.
func RecordLookup(outcome string) {
	cacheLookups.WithLabelValues(outcome).Inc()
}

// RecordProviderAttempt counts one attempt against a backend and its latency.
func RecordProviderAttempt(provider, outcome string, seconds float64) {
	providerAttempts.WithLabelValues(provider, outcome).Inc()
	providerLatency.WithLabelValues(provider).Observe(seconds)
}

// RecordAudioBytes counts generated audio.
func RecordAudioBytes(provider string, bytes int) {
	audioBytes.WithLabelValues(provider).Add(float64(bytes))
}

// RecordJobTransition counts a job entering status.
func RecordJobTransition(status string) {
	jobTransitions.WithLabelValues(status).Inc()
}

// RecordItemOutcome counts a resolved job item.
func RecordItemOutcome(outcome string) {
	itemOutcomes.WithLabelValues(outcome).Inc()
}

// WorkerBusy adjusts the busy worker gauge by delta.
func WorkerBusy(delta float64) {
	busyWorkers.Add(delta)
}
