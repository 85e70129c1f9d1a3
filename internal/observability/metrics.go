// Package observability exposes Prometheus collectors for the ingestion pipeline.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "challenge_pipeline"

var (
	notificationsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "intake",
		Name:      "notifications_received_total",
		Help:      "Raw notifications persisted by the webhook intake, labeled by kind and delivery mode.",
	}, []string{"kind", "mode"})

	attemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "attempts_total",
		Help:      "Processing attempts by outcome (processed, transient, permanent, poison, released).",
	}, []string{"outcome"})

	attemptDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "attempt_duration_seconds",
		Help:      "Time spent normalizing and aggregating a single notification.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "queue_depth",
		Help:      "Claimed notifications waiting for a worker.",
	})

	activitiesNormalized = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "normalizer",
		Name:      "activities_total",
		Help:      "Canonical activities produced, labeled by source and result (stored, duplicate, unresolved).",
	}, []string{"source", "result"})

	activityPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "normalizer",
		Name:      "last_activity_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent canonical activity persisted.",
	})

	aggregationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "applications_total",
		Help:      "Participant progress updates by result (applied, skipped, failed).",
	}, []string{"result"})

	completionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "completions_total",
		Help:      "Participants that crossed their challenge target.",
	})

	leaderboardCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "leaderboard",
		Name:      "cache_lookups_total",
		Help:      "Leaderboard cache lookups by result (hit, miss, error).",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		notificationsReceived,
		attemptsTotal,
		attemptDuration,
		queueDepth,
		activitiesNormalized,
		activityPersistGauge,
		aggregationsTotal,
		completionsTotal,
		leaderboardCache,
	)
}

// RecordNotificationReceived counts a persisted webhook delivery.
func RecordNotificationReceived(kind, mode string) {
	notificationsReceived.WithLabelValues(kind, mode).Inc()
}

// RecordAttempt counts a finished processing attempt and its duration.
func RecordAttempt(outcome string, elapsed time.Duration) {
	attemptsTotal.WithLabelValues(outcome).Inc()
	if elapsed > 0 {
		attemptDuration.Observe(elapsed.Seconds())
	}
}

// SetQueueDepth reports the number of claimed notifications waiting for a worker.
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// RecordActivity counts a normalizer result for one activity.
func RecordActivity(source, result string) {
	activitiesNormalized.WithLabelValues(source, result).Inc()
}

// RecordActivityPersisted updates the persistence watermark gauge.
func RecordActivityPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	activityPersistGauge.Set(float64(ts.Unix()))
}

// RecordAggregation counts a per-challenge aggregation result.
func RecordAggregation(result string) {
	aggregationsTotal.WithLabelValues(result).Inc()
}

// RecordCompletion counts a first crossing of a challenge target.
func RecordCompletion() {
	completionsTotal.Inc()
}

// RecordLeaderboardCache counts a cache lookup result.
func RecordLeaderboardCache(result string) {
	leaderboardCache.WithLabelValues(result).Inc()
}
