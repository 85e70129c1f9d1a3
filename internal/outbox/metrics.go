package outbox

import "github.com/prometheus/client_golang/prometheus"

var (
	deliveredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "challenge_pipeline",
		Subsystem: "outbox",
		Name:      "events_delivered_total",
		Help:      "Number of outbox events successfully published to Kafka.",
	})

	failedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "challenge_pipeline",
		Subsystem: "outbox",
		Name:      "events_failed_total",
		Help:      "Number of failed outbox delivery attempts.",
	})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "challenge_pipeline",
		Subsystem: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Time spent claiming, delivering, and marking outbox batches.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	quarantineCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "challenge_pipeline",
		Subsystem: "outbox",
		Name:      "events_quarantined_total",
		Help:      "Number of outbox events parked after a permanent failure or exhausted retries, labeled by topic.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(deliveredCounter, failedCounter, batchDuration, quarantineCounter)
}
