package outbox

import "github.com/prometheus/client_golang/prometheus"

var (
	publishedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lace",
		Subsystem: "outbox",
		Name:      "events_published_total",
		Help:      "Match events published to Kafka, by event type.",
	}, []string{"event_type"})

	deadLetteredCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lace",
		Subsystem: "outbox",
		Name:      "events_dead_lettered_total",
		Help:      "Match events moved to outbox_dlq after a failed publish, by topic.",
	}, []string{"topic"})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lace",
		Subsystem: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Wall time of a non-empty dispatcher pass.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	dlqOutcomeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lace",
		Subsystem: "dlq",
		Name:      "entries_total",
		Help:      "DLQ entries handled by replay passes, by event type and outcome.",
	}, []string{"event_type", "outcome"})

	dlqBacklogGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lace",
		Subsystem: "dlq",
		Name:      "backlog_entries",
		Help:      "DLQ entries still eligible for replay.",
	})
)

func init() {
	prometheus.MustRegister(publishedCounter, deadLetteredCounter, batchDuration, dlqOutcomeCounter, dlqBacklogGauge)
}

func recordPublished(messages []Message) {
	for _, msg := range messages {
		publishedCounter.WithLabelValues(msg.EventType).Inc()
	}
}

func recordDeadLettered(messages []Message) {
	for _, msg := range messages {
		deadLetteredCounter.WithLabelValues(msg.Topic).Inc()
	}
}

func recordDLQOutcome(entry dlqEntry, outcome entryOutcome) {
	dlqOutcomeCounter.WithLabelValues(entry.EventType, outcome.String()).Inc()
}
