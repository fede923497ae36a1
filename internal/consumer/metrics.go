package consumer

import "github.com/prometheus/client_golang/prometheus"

// Per-record results used as the "result" label.
const (
	resultHandled     = "handled"
	resultRetry       = "retry"
	resultRejected    = "rejected"
	resultUndecodable = "undecodable"
)

var (
	recordsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lace",
		Subsystem: "consumer",
		Name:      "records_total",
		Help:      "Kafka records seen by the consumer, by topic, event type and result.",
	}, []string{"topic", "event_type", "result"})

	ingestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lace",
		Subsystem: "consumer",
		Name:      "ingest_outcomes_total",
		Help:      "What the ingest handler did with each event, by event type.",
	}, []string{"event_type", "outcome"})

	lagGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lace",
		Subsystem: "consumer",
		Name:      "record_age_seconds",
		Help:      "Age of the last handled record at the time it was committed, per topic.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(recordsCounter, ingestCounter, lagGauge)
}

func recordResult(topic, eventType, result string) {
	if eventType == "" {
		eventType = "unknown"
	}
	recordsCounter.WithLabelValues(topic, eventType, result).Inc()
}

func recordIngested(eventType, outcome string) {
	ingestCounter.WithLabelValues(eventType, outcome).Inc()
}
