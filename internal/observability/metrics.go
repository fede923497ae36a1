// Package observability holds the Prometheus collectors shared across the service.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Match outcomes used as label values.
const (
	OutcomeMatched = "matched"
	OutcomeNoMatch = "no_match"
	OutcomeSkipped = "skipped"
	OutcomeError   = "error"
)

var (
	matchAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lace",
		Subsystem: "matcher",
		Name:      "attempts_total",
		Help:      "Match attempts grouped by outcome.",
	}, []string{"outcome"})

	unmatchCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lace",
		Subsystem: "matcher",
		Name:      "unmatches_total",
		Help:      "Number of activities reverted to unmatched.",
	})

	matchConfidence = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lace",
		Subsystem: "matcher",
		Name:      "match_confidence",
		Help:      "Confidence of accepted matches.",
		Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
	})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lace",
		Subsystem: "matcher",
		Name:      "batch_duration_seconds",
		Help:      "Wall time of batch match sweeps.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	activityIngestGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lace",
		Subsystem: "persistence",
		Name:      "last_activity_ingested_timestamp_seconds",
		Help:      "Unix timestamp of the most recent external activity written to Postgres.",
	})

	activityMatchedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lace",
		Subsystem: "persistence",
		Name:      "last_activity_matched_timestamp_seconds",
		Help:      "Unix timestamp of the most recent persisted match.",
	})
)

func init() {
	prometheus.MustRegister(matchAttempts, unmatchCounter, matchConfidence, batchDuration, activityIngestGauge, activityMatchedGauge)
}

// RecordMatchAttempt counts a match attempt by outcome.
func RecordMatchAttempt(outcome string) {
	matchAttempts.WithLabelValues(outcome).Inc()
}

// RecordMatchConfidence observes the confidence of an accepted match.
func RecordMatchConfidence(confidence float64) {
	matchConfidence.Observe(confidence)
}

// RecordUnmatch counts a reverted match.
func RecordUnmatch() {
	unmatchCounter.Inc()
}

// ObserveBatch records how long a batch sweep took.
func ObserveBatch(d time.Duration) {
	batchDuration.Observe(d.Seconds())
}

// RecordActivityIngested updates the ingestion watermark gauge.
func RecordActivityIngested(ts time.Time) {
	if ts.IsZero() {
		return
	}
	activityIngestGauge.Set(float64(ts.Unix()))
}

// RecordActivityMatched updates the match watermark gauge.
func RecordActivityMatched(ts time.Time) {
	if ts.IsZero() {
		return
	}
	activityMatchedGauge.Set(float64(ts.Unix()))
}
