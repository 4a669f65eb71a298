// Package metrics exposes Prometheus collectors for the claim pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	claimsSettled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "canvas402",
		Subsystem: "claims",
		Name:      "settled_total",
		Help:      "Count of successfully settled pixel claims.",
	})
	claimsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "canvas402",
		Subsystem: "claims",
		Name:      "rejected_total",
		Help:      "Count of rejected claims by verification failure reason.",
	}, []string{"reason"})
	quotesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "canvas402",
		Subsystem: "claims",
		Name:      "quotes_total",
		Help:      "Count of 402 payment-required responses issued.",
	})
	settleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "canvas402",
		Subsystem: "claims",
		Name:      "settle_duration_seconds",
		Help:      "Duration of the verify-and-settle path.",
		Buckets:   prometheus.DefBuckets,
	})
	volumeRawUnits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "canvas402",
		Subsystem: "claims",
		Name:      "volume_raw_units_total",
		Help:      "Gross settled volume in raw asset units.",
	})
)

// QuoteIssued records one 402 payment-required response.
func QuoteIssued() { quotesIssued.Inc() }

// ClaimSettled records one successful settlement and its gross volume.
// Volumes beyond float64 precision only skew the gauge, not settlement.
func ClaimSettled(grossRawUnits float64, started time.Time) {
	claimsSettled.Inc()
	volumeRawUnits.Add(grossRawUnits)
	settleDuration.Observe(time.Since(started).Seconds())
}

// ClaimRejected records one rejected claim by reason.
func ClaimRejected(reason string) {
	claimsRejected.WithLabelValues(reason).Inc()
}
