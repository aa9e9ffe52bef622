// Package dispatch runs the delivery side of the notification queue: one
// worker pool per channel that claims due items, gates them through user
// preferences, pushes them to the channel's sender, and reports the outcome
// back to the queue.
//
// This file exposes Prometheus instrumentation for the dispatch pipeline
// with careful attention to label cardinality:
//
//   - channel:  delivery channel (email/push/in_app/sms)
//   - outcome:  delivered / transient / permanent (sends only)
//
// All collectors are safe for concurrent use.
package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// claimedTotal counts items claimed from the queue, per channel.
	claimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "comms",
			Name:      "dispatch_claimed_total",
			Help:      "Total number of queue items claimed for delivery.",
		},
		[]string{"channel"},
	)

	// sendsTotal counts delivery attempts by channel and outcome.
	sendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "comms",
			Name:      "dispatch_sends_total",
			Help:      "Total number of delivery attempts by outcome.",
		},
		[]string{"channel", "outcome"},
	)

	// suppressedTotal counts items terminated by the preference gate.
	suppressedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "comms",
			Name:      "dispatch_suppressed_total",
			Help:      "Total number of items suppressed by user preferences.",
		},
		[]string{"channel"},
	)

	// deferredTotal counts items pushed past a quiet-hours window.
	deferredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "comms",
			Name:      "dispatch_deferred_total",
			Help:      "Total number of items deferred for quiet hours.",
		},
		[]string{"channel"},
	)

	// permanentFailures counts terminally failed items. Delivery failures
	// never surface to end users, so this counter is the operator's only
	// visibility into them.
	permanentFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "comms",
			Name:      "dispatch_permanent_failures_total",
			Help:      "Total number of items that exhausted delivery.",
		},
		[]string{"channel"},
	)

	// sendDuration records sender call latency in seconds per channel.
	// Outcome is intentionally omitted to keep histogram cardinality lower.
	sendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "comms",
			Name:      "dispatch_send_duration_seconds",
			Help:      "Duration of sender calls in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	// inflight gauges deliveries currently inside a sender call.
	inflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "comms",
			Name:      "dispatch_inflight",
			Help:      "Current number of in-flight sender calls.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		claimedTotal, sendsTotal, suppressedTotal, deferredTotal,
		permanentFailures, sendDuration, inflight,
	)
}

// CountPermanentFailure records a terminally failed item. Exposed so the
// queue service can report failures it resolves outside a worker (e.g. a
// retry budget exhausted on ReportOutcome).
func CountPermanentFailure(channel string) {
	permanentFailures.WithLabelValues(channel).Inc()
}
