// Package metrics defines ZeroClaw's Prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "zeroclaw",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"method", "route", "status"},
)

var MessagesEnqueuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "zeroclaw",
		Subsystem: "messages",
		Name:      "enqueued_total",
		Help:      "Total number of messages enqueued, by type.",
	},
	[]string{"message_type"},
)

var MessagesLeasedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "zeroclaw",
		Subsystem: "messages",
		Name:      "leased_total",
		Help:      "Total number of messages leased by recipients.",
	},
)

var MessagesAcknowledgedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "zeroclaw",
		Subsystem: "messages",
		Name:      "acknowledged_total",
		Help:      "Total number of messages acknowledged.",
	},
)

var MessagesDeadLetteredTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "zeroclaw",
		Subsystem: "messages",
		Name:      "dead_lettered_total",
		Help:      "Total number of messages dead-lettered, by reason.",
	},
	[]string{"reason"},
)

var MessagesRetriedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "zeroclaw",
		Subsystem: "messages",
		Name:      "retried_total",
		Help:      "Total number of message retries scheduled after a lease expiry.",
	},
)

var MessagesReplayedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "zeroclaw",
		Subsystem: "messages",
		Name:      "replayed_total",
		Help:      "Total number of dead-lettered messages replayed.",
	},
)

var FlowTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "zeroclaw",
		Subsystem: "flows",
		Name:      "transitions_total",
		Help:      "Total number of flow step transitions, by flow name.",
	},
	[]string{"flow_name"},
)

var FlowTimeoutsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "zeroclaw",
		Subsystem: "flows",
		Name:      "timeouts_total",
		Help:      "Total number of flow step timeouts fired, by flow name.",
	},
	[]string{"flow_name"},
)

var InstancesActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "zeroclaw",
		Subsystem: "instances",
		Name:      "active",
		Help:      "Current number of active (non-archived) instances.",
	},
)

// All returns every ZeroClaw-specific collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		MessagesEnqueuedTotal,
		MessagesLeasedTotal,
		MessagesAcknowledgedTotal,
		MessagesDeadLetteredTotal,
		MessagesRetriedTotal,
		MessagesReplayedTotal,
		FlowTransitionsTotal,
		FlowTimeoutsTotal,
		InstancesActive,
	}
}
