// Package metrics holds the Prometheus instruments for the event pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsHandled counts processed queue messages by type and outcome
	// (ok, retry, dead).
	EventsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_events_handled_total",
		Help: "Queue messages processed, by event type and outcome.",
	}, []string{"type", "outcome"})

	// HandlerDuration observes per-event handler latency.
	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rollcall_handler_duration_seconds",
		Help:    "Event handler latency by event type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// ScansUnattributed counts scans stored without a matching round.
	ScansUnattributed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_scans_unattributed_total",
		Help: "Scan submissions that matched no open round.",
	})

	// RoundAttendance observes how many devices each calculation marked
	// attended.
	RoundAttendance = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rollcall_round_attended_devices",
		Help:    "Attended device count per calculated round.",
		Buckets: []float64{0, 5, 10, 20, 40, 80, 160},
	})
)
