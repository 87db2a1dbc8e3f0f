// Package metrics registers the Prometheus instruments exposed on the
// admin /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProjectsDiscovered counts project:added events persisted.
	ProjectsDiscovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "prospector",
		Name:      "projects_discovered_total",
		Help:      "Projects created from discovery events.",
	})

	// AnalysesCompleted counts pipeline runs by outcome.
	AnalysesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prospector",
		Name:      "analyses_total",
		Help:      "Completed analysis jobs by outcome.",
	}, []string{"outcome"})

	// AnalysisDuration observes end-to-end job duration.
	AnalysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "prospector",
		Name:      "analysis_duration_seconds",
		Help:      "End-to-end analysis job duration.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 180, 300},
	})

	// CacheLookups counts result-cache lookups by outcome.
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prospector",
		Name:      "cache_lookups_total",
		Help:      "Result cache lookups by outcome.",
	}, []string{"outcome"})

	// QueueDepth tracks queue occupancy per state.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "prospector",
		Name:      "queue_depth",
		Help:      "Jobs currently in each queue state.",
	}, []string{"state"})

	// RealtimeClients tracks connected WebSocket clients.
	RealtimeClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "prospector",
		Name:      "realtime_clients",
		Help:      "Connected realtime fan-out clients.",
	})

	// BusOutboxDepth tracks events queued while the bus is down.
	BusOutboxDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "prospector",
		Name:      "bus_outbox_depth",
		Help:      "Events held in the bus outbox.",
	})
)
