// Package telemetry holds the Prometheus collectors exported on the
// server's /metrics endpoint.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PipelinesRegistered counts pipeline registrations.
	PipelinesRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rustyci_pipelines_registered_total",
		Help: "Number of pipelines registered.",
	})

	// PipelineTransitions counts lifecycle transitions by target status.
	PipelineTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rustyci_pipeline_transitions_total",
		Help: "Number of pipeline state transitions by target status.",
	}, []string{"status"})

	// PipelinesReset counts pipelines returned to Defined by the
	// cleanup sweep or an explicit reset.
	PipelinesReset = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rustyci_pipelines_reset_total",
		Help: "Number of pipelines reset back to Defined.",
	})

	// AgentsRegistered counts agent registrations.
	AgentsRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rustyci_agents_registered_total",
		Help: "Number of agents registered.",
	})

	// AgentsExpired counts agents removed by the TTL sweep.
	AgentsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rustyci_agents_expired_total",
		Help: "Number of agents deleted after their TTL lapsed.",
	})

	// LogEntriesDrained counts log lines appended by the drain.
	LogEntriesDrained = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rustyci_log_entries_drained_total",
		Help: "Number of pipeline log entries drained into storage.",
	})

	// WSConnections tracks active WebSocket subscriber connections.
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rustyci_ws_connections",
		Help: "Active WebSocket subscriber connections.",
	})

	// HTTPRequestDuration observes request latency by route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rustyci_http_request_duration_seconds",
		Help:    "HTTP request duration by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})
)
