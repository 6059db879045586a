// Package metrics instruments the coordinators, the bus, and the meta
// aggregate with Prometheus counters, histograms, and gauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommandsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "angzarr",
		Name:      "commands_handled_total",
		Help:      "Commands handled by the aggregate coordinator, by domain and outcome.",
	}, []string{"domain", "outcome"})

	CommandLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "angzarr",
		Name:      "command_handle_seconds",
		Help:      "Aggregate coordinator command handling latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"domain"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "angzarr",
		Name:      "events_published_total",
		Help:      "Events published to the bus, by domain.",
	}, []string{"domain"})

	DeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "angzarr",
		Name:      "dead_lettered_total",
		Help:      "Messages routed to the dead-letter stream, by source component and detail.",
	}, []string{"source_component", "detail"})

	SagaRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "angzarr",
		Name:      "saga_dispatch_retries_total",
		Help:      "Saga/process-manager command dispatch retries, by saga name.",
	}, []string{"saga"})

	RegisteredComponents = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "angzarr",
		Name:      "registered_components",
		Help:      "Components currently registered with the _angzarr meta aggregate, by kind.",
	}, []string{"kind"})
)
