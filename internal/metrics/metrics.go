package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "portal"
)

var (
	// ExportsReceived counts export payloads accepted by the listener.
	ExportsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_received_total",
			Help:      "Total number of export requests received",
		},
	)

	// ExportParseFailures counts dropped, unparsable export payloads.
	ExportParseFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "export_parse_failures_total",
			Help:      "Total number of export payloads dropped as unparsable",
		},
	)

	// ImportsRouted counts routing decisions by destination.
	ImportsRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "imports_routed_total",
			Help:      "Total number of import requests routed",
		},
		[]string{"target"}, // local/remote/held
	)

	// ImportsRequeued counts hub-side requeues after a failed push.
	ImportsRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "imports_requeued_total",
			Help:      "Total number of imports requeued after a delivery failure",
		},
	)

	// HeartbeatsReceived counts heartbeats handled by the hub.
	HeartbeatsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Total number of heartbeats received",
		},
	)

	// InstancesEvicted counts heartbeat-timeout evictions.
	InstancesEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_evicted_total",
			Help:      "Total number of instances evicted for missed heartbeats",
		},
	)

	// ActiveClaims counts CLAIM_ACTIVE operations.
	ActiveClaims = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "active_claims_total",
			Help:      "Total number of active-instance claims",
		},
	)

	// Instances tracks the current cluster membership size.
	Instances = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances",
			Help:      "Number of registered instances",
		},
	)

	// ImportQueueDepth tracks the local import queue length.
	ImportQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "import_queue_depth",
			Help:      "Number of imports waiting in the local queue",
		},
	)
)
