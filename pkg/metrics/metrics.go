// Package metrics provides Prometheus collectors for the relay agent.
// Metrics are registered on the default registry and exposed by the health
// listener's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsDelivered counts records delivered to the cloud endpoint,
	// labeled by source id
	RecordsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_records_delivered_total",
			Help: "Records delivered to the cloud endpoint",
		},
		[]string{"source_id"},
	)

	// RecordsQueued counts records diverted to the durable queue
	RecordsQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_records_queued_total",
			Help: "Records enqueued because the transport was unavailable",
		},
		[]string{"source_id"},
	)

	// RecordsEvicted counts records dropped by queue capacity eviction.
	// This is the only legitimate data loss path and must stay observable.
	RecordsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_queue_evicted_total",
			Help: "Records evicted from a full queue, oldest first",
		},
	)

	// RecordsDeadLettered counts records that exhausted their retry budget
	RecordsDeadLettered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_queue_dead_letter_total",
			Help: "Records dead-lettered after exhausting retries",
		},
	)

	// QueueDepth tracks the current number of records in the queue
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_queue_depth",
			Help: "Records currently held in the durable queue",
		},
	)

	// TransportConnected is 1 while the transport reports connected
	TransportConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_transport_connected",
			Help: "Whether the cloud transport is connected",
		},
	)

	// TransportReconnects counts reconnection attempts
	TransportReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_transport_reconnects_total",
			Help: "Transport reconnection attempts",
		},
	)

	// SyncDuration observes the duration of sync ticks, labeled by source id
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_sync_duration_seconds",
			Help:    "Duration of source sync ticks",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source_id"},
	)

	// SyncErrors counts failed sync attempts, labeled by source id
	SyncErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_sync_errors_total",
			Help: "Failed sync attempts",
		},
		[]string{"source_id"},
	)
)
