// Package metrics defines the Prometheus instrumentation for the Charon
// pipeline. All metrics are registered via promauto at package init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RecordsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "charon_records_ingested_total",
			Help: "Total number of raw records accepted by the ingestion gate",
		},
		[]string{"source"},
	)

	RecordsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "charon_records_dropped_total",
			Help: "Total number of raw records rejected at the ingestion gate",
		},
		[]string{"reason"},
	)

	RecordsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "charon_records_deduplicated_total",
			Help: "Total number of records short-circuited as already stored",
		},
	)

	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "charon_routing_decisions_total",
			Help: "Total number of queue enqueues made by the router",
		},
		[]string{"queue"},
	)

	ConversionWarnings = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "charon_conversion_warnings_total",
			Help: "Total number of sub-objects skipped during bundle conversion",
		},
	)

	ConversionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "charon_conversion_failures_total",
			Help: "Total number of bundle conversions that failed entirely",
		},
	)

	StoreWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "charon_store_writes_total",
			Help: "Total number of destination store write attempts",
		},
		[]string{"destination", "outcome"},
	)

	StoreWriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "charon_store_write_duration_seconds",
			Help:    "Time taken to write an item to a destination store",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"destination"},
	)

	ItemsStalled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "charon_items_stalled_total",
			Help: "Total number of items flagged stalled after exhausting retries",
		},
		[]string{"destination"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "charon_queue_depth",
			Help: "Current number of entries waiting in a work queue",
		},
		[]string{"queue"},
	)

	InflightRequeued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "charon_inflight_requeued_total",
			Help: "Total number of in-flight entries returned to their queue by the janitor",
		},
		[]string{"queue"},
	)
)
