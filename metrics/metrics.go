// Package metrics provides Prometheus metrics for the importer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProbesTotal tracks result-count probes by outcome
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "estate_importer",
			Subsystem: "partition",
			Name:      "probes_total",
			Help:      "Total number of result-count probes by outcome",
		},
		[]string{"outcome"},
	)

	// PlansTotal tracks partition plans by strategy
	PlansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "estate_importer",
			Subsystem: "partition",
			Name:      "plans_total",
			Help:      "Total number of partition plans by strategy",
		},
		[]string{"strategy"},
	)

	// FetchResolutions tracks how each listing URL was resolved
	FetchResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "estate_importer",
			Subsystem: "fetch",
			Name:      "resolutions_total",
			Help:      "Listing detail resolutions by source (cache, store, live, failed)",
		},
		[]string{"source"},
	)

	// PropertiesImported tracks properties newly attached to a search
	PropertiesImported = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "estate_importer",
			Subsystem: "import",
			Name:      "properties_imported_total",
			Help:      "Total number of properties newly attached to a search",
		},
	)

	// SoldRecordsTotal tracks sold-history records upserted
	SoldRecordsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "estate_importer",
			Subsystem: "sold",
			Name:      "records_total",
			Help:      "Total number of sold-history records upserted",
		},
	)

	// QueueJobsProcessed tracks jobs processed from the queue
	QueueJobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "estate_importer",
			Subsystem: "queue",
			Name:      "jobs_processed_total",
			Help:      "Total number of jobs processed from the queue",
		},
		[]string{"type", "status"},
	)

	// QueueJobDuration tracks job handler duration
	QueueJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "estate_importer",
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Duration of queue job handlers in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"type"},
	)

	// QueueJobsInFlight tracks jobs currently being processed
	QueueJobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "estate_importer",
			Subsystem: "queue",
			Name:      "jobs_in_flight",
			Help:      "Number of jobs currently being processed",
		},
	)

	// ImagesMirrored tracks image mirror attempts by outcome
	ImagesMirrored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "estate_importer",
			Subsystem: "media",
			Name:      "images_total",
			Help:      "Image mirror attempts by outcome",
		},
		[]string{"status"},
	)
)
