// Package metrics provides Prometheus metrics for dedupe runs and merges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal tracks dedupe runs by mode and outcome
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leads",
			Subsystem: "dedupe",
			Name:      "runs_total",
			Help:      "Total number of dedupe runs by mode and status",
		},
		[]string{"mode", "status"},
	)

	// RunDuration tracks end-to-end run duration
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "leads",
			Subsystem: "dedupe",
			Name:      "run_duration_seconds",
			Help:      "Duration of dedupe runs in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"mode"},
	)

	// WorkingSetSize tracks how many leads each run considered
	WorkingSetSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "leads",
			Subsystem: "dedupe",
			Name:      "working_set_size",
			Help:      "Number of leads in a run's working set",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"mode"},
	)

	// PairsFound tracks resolved pairs by match reason
	PairsFound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leads",
			Subsystem: "dedupe",
			Name:      "pairs_found_total",
			Help:      "Total number of duplicate pairs found by match reason",
		},
		[]string{"reason"},
	)

	// RelationshipsCreated tracks newly recorded relationship rows
	RelationshipsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "leads",
			Subsystem: "dedupe",
			Name:      "relationships_created_total",
			Help:      "Total number of relationship rows inserted",
		},
	)

	// MergesTotal tracks pair merges by outcome (merged, skipped, failed)
	MergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leads",
			Subsystem: "merge",
			Name:      "pairs_total",
			Help:      "Total number of pair merges by outcome",
		},
		[]string{"outcome"},
	)

	// HTTPRequestsTotal tracks API requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leads",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of API requests",
		},
		[]string{"route", "status_code"},
	)

	// JobEventsTotal tracks consumed job-completed events
	JobEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leads",
			Subsystem: "consumer",
			Name:      "job_events_total",
			Help:      "Total number of job-completed events handled by status",
		},
		[]string{"status"},
	)
)
