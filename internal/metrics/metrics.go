// Package metrics holds the Prometheus collectors shared across the ingestion
// pipeline. All collectors are registered at init via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_events_processed_total",
		Help: "Events fully processed, by team",
	}, []string{"team_id"})

	EventsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_events_failed_total",
		Help: "Events that failed processing, by stage",
	}, []string{"stage"})

	ProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_event_processing_duration_seconds",
		Help:    "End-to-end per-event processing time, by team",
		Buckets: prometheus.DefBuckets,
	}, []string{"team_id"})

	MergeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_person_merge_retries_total",
		Help: "Merge protocol retries caused by concurrent distinct-id mutations",
	})

	ProducerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_producer_messages_total",
		Help: "Messages queued to the log producer, by topic and result",
	}, []string{"topic", "result"})

	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_worker_queue_depth",
		Help: "Tasks waiting in the worker pool queue",
	})

	WorkerTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_worker_tasks_total",
		Help: "Worker pool tasks, by task name and outcome",
	}, []string{"task", "status"})

	WorkerCrashes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_worker_crashes_total",
		Help: "Worker restarts after a plugin VM crash",
	})

	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_cache_hits_total",
		Help: "Cache lookups, by cache name and outcome",
	}, []string{"cache", "outcome"})
)
