// Package telemetry exposes the server's prometheus instruments. Everything
// registers on the default registry and is served from /metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsAppended counts domain events appended to the log, by type.
	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inboxdb",
		Name:      "events_appended_total",
		Help:      "Domain events appended to the log.",
	}, []string{"type"})

	// ProjectionUpserts counts inbox rows written by the projector.
	ProjectionUpserts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "inboxdb",
		Name:      "inbox_projection_upserts_total",
		Help:      "Inbox item rows created or updated by the projector.",
	})

	// ProjectionNoops counts folds that intentionally changed nothing.
	ProjectionNoops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "inboxdb",
		Name:      "inbox_projection_noops_total",
		Help:      "Projector folds that were intentional no-ops.",
	})

	// MutationsApplied counts committed mutation batches by handler.
	MutationsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inboxdb",
		Name:      "mutations_applied_total",
		Help:      "Mutation batches committed, by handler.",
	}, []string{"handler"})

	// MutationErrors counts handler failures by handler.
	MutationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inboxdb",
		Name:      "mutation_errors_total",
		Help:      "Mutation handler failures, by handler.",
	}, []string{"handler"})

	// QueueDepth tracks the mutation engine's queue occupancy.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "inboxdb",
		Name:      "ingest_queue_depth",
		Help:      "Operations waiting in the mutation engine queue.",
	})

	// QueueDropped counts enqueue attempts rejected by a full queue.
	QueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "inboxdb",
		Name:      "ingest_queue_dropped_total",
		Help:      "Operations rejected because the queue was full.",
	})

	// RunsFinished counts terminal run transitions by outcome
	// (completed, failed, cancelled).
	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inboxdb",
		Name:      "runs_finished_total",
		Help:      "Runs reaching a terminal state, by outcome.",
	}, []string{"outcome"})

	// RunsStarted counts created runs.
	RunsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "inboxdb",
		Name:      "runs_started_total",
		Help:      "Runs created.",
	})

	// AgentItems counts items consumed from agent streams, by name.
	AgentItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inboxdb",
		Name:      "agent_stream_items_total",
		Help:      "Items consumed from agent streams, by event name.",
	}, []string{"name"})

	// RetentionPurged counts keys removed by the retention sweeper.
	RetentionPurged = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inboxdb",
		Name:      "retention_purged_total",
		Help:      "Keys purged by the retention sweeper, by kind.",
	}, []string{"kind"})
)
