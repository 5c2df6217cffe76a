package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── API Gateway ─────────────────────────────────────────────────────────────

	APITicketsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ticketflow",
		Subsystem: "api",
		Name:      "tickets_submitted_total",
		Help:      "Total tickets submitted through the API gateway, labelled by outcome.",
	}, []string{"outcome"})

	// ─── Enricher ────────────────────────────────────────────────────────────────

	EnrichmentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ticketflow",
		Subsystem: "enricher",
		Name:      "tasks_total",
		Help:      "Enrichment task invocations, labelled by field and outcome.",
	}, []string{"field", "outcome"})

	EnrichmentInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ticketflow",
		Subsystem: "enricher",
		Name:      "tasks_inflight",
		Help:      "Enrichment tasks currently waiting on a predictor.",
	}, []string{"field"})

	EnrichmentDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ticketflow",
		Subsystem: "enricher",
		Name:      "task_duration_seconds",
		Help:      "Enrichment task duration in seconds, predictor call included.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"field"})

	PredictorRateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ticketflow",
		Subsystem: "enricher",
		Name:      "predictor_rate_limited_total",
		Help:      "Predictor calls refused by the per-model rate limiter.",
	}, []string{"model"})

	// ─── Converger ───────────────────────────────────────────────────────────────

	ConvergenceEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ticketflow",
		Subsystem: "converger",
		Name:      "evaluations_total",
		Help:      "Convergence trigger evaluations, labelled by outcome.",
	}, []string{"outcome"})

	SinkCreateDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ticketflow",
		Subsystem: "converger",
		Name:      "sink_create_duration_seconds",
		Help:      "Downstream authenticate+create time in seconds, retries included.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	SinkRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ticketflow",
		Subsystem: "converger",
		Name:      "sink_retries_total",
		Help:      "Retries of downstream calls within a claimed evaluation.",
	})

	DeadLetteredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ticketflow",
		Subsystem: "converger",
		Name:      "dead_lettered_total",
		Help:      "Tickets marked dead-lettered after exhausting sync attempts.",
	})

	// ─── Event delivery ──────────────────────────────────────────────────────────

	ConsumerRedeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ticketflow",
		Subsystem: "events",
		Name:      "redeliveries_total",
		Help:      "Messages handed to a handler again after it returned an error.",
	}, []string{"topic"})

	ConsumerDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ticketflow",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Messages committed after exhausting their delivery attempts.",
	}, []string{"topic"})

	// ─── Reconciler ──────────────────────────────────────────────────────────────

	ReconcilerActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ticketflow",
		Subsystem: "reconciler",
		Name:      "actions_total",
		Help:      "Reconciler sweep actions, labelled by action.",
	}, []string{"action"})
)
