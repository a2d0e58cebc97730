package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ledger
	LedgerPostingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promotions_ledger_postings_total",
			Help: "Completed balance transactions by kind",
		},
		[]string{"kind"},
	)

	PurchasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promotions_purchases_total",
			Help: "Purchase attempts by outcome",
		},
		[]string{"outcome"}, // completed, insufficient_funds, invalid, unauthorized, error
	)

	// Gateway reconciliation
	ReconcileOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promotions_reconcile_outcomes_total",
			Help: "Top-up completion results by source and result",
		},
		[]string{"source", "result"}, // source: webhook, poll; result: completed, failed, pending, already_processed, timeout
	)

	SignatureFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promotions_gateway_signature_failures_total",
			Help: "Callbacks with an invalid signature by signature mode",
		},
		[]string{"mode"},
	)

	GatewayRequestSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "promotions_gateway_request_seconds",
			Help:    "Latency of payment gateway API calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "result"},
	)

	// Scheduler
	SchedulerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promotions_scheduler_runs_total",
			Help: "Scheduler task runs by task and result",
		},
		[]string{"task", "result"}, // ok, error, skipped, locked
	)

	SchedulerRunSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "promotions_scheduler_run_seconds",
			Help:    "Duration of scheduler task runs",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"task"},
	)

	EntitlementsSweptTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promotions_entitlements_swept_total",
			Help: "Entitlements touched by sweeps by action and service type",
		},
		[]string{"action", "service_type"}, // action: renewed, expired
	)
)

// ObserveGateway records a gateway call.
func ObserveGateway(operation string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	GatewayRequestSeconds.WithLabelValues(operation, result).Observe(time.Since(start).Seconds())
}

// ObserveSchedulerRun records a finished task run.
func ObserveSchedulerRun(task string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	SchedulerRunsTotal.WithLabelValues(task, result).Inc()
	SchedulerRunSeconds.WithLabelValues(task).Observe(time.Since(start).Seconds())
}
