package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RiskDecisions counts risk evaluations by decision and reason code.
var RiskDecisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradecore_risk_decisions_total",
		Help: "Total number of risk decisions by outcome",
	},
	[]string{"decision", "reason"},
)

// ScorerFallbacks counts evaluations that fell back to the rule scorer.
var ScorerFallbacks = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "tradecore_scorer_fallbacks_total",
		Help: "Total number of ML scorer failures handled by the rule fallback",
	},
)

// BreakerState reports the circuit breaker state (0=closed, 1=open, 2=half-open).
var BreakerState = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "tradecore_circuit_breaker_state",
		Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
	},
)

// BreakerTrips counts breaker transitions into the open state.
var BreakerTrips = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradecore_circuit_breaker_trips_total",
		Help: "Total number of circuit breaker trips by trigger",
	},
	[]string{"trigger"},
)

// Executions counts transaction outcomes by status.
var Executions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradecore_executions_total",
		Help: "Total number of transaction executions by terminal status",
	},
	[]string{"status"},
)

// IdempotentReplays counts Execute calls answered from a stored snapshot.
var IdempotentReplays = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "tradecore_idempotent_replays_total",
		Help: "Total number of executions served from a completed idempotency record",
	},
)

// AuditAppends counts appended audit entries by kind.
var AuditAppends = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradecore_audit_appends_total",
		Help: "Total number of audit log entries appended",
	},
	[]string{"kind"},
)

// ChainVerifyFailures counts failed audit chain verifications.
var ChainVerifyFailures = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "tradecore_audit_chain_verify_failures_total",
		Help: "Total number of audit chain verifications that found a break",
	},
)

// ExecuteLatency records latency distribution for transaction execution.
var ExecuteLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "tradecore_execute_latency_seconds",
		Help:    "Latency in seconds for transaction execution",
		Buckets: prometheus.DefBuckets,
	},
)

func init() {
	prometheus.MustRegister(
		RiskDecisions, ScorerFallbacks,
		BreakerState, BreakerTrips,
		Executions, IdempotentReplays,
		AuditAppends, ChainVerifyFailures,
		ExecuteLatency,
	)
}
