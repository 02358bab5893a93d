package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the contest core.
type Metrics struct {
	// --- Lifecycle ---
	LifecycleOps        *prometheus.CounterVec
	LifecycleOpDuration *prometheus.HistogramVec
	TransitionsApplied  *prometheus.CounterVec

	// --- Settlement ---
	SettlementsExecuted *prometheus.CounterVec
	SettlementDuration  prometheus.Histogram
	SettlementNotReady  prometheus.Counter

	// --- Payout ---
	PayoutJobsCreated     prometheus.Counter
	TransfersCreated      prometheus.Counter
	TransferAttempts      *prometheus.CounterVec
	TransferTerminal      *prometheus.CounterVec
	ClaimEmpty            prometheus.Counter
	JobsCompleted         prometheus.Counter
	JobsHalted            prometheus.Counter
	AdapterCallDuration   prometheus.Histogram
	ReconcileMismatches   prometheus.Counter

	// --- Ledger ---
	LedgerAppends    *prometheus.CounterVec
	LedgerDuplicates prometheus.Counter

	// --- Signals / sweeps ---
	SignalsPublished *prometheus.CounterVec
	SignalsConsumed  *prometheus.CounterVec
	SweepRuns        *prometheus.CounterVec
	SweepErrors      *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	opBuckets := []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0}
	adapterBuckets := []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

	return &Metrics{
		LifecycleOps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "contest_lifecycle_operations_total",
			Help: "Lifecycle operations by action and outcome (applied/noop/rejected)",
		}, []string{"action", "outcome"}),

		LifecycleOpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "contest_lifecycle_operation_duration_seconds",
			Help:    "Lifecycle operation latency including lock wait",
			Buckets: opBuckets,
		}, []string{"action"}),

		TransitionsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "contest_transitions_applied_total",
			Help: "Committed status transitions by actor, from and to",
		}, []string{"actor", "from", "to"}),

		SettlementsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "contest_settlements_executed_total",
			Help: "Settlement executions by outcome (created/replayed/failed)",
		}, []string{"outcome"}),

		SettlementDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "contest_settlement_duration_seconds",
			Help:    "Time to compute and persist one settlement",
			Buckets: opBuckets,
		}),

		SettlementNotReady: promauto.NewCounter(prometheus.CounterOpts{
			Name: "contest_settlement_not_ready_total",
			Help: "Settlement attempts that found the results snapshot not ready",
		}),

		PayoutJobsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "contest_payout_jobs_created_total",
			Help: "Payout jobs created (duplicates converge, not counted)",
		}),

		TransfersCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "contest_payout_transfers_created_total",
			Help: "Payout transfers inserted",
		}),

		TransferAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "contest_payout_transfer_attempts_total",
			Help: "Transfer execution attempts by result classification",
		}, []string{"result"}),

		TransferTerminal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "contest_payout_transfers_terminal_total",
			Help: "Transfers reaching a terminal state",
		}, []string{"status"}),

		ClaimEmpty: promauto.NewCounter(prometheus.CounterOpts{
			Name: "contest_payout_claim_empty_total",
			Help: "Claim attempts that found no eligible transfer",
		}),

		JobsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "contest_payout_jobs_completed_total",
			Help: "Payout jobs reaching complete",
		}),

		JobsHalted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "contest_payout_jobs_halted_total",
			Help: "Payout jobs halted by reconciliation mismatch",
		}),

		AdapterCallDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "contest_payment_adapter_call_duration_seconds",
			Help:    "Payment adapter createTransfer latency",
			Buckets: adapterBuckets,
		}),

		ReconcileMismatches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "contest_reconciliation_mismatches_total",
			Help: "Ledger vs processor reconciliation mismatches detected",
		}),

		LedgerAppends: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "contest_ledger_appends_total",
			Help: "Ledger entries appended by direction",
		}, []string{"direction"}),

		LedgerDuplicates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "contest_ledger_duplicates_total",
			Help: "Ledger appends deduplicated by idempotency key",
		}),

		SignalsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "contest_signals_published_total",
			Help: "Outbound NATS messages by subject class",
		}, []string{"subject"}),

		SignalsConsumed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "contest_signals_consumed_total",
			Help: "Inbound NATS messages by subject class and result",
		}, []string{"subject", "result"}),

		SweepRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "contest_sweep_runs_total",
			Help: "Scheduler sweep executions",
		}, []string{"sweep"}),

		SweepErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "contest_sweep_errors_total",
			Help: "Scheduler sweep failures",
		}, []string{"sweep"}),
	}
}
