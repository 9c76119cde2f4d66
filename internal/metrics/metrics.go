package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the basic namespace where all metrics are defined under.
	Namespace = "wallet"
)

// NewCounter creates a Counter metrics under the global namespace.
func NewCounter(name, subsystem, help string, labels []string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
}

// NewGauge creates a Gauge metrics under the global namespace.
func NewGauge(name, subsystem, help string, labels []string) *prometheus.GaugeVec {
	return promauto.NewGaugeVec(prometheus.GaugeOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
}

// NewHistogramWithBuckets creates a Histogram metrics with custom buckets.
func NewHistogramWithBuckets(name, subsystem, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	return promauto.NewHistogramVec(prometheus.HistogramOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets}, labels)
}

var (
	ledgerLatency = NewHistogramWithBuckets(
		"call_duration_seconds",
		"ledger",
		"Duration of ledger submit and evaluate calls",
		[]string{"operation", "kind", "outcome"},
		prometheus.ExponentialBuckets(0.01, 2, 12),
	)

	transactionOutcomes = NewCounter(
		"outcomes_total",
		"transactions",
		"Transaction outcomes by type and final saga state",
		[]string{"type", "state"},
	)

	// Divergences counts ledger commits the mirror failed to absorb.
	// Any increase needs operator attention.
	Divergences = NewCounter(
		"divergences_total",
		"integrity",
		"Ledger commits whose off-chain projection failed",
		[]string{"type"},
	)

	reconciliations = NewCounter(
		"checks_total",
		"reconciliation",
		"Account reconciliation checks by result",
		[]string{"result"},
	)

	// UnresolvedTransactions is the number of pending records found by the last reconciliation run.
	UnresolvedTransactions = NewGauge(
		"unresolved",
		"transactions",
		"Pending transaction records awaiting reconciliation",
		[]string{},
	)
)

// ReportLedgerCall records a ledger call's latency and outcome.
func ReportLedgerCall(operation, kind, outcome string, took time.Duration) {
	ledgerLatency.WithLabelValues(operation, kind, outcome).Observe(took.Seconds())
}

func ReportTransaction(txType, state string) {
	transactionOutcomes.WithLabelValues(txType, state).Inc()
}

func ReportDivergence(txType string) {
	Divergences.WithLabelValues(txType).Inc()
}

// ReportReconciliation counts one account check; result is in_sync, repaired, diverged or failed.
func ReportReconciliation(result string) {
	reconciliations.WithLabelValues(result).Inc()
}
