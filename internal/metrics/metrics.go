// internal/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "loan_settlement"

// Metrics groups the collectors of the settlement core.
type Metrics struct {
	Settlements      *prometheus.CounterVec
	Callbacks        *prometheus.CounterVec
	GatewayDuration  *prometheus.HistogramVec
	PenaltyAccruals  prometheus.Counter
	PenaltyFailures  prometheus.Counter
	PenaltyRuns      prometheus.Histogram
	BalanceCache     *prometheus.CounterVec
	LedgerImbalances prometheus.Gauge
}

// NewMetrics registers every collector with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Settlements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Settlement commits by payment method and outcome.",
		}, []string{"method", "outcome"}),
		Callbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_callbacks_total",
			Help:      "Inbound gateway callbacks by outcome.",
		}, []string{"outcome"}),
		GatewayDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Latency of calls to the payment gateway.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "result"}),
		PenaltyAccruals: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "penalty_accruals_total",
			Help:      "Installments whose penalty was raised by the accrual job.",
		}),
		PenaltyFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "penalty_failures_total",
			Help:      "Installments the accrual job failed to process.",
		}),
		PenaltyRuns: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "penalty_run_duration_seconds",
			Help:      "Duration of penalty accrual batches.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		BalanceCache: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_cache_lookups_total",
			Help:      "Wallet balance lookups by cache result.",
		}, []string{"result"}),
		LedgerImbalances: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_discrepancies",
			Help:      "Discrepancies found by the last reconciliation.",
		}),
	}
}

// ObserveGateway records one gateway round trip.
func (m *Metrics) ObserveGateway(operation string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.GatewayDuration.WithLabelValues(operation, result).Observe(time.Since(start).Seconds())
}
