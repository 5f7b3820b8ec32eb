package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "assetescrow"

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics

	apiMetricsOnce sync.Once
	apiRegistry    *APIMetrics

	ledgerRPCOnce sync.Once
	ledgerRPCReg  *LedgerRPCMetrics
)

// EscrowMetrics tracks coordinator transitions and asset ledger round trips.
type EscrowMetrics struct {
	transitions   *prometheus.CounterVec
	givebacks     *prometheus.CounterVec
	sweepRuns     prometheus.Counter
	sweepSettled  prometheus.Counter
	sweepFailures prometheus.Counter
	ledgerLatency *prometheus.HistogramVec
	ledgerErrors  *prometheus.CounterVec
	inFlight      prometheus.Gauge
}

// Escrow returns the lazily-initialised coordinator metrics registry.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "transitions_total",
				Help:      "Escrow lifecycle transitions segmented by outcome.",
			}, []string{"outcome"}),
			givebacks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "givebacks_total",
				Help:      "Compensating asset transfers issued on cancel, segmented by result.",
			}, []string{"result"}),
			sweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "sweep_runs_total",
				Help:      "Number of timeout sweeps executed.",
			}),
			sweepSettled: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "sweep_settled_total",
				Help:      "Escrows force-settled by the timeout sweep.",
			}),
			sweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "sweep_failures_total",
				Help:      "Expired escrows the sweep failed to settle.",
			}),
			ledgerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "ledger_call_duration_seconds",
				Help:      "Latency of asset ledger calls issued by the coordinator.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			ledgerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "ledger_call_errors_total",
				Help:      "Failed asset ledger calls segmented by method.",
			}, []string{"method"}),
			inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "inflight_purchases",
				Help:      "Purchase calls awaiting their continuation.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.transitions,
			escrowRegistry.givebacks,
			escrowRegistry.sweepRuns,
			escrowRegistry.sweepSettled,
			escrowRegistry.sweepFailures,
			escrowRegistry.ledgerLatency,
			escrowRegistry.ledgerErrors,
			escrowRegistry.inFlight,
		)
	})
	return escrowRegistry
}

// RecordTransition counts a lifecycle transition such as "initiated" or
// "released".
func (m *EscrowMetrics) RecordTransition(outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// RecordGiveback counts the result of a compensating asset transfer.
func (m *EscrowMetrics) RecordGiveback(result string) {
	if m == nil {
		return
	}
	m.givebacks.WithLabelValues(normalizeLabel(result)).Inc()
}

// RecordSweep records a single sweep pass.
func (m *EscrowMetrics) RecordSweep(settled, failed int) {
	if m == nil {
		return
	}
	m.sweepRuns.Inc()
	m.sweepSettled.Add(float64(settled))
	m.sweepFailures.Add(float64(failed))
}

// ObserveLedgerCall records the latency and outcome of an asset ledger call.
func (m *EscrowMetrics) ObserveLedgerCall(method string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	label := normalizeLabel(method)
	m.ledgerLatency.WithLabelValues(label).Observe(duration.Seconds())
	if err != nil {
		m.ledgerErrors.WithLabelValues(label).Inc()
	}
}

// SetInFlight publishes the number of outstanding purchase continuations.
func (m *EscrowMetrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}

// APIMetrics wraps collectors for the escrowd HTTP surface.
type APIMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// API returns the singleton HTTP metrics registry.
func API() *APIMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &APIMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "HTTP requests segmented by route, method and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(apiRegistry.requests, apiRegistry.latency)
	})
	return apiRegistry
}

// Observe records a served request.
func (m *APIMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = normalizeLabel(route)
	method = strings.ToUpper(normalizeLabel(method))
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// LedgerRPCMetrics tracks the asset ledger JSON-RPC server.
type LedgerRPCMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// LedgerRPC returns the singleton metrics registry for the asset ledger RPC.
func LedgerRPC() *LedgerRPCMetrics {
	ledgerRPCOnce.Do(func() {
		ledgerRPCReg = &LedgerRPCMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger_rpc",
				Name:      "requests_total",
				Help:      "Asset ledger RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ledger_rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for asset ledger RPC methods.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
		}
		prometheus.MustRegister(ledgerRPCReg.requests, ledgerRPCReg.latency)
	})
	return ledgerRPCReg
}

// Observe records the execution of an RPC method.
func (m *LedgerRPCMetrics) Observe(method string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	method = normalizeLabel(method)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

func normalizeLabel(v string) string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
