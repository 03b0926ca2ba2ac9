package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce             sync.Once
	httpDurationHistogram    *prometheus.HistogramVec
	ledgerImbalanceCounter   *prometheus.CounterVec
	ledgerOperationCounter   *prometheus.CounterVec
	lockWaitHistogram        prometheus.Histogram
	settlementCounter        *prometheus.CounterVec
	settlementFeeCounter     *prometheus.CounterVec
	streamSettlementCounter  *prometheus.CounterVec
	activeStreamsGauge       prometheus.Gauge
	crossTenantDeniedCounter *prometheus.CounterVec
	idempotencyCounter       *prometheus.CounterVec
	workerRunCounter         *prometheus.CounterVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		ledgerImbalanceCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_imbalance_total",
			Help: "Number of accounts whose cached balance diverged from entry replay",
		}, []string{"tenant"})

		ledgerOperationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Ledger balance mutations by kind and outcome",
		}, []string{"kind", "result"})

		lockWaitHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_account_lock_wait_seconds",
			Help:    "Time spent waiting for per-account locks",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		})

		settlementCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlements_total",
			Help: "Settlement outcomes by protocol",
		}, []string{"protocol", "result"})

		settlementFeeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_fees_micros_total",
			Help: "Fees collected in micros by currency",
		}, []string{"currency"})

		streamSettlementCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_settlements_total",
			Help: "Stream settlement outcomes by trigger",
		}, []string{"trigger", "result"})

		activeStreamsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stream_sweep_active_streams",
			Help: "Active streams seen by the last sweep",
		})

		crossTenantDeniedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tenant_cross_access_denied_total",
			Help: "Operations rejected by the tenant isolation guard",
		}, []string{"resource"})

		idempotencyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idempotency_events_total",
			Help: "Idempotency replay cache outcomes",
		}, []string{"outcome"})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		prometheus.MustRegister(
			httpDurationHistogram,
			ledgerImbalanceCounter,
			ledgerOperationCounter,
			lockWaitHistogram,
			settlementCounter,
			settlementFeeCounter,
			streamSettlementCounter,
			activeStreamsGauge,
			crossTenantDeniedCounter,
			idempotencyCounter,
			workerRunCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func IncrementLedgerImbalance(tenant string) {
	if ledgerImbalanceCounter == nil {
		return
	}
	ledgerImbalanceCounter.WithLabelValues(tenant).Inc()
}

func IncrementLedgerOperation(kind, result string) {
	if ledgerOperationCounter == nil {
		return
	}
	ledgerOperationCounter.WithLabelValues(kind, result).Inc()
}

func ObserveLockWait(d time.Duration) {
	if lockWaitHistogram == nil {
		return
	}
	lockWaitHistogram.Observe(d.Seconds())
}

func IncrementSettlement(protocol, result string) {
	if settlementCounter == nil {
		return
	}
	settlementCounter.WithLabelValues(protocol, result).Inc()
}

func AddSettlementFee(currency string, micros int64) {
	if settlementFeeCounter == nil || micros <= 0 {
		return
	}
	settlementFeeCounter.WithLabelValues(currency).Add(float64(micros))
}

func IncrementStreamSettlement(trigger, result string) {
	if streamSettlementCounter == nil {
		return
	}
	streamSettlementCounter.WithLabelValues(trigger, result).Inc()
}

func SetActiveStreams(n int) {
	if activeStreamsGauge == nil {
		return
	}
	activeStreamsGauge.Set(float64(n))
}

func IncrementCrossTenantDenied(resource string) {
	if crossTenantDeniedCounter == nil {
		return
	}
	crossTenantDeniedCounter.WithLabelValues(resource).Inc()
}

func IncrementIdempotencyEvent(outcome string) {
	if idempotencyCounter == nil {
		return
	}
	idempotencyCounter.WithLabelValues(outcome).Inc()
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}
