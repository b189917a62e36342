// Package metrics exposes the control plane's Prometheus collectors: HTTP
// request latency, wallet ledger throughput, quota utilization per plan,
// and provisioning duration. A dedicated registry (rather than the global
// default) keeps the process's exported series limited to what this
// package explicitly defines.
package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "controlplane",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	ledgerTransactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "wallet",
		Name:      "ledger_transactions_total",
		Help:      "Wallet ledger entries written, by transaction type.",
	}, []string{"type"})

	quotaUtilization = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "controlplane",
		Subsystem: "catalog",
		Name:      "plan_quota_used",
		Help:      "Used quota slots for a plan.",
	}, []string{"plan_id"})

	quotaTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "controlplane",
		Subsystem: "catalog",
		Name:      "plan_quota_total",
		Help:      "Total quota slots for a plan.",
	}, []string{"plan_id"})

	provisionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "controlplane",
		Subsystem: "provisioner",
		Name:      "provision_duration_seconds",
		Help:      "Time from Provision() call to instance reaching RUNNING or ERROR.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})
)

func init() {
	registry.MustRegister(requestDuration, ledgerTransactions, quotaUtilization, quotaTotal, provisionDuration)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// RecordLedgerTransaction increments the ledger counter for txType.
func RecordLedgerTransaction(txType string) {
	ledgerTransactions.WithLabelValues(txType).Inc()
}

// SetQuotaUtilization records a plan's current used/total quota.
func SetQuotaUtilization(planID string, used, total int) {
	quotaUtilization.WithLabelValues(planID).Set(float64(used))
	quotaTotal.WithLabelValues(planID).Set(float64(total))
}

// ObserveProvisionDuration records how long a Provision() call took.
func ObserveProvisionDuration(d time.Duration) {
	provisionDuration.Observe(d.Seconds())
}

// Middleware records request latency labeled by the matched chi route
// pattern (not the raw path, to keep cardinality bounded).
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		requestDuration.WithLabelValues(r.Method, route, http.StatusText(sw.status)).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
