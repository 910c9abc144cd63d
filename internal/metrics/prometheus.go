package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bountyrelay"

// Metrics holds the service's Prometheus instruments. Metrics are registered in
// a dedicated registry so they do not interfere with the default global one.
// A nil *Metrics is valid and records nothing, which keeps tests and the CLI
// free of registry setup.
type Metrics struct {
	registry *prometheus.Registry

	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	transactions        *prometheus.CounterVec
	confirmationSeconds *prometheus.HistogramVec
	settlements         *prometheus.CounterVec
	limitRejections     *prometheus.CounterVec
	gasSubsidies        prometheus.Counter
	webhookDeliveries   *prometheus.CounterVec

	goroutineCount prometheus.Gauge
	uptimeSeconds  prometheus.Gauge

	startTime time.Time
}

// New creates the instruments and registers them.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		requestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"route"}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_transactions_total",
			Help:      "Ledger write transactions by contract method and result.",
		}, []string{"method", "result"}),
		confirmationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_confirmation_seconds",
			Help:      "Time from broadcast to receipt by contract method.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		}, []string{"method"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_attempts_total",
			Help:      "Settlement attempts by outcome (paid, skipped, failed).",
		}, []string{"outcome"}),
		limitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "limit_rejections_total",
			Help:      "Requests rejected by a daily spending limit.",
		}, []string{"limiter"}),
		gasSubsidies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gas_subsidies_total",
			Help:      "Relayer-funded gas top-ups.",
		}),
		webhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries by event type and handling result.",
		}, []string{"event", "result"}),
		goroutineCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutine_count",
			Help:      "Number of goroutines.",
		}),
		uptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the service started in seconds.",
		}),
		startTime: time.Now(),
	}

	reg.MustRegister(m.requestCount)
	reg.MustRegister(m.requestDuration)
	reg.MustRegister(m.transactions)
	reg.MustRegister(m.confirmationSeconds)
	reg.MustRegister(m.settlements)
	reg.MustRegister(m.limitRejections)
	reg.MustRegister(m.gasSubsidies)
	reg.MustRegister(m.webhookDeliveries)
	reg.MustRegister(m.goroutineCount)
	reg.MustRegister(m.uptimeSeconds)

	return m
}

// Registry returns the Prometheus registry used by this collector.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordRequest records one served HTTP request.
func (m *Metrics) RecordRequest(route string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestCount.WithLabelValues(route, statusLabel(code)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// ObserveTransaction records a ledger write. result is "confirmed",
// "reverted" or "failed"; confirmation is zero when no receipt arrived.
func (m *Metrics) ObserveTransaction(method, result string, confirmation time.Duration) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(method, result).Inc()
	if confirmation > 0 {
		m.confirmationSeconds.WithLabelValues(method).Observe(confirmation.Seconds())
	}
}

func (m *Metrics) SettlementOutcome(outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LimitRejected(limiter string) {
	if m == nil {
		return
	}
	m.limitRejections.WithLabelValues(limiter).Inc()
}

func (m *Metrics) GasSubsidized() {
	if m == nil {
		return
	}
	m.gasSubsidies.Inc()
}

func (m *Metrics) WebhookDelivery(event, result string) {
	if m == nil {
		return
	}
	m.webhookDeliveries.WithLabelValues(event, result).Inc()
}

// Sync refreshes the runtime gauges.
func (m *Metrics) Sync() {
	if m == nil {
		return
	}
	m.goroutineCount.Set(float64(runtime.NumGoroutine()))
	m.uptimeSeconds.Set(time.Since(m.startTime).Seconds())
}

// Handler returns an http.Handler that serves metrics in the Prometheus text
// exposition format. Runtime gauges are refreshed before each scrape.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.Sync()
		inner.ServeHTTP(w, r)
	})
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
