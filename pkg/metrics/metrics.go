// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the service records into. Create one per
// process and register it with a prometheus registry.
type Metrics struct {
	paymentsCreated prometheus.Counter
	refundsCreated  prometheus.Counter
	refundsRejected *prometheus.CounterVec
	authFailures    prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// New creates the service collectors under the given namespace.
func New(namespace string) *Metrics {
	return &Metrics{
		paymentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_created_total",
			Help:      "Total number of payment transactions recorded",
		}),
		refundsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunds_created_total",
			Help:      "Total number of refund transactions recorded",
		}),
		refundsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunds_rejected_total",
			Help:      "Total number of rejected refunds by reason",
		}, []string{"reason"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total number of failed API key authentications",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// Register registers all collectors with the given registerer.
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.paymentsCreated,
		m.refundsCreated,
		m.refundsRejected,
		m.authFailures,
		m.httpRequests,
		m.httpLatency,
	)
}

// RecordPayment counts a recorded payment.
func (m *Metrics) RecordPayment() { m.paymentsCreated.Inc() }

// RecordRefund counts a recorded refund.
func (m *Metrics) RecordRefund() { m.refundsCreated.Inc() }

// RecordRefundRejected counts a rejected refund by reason.
func (m *Metrics) RecordRefundRejected(reason string) {
	m.refundsRejected.WithLabelValues(reason).Inc()
}

// RecordAuthFailure counts a failed authentication.
func (m *Metrics) RecordAuthFailure() { m.authFailures.Inc() }

// RecordHTTPRequest counts a finished HTTP request and its latency.
func (m *Metrics) RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, endpoint, status).Inc()
	m.httpLatency.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
