// Package metrics exposes the Prometheus collectors for the admission
// layer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	authFailures      *prometheus.CounterVec
	rateLimitRejects  *prometheus.CounterVec
	bypassSuspicions  prometheus.Counter
	requestDuration   prometheus.Histogram
	auditAppendErrors prometheus.Counter
}

// New registers the collectors with the given registerer. Production
// wiring passes prometheus.DefaultRegisterer; tests pass their own
// registry so repeated construction never double-registers.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiwarden_requests_total",
				Help: "Requests handled, by HTTP status code",
			},
			[]string{"status"},
		),
		authFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiwarden_auth_failures_total",
				Help: "Authentication rejections, by internal reason",
			},
			[]string{"reason"},
		),
		rateLimitRejects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiwarden_rate_limit_rejections_total",
				Help: "Rate limit rejections, by rejecting window",
			},
			[]string{"window"},
		),
		bypassSuspicions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "apiwarden_bypass_suspicions_total",
				Help: "Requests flagged as suspected rate-limit bypass",
			},
		),
		requestDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "apiwarden_request_duration_seconds",
				Help:    "End to end request latency",
				Buckets: prometheus.DefBuckets,
			},
		),
		auditAppendErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "apiwarden_audit_append_errors_total",
				Help: "Audit entries dropped because the store append failed",
			},
		),
	}
}

func (m *Metrics) ObserveRequest(status string, d time.Duration) {
	m.requestsTotal.WithLabelValues(status).Inc()
	m.requestDuration.Observe(d.Seconds())
}

func (m *Metrics) AuthFailure(reason string) { m.authFailures.WithLabelValues(reason).Inc() }
func (m *Metrics) RateLimited(window string) { m.rateLimitRejects.WithLabelValues(window).Inc() }
func (m *Metrics) BypassSuspected()          { m.bypassSuspicions.Inc() }
func (m *Metrics) AuditAppendError()         { m.auditAppendErrors.Inc() }
