package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aisaas/internal/scheduler"
	"aisaas/internal/types"
)

const promNamespace = "aisaas"

// PrometheusMetrics exposes the same signals as CloudWatchMetrics on a
// private registry served by Handler.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	admissions    *prometheus.CounterVec
	resetRuns     *prometheus.CounterVec
	resetUsers    prometheus.Counter
	resetFailures prometheus.Counter
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// NewPrometheusMetrics registers the collectors together with the Go runtime
// and process collectors.
func NewPrometheusMetrics() *PrometheusMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &PrometheusMetrics{
		registry: reg,
		admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "usage_admissions_total",
			Help:      "Admission gate decisions by plan and outcome",
		}, []string{"plan", "outcome"}),
		resetRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "usage_reset_runs_total",
			Help:      "Monthly reset runs by status",
		}, []string{"status"}),
		resetUsers: f.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "usage_reset_users_total",
			Help:      "Users processed by the monthly reset",
		}),
		resetFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "usage_reset_failures_total",
			Help:      "Per-user failures during the monthly reset",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status_code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "path", "status_class"}),
	}
}

// RecordAdmission implements usage.Metrics.
func (m *PrometheusMetrics) RecordAdmission(_ context.Context, plan types.PlanTier, outcome types.AdmissionOutcome) {
	m.admissions.WithLabelValues(string(plan), string(outcome)).Inc()
}

// RecordReset implements scheduler.ResetMetrics.
func (m *PrometheusMetrics) RecordReset(_ context.Context, result scheduler.ResetResult, err error) {
	m.resetRuns.WithLabelValues(resetStatus(err)).Inc()
	m.resetUsers.Add(float64(result.UsersProcessed))
	m.resetFailures.Add(float64(result.Failures))
}

// RecordRequest implements core.MetricsCollector. endpoint is the route
// pattern, which keeps label cardinality bounded.
func (m *PrometheusMetrics) RecordRequest(method, endpoint, status string, d time.Duration) {
	m.httpRequests.WithLabelValues(method, endpoint, status).Inc()
	m.httpDuration.WithLabelValues(method, endpoint, statusClass(status)).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}
