/*
Package metrics exposes Prometheus counters for the billing engine.

METRICS:
  billing_line_items_total{action,outcome}   Approve / reject / hour-edit results
  billing_over_budget_warnings_total         Warnings emitted by the reconciler
  billing_sweeps_total{status}               Scheduled and manual sweeps
  billing_sweep_duration_seconds             Sweep wall time
  billing_statements_generated_total         Weekly customer statements
  billing_pending_approvals                  Gauge refreshed from the health snapshot
  billing_http_requests_total{route,code}    Requests by chi route pattern

Metrics registers on its own registry so tests can create as many as they
like without duplicate-registration panics.
*/
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/billing-engine/billing"
)

type Metrics struct {
	registry *prometheus.Registry

	items         *prometheus.CounterVec
	overBudget    prometheus.Counter
	sweeps        *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	statements    prometheus.Counter
	pending       prometheus.Gauge
	requests      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_line_items_total",
			Help: "Line item transitions by action and outcome.",
		}, []string{"action", "outcome"}),
		overBudget: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_over_budget_warnings_total",
			Help: "Over-budget warnings emitted by the reconciler.",
		}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_sweeps_total",
			Help: "Consumed-hours sweeps by status.",
		}, []string{"status"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "billing_sweep_duration_seconds",
			Help:    "Wall time of consumed-hours sweeps.",
			Buckets: prometheus.DefBuckets,
		}),
		statements: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_statements_generated_total",
			Help: "Customer billing statements generated.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "billing_pending_approvals",
			Help: "Submitted line items awaiting approval.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_http_requests_total",
			Help: "HTTP requests by route pattern and status code.",
		}, []string{"route", "code"}),
	}
	m.registry.MustRegister(
		m.items, m.overBudget, m.sweeps, m.sweepDuration, m.statements, m.pending, m.requests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveBatch records a batch result under action (approve, reject, edit).
func (m *Metrics) ObserveBatch(action string, res billing.BatchResult) {
	m.items.WithLabelValues(action, "ok").Add(float64(res.Count))
	m.items.WithLabelValues(action, "failed").Add(float64(len(res.Failures)))
}

// OverBudget implements billing.WarningSink.
func (m *Metrics) OverBudget(_ context.Context, _ billing.OverBudgetWarning) {
	m.overBudget.Inc()
}

// ObserveSweep records a sweep report; err marks the sweep as failed.
func (m *Metrics) ObserveSweep(report billing.SweepReport, err error) {
	status := billing.RunCompleted
	if err != nil {
		status = billing.RunFailed
	}
	m.sweeps.WithLabelValues(status).Inc()
	if !report.StartedAt.IsZero() && !report.CompletedAt.IsZero() {
		m.sweepDuration.Observe(report.CompletedAt.Sub(report.StartedAt).Seconds())
	}
}

func (m *Metrics) ObserveStatements(n int) {
	m.statements.Add(float64(n))
}

func (m *Metrics) SetPendingApprovals(n int) {
	m.pending.Set(float64(n))
}

// Middleware counts requests by chi route pattern so IDs don't explode
// label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	})
}
