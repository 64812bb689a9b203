// Package metrics provides Prometheus instrumentation for the rollout server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only rollout metrics appear on the /metrics endpoint.
package metrics

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/matt-riley/rollout/internal/core"
)

// Metrics holds all Prometheus collectors used by the rollout server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec
	CacheSize           prometheus.Gauge
	CacheLoadsTotal     prometheus.Counter
	CacheInvalidations  prometheus.Counter
	EvaluationsTotal    *prometheus.CounterVec
	RejectedFlagsTotal  prometheus.Counter
	AuthFailuresTotal   prometheus.Counter
}

// New creates and registers all rollout metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollout_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rollout_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollout_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rollout_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		CacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rollout_cache_size",
			Help: "Number of flags in the current evaluation snapshot.",
		}),

		CacheLoadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollout_cache_loads_total",
			Help: "Total number of full snapshot reloads from the database.",
		}),

		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollout_cache_invalidations_total",
			Help: "Total number of NOTIFY-triggered snapshot reloads.",
		}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollout_flag_evaluations_total",
			Help: "Total number of flag evaluations by reason.",
		}, []string{"reason"}),

		RejectedFlagsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollout_rejected_flags_total",
			Help: "Total number of stored flags left out of a snapshot because they failed validation.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollout_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.CacheSize,
		m.CacheLoadsTotal,
		m.CacheInvalidations,
		m.EvaluationsTotal,
		m.RejectedFlagsTotal,
		m.AuthFailuresTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		method := path.Base(info.FullMethod)
		st, _ := status.FromError(err)
		code := st.Code().String()
		m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
		m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// ObserveHTTPRequest records one completed HTTP request.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, elapsed time.Duration) {
	code := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
}

// RecordEvaluation increments the evaluation counter for the given reason.
func (m *Metrics) RecordEvaluation(reason core.Reason) {
	m.EvaluationsTotal.WithLabelValues(string(reason)).Inc()
}

// RecordRejectedFlag counts a stored flag that failed validation on load.
func (m *Metrics) RecordRejectedFlag() {
	m.RejectedFlagsTotal.Inc()
}

// SetCacheSize updates the snapshot size gauge.
func (m *Metrics) SetCacheSize(size int) {
	m.CacheSize.Set(float64(size))
}

// IncCacheLoads increments the cache load counter.
func (m *Metrics) IncCacheLoads() {
	m.CacheLoadsTotal.Inc()
}

// IncCacheInvalidations increments the cache invalidation counter.
func (m *Metrics) IncCacheInvalidations() {
	m.CacheInvalidations.Inc()
}

// RegisterAuthLimiter exposes the number of client IPs the failed-auth
// limiter is tracking. tracked is called on every scrape.
func (m *Metrics) RegisterAuthLimiter(tracked func() int) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "rollout_auth_limiter_tracked_ips",
		Help: "Client IPs currently held by the failed-auth rate limiter.",
	}, func() float64 { return float64(tracked()) }))
}

// IncAuthFailures increments the failed authentication counter.
func (m *Metrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}
