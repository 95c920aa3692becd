// Package metrics exposes Prometheus metrics for the store server.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"lightning-store/internal/store"
)

const namespace = "agl_store"

// StatsFunc reads the store summary on every scrape.
type StatsFunc func(ctx context.Context) (store.Stats, error)

type Metrics struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	spansIngested prometheus.Counter
	spansDropped  prometheus.Counter
}

// New registers the server metrics plus a collector that reports stats on
// every scrape. stats may be nil.
func New(stats StatsFunc, log *zap.Logger) *Metrics {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		spansIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "otlp_spans_ingested_total",
			Help:      "Spans stored from OTLP exports.",
		}),
		spansDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "otlp_spans_dropped_total",
			Help:      "OTLP spans dropped for missing rollout or attempt ids.",
		}),
	}
	m.registry.MustRegister(
		m.requests, m.latency, m.spansIngested, m.spansDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if stats != nil {
		m.registry.MustRegister(newStatsCollector(stats, log))
	}
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency keyed by the chi route
// pattern, so path parameters do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
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
		m.requests.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
		m.latency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) SpansIngested(n int) {
	if m != nil && n > 0 {
		m.spansIngested.Add(float64(n))
	}
}

func (m *Metrics) SpansDropped(n int) {
	if m != nil && n > 0 {
		m.spansDropped.Add(float64(n))
	}
}

type statsCollector struct {
	stats StatsFunc
	log   *zap.Logger

	queue    *prometheus.Desc
	rollouts *prometheus.Desc
	workers  *prometheus.Desc
}

func newStatsCollector(stats StatsFunc, log *zap.Logger) *statsCollector {
	return &statsCollector{
		stats:    stats,
		log:      log,
		queue:    prometheus.NewDesc(namespace+"_queue_length", "Rollouts waiting in the queue.", nil, nil),
		rollouts: prometheus.NewDesc(namespace+"_rollouts", "Rollouts by status.", []string{"status"}, nil),
		workers:  prometheus.NewDesc(namespace+"_workers", "Workers by status.", []string{"status"}, nil),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queue
	ch <- c.rollouts
	ch <- c.workers
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := c.stats(ctx)
	if err != nil {
		c.log.Warn("collect store stats", zap.Error(err))
		return
	}
	ch <- prometheus.MustNewConstMetric(c.queue, prometheus.GaugeValue, float64(st.QueueLength))
	for status, n := range st.RolloutsByStatus {
		ch <- prometheus.MustNewConstMetric(c.rollouts, prometheus.GaugeValue, float64(n), string(status))
	}
	for status, n := range st.WorkersByStatus {
		ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue, float64(n), string(status))
	}
}
