// Package metrics provides Prometheus metrics for the MCP server.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the server.
type Metrics struct {
	// Tool metrics
	ToolCalls    *prometheus.CounterVec
	ToolDuration *prometheus.HistogramVec
	ToolErrors   *prometheus.CounterVec

	// Cache metrics
	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec
	CachedRecords *prometheus.GaugeVec
	CacheBytes    prometheus.Gauge

	// Upstream metrics
	UpstreamCalls   *prometheus.CounterVec
	UpstreamLatency *prometheus.HistogramVec
	UpstreamErrors  *prometheus.CounterVec

	// Store metrics
	StoreOperations *prometheus.CounterVec
	StoreLatency    *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a Metrics instance with all collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.ToolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartsuite_mcp_tool_calls_total",
			Help: "Total number of tool invocations",
		},
		[]string{"tool", "status"},
	)

	m.ToolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smartsuite_mcp_tool_duration_seconds",
			Help:    "Tool invocation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	m.ToolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartsuite_mcp_tool_errors_total",
			Help: "Total number of tool errors by kind",
		},
		[]string{"tool", "kind"},
	)

	m.CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartsuite_mcp_cache_hits_total",
			Help: "Total number of record cache hits",
		},
		[]string{"table"},
	)

	m.CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartsuite_mcp_cache_misses_total",
			Help: "Total number of record cache misses",
		},
		[]string{"table"},
	)

	m.CachedRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "smartsuite_mcp_cached_records",
			Help: "Number of records currently cached per table",
		},
		[]string{"table"},
	)

	m.CacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "smartsuite_mcp_cache_size_bytes",
			Help: "Approximate size of the cache database",
		},
	)

	m.UpstreamCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartsuite_mcp_upstream_calls_total",
			Help: "Total number of upstream API calls",
		},
		[]string{"method"},
	)

	m.UpstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smartsuite_mcp_upstream_latency_seconds",
			Help:    "Upstream API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartsuite_mcp_upstream_errors_total",
			Help: "Total number of upstream API errors by status code",
		},
		[]string{"method", "status"},
	)

	m.StoreOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartsuite_mcp_store_operations_total",
			Help: "Total number of cache store operations",
		},
		[]string{"operation"},
	)

	m.StoreLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smartsuite_mcp_store_latency_seconds",
			Help:    "Cache store operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	m.registry.MustRegister(
		m.ToolCalls,
		m.ToolDuration,
		m.ToolErrors,
		m.CacheHits,
		m.CacheMisses,
		m.CachedRecords,
		m.CacheBytes,
		m.UpstreamCalls,
		m.UpstreamLatency,
		m.UpstreamErrors,
		m.StoreOperations,
		m.StoreLatency,
	)

	// Also register the default collectors (go runtime, process info)
	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RecordToolCall records one tool invocation. An empty errKind means success.
func (m *Metrics) RecordToolCall(tool string, duration time.Duration, errKind string) {
	status := "ok"
	if errKind != "" {
		status = "error"
		m.ToolErrors.WithLabelValues(tool, errKind).Inc()
	}
	m.ToolCalls.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordCacheAccess records a record-cache access for a table.
func (m *Metrics) RecordCacheAccess(table string, hit bool) {
	if hit {
		m.CacheHits.WithLabelValues(table).Inc()
	} else {
		m.CacheMisses.WithLabelValues(table).Inc()
	}
}

// RecordUpstreamCall records one upstream API call. An empty status means no
// error was observed.
func (m *Metrics) RecordUpstreamCall(method string, duration time.Duration, status string) {
	m.UpstreamCalls.WithLabelValues(method).Inc()
	m.UpstreamLatency.WithLabelValues(method).Observe(duration.Seconds())
	if status != "" {
		m.UpstreamErrors.WithLabelValues(method, status).Inc()
	}
}

// RecordStoreOperation records one cache store operation.
func (m *Metrics) RecordStoreOperation(operation string, duration time.Duration) {
	m.StoreOperations.WithLabelValues(operation).Inc()
	m.StoreLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// UpdateTableGauge updates the cached-record gauge for a table.
func (m *Metrics) UpdateTableGauge(table string, records float64) {
	m.CachedRecords.WithLabelValues(table).Set(records)
}

// UpdateCacheBytes updates the cache database size gauge.
func (m *Metrics) UpdateCacheBytes(size float64) {
	m.CacheBytes.Set(size)
}

// Server is the optional observability listener. The MCP transport itself is
// stdio; this serves /metrics and /healthz on a side port.
type Server struct {
	http *http.Server
}

// NewServer builds the observability listener.
func NewServer(addr string, m *Metrics) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", m.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start begins serving. It returns when the listener stops.
func (s *Server) Start() error {
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
