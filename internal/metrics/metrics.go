// Package metrics provides Prometheus metrics for the webstreamer gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all webstreamer metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns the HTTP handler exposing Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// GatewayMetrics holds the gateway's Prometheus metrics.
// A nil *GatewayMetrics is valid and records nothing.
type GatewayMetrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec   // webstreamer_requests_total{route,status}
	RequestDuration *prometheus.HistogramVec // webstreamer_request_duration_seconds{route}
	BytesStreamed   prometheus.Counter       // webstreamer_bytes_streamed_total

	// Backend metrics
	ChunkFetches       *prometheus.CounterVec   // webstreamer_chunk_fetches_total{worker,status}
	ChunkFetchDuration *prometheus.HistogramVec // webstreamer_chunk_fetch_duration_seconds{worker}
	WorkerLoad         *prometheus.GaugeVec     // webstreamer_worker_inflight{worker}
	WorkersRegistered  prometheus.Gauge         // webstreamer_workers_registered

	// Metadata cache
	CacheLookups *prometheus.CounterVec // webstreamer_metadata_cache_lookups_total{worker,result}
}

// New creates gateway metrics registered with reg. A nil reg uses Registry.
func New(reg prometheus.Registerer) *GatewayMetrics {
	if reg == nil {
		reg = Registry
	}
	factory := promauto.With(reg)

	return &GatewayMetrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webstreamer_requests_total",
			Help: "Total HTTP requests by route and status class",
		}, []string{"route", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webstreamer_request_duration_seconds",
			Help:    "HTTP request duration in seconds, including the streamed body",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 15, 60, 300, 1800},
		}, []string{"route"}),

		BytesStreamed: factory.NewCounter(prometheus.CounterOpts{
			Name: "webstreamer_bytes_streamed_total",
			Help: "Total body bytes written to clients",
		}),

		ChunkFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webstreamer_chunk_fetches_total",
			Help: "Backend chunk fetches by worker and outcome",
		}, []string{"worker", "status"}),

		ChunkFetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webstreamer_chunk_fetch_duration_seconds",
			Help:    "Backend chunk fetch latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"worker"}),

		WorkerLoad: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "webstreamer_worker_inflight",
			Help: "In-flight requests dispatched to each worker",
		}, []string{"worker"}),

		WorkersRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "webstreamer_workers_registered",
			Help: "Number of registered backend workers",
		}),

		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webstreamer_metadata_cache_lookups_total",
			Help: "Metadata cache lookups by worker and result (hit, miss)",
		}, []string{"worker", "result"}),
	}
}

// RecordRequest records a finished HTTP request.
func (m *GatewayMetrics) RecordRequest(route, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, status).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(durationSeconds)
}

// RecordBytes records body bytes written to a client.
func (m *GatewayMetrics) RecordBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesStreamed.Add(float64(n))
}

// RecordChunkFetch records one backend chunk fetch.
func (m *GatewayMetrics) RecordChunkFetch(worker string, err error, durationSeconds float64) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ChunkFetches.WithLabelValues(worker, status).Inc()
	m.ChunkFetchDuration.WithLabelValues(worker).Observe(durationSeconds)
}

// SetWorkerLoad publishes the current in-flight count of a worker.
func (m *GatewayMetrics) SetWorkerLoad(worker string, load int64) {
	if m == nil {
		return
	}
	m.WorkerLoad.WithLabelValues(worker).Set(float64(load))
}

// SetWorkersRegistered publishes the number of registered workers.
func (m *GatewayMetrics) SetWorkersRegistered(n int) {
	if m == nil {
		return
	}
	m.WorkersRegistered.Set(float64(n))
}

// RecordCacheLookup records a metadata cache hit or miss.
func (m *GatewayMetrics) RecordCacheLookup(worker string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(worker, result).Inc()
}
