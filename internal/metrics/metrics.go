// Package metrics wraps the Prometheus collectors the relay publishes,
// grounded on go-server-3/internal/metrics.Registry's promauto-registered
// struct-of-collectors shape (a plainer style than go-server's hand-rolled
// enhanced-metrics snapshot type, and a better fit since
// relay.Metrics is a narrow, mostly-counter interface).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry implements relay.Metrics (accepted structurally, not by import,
// to avoid internal/metrics depending on internal/relay) plus the
// sysmetrics.Sink gauges sampled by the system-resource poller.
type Registry struct {
	reg *prometheus.Registry

	connectionsOpened    prometheus.Counter
	connectionsActive    prometheus.Gauge
	envelopesBroadcast   prometheus.Counter
	fanoutSize           prometheus.Histogram
	slowConsumerEvicted  prometheus.Counter
	decodeErrorsSkipped  *prometheus.CounterVec
	lifecycleTransitions *prometheus.CounterVec

	cpuPercent  prometheus.Gauge
	memoryBytes prometheus.Gauge
	goroutines  prometheus.Gauge
}

// NewRegistry creates and registers every collector against a fresh
// *prometheus.Registry (not the global DefaultRegisterer), so tests can
// construct independent instances without collector-already-registered
// panics.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		connectionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "eddnws_connections_opened_total",
			Help: "Total number of WebSocket connections accepted.",
		}),
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "eddnws_connections_active",
			Help: "Current number of open WebSocket connections.",
		}),
		envelopesBroadcast: factory.NewCounter(prometheus.CounterOpts{
			Name: "eddnws_envelopes_broadcast_total",
			Help: "Total number of decoded envelopes handed to the fan-out step.",
		}),
		fanoutSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "eddnws_fanout_size",
			Help:    "Number of connections a single envelope was enqueued to.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		slowConsumerEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "eddnws_slow_consumer_evictions_total",
			Help: "Total number of connections closed for exceeding client_buffer_limit.",
		}),
		decodeErrorsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eddnws_decode_errors_skipped_total",
			Help: "Total number of undecodable payloads dropped, by error kind.",
		}, []string{"kind"}),
		lifecycleTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eddnws_lifecycle_transitions_total",
			Help: "Total number of Lifecycle State transitions, by from/to state.",
		}, []string{"from", "to"}),

		cpuPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "eddnws_process_cpu_percent",
			Help: "Process CPU utilization percentage, sampled periodically.",
		}),
		memoryBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "eddnws_process_memory_bytes",
			Help: "Process resident memory in bytes, sampled periodically.",
		}),
		goroutines: factory.NewGauge(prometheus.GaugeOpts{
			Name: "eddnws_goroutines",
			Help: "Current number of goroutines (runtime.NumGoroutine), sampled periodically.",
		}),
	}
}

// Handler returns an HTTP handler exposing the registry's collectors,
// wired onto config.MetricsPath in cmd/eddnws/main.go.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// The methods below implement relay.Metrics.

func (r *Registry) ConnectionOpened() {
	r.connectionsOpened.Inc()
	r.connectionsActive.Inc()
}

func (r *Registry) ConnectionClosed() {
	r.connectionsActive.Dec()
}

func (r *Registry) EnvelopeBroadcast(fanout int) {
	r.envelopesBroadcast.Inc()
	r.fanoutSize.Observe(float64(fanout))
}

func (r *Registry) SlowConsumerEvicted() {
	r.slowConsumerEvicted.Inc()
}

func (r *Registry) DecodeErrorSkipped(kind string) {
	r.decodeErrorsSkipped.WithLabelValues(kind).Inc()
}

func (r *Registry) LifecycleTransition(from, to string) {
	r.lifecycleTransitions.WithLabelValues(from, to).Inc()
}

// The methods below satisfy sysmetrics.Sink.

func (r *Registry) SetCPUPercent(v float64) { r.cpuPercent.Set(v) }
func (r *Registry) SetMemoryBytes(v uint64) { r.memoryBytes.Set(float64(v)) }
func (r *Registry) SetGoroutines(n int)     { r.goroutines.Set(float64(n)) }
