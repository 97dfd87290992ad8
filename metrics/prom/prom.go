// Package prom implements metrics.Recorder on top of
// github.com/prometheus/client_golang, exported the same way the built-in
// admin server exposes its own metrics: via promhttp.Handler() over an
// *http.ServeMux registered alongside the gRPC listener.
package prom

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Keksclan/meshcache/metrics"
)

// Recorder implements metrics.Recorder against a dedicated prometheus
// registry so a caller can run more than one cache instance in-process
// without metric name collisions.
type Recorder struct {
	registry *prometheus.Registry

	opLatency        *prometheus.HistogramVec
	entryCount       prometheus.Gauge
	sizeBytes        prometheus.Gauge
	backplanePublish *prometheus.CounterVec
	l2Latency        *prometheus.HistogramVec
}

// New creates a Recorder and registers its collectors on a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "meshcache",
			Name:      "op_duration_seconds",
			Help:      "Duration of cache operations by operation and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "outcome"}),
		entryCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshcache",
			Name:      "entries",
			Help:      "Current number of entries held in L1.",
		}),
		sizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshcache",
			Name:      "size_bytes",
			Help:      "Sum of serialized entry sizes currently held in L1.",
		}),
		backplanePublish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshcache",
			Name:      "backplane_publish_total",
			Help:      "Outbound invalidation publishes by outcome.",
		}, []string{"outcome"}),
		l2Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "meshcache",
			Name:      "l2_duration_seconds",
			Help:      "Duration of remote-store round trips by kind and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "outcome"}),
	}
	reg.MustRegister(r.opLatency, r.entryCount, r.sizeBytes, r.backplanePublish, r.l2Latency)
	return r
}

func (r *Recorder) ObserveOp(op string, outcome metrics.Outcome, seconds float64) {
	r.opLatency.WithLabelValues(op, string(outcome)).Observe(seconds)
}

func (r *Recorder) SetEntryCount(n int) { r.entryCount.Set(float64(n)) }

func (r *Recorder) SetSizeBytes(n int64) { r.sizeBytes.Set(float64(n)) }

func (r *Recorder) ObserveBackplanePublish(outcome metrics.Outcome) {
	r.backplanePublish.WithLabelValues(string(outcome)).Inc()
}

func (r *Recorder) ObserveL2(kind string, outcome metrics.Outcome, seconds float64) {
	r.l2Latency.WithLabelValues(kind, string(outcome)).Observe(seconds)
}

// Handler returns an http.Handler serving this Recorder's registry in the
// Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
