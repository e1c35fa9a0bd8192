package hooks

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics implements core.MetricsCollector on a private registry.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	stepDuration *prometheus.HistogramVec
	throughput   prometheus.Counter
	errors       *prometheus.CounterVec
	held         *prometheus.GaugeVec
	waiting      *prometheus.GaugeVec
	fetches      *prometheus.CounterVec
	tasks        *prometheus.CounterVec
}

// NewPrometheusMetrics registers the imaged collectors plus the Go runtime
// and process collectors.
func NewPrometheusMetrics() *PrometheusMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &PrometheusMetrics{
		registry: reg,
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "imaged",
			Name:      "step_duration_seconds",
			Help:      "Duration of pipeline steps.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"step"}),
		throughput: f.NewCounter(prometheus.CounterOpts{
			Namespace: "imaged",
			Name:      "input_bytes_total",
			Help:      "Bytes of input images successfully processed.",
		}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imaged",
			Name:      "step_errors_total",
			Help:      "Failed pipeline steps by error category.",
		}, []string{"step", "category"}),
		held: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "imaged",
			Name:      "admission_held",
			Help:      "Permits currently held.",
		}, []string{"pool"}),
		waiting: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "imaged",
			Name:      "admission_waiting",
			Help:      "Callers queued for a permit.",
		}, []string{"pool"}),
		fetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imaged",
			Name:      "fetches_total",
			Help:      "Outbound image fetches by outcome.",
		}, []string{"outcome"}),
		tasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imaged",
			Name:      "pipeline_tasks_total",
			Help:      "Batch pipeline tasks by final status.",
		}, []string{"status"}),
	}
}

// Registry returns the registry the collectors live in.
func (m *PrometheusMetrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *PrometheusMetrics) RecordProcessingTime(stepName string, d time.Duration) {
	m.stepDuration.WithLabelValues(stepName).Observe(d.Seconds())
}

func (m *PrometheusMetrics) RecordThroughput(bytes int64) {
	m.throughput.Add(float64(bytes))
}

func (m *PrometheusMetrics) RecordError(stepName, category string) {
	m.errors.WithLabelValues(stepName, category).Inc()
}

func (m *PrometheusMetrics) RecordAdmission(pool string, held, waiting int) {
	m.held.WithLabelValues(pool).Set(float64(held))
	m.waiting.WithLabelValues(pool).Set(float64(waiting))
}

func (m *PrometheusMetrics) RecordFetch(outcome string) {
	m.fetches.WithLabelValues(outcome).Inc()
}

func (m *PrometheusMetrics) RecordTask(status string) {
	m.tasks.WithLabelValues(status).Inc()
}
