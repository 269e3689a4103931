// Package metrics exports stage task metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dusk-indust/nlpipe/internal/pipeline"
	"github.com/dusk-indust/nlpipe/internal/stagetask"
)

// Compile-time interface check.
var _ pipeline.Observer = (*Collector)(nil)

// Collector records stage task outcomes, durations and the number of tasks
// in flight. It implements pipeline.Observer.
type Collector struct {
	registry *prometheus.Registry
	started  *prometheus.CounterVec
	finished *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

// New creates a Collector with its own registry, which also carries the Go
// runtime and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		started: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nlpipe_stage_tasks_started_total",
				Help: "Stage tasks started, by stage.",
			},
			[]string{"stage"},
		),
		finished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nlpipe_stage_tasks_finished_total",
				Help: "Stage tasks finished, by stage and outcome.",
			},
			[]string{"stage", "outcome"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nlpipe_stage_duration_seconds",
				Help:    "Time from stage start to its terminal event.",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"stage", "outcome"},
		),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "nlpipe_stage_tasks_in_flight",
			Help: "Stage tasks started and not yet finished.",
		}),
	}
}

// StageStarted implements pipeline.Observer.
func (c *Collector) StageStarted(stage stagetask.Stage) {
	c.started.WithLabelValues(stage.String()).Inc()
	c.inFlight.Inc()
}

// StageFinished implements pipeline.Observer.
func (c *Collector) StageFinished(stage stagetask.Stage, outcome pipeline.Outcome, elapsed time.Duration) {
	c.finished.WithLabelValues(stage.String(), string(outcome)).Inc()
	c.duration.WithLabelValues(stage.String(), string(outcome)).Observe(elapsed.Seconds())
	c.inFlight.Dec()
}

// Registry returns the registry the collector's metrics live in.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the HTTP handler for /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
