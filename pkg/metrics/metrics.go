// Package metrics exposes Prometheus collectors for sync cycles, fan-out
// tasks and state checkpoints.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "edcsync"

// Metrics holds the collectors of one process.
type Metrics struct {
	gatherer prometheus.Gatherer

	cycles        *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	rowsLoaded    *prometheus.CounterVec
	tasks         *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	checkpoints   *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Sync cycles by stage and outcome",
		}, []string{"stage", "outcome"}),
		cycleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of sync cycles",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~163s
		}, []string{"stage"}),
		rowsLoaded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_loaded_total",
			Help:      "Rows written to the destination",
		}, []string{"stage"}),
		tasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_tasks_total",
			Help:      "Fan-out tasks by pool and result",
		}, []string{"pool", "result"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fanout_task_duration_seconds",
			Help:      "Duration of fan-out tasks",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"pool"}),
		checkpoints: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "State checkpoints by result",
		}, []string{"result"}),
	}
}

// ObserveCycle records one finished sync cycle.
func (m *Metrics) ObserveCycle(stage, outcome string, elapsed time.Duration, rows int) {
	m.cycles.WithLabelValues(stage, outcome).Inc()
	m.cycleDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
	if rows > 0 {
		m.rowsLoaded.WithLabelValues(stage).Add(float64(rows))
	}
}

// TaskObserver returns a fan-out OnDone hook labelled with pool.
func (m *Metrics) TaskObserver(pool string) func(key string, elapsed time.Duration, err error) {
	return func(_ string, elapsed time.Duration, err error) {
		result := "ok"
		if err != nil {
			result = "error"
		}
		m.tasks.WithLabelValues(pool, result).Inc()
		m.taskDuration.WithLabelValues(pool).Observe(elapsed.Seconds())
	}
}

// ObserveCheckpoint counts a checkpoint attempt.
func (m *Metrics) ObserveCheckpoint(err error) {
	if err != nil {
		m.checkpoints.WithLabelValues("error").Inc()
		return
	}
	m.checkpoints.WithLabelValues("ok").Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
