// Package metrics provides Prometheus-based metrics for orchestrator
// operations: protocol exchanges, worker lifecycle, residency and diagram
// rendering.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the orchestrator's collectors.
type Recorder struct {
	exchangesTotal   *prometheus.CounterVec
	exchangeDuration *prometheus.HistogramVec
	workerExitsTotal *prometheus.CounterVec
	objectsResident  prometheus.Gauge
	renderFailures   prometheus.Counter
}

// NewRecorder registers the collectors with the given registerer.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)

	return &Recorder{
		exchangesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trainer_exchanges_total",
				Help: "Total number of protocol exchanges by type, worker, and status",
			},
			[]string{"type", "worker", "status"},
		),
		exchangeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trainer_exchange_duration_seconds",
				Help:    "Duration of protocol exchanges in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type", "worker"},
		),
		workerExitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trainer_worker_exits_total",
				Help: "Total number of worker exits by reason",
			},
			[]string{"reason"},
		),
		objectsResident: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "trainer_objects_resident",
				Help: "Number of object identifiers currently loaded into the workers",
			},
		),
		renderFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "trainer_diagram_render_failures_total",
				Help: "Total number of failed diagram render invocations",
			},
		),
	}
}

var (
	defaultRecorder *Recorder
	defaultOnce     sync.Once
)

// Default returns the recorder registered with the default Prometheus
// registry.
func Default() *Recorder {
	defaultOnce.Do(func() {
		defaultRecorder = NewRecorder(prometheus.DefaultRegisterer)
	})
	return defaultRecorder
}

// RecordExchange records one completed exchange.
func (r *Recorder) RecordExchange(msgType string, workerIndex int, status string, duration time.Duration) {
	worker := strconv.Itoa(workerIndex)
	r.exchangesTotal.WithLabelValues(msgType, worker, status).Inc()
	r.exchangeDuration.WithLabelValues(msgType, worker).Observe(duration.Seconds())
}

// RecordWorkerExit records a worker process exit.
func (r *Recorder) RecordWorkerExit(reason string) {
	r.workerExitsTotal.WithLabelValues(reason).Inc()
}

// SetObjectsResident reports the current residency set size.
func (r *Recorder) SetObjectsResident(n int) {
	r.objectsResident.Set(float64(n))
}

// RecordRenderFailure records one failed diagram render.
func (r *Recorder) RecordRenderFailure() {
	r.renderFailures.Inc()
}
