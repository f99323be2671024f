// Package metrics provides Prometheus instrumentation for the
// orchestration core and a query service for aggregating it.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"agentd/pkg/proto"
)

// Recorder owns the process-level Prometheus collectors.
type Recorder struct {
	runsActive         prometheus.Gauge
	runsTotal          *prometheus.CounterVec
	runDuration        *prometheus.HistogramVec
	eventsTotal        *prometheus.CounterVec
	queueDroppedTotal  prometheus.Counter
	notificationsTotal *prometheus.CounterVec
}

// NewRecorder registers the collectors with reg, or with the default
// registry when reg is nil. Register once per process.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Recorder{
		runsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentd_runs_active",
			Help: "Number of currently live agent runs",
		}),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentd_runs_total",
				Help: "Total finished agent runs by terminal status",
			},
			[]string{"status"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentd_run_duration_seconds",
				Help:    "Wall-clock duration of finished agent runs",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"status"},
		),
		eventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentd_events_total",
				Help: "Total stream events by run and event type",
			},
			[]string{"run_id", "type"},
		),
		queueDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentd_queue_dropped_total",
			Help: "Total events dropped by bounded queues under overflow",
		}),
		notificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentd_notifications_total",
				Help: "Total notification deliveries by result",
			},
			[]string{"result"},
		),
	}
}

// RunStarted bumps the live-run gauge.
func (r *Recorder) RunStarted() {
	r.runsActive.Inc()
}

// RunFinished records a terminal status and run duration and drops the
// live-run gauge.
func (r *Recorder) RunFinished(status proto.RunStatus, duration time.Duration) {
	r.runsActive.Dec()
	r.runsTotal.WithLabelValues(string(status)).Inc()
	r.runDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

// Event counts one stream event.
func (r *Recorder) Event(runID string, t proto.UpdateType) {
	r.eventsTotal.WithLabelValues(runID, string(t)).Inc()
}

// QueueDropped counts events lost to queue overflow.
func (r *Recorder) QueueDropped(n uint64) {
	r.queueDroppedTotal.Add(float64(n))
}

// Notification records one delivery outcome ("sent" or "failed").
func (r *Recorder) Notification(result string) {
	r.notificationsTotal.WithLabelValues(result).Inc()
}
