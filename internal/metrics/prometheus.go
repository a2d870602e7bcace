package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// Registration errors are logged and never propagated.
type PrometheusSink struct {
	sendsTotal        *prometheus.CounterVec
	sendDuration      prometheus.Histogram
	checkpointsTotal  prometheus.Counter
	workersActive     prometheus.Gauge
	transitionsTotal  *prometheus.CounterVec
	scheduledStarts   prometheus.Counter
	schedulerErrTotal prometheus.Counter
}

func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		sendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_sends_total",
			Help: "Recipient sends by outcome.",
		}, []string{"outcome"}),
		sendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_send_duration_seconds",
			Help:    "Transport call latency in seconds (excludes rate limiting).",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		checkpointsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_checkpoints_total",
			Help: "Task counter checkpoints flushed to the store.",
		}),
		workersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_workers_active",
			Help: "Dispatch workers currently draining a task.",
		}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_task_transitions_total",
			Help: "Task status transitions by target status.",
		}, []string{"to"}),
		scheduledStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_scheduled_starts_total",
			Help: "Tasks started by the scheduled-start poller.",
		}),
		schedulerErrTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_scheduler_errors_total",
			Help: "Scheduled-start poll iterations that failed.",
		}),
	}

	s.register(reg, s.sendsTotal, "dispatch_sends_total")
	s.register(reg, s.sendDuration, "dispatch_send_duration_seconds")
	s.register(reg, s.checkpointsTotal, "dispatch_checkpoints_total")
	s.register(reg, s.workersActive, "dispatch_workers_active")
	s.register(reg, s.transitionsTotal, "dispatch_task_transitions_total")
	s.register(reg, s.scheduledStarts, "dispatch_scheduled_starts_total")
	s.register(reg, s.schedulerErrTotal, "dispatch_scheduler_errors_total")
	return s
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		slog.Warn("metrics: failed to register collector", "name", name, "err", err)
	}
}

func (s *PrometheusSink) SendCompleted(outcome string, duration time.Duration) {
	s.sendsTotal.WithLabelValues(outcome).Inc()
	if outcome != OutcomeDuplicate {
		s.sendDuration.Observe(duration.Seconds())
	}
}

func (s *PrometheusSink) CheckpointFlushed() {
	s.checkpointsTotal.Inc()
}

func (s *PrometheusSink) WorkersActiveIncr() {
	s.workersActive.Inc()
}

func (s *PrometheusSink) WorkersActiveDecr() {
	s.workersActive.Dec()
}

func (s *PrometheusSink) TaskTransition(to string) {
	s.transitionsTotal.WithLabelValues(to).Inc()
}

func (s *PrometheusSink) ScheduledStarts(started int, err error) {
	s.scheduledStarts.Add(float64(started))
	if err != nil {
		s.schedulerErrTotal.Inc()
	}
}
