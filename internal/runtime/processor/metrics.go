package processor

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the processor's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	processed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	resumed   prometheus.Counter
	inFlight  prometheus.Gauge
	duration  *prometheus.HistogramVec
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tierflow",
			Subsystem: "processor",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates unregistered collectors. A nil registerer means the
// Prometheus default registry.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer: registerer,
		processed:  newCounterVec("jobs_processed_total", "Jobs processed and completed in the ledger", []string{"job_id", "kind"}),
		failed:     newCounterVec("jobs_failed_total", "Jobs whose processing returned an error", []string{"job_id", "kind"}),
		dropped:    newCounterVec("messages_dropped_total", "Messages dropped because they came from the wrong tier", []string{"job_id"}),
		resumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tierflow",
			Subsystem: "processor",
			Name:      "jobs_resumed_total",
			Help:      "Unfinished ledger records replayed on startup",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tierflow",
			Subsystem: "processor",
			Name:      "jobs_in_flight",
			Help:      "Jobs currently being processed",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tierflow",
			Subsystem: "processor",
			Name:      "job_duration_seconds",
			Help:      "Time spent in ProcessMessage",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job_id", "kind"}),
	}
}

// Register is safe to call more than once.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	collectors := []prometheus.Collector{m.processed, m.failed, m.dropped, m.resumed, m.inFlight, m.duration}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// Hooks feeds the collectors from job lifecycle events.
func (m *Metrics) Hooks() JobHooks {
	if m == nil {
		return JobHooks{}
	}
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			m.inFlight.Inc()
			if ctx.Resumed {
				m.resumed.Inc()
			}
		},
		OnJobDone: func(ctx JobContext) {
			m.inFlight.Dec()
			m.processed.WithLabelValues(ctx.JobID, ctx.Kind.String()).Inc()
			m.duration.WithLabelValues(ctx.JobID, ctx.Kind.String()).Observe(ctx.Duration.Seconds())
		},
		OnJobError: func(ctx JobContext, _ error) {
			m.inFlight.Dec()
			m.failed.WithLabelValues(ctx.JobID, ctx.Kind.String()).Inc()
			m.duration.WithLabelValues(ctx.JobID, ctx.Kind.String()).Observe(ctx.Duration.Seconds())
		},
	}
}

func (m *Metrics) recordDropped(jobID string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(jobID).Inc()
}
