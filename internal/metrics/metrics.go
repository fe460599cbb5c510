// Package metrics exposes Prometheus collectors that report orchestrator
// activity: deployment throughput, queue depth, and active task load.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the orchestrator collectors.
type Metrics struct {
	deploymentsTotal   *prometheus.CounterVec
	deploymentDuration *prometheus.HistogramVec
	queuePending       prometheus.Gauge
	tasksActive        prometheus.Gauge
	scheduledRunsTotal *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// Default returns the package-level metrics instance registered with the
// global Prometheus registry. Collectors are created once to avoid
// duplicate registration panics when the service is constructed more than
// once in a process (unit tests, embedded use).
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNew(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNew constructs a Metrics instance using the provided registerer.
// Registration errors other than AlreadyRegistered panic, mirroring
// promauto semantics.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	deploymentsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "foreman",
			Subsystem: "queue",
			Name:      "deployments_total",
			Help:      "Deployments processed by terminal status.",
		},
		[]string{"type", "status"},
	)
	deploymentDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "foreman",
			Subsystem: "queue",
			Name:      "deployment_duration_seconds",
			Help:      "Wall time spent inside the deployment executor.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)
	queuePending := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "foreman",
			Subsystem: "queue",
			Name:      "pending",
			Help:      "Queue items currently pending or waiting for workers.",
		},
	)
	tasksActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "foreman",
			Subsystem: "tasks",
			Name:      "active",
			Help:      "Tasks currently in the running state.",
		},
	)
	scheduledRunsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "foreman",
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Scheduled job executions by outcome.",
		},
		[]string{"status"},
	)

	collectors := []prometheus.Collector{
		deploymentsTotal, deploymentDuration, queuePending, tasksActive, scheduledRunsTotal,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch target := collector.(type) {
				case *prometheus.CounterVec:
					switch target {
					case deploymentsTotal:
						deploymentsTotal = already.ExistingCollector.(*prometheus.CounterVec)
					case scheduledRunsTotal:
						scheduledRunsTotal = already.ExistingCollector.(*prometheus.CounterVec)
					}
				case *prometheus.HistogramVec:
					deploymentDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case prometheus.Gauge:
					switch target {
					case queuePending:
						queuePending = already.ExistingCollector.(prometheus.Gauge)
					case tasksActive:
						tasksActive = already.ExistingCollector.(prometheus.Gauge)
					}
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		deploymentsTotal:   deploymentsTotal,
		deploymentDuration: deploymentDuration,
		queuePending:       queuePending,
		tasksActive:        tasksActive,
		scheduledRunsTotal: scheduledRunsTotal,
	}
}

// ObserveDeployment records a finished deployment with its executor wall time.
func (m *Metrics) ObserveDeployment(deployType, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.deploymentsTotal.WithLabelValues(deployType, status).Inc()
	m.deploymentDuration.WithLabelValues(deployType).Observe(duration.Seconds())
}

// SetQueuePending records the current number of open queue items.
func (m *Metrics) SetQueuePending(n int) {
	if m == nil {
		return
	}
	m.queuePending.Set(float64(n))
}

// SetTasksActive records the current number of running tasks.
func (m *Metrics) SetTasksActive(n int) {
	if m == nil {
		return
	}
	m.tasksActive.Set(float64(n))
}

// IncScheduledRun counts one scheduled job execution by outcome.
func (m *Metrics) IncScheduledRun(status string) {
	if m == nil {
		return
	}
	m.scheduledRunsTotal.WithLabelValues(status).Inc()
}
