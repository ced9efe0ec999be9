package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	JobEvents       *prometheus.CounterVec
	LeaseContended  prometheus.Counter
	PoolSaturated   prometheus.Counter
	StaleJobs       prometheus.Counter
	RecoveredJobs   prometheus.Counter
	Cycles          prometheus.Counter
	CycleErrors     prometheus.Counter
	RunningJobs     prometheus.Gauge
	JobDuration     prometheus.Histogram
	LeaseTTLOverrun prometheus.Counter
}

// NewMetrics builds the scheduler collectors and registers them with reg when
// it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_job_events_total",
			Help: "job events recorded by this worker, by event type.",
		}, []string{"type"}),
		LeaseContended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_lease_contended_total",
			Help: "due jobs skipped because another worker held the lease.",
		}),
		PoolSaturated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_pool_saturated_total",
			Help: "due jobs left for a later cycle because the worker pool was full.",
		}),
		StaleJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_stale_jobs_total",
			Help: "jobs removed because their target could not be resolved.",
		}),
		RecoveredJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_recovered_jobs_total",
			Help: "running jobs without a valid lease returned to scheduled.",
		}),
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_cycles_total",
			Help: "dispatch cycles started.",
		}),
		CycleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_cycle_errors_total",
			Help: "dispatch cycles aborted by store failures.",
		}),
		RunningJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_running_jobs",
			Help: "job invocations in flight on this worker.",
		}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_job_duration_seconds",
			Help:    "job invocation wall time.",
			Buckets: prometheus.DefBuckets,
		}),
		LeaseTTLOverrun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_lease_ttl_overrun_total",
			Help: "job invocations that outlived their lease.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.JobEvents,
			m.LeaseContended,
			m.PoolSaturated,
			m.StaleJobs,
			m.RecoveredJobs,
			m.Cycles,
			m.CycleErrors,
			m.RunningJobs,
			m.JobDuration,
			m.LeaseTTLOverrun,
		)
	}

	return m
}
