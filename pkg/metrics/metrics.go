package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "prte_jobs_total",
			Help: "Total number of jobs by state",
		},
		[]string{"state"},
	)

	ProcsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "prte_procs_total",
			Help: "Total number of procs by state",
		},
		[]string{"state"},
	)

	JobStateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prte_job_state_transitions_total",
			Help: "Total number of job state transitions by resulting state",
		},
		[]string{"state"},
	)

	JobStateActivationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prte_job_state_activation_duration_seconds",
			Help:    "Time spent in a single state handler",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"state"},
	)

	// VM builder metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "prte_nodes_total",
			Help: "Total number of nodes by status",
		},
		[]string{"status"},
	)

	DaemonsLaunchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "prte_daemons_launched_total",
			Help: "Total number of daemons launched across all jobs",
		},
	)

	DaemonsReportedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "prte_daemons_reported_total",
			Help: "Total number of daemon callback reports received",
		},
	)

	VMBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "prte_vm_build_duration_seconds",
			Help:    "Time taken to build the VM's node/daemon map",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Failure detector metrics
	RingHeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prte_ring_heartbeats_total",
			Help: "Total number of ring heartbeats by direction",
		},
		[]string{"direction"},
	)

	RingRepairsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "prte_ring_repairs_total",
			Help: "Total number of ring repair events (neighbor presumed dead)",
		},
	)

	FailureDetectorLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "prte_failure_detector_latency_seconds",
			Help:    "Time between a missed heartbeat and ring repair",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RML metrics
	RMLSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prte_rml_sends_total",
			Help: "Total number of RML sends by tag and status",
		},
		[]string{"tag", "status"},
	)

	RMLRecvsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prte_rml_recvs_total",
			Help: "Total number of RML receives by tag",
		},
		[]string{"tag"},
	)

	// Command dispatcher metrics
	DaemonCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prte_daemon_commands_total",
			Help: "Total number of daemon commands dispatched by command and status",
		},
		[]string{"command", "status"},
	)

	// Job lifecycle timeout metrics (§4.7)
	JobTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prte_job_timeouts_total",
			Help: "Total number of job lifecycle timers that fired, by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(ProcsTotal)
	prometheus.MustRegister(JobStateTransitionsTotal)
	prometheus.MustRegister(JobStateActivationDuration)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(DaemonsLaunchedTotal)
	prometheus.MustRegister(DaemonsReportedTotal)
	prometheus.MustRegister(VMBuildDuration)
	prometheus.MustRegister(RingHeartbeatsTotal)
	prometheus.MustRegister(RingRepairsTotal)
	prometheus.MustRegister(FailureDetectorLatency)
	prometheus.MustRegister(RMLSendsTotal)
	prometheus.MustRegister(RMLRecvsTotal)
	prometheus.MustRegister(DaemonCommandsTotal)
	prometheus.MustRegister(JobTimeoutsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
