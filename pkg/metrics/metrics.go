package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SchedulingLatency observes wall-clock time from an action entering
	// running to it reaching a terminal state.
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sane_scheduling_latency_seconds",
			Help:    "Time from an action starting to it reaching a terminal state, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ActionsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sane_actions_finished_total",
			Help: "Total number of actions that reached a terminal state, by outcome",
		},
		[]string{"status"},
	)

	ActionsSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sane_actions_skipped_total",
			Help: "Total number of actions skipped due to unmet dependencies",
		},
	)

	// DAGTraversalSize observes how many nodes a run's ancestor closure
	// contained.
	DAGTraversalSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sane_dag_traversal_size",
			Help:    "Number of nodes in a run's goal ancestor closure",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	// ResourceInUse and ResourceTotal track a host's plain resource pool
	// accounting, labeled by host and resource name.
	ResourceInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sane_resource_in_use",
			Help: "Amount of a host resource currently acquired",
		},
		[]string{"host", "resource"},
	)

	ResourceTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sane_resource_total",
			Help: "Declared total amount of a host resource",
		},
		[]string{"host", "resource"},
	)

	// RequisitionsTotal counts HPC node-class plan resolutions,
	// labeled by host and whether the plan could be satisfied.
	RequisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sane_hpc_requisitions_total",
			Help: "Total number of HPC requisition plans attempted, by host and outcome",
		},
		[]string{"host", "resolved"},
	)

	RequisitionPlanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sane_hpc_requisition_plan_duration_seconds",
			Help:    "Time taken to plan an HPC requisition across node classes",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(ActionsFinishedTotal)
	prometheus.MustRegister(ActionsSkippedTotal)
	prometheus.MustRegister(DAGTraversalSize)
	prometheus.MustRegister(ResourceInUse)
	prometheus.MustRegister(ResourceTotal)
	prometheus.MustRegister(RequisitionsTotal)
	prometheus.MustRegister(RequisitionPlanDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSchedulingLatency records how long action took to run.
func ObserveSchedulingLatency(action string, d time.Duration) {
	SchedulingLatency.Observe(d.Seconds())
}

// ObserveDAGTraversalSize records the size of a run's ancestor closure.
func ObserveDAGTraversalSize(n int) {
	DAGTraversalSize.Observe(float64(n))
}

// ObserveActionFinished records an action reaching a terminal state.
func ObserveActionFinished(status string) {
	ActionsFinishedTotal.WithLabelValues(status).Inc()
}

// ObserveActionSkipped records an action transitioning to skipped.
func ObserveActionSkipped() {
	ActionsSkippedTotal.Inc()
}

// SetResourceGauges publishes a host's current resource accounting.
func SetResourceGauges(host, resourceName string, inUse, total float64) {
	ResourceInUse.WithLabelValues(host, resourceName).Set(inUse)
	ResourceTotal.WithLabelValues(host, resourceName).Set(total)
}

// ObserveRequisition records one HPC requisition plan attempt.
func ObserveRequisition(host string, resolved bool, d time.Duration) {
	label := "true"
	if !resolved {
		label = "false"
	}
	RequisitionsTotal.WithLabelValues(host, label).Inc()
	RequisitionPlanDuration.Observe(d.Seconds())
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
