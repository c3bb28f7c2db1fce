/*
Package metrics provides Prometheus metrics collection and exposition for the
orchestrator, plus the health/readiness/liveness HTTP handlers used to probe
it.

Metrics are defined and registered once at package init using the Prometheus
client library, and exposed via an HTTP handler for scraping.

# Metrics Catalog

sane_scheduling_latency_seconds:
  - Type: Histogram
  - Description: Time from an action entering running to a terminal state
  - Buckets: Default Prometheus buckets

sane_actions_finished_total{status}:
  - Type: Counter
  - Description: Actions that reached a terminal state, by outcome
  - Labels: status (success, failure, submitted)

sane_actions_skipped_total:
  - Type: Counter
  - Description: Actions skipped because a dependency could never be satisfied

sane_dag_traversal_size:
  - Type: Histogram
  - Description: Number of nodes in a run's goal ancestor closure
  - Buckets: 1, 2, 5, 10, 25, 50, 100, 250, 500

sane_resource_in_use{host, resource} / sane_resource_total{host, resource}:
  - Type: Gauge
  - Description: A host's plain resource pool accounting

sane_hpc_requisitions_total{host, resolved}:
  - Type: Counter
  - Description: HPC node-class plan attempts, by host and whether resolved

sane_hpc_requisition_plan_duration_seconds:
  - Type: Histogram
  - Description: Time taken to plan an HPC requisition across node classes

# Usage

	import "github.com/islas/sane-workflows/pkg/metrics"

	timer := metrics.NewTimer()
	// ... run an action ...
	metrics.ObserveSchedulingLatency(action.ID, timer.Duration())
	metrics.ObserveActionFinished("success")

	http.Handle("/metrics", metrics.Handler())

# Health and Readiness

This package also tracks named component health independently of the
Prometheus registry (RegisterComponent, Health, Readiness). Readiness
additionally requires the "scheduler" and
"resource-provider" components to be registered and healthy before the
/ready endpoint reports ready; these are the two components the orchestrator
cannot do useful work without.

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
*/
package metrics
