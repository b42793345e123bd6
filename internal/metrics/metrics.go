// Package metrics holds the Prometheus collectors for the orchestration loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// EventsReceivedCounter is a prometheus.CounterVec.
	EventsReceivedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewd_events_received_total",
			Help: "Counts change events by platform and outcome (accepted, duplicate, skipped, rejected).",
		},
		[]string{"platform", "outcome"},
	)
	// EventsSkippedCounter is a prometheus.CounterVec.
	EventsSkippedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewd_events_skipped_total",
			Help: "Counts change events that produced no job, by skip reason.",
		},
		[]string{"reason"},
	)
	// JobsSupersededCounter is a prometheus.Counter.
	JobsSupersededCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reviewd_jobs_superseded_total",
			Help: "Counts review jobs cancelled because a newer revision arrived.",
		},
	)
	// JobsDispatchedCounter is a prometheus.CounterVec.
	JobsDispatchedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewd_jobs_dispatched_total",
			Help: "Counts jobs admitted to a worker, by job kind.",
		},
		[]string{"kind"},
	)
	// DispatchStartFailuresCounter is a prometheus.CounterVec.
	DispatchStartFailuresCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewd_dispatch_start_failures_total",
			Help: "Counts worker start calls that failed and returned the job to the queue.",
		},
		[]string{"kind"},
	)
	// JobsFinishedCounter is a prometheus.CounterVec.
	JobsFinishedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewd_jobs_finished_total",
			Help: "Counts jobs reaching a terminal status, by job kind and status.",
		},
		[]string{"kind", "status"},
	)
	// ContractViolationsCounter is a prometheus.CounterVec.
	ContractViolationsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewd_contract_violations_total",
			Help: "Counts rejected transitions out of a terminal or unexpected status.",
		},
		[]string{"kind"},
	)
	// StaleJobsCounter is a prometheus.CounterVec.
	StaleJobsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewd_stale_jobs_failed_total",
			Help: "Counts running jobs failed by the sweeper after the worker never reported back.",
		},
		[]string{"kind"},
	)
	// SweepsCounter is a prometheus.Counter.
	SweepsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reviewd_sweeps_total",
			Help: "Counts periodic dispatch sweeps.",
		},
	)
	// FindingSyncCounter is a prometheus.CounterVec.
	FindingSyncCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewd_finding_sync_repos_total",
			Help: "Counts repository syncs by result (synced, error).",
		},
		[]string{"result"},
	)
	// FindingsDismissedCounter is a prometheus.CounterVec.
	FindingsDismissedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewd_findings_dismissed_total",
			Help: "Counts findings dismissed, by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(EventsReceivedCounter)
	prometheus.MustRegister(EventsSkippedCounter)
	prometheus.MustRegister(JobsSupersededCounter)
	prometheus.MustRegister(JobsDispatchedCounter)
	prometheus.MustRegister(DispatchStartFailuresCounter)
	prometheus.MustRegister(JobsFinishedCounter)
	prometheus.MustRegister(ContractViolationsCounter)
	prometheus.MustRegister(StaleJobsCounter)
	prometheus.MustRegister(SweepsCounter)
	prometheus.MustRegister(FindingSyncCounter)
	prometheus.MustRegister(FindingsDismissedCounter)
}
