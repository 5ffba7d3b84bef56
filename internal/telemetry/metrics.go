package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики swarm.
var (
	SwarmIterations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobswarm_swarm_iterations_total",
		Help: "Swarm scheduling loop iterations",
	})

	SwarmTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jobswarm_swarm_tasks",
		Help: "Tasks of running workflow runs by status",
	}, []string{"workflow_run_id", "status"})

	TasksQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobswarm_tasks_queued_total",
		Help: "Tasks transitioned to QUEUED by swarm",
	})

	ResourceEscalations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobswarm_resource_escalations_total",
		Help: "Resource adjustments after RESOURCE_ERROR",
	})

	StaleUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobswarm_stale_status_updates_total",
		Help: "Status rows dropped by swarm synchronization",
	})
)

// Метрики distributor.
var (
	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobswarm_distributor_submissions_total",
		Help: "Cluster submissions by kind (single, array) and result",
	}, []string{"cluster", "kind", "result"})

	TriageOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobswarm_triage_outcomes_total",
		Help: "TRIAGING resolutions by resulting status",
	}, []string{"status"})

	InstancesKilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobswarm_instances_killed_total",
		Help: "Task instances moved to KILL_SELF by reason",
	}, []string{"reason"})
)

// Метрики reaper.
var (
	ReapedRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobswarm_reaper_reaped_runs_total",
		Help: "Workflow runs reaped by resulting status",
	}, []string{"status"})
)

// HTTPRequests — запросы к API по маршруту и коду ответа.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "jobswarm_api_http_requests_total",
	Help: "HTTP requests handled by jobswarm-api",
}, []string{"method", "code"})
