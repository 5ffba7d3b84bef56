package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		Recovery(h.logger),
		Logging(h.logger),
		Metrics(),
	)

	mux.HandleFunc("GET /healthz", Healthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Worker node
	mux.Handle("GET /api/v1/task_instances/{id}", chain(http.HandlerFunc(h.GetTaskInstance)))
	mux.Handle("GET /api/v1/batches/{id}/steps/{step}", chain(http.HandlerFunc(h.GetTaskInstanceByStep)))
	mux.Handle("POST /api/v1/task_instances/{id}/log_running", chain(http.HandlerFunc(h.LogRunning)))
	mux.Handle("POST /api/v1/task_instances/{id}/log_heartbeat", chain(http.HandlerFunc(h.LogHeartbeat)))
	mux.Handle("POST /api/v1/task_instances/{id}/log_done", chain(http.HandlerFunc(h.LogDone)))
	mux.Handle("POST /api/v1/task_instances/{id}/log_error", chain(http.HandlerFunc(h.LogError)))

	// Workflow runs
	mux.Handle("GET /api/v1/workflow_runs/{id}", chain(http.HandlerFunc(h.GetRunStatus)))
	mux.Handle("PUT /api/v1/workflow_runs/{id}/max_concurrently_running", chain(http.HandlerFunc(h.SetRunConcurrency)))
	mux.Handle("POST /api/v1/workflow_runs/{id}/resume", chain(http.HandlerFunc(h.ResumeRun)))
	mux.Handle("GET /api/v1/workflow_runs/{id}/tasks", chain(http.HandlerFunc(h.ListRunTasks)))

	// Arrays и tasks
	mux.Handle("PUT /api/v1/arrays/{id}/max_concurrently_running", chain(http.HandlerFunc(h.SetArrayConcurrency)))
	mux.Handle("POST /api/v1/tasks/{id}/reset", chain(http.HandlerFunc(h.ResetTask)))
}

// Healthz отвечает 200 "ok".
func Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
