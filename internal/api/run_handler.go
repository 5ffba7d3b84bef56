package api

import (
	"encoding/json"
	"net/http"
)

// GetRunStatus возвращает run, workflow и счётчики tasks по статусам.
// GET /api/v1/workflow_runs/{id}
func (h *Handler) GetRunStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "invalid workflow run id")
	if !ok {
		return
	}

	run, err := h.store.GetWorkflowRun(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "workflow run not found") {
		return
	}
	wf, err := h.store.GetWorkflow(r.Context(), run.WorkflowID)
	if HandleRepoError(w, h.logger, err, "workflow not found") {
		return
	}
	counts, err := h.store.TaskStatusCounts(r.Context(), run.WorkflowID)
	if HandleRepoError(w, h.logger, err, "workflow not found") {
		return
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	Success(w, RunStatusResponse{Run: *run, Workflow: *wf, TaskCounts: counts, Total: total})
}

// SetRunConcurrency меняет потолок конкурентности workflow этого run.
// Swarm подхватывает новое значение на следующей итерации.
// PUT /api/v1/workflow_runs/{id}/max_concurrently_running
func (h *Handler) SetRunConcurrency(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "invalid workflow run id")
	if !ok {
		return
	}
	limit, ok := decodeConcurrency(w, r)
	if !ok {
		return
	}

	run, err := h.store.GetWorkflowRun(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "workflow run not found") {
		return
	}
	if err := h.store.SetWorkflowMaxConcurrency(r.Context(), run.WorkflowID, limit); HandleRepoError(w, h.logger, err, "workflow not found") {
		return
	}

	h.logger.Info("workflow concurrency changed",
		"workflow_run_id", id,
		"workflow_id", run.WorkflowID,
		"max_concurrently_running", limit,
	)
	wf, err := h.store.GetWorkflow(r.Context(), run.WorkflowID)
	if HandleRepoError(w, h.logger, err, "workflow not found") {
		return
	}
	Success(w, wf)
}

// ResumeRun запрашивает cold или hot resume.
// POST /api/v1/workflow_runs/{id}/resume
func (h *Handler) ResumeRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "invalid workflow run id")
	if !ok {
		return
	}

	var req ResumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if _, ok := req.Mode.RunStatus(); !ok {
		BadRequest(w, "mode must be cold or hot")
		return
	}

	if err := h.store.ResumeWorkflowRun(r.Context(), id, req.Mode); HandleRepoError(w, h.logger, err, "workflow run not found") {
		return
	}
	h.logger.Info("workflow run resume requested", "workflow_run_id", id, "mode", req.Mode)

	run, err := h.store.GetWorkflowRun(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "workflow run not found") {
		return
	}
	Success(w, run)
}

// ListRunTasks возвращает tasks workflow этого run.
// GET /api/v1/workflow_runs/{id}/tasks?status=...
func (h *Handler) ListRunTasks(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "invalid workflow run id")
	if !ok {
		return
	}

	run, err := h.store.GetWorkflowRun(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "workflow run not found") {
		return
	}
	tasks, err := h.store.ListTasks(r.Context(), run.WorkflowID)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}

	List(w, tasks, len(tasks))
}

// decodeConcurrency разбирает ConcurrencyRequest. Поле обязательно, значение ≥ 0.
func decodeConcurrency(w http.ResponseWriter, r *http.Request) (int, bool) {
	var req ConcurrencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return 0, false
	}
	if req.MaxConcurrentlyRunning == nil || *req.MaxConcurrentlyRunning < 0 {
		BadRequest(w, "max_concurrently_running must be a non-negative integer")
		return 0, false
	}
	return *req.MaxConcurrentlyRunning, true
}
