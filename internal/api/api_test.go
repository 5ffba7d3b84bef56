package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/jobswarm/internal/clock"
	"github.com/shaiso/jobswarm/internal/domain"
	"github.com/shaiso/jobswarm/internal/engine"
	"github.com/shaiso/jobswarm/internal/repo"
	"github.com/shaiso/jobswarm/internal/repo/memory"
)

var _ Store = (*memory.Store)(nil)
var _ Store = (*repo.Store)(nil)

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.TaskInstanceStatus
	err    error
}

func (e *eventRecorder) PublishInstanceStatus(_ context.Context, ti *domain.TaskInstance) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ti.Status)
	return e.err
}

type fixture struct {
	store     *memory.Store
	events    *eventRecorder
	mux       *http.ServeMux
	wf        *domain.Workflow
	run       *domain.WorkflowRun
	batch     *domain.Batch
	instances []domain.TaskInstance
}

// newFixture ставит два task одного array в очередь одним batch
// и доводит попытки до LAUNCHED со step 0 и 1.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := memory.New(clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))

	c, err := s.EnsureCluster(ctx, "local", "sequential")
	require.NoError(t, err)

	plan, err := engine.Compile(&domain.WorkflowSpec{
		Name:                   "api",
		MaxConcurrentlyRunning: 4,
		DefaultCluster:         "local",
		DefaultResources:       &domain.Resources{Queue: "all.q", Cores: 1, MemoryGB: 1},
		Templates:              []domain.TemplateSpec{{Name: "t", CommandTemplate: "echo {{ .x }}"}},
		Tasks: []domain.TaskSpec{
			{Name: "a", Template: "t", Args: map[string]string{"x": "1"}},
			{Name: "b", Template: "t", Args: map[string]string{"x": "2"}},
		},
	})
	require.NoError(t, err)

	wf, err := s.BindWorkflow(ctx, plan)
	require.NoError(t, err)
	run, err := s.CreateWorkflowRun(ctx, wf.ID)
	require.NoError(t, err)

	tasks, err := s.ListTasks(ctx, wf.ID)
	require.NoError(t, err)
	res, err := s.QueueTaskBatch(ctx, repo.QueueBatchRequest{
		WorkflowRunID: run.ID,
		ArrayID:       tasks[0].ArrayID,
		ClusterID:     c.ID,
		ResourcesID:   tasks[0].ResourcesID,
		TaskIDs:       []int64{tasks[0].ID, tasks[1].ID},
	})
	require.NoError(t, err)
	require.Len(t, res.Instances, 2)

	for i, ti := range res.Instances {
		step := i
		require.NoError(t, s.TransitionTaskInstance(ctx, ti.ID, domain.TaskInstanceStatusQueued,
			domain.InstanceTransition{To: domain.TaskInstanceStatusInstantiated}))
		require.NoError(t, s.TransitionTaskInstance(ctx, ti.ID, domain.TaskInstanceStatusInstantiated,
			domain.InstanceTransition{To: domain.TaskInstanceStatusLaunched, DistributorID: "job-" + strconv.Itoa(i), ArrayStepID: &step}))
	}

	events := &eventRecorder{}
	h := NewHandler(Config{
		Store:  s,
		Events: events,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	return &fixture{
		store:     s,
		events:    events,
		mux:       mux,
		wf:        wf,
		run:       run,
		batch:     res.Batch,
		instances: res.Instances,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var body struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Data
}

func instancePath(id int64, action string) string {
	p := "/api/v1/task_instances/" + strconv.FormatInt(id, 10)
	if action != "" {
		p += "/" + action
	}
	return p
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestGetTaskInstance(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		path string
		want int
	}{
		{name: "found", path: instancePath(f.instances[0].ID, ""), want: http.StatusOK},
		{name: "not found", path: instancePath(9999, ""), want: http.StatusNotFound},
		{name: "bad id", path: "/api/v1/task_instances/abc", want: http.StatusBadRequest},
		{name: "negative id", path: "/api/v1/task_instances/-1", want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	rec := f.do(t, http.MethodGet, instancePath(f.instances[0].ID, ""), nil)
	ti := decode[domain.TaskInstance](t, rec)
	assert.Equal(t, domain.TaskInstanceStatusLaunched, ti.Status)
	assert.Equal(t, "job-0", ti.DistributorID)
}

func TestGetTaskInstanceByStep(t *testing.T) {
	f := newFixture(t)
	path := "/api/v1/batches/" + strconv.FormatInt(f.batch.ID, 10) + "/steps/1"

	rec := f.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, f.instances[1].ID, decode[domain.TaskInstance](t, rec).ID)

	rec = f.do(t, http.MethodGet, "/api/v1/batches/"+strconv.FormatInt(f.batch.ID, 10)+"/steps/x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkerLifecycle(t *testing.T) {
	f := newFixture(t)
	id := f.instances[0].ID
	reportBy := time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC)

	rec := f.do(t, http.MethodPost, instancePath(id, "log_running"), WorkerReportRequest{NodeName: "node-1", ReportBy: &reportBy})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.TaskInstanceStatusRunning, decode[StatusResponse](t, rec).Status)

	// пустое тело допустимо
	rec = f.do(t, http.MethodPost, instancePath(id, "log_heartbeat"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.TaskInstanceStatusRunning, decode[StatusResponse](t, rec).Status)

	usage := &domain.Usage{MaxRSSBytes: 1 << 20, CPUSeconds: 1.5}
	rec = f.do(t, http.MethodPost, instancePath(id, "log_done"), WorkerReportRequest{Usage: usage})
	require.Equal(t, http.StatusOK, rec.Code)

	ti, err := f.store.GetTaskInstance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInstanceStatusDone, ti.Status)
	assert.Equal(t, "node-1", ti.NodeName)
	assert.Equal(t, int64(1<<20), ti.MaxRSSBytes)

	task, err := f.store.GetTask(context.Background(), ti.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusDone, task.Status)

	// DONE терминален
	rec = f.do(t, http.MethodPost, instancePath(id, "log_done"), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	assert.Equal(t, []domain.TaskInstanceStatus{
		domain.TaskInstanceStatusRunning,
		domain.TaskInstanceStatusDone,
	}, f.events.events)
}

func TestLogError(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		id     int64
		status domain.TaskInstanceStatus
		code   int
	}{
		{name: "invalid status", id: f.instances[0].ID, status: domain.TaskInstanceStatusDone, code: http.StatusBadRequest},
		{name: "resource error", id: f.instances[0].ID, status: domain.TaskInstanceStatusResourceError, code: http.StatusOK},
		{name: "default is ERROR", id: f.instances[1].ID, status: "", code: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, instancePath(tt.id, "log_error"),
				WorkerReportRequest{Status: tt.status, ErrorMessage: "exit 1"})
			assert.Equal(t, tt.code, rec.Code)
		})
	}

	ti, err := f.store.GetTaskInstance(context.Background(), f.instances[1].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInstanceStatusError, ti.Status)
	assert.Equal(t, "exit 1", ti.ErrorMessage)

	task, err := f.store.GetTask(context.Background(), ti.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusErrorRecoverable, task.Status)
}

func TestLogHeartbeat_KillSelf(t *testing.T) {
	f := newFixture(t)
	id := f.instances[0].ID

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, instancePath(id, "log_running"), nil).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost,
		"/api/v1/workflow_runs/"+strconv.FormatInt(f.run.ID, 10)+"/resume", ResumeRequest{Mode: repo.ResumeCold}).Code)

	rec := f.do(t, http.MethodPost, instancePath(id, "log_heartbeat"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.TaskInstanceStatusKillSelf, decode[StatusResponse](t, rec).Status)
}

func TestPublishFailureDoesNotFailRequest(t *testing.T) {
	f := newFixture(t)
	f.events.err = errors.New("broker down")

	rec := f.do(t, http.MethodPost, instancePath(f.instances[0].ID, "log_running"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetRunStatus(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.LogDone(context.Background(), f.instances[0].ID, repo.WorkerReport{}))

	rec := f.do(t, http.MethodGet, "/api/v1/workflow_runs/"+strconv.FormatInt(f.run.ID, 10), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decode[RunStatusResponse](t, rec)
	assert.Equal(t, f.run.ID, got.Run.ID)
	assert.Equal(t, "api", got.Workflow.Name)
	assert.Equal(t, 2, got.Total)
	assert.Equal(t, 1, got.TaskCounts[domain.TaskStatusDone])
	assert.Equal(t, 1, got.TaskCounts[domain.TaskStatusLaunched])

	rec = f.do(t, http.MethodGet, "/api/v1/workflow_runs/9999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetRunConcurrency(t *testing.T) {
	f := newFixture(t)
	path := "/api/v1/workflow_runs/" + strconv.FormatInt(f.run.ID, 10) + "/max_concurrently_running"

	zero, negative := 0, -1
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, path, ConcurrencyRequest{}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, path, ConcurrencyRequest{MaxConcurrentlyRunning: &negative}).Code)

	rec := f.do(t, http.MethodPut, path, ConcurrencyRequest{MaxConcurrentlyRunning: &zero})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[domain.Workflow](t, rec).MaxConcurrentlyRunning)

	wf, err := f.store.GetWorkflow(context.Background(), f.wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, wf.MaxConcurrentlyRunning)
}

func TestResumeRun(t *testing.T) {
	f := newFixture(t)
	path := "/api/v1/workflow_runs/" + strconv.FormatInt(f.run.ID, 10) + "/resume"

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, path, ResumeRequest{Mode: "warm"}).Code)

	rec := f.do(t, http.MethodPost, path, ResumeRequest{Mode: repo.ResumeHot})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.WorkflowRunStatusHotResume, decode[domain.WorkflowRun](t, rec).Status)

	// hot resume не трогает попытки
	ti, err := f.store.GetTaskInstance(context.Background(), f.instances[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInstanceStatusLaunched, ti.Status)

	// из HOT_RESUME в COLD_RESUME перейти нельзя
	rec = f.do(t, http.MethodPost, path, ResumeRequest{Mode: repo.ResumeCold})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListRunTasks(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.LogDone(context.Background(), f.instances[1].ID, repo.WorkerReport{}))
	path := "/api/v1/workflow_runs/" + strconv.FormatInt(f.run.ID, 10) + "/tasks"

	rec := f.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.Task](t, rec), 2)

	rec = f.do(t, http.MethodGet, path+"?status=DONE", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tasks := decode[[]domain.Task](t, rec)
	require.Len(t, tasks, 1)
	assert.Equal(t, "b", tasks[0].Name)
}

func TestSetArrayConcurrency(t *testing.T) {
	f := newFixture(t)
	limit := 0

	rec := f.do(t, http.MethodPut, "/api/v1/arrays/"+strconv.FormatInt(f.batch.ArrayID, 10)+"/max_concurrently_running",
		ConcurrencyRequest{MaxConcurrentlyRunning: &limit})
	require.Equal(t, http.StatusNoContent, rec.Code)

	arrays, err := f.store.ListArrays(context.Background(), f.wf.ID)
	require.NoError(t, err)
	require.Len(t, arrays, 1)
	assert.Equal(t, 0, arrays[0].MaxConcurrentlyRunning)

	rec = f.do(t, http.MethodPut, "/api/v1/arrays/9999/max_concurrently_running", ConcurrencyRequest{MaxConcurrentlyRunning: &limit})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResetTask(t *testing.T) {
	f := newFixture(t)
	taskID := f.instances[0].TaskID
	path := "/api/v1/tasks/" + strconv.FormatInt(taskID, 10) + "/reset"

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, path, ResetRequest{Status: domain.TaskStatusRunning}).Code)

	rec := f.do(t, http.MethodPost, path, ResetRequest{Status: domain.TaskStatusErrorFatal})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.TaskStatusErrorFatal, decode[domain.Task](t, rec).Status)

	// ERROR_FATAL терминален, но сброс в REGISTERING разрешён всегда
	rec = f.do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	task := decode[domain.Task](t, rec)
	assert.Equal(t, domain.TaskStatusRegistering, task.Status)
	assert.Zero(t, task.NumAttempts)

	// ERROR_FATAL из терминального DONE нельзя
	require.NoError(t, f.store.LogDone(context.Background(), f.instances[1].ID, repo.WorkerReport{}))
	rec = f.do(t, http.MethodPost, "/api/v1/tasks/"+strconv.FormatInt(f.instances[1].TaskID, 10)+"/reset",
		ResetRequest{Status: domain.TaskStatusErrorFatal})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRecovery(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Chain(Recovery(logger), Logging(logger), Metrics())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, ErrCodeInternalError, body.Error.Code)
}
