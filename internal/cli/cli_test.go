package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/jobswarm/internal/api"
	"github.com/shaiso/jobswarm/internal/config"
	"github.com/shaiso/jobswarm/internal/domain"
	"github.com/shaiso/jobswarm/internal/engine"
	"github.com/shaiso/jobswarm/internal/repo"
	"github.com/shaiso/jobswarm/internal/repo/memory"
	"github.com/shaiso/jobswarm/internal/workernode"
)

var _ workernode.Reporter = (*Client)(nil)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store     *memory.Store
	client    *Client
	wf        *domain.Workflow
	run       *domain.WorkflowRun
	batch     *domain.Batch
	instances []domain.TaskInstance
}

// newFixture поднимает API поверх memory store и ставит два task
// в очередь одним batch с попытками в LAUNCHED.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := memory.New(nil)

	c, err := s.EnsureCluster(ctx, "local", "sequential")
	require.NoError(t, err)

	plan, err := engine.Compile(&domain.WorkflowSpec{
		Name:             "cli",
		DefaultCluster:   "local",
		DefaultResources: &domain.Resources{Queue: "all.q", Cores: 1, MemoryGB: 1},
		Templates:        []domain.TemplateSpec{{Name: "t", CommandTemplate: "echo {{ .x }}"}},
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

	for i, ti := range res.Instances {
		step := i
		require.NoError(t, s.TransitionTaskInstance(ctx, ti.ID, domain.TaskInstanceStatusQueued,
			domain.InstanceTransition{To: domain.TaskInstanceStatusInstantiated}))
		require.NoError(t, s.TransitionTaskInstance(ctx, ti.ID, domain.TaskInstanceStatusInstantiated,
			domain.InstanceTransition{To: domain.TaskInstanceStatusLaunched, DistributorID: "job-" + strconv.Itoa(i), ArrayStepID: &step}))
	}

	h := api.NewHandler(api.Config{Store: s, Logger: discardLogger()})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &fixture{
		store:     s,
		client:    NewClient(srv.URL),
		wf:        wf,
		run:       run,
		batch:     res.Batch,
		instances: res.Instances,
	}
}

func TestClient_WorkerLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.instances[0].ID

	ti, err := f.client.GetTaskInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInstanceStatusLaunched, ti.Status)

	byStep, err := f.client.GetTaskInstanceByStep(ctx, f.batch.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, f.instances[1].ID, byStep.ID)

	status, err := f.client.LogRunning(ctx, id, repo.WorkerReport{NodeName: "node-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInstanceStatusRunning, status)

	status, err = f.client.LogHeartbeat(ctx, id, repo.WorkerReport{})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInstanceStatusRunning, status)

	require.NoError(t, f.client.LogDone(ctx, id, repo.WorkerReport{
		Usage: &domain.Usage{MaxRSSBytes: 1024, CPUSeconds: 0.5},
	}))

	stored, err := f.store.GetTaskInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInstanceStatusDone, stored.Status)
	assert.Equal(t, "node-1", stored.NodeName)
	assert.EqualValues(t, 1024, stored.MaxRSSBytes)
}

func TestClient_LogError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.instances[1].ID

	_, err := f.client.LogRunning(ctx, id, repo.WorkerReport{})
	require.NoError(t, err)
	require.NoError(t, f.client.LogError(ctx, id, domain.TaskInstanceStatusResourceError,
		repo.WorkerReport{ErrorMessage: "killed: exit code 137"}))

	stored, err := f.store.GetTaskInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInstanceStatusResourceError, stored.Status)
	assert.Equal(t, "killed: exit code 137", stored.ErrorMessage)
}

func TestClient_ErrorMapping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.client.GetTaskInstance(ctx, 999_999)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	// повторный DONE — нелегальный переход
	require.NoError(t, f.client.LogDone(ctx, f.instances[0].ID, repo.WorkerReport{}))
	err = f.client.LogDone(ctx, f.instances[0].ID, repo.WorkerReport{})
	assert.ErrorIs(t, err, repo.ErrConflict)

	err = f.client.LogError(ctx, f.instances[1].ID, domain.TaskInstanceStatusQueued, repo.WorkerReport{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, api.ErrCodeBadRequest, apiErr.Code)
}

func TestClient_Operator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	status, err := f.client.RunStatus(ctx, f.run.ID)
	require.NoError(t, err)
	assert.Equal(t, f.run.ID, status.Run.ID)
	assert.Equal(t, 2, status.Total)

	wf, err := f.client.SetRunConcurrency(ctx, f.run.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, wf.MaxConcurrentlyRunning)

	tasks, err := f.client.ListRunTasks(ctx, f.run.ID, "")
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	launched, err := f.client.ListRunTasks(ctx, f.run.ID, domain.TaskStatusLaunched)
	require.NoError(t, err)
	assert.Len(t, launched, 2)

	require.NoError(t, f.client.SetArrayConcurrency(ctx, tasks[0].ArrayID, 1))
	arrays, err := f.store.ListArrays(ctx, f.wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, arrays[0].MaxConcurrentlyRunning)

	task, err := f.client.ResetTask(ctx, tasks[0].ID, domain.TaskStatusErrorFatal)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusErrorFatal, task.Status)

	run, err := f.client.ResumeRun(ctx, f.run.ID, repo.ResumeHot)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowRunStatusHotResume, run.Status)
}

func TestRunCmd_Status(t *testing.T) {
	f := newFixture(t)
	var out, msgs bytes.Buffer

	cmd := NewRunCmd(
		func() *Client { return f.client },
		func() *Output { return NewOutputTo(false, &out, &msgs) },
	)
	cmd.SetArgs([]string{"status", strconv.FormatInt(f.run.ID, 10)})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	assert.Contains(t, out.String(), "LAUNCHED")
	assert.Contains(t, out.String(), "TOTAL")
}

func TestRunCmd_InvalidArgs(t *testing.T) {
	f := newFixture(t)
	output := func() *Output { return NewOutputTo(false, io.Discard, io.Discard) }

	tests := [][]string{
		{"status", "abc"},
		{"concurrency", "1", "-1"},
		{"resume", "1", "--mode", "lukewarm"},
	}
	for _, args := range tests {
		cmd := NewRunCmd(func() *Client { return f.client }, output)
		cmd.SilenceUsage = true
		cmd.SilenceErrors = true
		cmd.SetArgs(args)
		assert.Error(t, cmd.ExecuteContext(context.Background()), args)
	}
}

func dummyConfig() *config.Config {
	cfg := config.Default()
	cfg.Clusters = []config.ClusterConfig{{Name: "dummy", Type: "dummy"}}
	cfg.Heartbeat = config.Heartbeat{Interval: config.Duration(50 * time.Millisecond), Buffer: 3}
	cfg.Swarm.PollInterval = config.Duration(5 * time.Millisecond)
	cfg.Distributor.PollInterval = config.Duration(5 * time.Millisecond)
	return cfg
}

func TestRunWorkflow_Dummy(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	store := memory.New(nil)
	report, err := RunWorkflow(ctx, WorkflowOptions{
		Spec: &domain.WorkflowSpec{
			Name:             "dummy",
			DefaultCluster:   "dummy",
			DefaultResources: &domain.Resources{Queue: "all.q", MemoryGB: 1},
			Templates:        []domain.TemplateSpec{{Name: "t", CommandTemplate: "echo {{ .x }}"}},
			Tasks: []domain.TaskSpec{
				{Name: "a", Template: "t", Args: map[string]string{"x": "1"}},
				{Name: "b", Template: "t", Args: map[string]string{"x": "2"}, Upstream: []string{"a"}},
			},
		},
		Store:  store,
		Config: dummyConfig(),
		Logger: discardLogger(),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowRunStatusDone, report.Status)
	assert.Equal(t, 2, report.Done)

	wf, err := store.FindWorkflowByName(ctx, "dummy")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusDone, wf.Status)
}

func TestRunWorkflow_UnknownCluster(t *testing.T) {
	_, err := RunWorkflow(context.Background(), WorkflowOptions{
		Spec: &domain.WorkflowSpec{
			Name:             "lost",
			DefaultCluster:   "nowhere",
			DefaultResources: &domain.Resources{Queue: "all.q"},
			Templates:        []domain.TemplateSpec{{Name: "t", CommandTemplate: "true"}},
			Tasks:            []domain.TaskSpec{{Name: "a", Template: "t"}},
		},
		Store:  memory.New(nil),
		Config: dummyConfig(),
		Logger: discardLogger(),
	})
	assert.ErrorContains(t, err, "nowhere")
}
