package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/jobswarm/internal/clock"
	"github.com/shaiso/jobswarm/internal/domain"
	"github.com/shaiso/jobswarm/internal/engine"
	"github.com/shaiso/jobswarm/internal/repo"
)

func bindChain(t *testing.T, s *Store) (*domain.Workflow, *domain.WorkflowRun, []domain.Task) {
	t.Helper()
	ctx := context.Background()

	_, err := s.EnsureCluster(ctx, "dummy", "dummy")
	require.NoError(t, err)

	plan, err := engine.Compile(&domain.WorkflowSpec{
		Name:           "chain",
		DefaultCluster: "dummy",
		Templates:      []domain.TemplateSpec{{Name: "t", CommandTemplate: "echo {{ .n }}"}},
		Tasks: []domain.TaskSpec{
			{Name: "a", Template: "t", Args: map[string]string{"n": "a"}},
			{Name: "b", Template: "t", Args: map[string]string{"n": "b"}, Upstream: []string{"a"}},
		},
	})
	require.NoError(t, err)

	wf, err := s.BindWorkflow(ctx, plan)
	require.NoError(t, err)

	run, err := s.CreateWorkflowRun(ctx, wf.ID)
	require.NoError(t, err)

	tasks, err := s.ListTasks(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	return wf, run, tasks
}

func queueOne(t *testing.T, s *Store, run *domain.WorkflowRun, task domain.Task) domain.TaskInstance {
	t.Helper()
	res, err := s.QueueTaskBatch(context.Background(), repo.QueueBatchRequest{
		WorkflowRunID: run.ID,
		ArrayID:       task.ArrayID,
		ClusterID:     1,
		ResourcesID:   task.ResourcesID,
		TaskIDs:       []int64{task.ID},
	})
	require.NoError(t, err)
	require.Len(t, res.Instances, 1)
	return res.Instances[0]
}

func TestBindWorkflow_MutualEdges(t *testing.T) {
	s := New(clock.NewFake(time.Unix(0, 0)))
	wf, _, tasks := bindChain(t, s)

	assert.Equal(t, []int64{tasks[0].ID}, tasks[1].UpstreamIDs)

	edges, err := s.ListEdges(context.Background(), wf.ID)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	assert.Equal(t, []int64{tasks[1].NodeID}, edges[0].Downstream)
	assert.Equal(t, []int64{tasks[0].NodeID}, edges[1].Upstream)
}

func TestBindWorkflow_UnknownCluster(t *testing.T) {
	s := New(nil)
	plan := &engine.Plan{Name: "x", Tasks: []engine.PlannedTask{{Name: "a", ClusterName: "nope"}}}

	_, err := s.BindWorkflow(context.Background(), plan)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCreateWorkflowRun_OneActiveRun(t *testing.T) {
	s := New(nil)
	wf, _, _ := bindChain(t, s)

	_, err := s.CreateWorkflowRun(context.Background(), wf.ID)
	assert.ErrorIs(t, err, repo.ErrConflict)
}

func TestQueueTaskBatch_SingleLiveInstance(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	_, run, tasks := bindChain(t, s)

	ti := queueOne(t, s, run, tasks[0])
	assert.Equal(t, domain.TaskInstanceStatusQueued, ti.Status)
	assert.Equal(t, -1, ti.ArrayStepID)
	assert.Equal(t, "echo a", ti.Command)

	// Повторная постановка пропускается
	res, err := s.QueueTaskBatch(ctx, repo.QueueBatchRequest{
		WorkflowRunID: run.ID, ResourcesID: tasks[0].ResourcesID, TaskIDs: []int64{tasks[0].ID},
	})
	require.NoError(t, err)
	assert.Nil(t, res.Batch)
	assert.Equal(t, []int64{tasks[0].ID}, res.Skipped)

	task, err := s.GetTask(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusQueued, task.Status)
	assert.Equal(t, 1, task.NumAttempts)
}

func TestQueueTaskBatch_AssignsSteps(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	_, run, tasks := bindChain(t, s)

	res, err := s.QueueTaskBatch(ctx, repo.QueueBatchRequest{
		WorkflowRunID: run.ID,
		ArrayID:       tasks[0].ArrayID,
		ClusterID:     1,
		ResourcesID:   tasks[0].ResourcesID,
		TaskIDs:       []int64{tasks[0].ID, tasks[1].ID},
	})
	require.NoError(t, err)
	require.Len(t, res.Instances, 2)

	for i, ti := range res.Instances {
		assert.Equal(t, i, ti.ArrayStepID)
		got, err := s.GetTaskInstanceByStep(ctx, res.Batch.ID, i)
		require.NoError(t, err)
		assert.Equal(t, ti.ID, got.ID)
	}
}

func TestTransitionTaskInstance_MirrorsTask(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	_, run, tasks := bindChain(t, s)
	ti := queueOne(t, s, run, tasks[0])

	steps := []struct {
		from, to domain.TaskInstanceStatus
		task     domain.TaskStatus
	}{
		{domain.TaskInstanceStatusQueued, domain.TaskInstanceStatusInstantiated, domain.TaskStatusInstantiating},
		{domain.TaskInstanceStatusInstantiated, domain.TaskInstanceStatusLaunched, domain.TaskStatusLaunched},
		{domain.TaskInstanceStatusLaunched, domain.TaskInstanceStatusTriaging, domain.TaskStatusLaunched},
		{domain.TaskInstanceStatusTriaging, domain.TaskInstanceStatusResourceError, domain.TaskStatusErrorRecoverable},
	}
	for _, st := range steps {
		require.NoError(t, s.TransitionTaskInstance(ctx, ti.ID, st.from, domain.InstanceTransition{To: st.to}))
		task, err := s.GetTask(ctx, tasks[0].ID)
		require.NoError(t, err)
		assert.Equal(t, st.task, task.Status, "after %s", st.to)
	}

	updates, _, err := s.TaskStatusUpdates(ctx, tasks[0].WorkflowID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInstanceStatusResourceError, updates[0].LastInstanceStatus)
}

func TestTransitionTaskInstance_StaleFrom(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	_, run, tasks := bindChain(t, s)
	ti := queueOne(t, s, run, tasks[0])

	err := s.TransitionTaskInstance(ctx, ti.ID, domain.TaskInstanceStatusLaunched,
		domain.InstanceTransition{To: domain.TaskInstanceStatusRunning})
	assert.ErrorIs(t, err, repo.ErrConflict)
	assert.True(t, errors.Is(err, domain.ErrIllegalTransition))
}

func TestLogHeartbeat_KillSelf(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	_, run, tasks := bindChain(t, s)
	ti := queueOne(t, s, run, tasks[0])

	require.NoError(t, s.TransitionTaskInstance(ctx, ti.ID, domain.TaskInstanceStatusQueued,
		domain.InstanceTransition{To: domain.TaskInstanceStatusInstantiated}))
	require.NoError(t, s.TransitionTaskInstance(ctx, ti.ID, domain.TaskInstanceStatusInstantiated,
		domain.InstanceTransition{To: domain.TaskInstanceStatusLaunched}))

	status, err := s.LogRunning(ctx, ti.ID, repo.WorkerReport{NodeName: "n1"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInstanceStatusRunning, status)

	require.NoError(t, s.ResumeWorkflowRun(ctx, run.ID, repo.ResumeCold))

	status, err = s.LogHeartbeat(ctx, ti.ID, repo.WorkerReport{})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInstanceStatusKillSelf, status)
}

func TestRenewTaskInstances_Monotonic(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	_, run, tasks := bindChain(t, s)
	ti := queueOne(t, s, run, tasks[0])

	late := time.Unix(2000, 0)
	early := time.Unix(1000, 0)
	require.NoError(t, s.RenewTaskInstances(ctx, []int64{ti.ID}, late))
	require.NoError(t, s.RenewTaskInstances(ctx, []int64{ti.ID}, early))

	got, err := s.GetTaskInstance(ctx, ti.ID)
	require.NoError(t, err)
	assert.True(t, got.ReportBy.Equal(late))
}

func TestTaskStatusUpdates_Since(t *testing.T) {
	fake := clock.NewFake(time.Unix(100, 0))
	s := New(fake)
	ctx := context.Background()
	wf, run, tasks := bindChain(t, s)

	_, since, err := s.TaskStatusUpdates(ctx, wf.ID, time.Time{})
	require.NoError(t, err)

	fake.Advance(time.Second)
	queueOne(t, s, run, tasks[1])

	updates, _, err := s.TaskStatusUpdates(ctx, wf.ID, since.Add(time.Millisecond))
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, tasks[1].ID, updates[0].TaskID)
}
