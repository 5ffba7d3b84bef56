package workernode

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/jobswarm/internal/clock"
	"github.com/shaiso/jobswarm/internal/cluster"
	"github.com/shaiso/jobswarm/internal/domain"
	"github.com/shaiso/jobswarm/internal/engine"
	"github.com/shaiso/jobswarm/internal/heartbeat"
	"github.com/shaiso/jobswarm/internal/repo"
	"github.com/shaiso/jobswarm/internal/repo/memory"
)

var _ Reporter = (*memory.Store)(nil)
var _ Reporter = (*repo.Store)(nil)

// fakeProcess завершается, когда тест отправляет ExitInfo, или по Kill.
type fakeProcess struct {
	exit   chan ExitInfo
	killed atomic.Bool
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{exit: make(chan ExitInfo, 1)}
}

func (p *fakeProcess) Pid() int { return 0 }

func (p *fakeProcess) Wait() (ExitInfo, error) { return <-p.exit, nil }

func (p *fakeProcess) Kill() error {
	if p.killed.CompareAndSwap(false, true) {
		p.exit <- ExitInfo{ExitCode: -1, Signal: "killed"}
	}
	return nil
}

type fakeExecutor struct {
	proc    *fakeProcess
	started atomic.Int32
	spec    ExecSpec
}

func (e *fakeExecutor) Start(ctx context.Context, spec ExecSpec) (Process, error) {
	e.started.Add(1)
	e.spec = spec
	return e.proc, nil
}

type fixture struct {
	store *memory.Store
	clock *clock.Fake
	run   *domain.WorkflowRun
	tasks []domain.Task
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := memory.New(clk)

	_, err := s.EnsureCluster(ctx, "local", "sequential")
	require.NoError(t, err)

	plan, err := engine.Compile(&domain.WorkflowSpec{
		Name:             "wn",
		DefaultCluster:   "local",
		DefaultResources: &domain.Resources{Queue: "all.q", MemoryGB: 1},
		Templates:        []domain.TemplateSpec{{Name: "t", CommandTemplate: "echo {{ .n }}"}},
		Tasks: []domain.TaskSpec{
			{Name: "a", Template: "t", Args: map[string]string{"n": "a"}},
			{Name: "b", Template: "t", Args: map[string]string{"n": "b"}},
		},
	})
	require.NoError(t, err)

	wf, err := s.BindWorkflow(ctx, plan)
	require.NoError(t, err)
	run, err := s.CreateWorkflowRun(ctx, wf.ID)
	require.NoError(t, err)
	tasks, err := s.ListTasks(ctx, wf.ID)
	require.NoError(t, err)

	return &fixture{store: s, clock: clk, run: run, tasks: tasks}
}

// queue ставит tasks одним batch и переводит попытки в INSTANTIATED.
func (f *fixture) queue(t *testing.T, tasks ...domain.Task) []domain.TaskInstance {
	t.Helper()
	ctx := context.Background()

	ids := make([]int64, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
	}
	res, err := f.store.QueueTaskBatch(ctx, repo.QueueBatchRequest{
		WorkflowRunID: f.run.ID,
		ArrayID:       tasks[0].ArrayID,
		ClusterID:     1,
		ResourcesID:   tasks[0].ResourcesID,
		TaskIDs:       ids,
	})
	require.NoError(t, err)

	for _, ti := range res.Instances {
		err := f.store.TransitionTaskInstance(ctx, ti.ID, domain.TaskInstanceStatusQueued,
			domain.InstanceTransition{To: domain.TaskInstanceStatusInstantiated})
		require.NoError(t, err)
	}
	return res.Instances
}

func (f *fixture) launch(t *testing.T, id int64, step *int) {
	t.Helper()
	err := f.store.TransitionTaskInstance(context.Background(), id, domain.TaskInstanceStatusInstantiated,
		domain.InstanceTransition{To: domain.TaskInstanceStatusLaunched, DistributorID: "job", ArrayStepID: step})
	require.NoError(t, err)
}

func (f *fixture) runner(exec Executor) *Runner {
	return New(Config{
		Reporter:       f.store,
		Executor:       exec,
		Clock:          f.clock,
		Heartbeat:      heartbeat.NewPolicy(10*time.Second, 3),
		StartupTimeout: time.Minute,
		StartupPoll:    time.Second,
		NodeName:       "node-1",
	})
}

func (f *fixture) instance(t *testing.T, id int64) *domain.TaskInstance {
	t.Helper()
	ti, err := f.store.GetTaskInstance(context.Background(), id)
	require.NoError(t, err)
	return ti
}

func (f *fixture) taskStatus(t *testing.T, id int64) domain.TaskStatus {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task.Status
}

func TestRunner_ExitClassification(t *testing.T) {
	tests := []struct {
		name     string
		exit     ExitInfo
		want     domain.TaskInstanceStatus
		wantTask domain.TaskStatus
	}{
		{name: "success", exit: ExitInfo{ExitCode: 0}, want: domain.TaskInstanceStatusDone, wantTask: domain.TaskStatusDone},
		{name: "failure", exit: ExitInfo{ExitCode: 1}, want: domain.TaskInstanceStatusError, wantTask: domain.TaskStatusErrorRecoverable},
		{name: "oom exit code", exit: ExitInfo{ExitCode: 137}, want: domain.TaskInstanceStatusResourceError, wantTask: domain.TaskStatusErrorRecoverable},
		{name: "killed", exit: ExitInfo{ExitCode: -1, Signal: "killed"}, want: domain.TaskInstanceStatusResourceError, wantTask: domain.TaskStatusErrorRecoverable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ti := f.queue(t, f.tasks[0])[0]
			f.launch(t, ti.ID, nil)

			exec := &fakeExecutor{proc: newFakeProcess()}
			exec.proc.exit <- tt.exit

			status, err := f.runner(exec).Run(context.Background(), cluster.Command{TaskInstanceID: ti.ID}, cluster.NewProcessNode("job", -1))
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)

			got := f.instance(t, ti.ID)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, "node-1", got.NodeName)
			assert.Equal(t, tt.wantTask, f.taskStatus(t, ti.TaskID))
			assert.Equal(t, "echo a", exec.spec.Command)
			if tt.want != domain.TaskInstanceStatusDone {
				assert.NotEmpty(t, got.ErrorMessage)
			}
		})
	}
}

func TestRunner_KillSelfBeforeStart(t *testing.T) {
	f := newFixture(t)
	ti := f.queue(t, f.tasks[0])[0]
	f.launch(t, ti.ID, nil)
	require.NoError(t, f.store.ResumeWorkflowRun(context.Background(), f.run.ID, repo.ResumeCold))

	exec := &fakeExecutor{proc: newFakeProcess()}
	status, err := f.runner(exec).Run(context.Background(), cluster.Command{TaskInstanceID: ti.ID}, cluster.NewProcessNode("job", -1))
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInstanceStatusKillSelf, status)
	assert.Zero(t, exec.started.Load(), "command must not start")
}

func TestRunner_HeartbeatAndKillSelf(t *testing.T) {
	f := newFixture(t)
	ti := f.queue(t, f.tasks[0])[0]
	f.launch(t, ti.ID, nil)

	exec := &fakeExecutor{proc: newFakeProcess()}
	done := make(chan domain.TaskInstanceStatus, 1)
	go func() {
		status, _ := f.runner(exec).Run(context.Background(), cluster.Command{TaskInstanceID: ti.ID}, cluster.NewProcessNode("job", -1))
		done <- status
	}()

	require.Eventually(t, func() bool { return f.clock.Waiters() > 0 }, 5*time.Second, time.Millisecond)
	first := *f.instance(t, ti.ID).ReportBy

	// Heartbeat продлевает report-by
	f.clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool {
		return f.instance(t, ti.ID).ReportBy.After(first) && f.clock.Waiters() > 0
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, domain.TaskInstanceStatusRunning, f.instance(t, ti.ID).Status)

	// Следующий heartbeat видит KILL_SELF и убивает процесс
	require.NoError(t, f.store.TransitionTaskInstance(context.Background(), ti.ID, domain.TaskInstanceStatusRunning,
		domain.InstanceTransition{To: domain.TaskInstanceStatusKillSelf}))
	f.clock.Advance(10 * time.Second)

	select {
	case status := <-done:
		assert.Equal(t, domain.TaskInstanceStatusKillSelf, status)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
	assert.True(t, exec.proc.killed.Load())
}

func TestRunner_WaitsForLaunch(t *testing.T) {
	f := newFixture(t)
	ti := f.queue(t, f.tasks[0])[0]

	exec := &fakeExecutor{proc: newFakeProcess()}
	exec.proc.exit <- ExitInfo{}

	done := make(chan domain.TaskInstanceStatus, 1)
	go func() {
		status, _ := f.runner(exec).Run(context.Background(), cluster.Command{TaskInstanceID: ti.ID}, cluster.NewProcessNode("job", -1))
		done <- status
	}()

	// Worker node опередил distributor: попытка ещё INSTANTIATED
	require.Eventually(t, func() bool { return f.clock.Waiters() > 0 }, 5*time.Second, time.Millisecond)
	f.launch(t, ti.ID, nil)
	f.clock.Advance(time.Second)

	select {
	case status := <-done:
		assert.Equal(t, domain.TaskInstanceStatusDone, status)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not finish")
	}
}

func TestRunner_StartupTimeout(t *testing.T) {
	f := newFixture(t)
	ti := f.queue(t, f.tasks[0])[0]

	r := f.runner(&fakeExecutor{proc: newFakeProcess()})
	r.cfg.StartupTimeout = 0

	_, err := r.Run(context.Background(), cluster.Command{TaskInstanceID: ti.ID}, cluster.NewProcessNode("job", -1))
	assert.ErrorIs(t, err, ErrStartupTimeout)
}

func TestRunner_ArrayStep(t *testing.T) {
	f := newFixture(t)
	instances := f.queue(t, f.tasks[0], f.tasks[1])
	for step, ti := range instances {
		f.launch(t, ti.ID, &step)
	}

	exec := &fakeExecutor{proc: newFakeProcess()}
	exec.proc.exit <- ExitInfo{}

	cmd := cluster.Command{ArrayID: instances[0].ArrayID, BatchID: instances[0].BatchID}
	status, err := f.runner(exec).Run(context.Background(), cmd, cluster.NewProcessNode("job.1", 1))
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInstanceStatusDone, status)

	assert.Equal(t, domain.TaskInstanceStatusDone, f.instance(t, instances[1].ID).Status)
	assert.Equal(t, domain.TaskInstanceStatusLaunched, f.instance(t, instances[0].ID).Status)
	assert.Equal(t, "echo b", exec.spec.Command)
}

func TestRunner_ArrayWithoutStep(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner(NoopExecutor{}).Run(context.Background(), cluster.Command{BatchID: 1}, cluster.NewProcessNode("job", -1))
	assert.ErrorIs(t, err, ErrNoArrayStep)
}

func TestRunner_LaunchDryRun(t *testing.T) {
	f := newFixture(t)
	ti := f.queue(t, f.tasks[0])[0]
	f.launch(t, ti.ID, nil)

	exec := &fakeExecutor{proc: newFakeProcess()}
	status, err := f.runner(exec).Launch(context.Background(), cluster.LaunchRequest{
		Command:       cluster.Command{TaskInstanceID: ti.ID},
		DistributorID: "job",
		ArrayStepID:   -1,
		DryRun:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInstanceStatusDone, status)
	assert.Zero(t, exec.started.Load())
}

func TestShellExecutor(t *testing.T) {
	dir := t.TempDir()
	spec := ExecSpec{Command: "echo hello; exit 3", StdoutPath: dir + "/out", StderrPath: dir + "/err"}

	proc, err := ShellExecutor{}.Start(context.Background(), spec)
	require.NoError(t, err)
	info, err := proc.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, info.ExitCode)
	assert.FileExists(t, spec.StdoutPath)
}
