package reaper

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
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

const threshold = 10 * time.Second

// recorder запоминает уведомления.
type recorder struct {
	mu  sync.Mutex
	got []Notification
	err error
}

func (r *recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return r.err
}

type leaderFunc func(ctx context.Context) (bool, error)

func (f leaderFunc) TryAcquire(ctx context.Context) (bool, error) { return f(ctx) }

type fixture struct {
	store    *memory.Store
	clock    *clock.Fake
	notifier *recorder
	wf       *domain.Workflow
	run      *domain.WorkflowRun
}

// newFixture создаёт workflow из двух tasks и run в статусе RUNNING
// с heartbeat до t0+30s.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := memory.New(clk)

	_, err := s.EnsureCluster(ctx, "local", "sequential")
	require.NoError(t, err)

	plan, err := engine.Compile(&domain.WorkflowSpec{
		Name:             "nightly",
		DefaultCluster:   "local",
		DefaultResources: &domain.Resources{Queue: "all.q", Cores: 1, MemoryGB: 1},
		Templates:        []domain.TemplateSpec{{Name: "t", CommandTemplate: "echo {{ .x }}"}},
		Tasks: []domain.TaskSpec{
			{Name: "a", Template: "t", Args: map[string]string{"x": "1"}},
			{Name: "b", Template: "t", Args: map[string]string{"x": "2"}, Upstream: []string{"a"}},
		},
	})
	require.NoError(t, err)

	wf, err := s.BindWorkflow(ctx, plan)
	require.NoError(t, err)
	run, err := s.CreateWorkflowRun(ctx, wf.ID)
	require.NoError(t, err)

	for _, to := range []domain.WorkflowRunStatus{
		domain.WorkflowRunStatusInstantiated,
		domain.WorkflowRunStatusLaunched,
		domain.WorkflowRunStatusRunning,
	} {
		require.NoError(t, s.TransitionWorkflowRun(ctx, run.ID, to))
	}
	_, err = s.HeartbeatWorkflowRun(ctx, run.ID, clk.Now().Add(30*time.Second))
	require.NoError(t, err)

	return &fixture{store: s, clock: clk, notifier: &recorder{}, wf: wf, run: run}
}

func (f *fixture) reaper(mod func(*Config)) *Reaper {
	cfg := Config{
		Store:         f.store,
		Notifier:      f.notifier,
		Clock:         f.clock,
		LossThreshold: threshold,
	}
	if mod != nil {
		mod(&cfg)
	}
	return New(cfg)
}

func (f *fixture) runStatus(t *testing.T) domain.WorkflowRunStatus {
	t.Helper()
	run, err := f.store.GetWorkflowRun(context.Background(), f.run.ID)
	require.NoError(t, err)
	return run.Status
}

func (f *fixture) workflowStatus(t *testing.T) domain.WorkflowStatus {
	t.Helper()
	wf, err := f.store.GetWorkflow(context.Background(), f.wf.ID)
	require.NoError(t, err)
	return wf.Status
}

func TestTick_HealthyRunUntouched(t *testing.T) {
	f := newFixture(t)
	// report-by прошёл, но порог ещё нет
	f.clock.Advance(35 * time.Second)

	report, err := f.reaper(nil).Tick(context.Background())
	require.NoError(t, err)

	assert.Empty(t, report.Errored)
	assert.Equal(t, domain.WorkflowRunStatusRunning, f.runStatus(t))
	assert.Empty(t, f.notifier.got)
}

func TestTick_ErrorsLostRun(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(41 * time.Second)

	report, err := f.reaper(nil).Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{f.run.ID}, report.Errored)
	assert.Equal(t, domain.WorkflowRunStatusError, f.runStatus(t))
	assert.Equal(t, domain.WorkflowStatusFailed, f.workflowStatus(t))

	require.Len(t, f.notifier.got, 1)
	n := f.notifier.got[0]
	assert.Equal(t, DefaultChannel, n.Channel)
	assert.Equal(t, f.run.ID, n.WorkflowRunID)
	assert.Equal(t, string(domain.WorkflowRunStatusError), n.Status)
	assert.Equal(t, 1, report.Notifications)

	// повторный проход ничего не делает
	report, err = f.reaper(nil).Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Errored)
	assert.Len(t, f.notifier.got, 1)
}

func TestTick_LiveDistributorKeepsRunAlive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.store.RegisterDistributorInstance(ctx, 1, &f.run.ID, f.clock.Now().Add(2*time.Minute))
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	report, err := f.reaper(nil).Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Errored)
	assert.Empty(t, report.Expunged)
	assert.Equal(t, domain.WorkflowRunStatusRunning, f.runStatus(t))

	f.clock.Advance(2 * time.Minute)
	report, err = f.reaper(nil).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{d.ID}, report.Expunged)
	assert.Equal(t, []int64{f.run.ID}, report.Errored)

	left, err := f.store.ListDistributorInstances(ctx, repo.DistributorFilter{})
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestTick_ClusterDistributorDoesNotKeepRunAlive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.RegisterDistributorInstance(ctx, 1, nil, f.clock.Now().Add(time.Hour))
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	report, err := f.reaper(nil).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{f.run.ID}, report.Errored)
	assert.Empty(t, report.Expunged)
}

func TestTick_HaltsLostResume(t *testing.T) {
	for _, mode := range []repo.ResumeMode{repo.ResumeCold, repo.ResumeHot} {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			require.NoError(t, f.store.ResumeWorkflowRun(ctx, f.run.ID, mode))

			f.clock.Advance(time.Minute)
			report, err := f.reaper(nil).Tick(ctx)
			require.NoError(t, err)

			assert.Equal(t, []int64{f.run.ID}, report.Halted)
			assert.Empty(t, report.Errored)
			assert.Equal(t, domain.WorkflowRunStatusTerminated, f.runStatus(t))
			assert.Equal(t, domain.WorkflowStatusHalted, f.workflowStatus(t))
		})
	}
}

func TestTick_FixesInconsistentWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tasks, err := f.store.ListTasks(ctx, f.wf.ID)
	require.NoError(t, err)
	for _, task := range tasks {
		from := task.Status
		for _, to := range []domain.TaskStatus{
			domain.TaskStatusQueued, domain.TaskStatusInstantiating,
			domain.TaskStatusLaunched, domain.TaskStatusDone,
		} {
			_, err := f.store.TransitionTask(ctx, task.ID, from, to)
			require.NoError(t, err)
			from = to
		}
	}

	// пока run активен, workflow не трогаем
	report, err := f.reaper(nil).Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Fixed)

	require.NoError(t, f.store.TransitionWorkflowRun(ctx, f.run.ID, domain.WorkflowRunStatusError))
	require.Equal(t, domain.WorkflowStatusFailed, f.workflowStatus(t))

	report, err = f.reaper(nil).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{f.wf.ID}, report.Fixed)
	assert.Equal(t, domain.WorkflowStatusDone, f.workflowStatus(t))
}

func TestTick_UnfinishedTasksNotFixed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.TransitionWorkflowRun(ctx, f.run.ID, domain.WorkflowRunStatusError))

	report, err := f.reaper(nil).Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Fixed)
	assert.Equal(t, domain.WorkflowStatusFailed, f.workflowStatus(t))
}

func TestTick_NotLeader(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(time.Minute)

	r := f.reaper(func(c *Config) {
		c.Leader = leaderFunc(func(context.Context) (bool, error) { return false, nil })
	})
	report, err := r.Tick(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Skipped)
	assert.Equal(t, domain.WorkflowRunStatusRunning, f.runStatus(t))
}

func TestTick_LeaderError(t *testing.T) {
	f := newFixture(t)
	lockErr := errors.New("connection refused")

	r := f.reaper(func(c *Config) {
		c.Leader = leaderFunc(func(context.Context) (bool, error) { return false, lockErr })
	})
	_, err := r.Tick(context.Background())
	assert.ErrorIs(t, err, lockErr)
}

func TestTick_NotificationIsBestEffort(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("broker down")
	f.clock.Advance(time.Minute)

	report, err := f.reaper(nil).Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{f.run.ID}, report.Errored)
	assert.Zero(t, report.Notifications)
	assert.Equal(t, domain.WorkflowRunStatusError, f.runStatus(t))
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.reaper(nil).Run(ctx) }()

	// первый проход выполняется сразу, затем цикл ждёт расписания
	require.Eventually(t, func() bool { return f.clock.Waiters() > 0 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestRun_InvalidSchedule(t *testing.T) {
	f := newFixture(t)
	err := f.reaper(func(c *Config) { c.Schedule = "every now and then" }).Run(context.Background())
	assert.Error(t, err)
}

func TestMulti(t *testing.T) {
	first := &recorder{err: errors.New("first")}
	second := &recorder{}

	err := Multi{first, nil, second}.Notify(context.Background(), Notification{Message: "m"})
	assert.ErrorContains(t, err, "first")
	assert.Len(t, first.got, 1)
	assert.Len(t, second.got, 1)
}

func TestWebhookNotifier(t *testing.T) {
	var got webhookBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := WebhookNotifier{URL: srv.URL}.Notify(context.Background(), Notification{
		Channel: DefaultChannel,
		Message: "workflow run 7 lost",
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultChannel, got.Channel)
	assert.Equal(t, "workflow run 7 lost", got.Text)
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := WebhookNotifier{URL: srv.URL}.Notify(context.Background(), Notification{Message: "m"})
	assert.ErrorContains(t, err, "502")
}
