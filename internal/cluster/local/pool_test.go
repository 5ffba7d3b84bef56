package local

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/jobswarm/internal/cluster"
	"github.com/shaiso/jobswarm/internal/domain"
)

func waitPool(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
}

func TestPool_SubmitArray_DistinctSteps(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[int]string)

	p, err := NewPool(Config{Launch: func(ctx context.Context, req cluster.LaunchRequest) (domain.TaskInstanceStatus, error) {
		mu.Lock()
		seen[req.ArrayStepID] = req.DistributorID
		mu.Unlock()
		return domain.TaskInstanceStatusDone, nil
	}})
	require.NoError(t, err)

	cmd := cluster.BuildCommand("", cluster.Command{ArrayID: 1, BatchID: 9})
	ids, err := p.SubmitArray(context.Background(), cmd, "fit", domain.Resources{}, []int{0, 1, 2, 3})
	require.NoError(t, err)
	waitPool(t, p)

	require.Len(t, ids, 4)
	for step := 0; step < 4; step++ {
		assert.Equal(t, ids[step], seen[step])
	}

	status, _, err := p.RemoteExitInfo(context.Background(), ids[2])
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInstanceStatusDone, status)
}

func TestPool_SubmitArray_KeepsStepIDs(t *testing.T) {
	var mu sync.Mutex
	var steps []int

	p, err := NewPool(Config{Launch: func(ctx context.Context, req cluster.LaunchRequest) (domain.TaskInstanceStatus, error) {
		mu.Lock()
		steps = append(steps, req.ArrayStepID)
		mu.Unlock()
		return domain.TaskInstanceStatusDone, nil
	}})
	require.NoError(t, err)

	cmd := cluster.BuildCommand("", cluster.Command{ArrayID: 1, BatchID: 9})
	ids, err := p.SubmitArray(context.Background(), cmd, "fit", domain.Resources{}, []int{2, 3})
	require.NoError(t, err)
	waitPool(t, p)

	assert.Len(t, ids, 2)
	assert.Contains(t, ids, 2)
	assert.Contains(t, ids, 3)
	assert.ElementsMatch(t, []int{2, 3}, steps)
}

func TestPool_SubmitArray_RequiresBatch(t *testing.T) {
	p, err := NewPool(Config{Launch: func(context.Context, cluster.LaunchRequest) (domain.TaskInstanceStatus, error) {
		return domain.TaskInstanceStatusDone, nil
	}})
	require.NoError(t, err)

	cmd := cluster.BuildCommand("", cluster.Command{TaskInstanceID: 1})
	_, err = p.SubmitArray(context.Background(), cmd, "x", domain.Resources{}, []int{0, 1})
	assert.ErrorIs(t, err, cluster.ErrInvalidCommand)
}

func TestPool_Parallelism(t *testing.T) {
	var running, peak atomic.Int32
	release := make(chan struct{})

	p, err := NewPool(Config{Parallelism: 2, Launch: func(ctx context.Context, req cluster.LaunchRequest) (domain.TaskInstanceStatus, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return domain.TaskInstanceStatusDone, nil
	}})
	require.NoError(t, err)

	cmd := cluster.BuildCommand("", cluster.Command{TaskInstanceID: 1})
	for i := 0; i < 5; i++ {
		_, err := p.Submit(context.Background(), cmd, "t", domain.Resources{})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return running.Load() == 2 }, 5*time.Second, 5*time.Millisecond)
	close(release)
	waitPool(t, p)

	assert.Equal(t, int32(2), peak.Load())
}

func TestPool_TerminateAndExitInfo(t *testing.T) {
	started := make(chan struct{})
	p, err := NewPool(Config{Launch: func(ctx context.Context, req cluster.LaunchRequest) (domain.TaskInstanceStatus, error) {
		close(started)
		<-ctx.Done()
		return domain.TaskInstanceStatusKillSelf, ctx.Err()
	}})
	require.NoError(t, err)

	cmd := cluster.BuildCommand("", cluster.Command{TaskInstanceID: 5})
	id, err := p.Submit(context.Background(), cmd, "t", domain.Resources{})
	require.NoError(t, err)
	<-started

	live, err := p.SubmittedOrRunning(context.Background(), []string{id, "nope"})
	require.NoError(t, err)
	assert.True(t, live[id])
	assert.False(t, live["nope"])

	status, _, err := p.RemoteExitInfo(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInstanceStatusRunning, status)

	require.NoError(t, p.Terminate(context.Background(), []string{id, "nope"}))
	waitPool(t, p)

	status, msg, err := p.RemoteExitInfo(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInstanceStatusUnknownError, status)
	assert.NotEmpty(t, msg)
}

func TestPool_StopRejectsSubmissions(t *testing.T) {
	p, err := NewPool(Config{Launch: func(context.Context, cluster.LaunchRequest) (domain.TaskInstanceStatus, error) {
		return domain.TaskInstanceStatusDone, nil
	}})
	require.NoError(t, err)
	require.NoError(t, p.Stop(context.Background()))

	_, err = p.Submit(context.Background(), cluster.BuildCommand("", cluster.Command{TaskInstanceID: 1}), "t", domain.Resources{})
	assert.ErrorIs(t, err, cluster.ErrStopped)
}

func TestNewPool_RequiresLauncher(t *testing.T) {
	_, err := NewPool(Config{})
	assert.ErrorIs(t, err, cluster.ErrNoLauncher)
}
