package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/jobswarm/internal/clock"
)

func TestParseSchedule(t *testing.T) {
	from := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		spec string
		want time.Time
	}{
		{spec: "30s", want: from.Add(30 * time.Second)},
		{spec: "@every 1m", want: from.Add(time.Minute)},
		{spec: "*/5 * * * *", want: from.Add(5 * time.Minute)},
		{spec: "100ms", want: from.Add(100 * time.Millisecond)},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			sched, err := ParseSchedule(tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, sched.Next(from))
		})
	}
}

func TestParseSchedule_Invalid(t *testing.T) {
	for _, spec := range []string{"", "-1s", "not a schedule"} {
		_, err := ParseSchedule(spec)
		assert.Error(t, err, spec)
	}
}

func TestLoop_StopsOnTick(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	calls := 0

	loop := NewLoop(LoopConfig{
		Name:     "test",
		Schedule: Every(time.Second),
		Clock:    fake,
		Tick: func(ctx context.Context) (bool, error) {
			calls++
			return calls == 3, nil
		},
	})

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	// Двигаем время, пока цикл не завершится
	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			assert.Equal(t, 3, calls)
			return
		default:
			if fake.Waiters() > 0 {
				fake.Advance(time.Second)
			}
			time.Sleep(time.Millisecond)
		}
	}
}

func TestLoop_ContinuesAfterError(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	calls := 0

	loop := NewLoop(LoopConfig{
		Schedule: Every(time.Second),
		Clock:    fake,
		Tick: func(ctx context.Context) (bool, error) {
			calls++
			if calls == 1 {
				return false, errors.New("boom")
			}
			return true, nil
		},
	})

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			assert.Equal(t, 2, calls)
			return
		default:
			if fake.Waiters() > 0 {
				fake.Advance(time.Second)
			}
			time.Sleep(time.Millisecond)
		}
	}
}

func TestLoop_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	loop := NewLoop(LoopConfig{
		Schedule: Every(time.Hour),
		Clock:    clock.NewFake(time.Unix(0, 0)),
		Tick: func(ctx context.Context) (bool, error) {
			cancel()
			return false, nil
		},
	})

	err := loop.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
