package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/jobswarm/internal/heartbeat"
	"github.com/shaiso/jobswarm/internal/reaper"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobswarm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JOBSWARM_CONFIG", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, heartbeat.DefaultInterval, cfg.Heartbeat.Interval.D())
	assert.Equal(t, reaper.DefaultSchedule, cfg.Reaper.Schedule)
	cl, ok := cfg.Cluster("local")
	require.True(t, ok)
	assert.Equal(t, "multiprocess", cl.Type)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
heartbeat:
  interval: 30s
  buffer: 2.5
swarm:
  poll_interval: 2s
  fail_fast: true
reaper:
  loss_threshold: 1m
clusters:
  - name: grid
    type: sequential
    queues:
      all.q:
        queue: all.q
        cores: 8
        memory_gb: 32
        runtime_sec: 3600
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Heartbeat.Interval.D())
	assert.Equal(t, 2.5, cfg.Heartbeat.Buffer)
	assert.Equal(t, 2*time.Second, cfg.Swarm.PollInterval.D())
	assert.True(t, cfg.Swarm.FailFast)
	assert.Equal(t, time.Minute, cfg.Reaper.LossThreshold.D())

	// список кластеров из файла заменяет значение по умолчанию
	_, ok := cfg.Cluster("local")
	assert.False(t, ok)
	grid, ok := cfg.Cluster("grid")
	require.True(t, ok)
	assert.Equal(t, 8.0, grid.Queues["all.q"].Cores)

	opts := grid.Options(nil, nil)
	assert.Equal(t, "grid", opts.ClusterName)

	p := cfg.Heartbeat.Policy()
	assert.Equal(t, 75*time.Second, p.Window())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "heartbeat:\n  interval: 30s\ndatabase:\n  url: postgres://file\n")
	t.Setenv("HEARTBEAT_INTERVAL", "45s")
	t.Setenv("DB_URL", "postgres://env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Heartbeat.Interval.D())
	assert.Equal(t, "postgres://env", cfg.Database.URL)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
	}{
		{name: "bad duration", body: "swarm:\n  poll_interval: soon\n"},
		{name: "small buffer", body: "heartbeat:\n  buffer: 0.5\n"},
		{name: "duplicate cluster", body: "clusters:\n  - {name: a, type: dummy}\n  - {name: a, type: dummy}\n"},
		{name: "cluster without type", body: "clusters:\n  - {name: a}\n"},
		{name: "bad env duration", body: "{}\n", env: map[string]string{"REAPER_LOSS_THRESHOLD": "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
