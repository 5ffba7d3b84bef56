package local

import (
	"github.com/shaiso/jobswarm/internal/cluster"
)

// Plugin — cluster.Plugin поверх Pool.
type Plugin struct {
	name string
	opts cluster.Options
	pool *Pool
}

// NewPlugin создаёт плагин типа name.
func NewPlugin(name string, opts cluster.Options, parallelism int, dryRun bool) (*Plugin, error) {
	pool, err := NewPool(Config{
		ClusterName: opts.ClusterName,
		Launch:      opts.Launch,
		Parallelism: parallelism,
		DryRun:      dryRun,
		Logger:      opts.Log(),
	})
	if err != nil {
		return nil, err
	}
	return &Plugin{name: name, opts: opts, pool: pool}, nil
}

func (p *Plugin) Name() string { return p.name }

func (p *Plugin) Queue(name string) (cluster.Queue, error) {
	return p.opts.Queue(name)
}

func (p *Plugin) Distributor() cluster.Distributor { return p.pool }

// Pool возвращает пул заданий (нужен тестам, чтобы дождаться завершения).
func (p *Plugin) Pool() *Pool { return p.pool }

// WorkerNode читает distributor id и step id из окружения процесса.
func (p *Plugin) WorkerNode() cluster.WorkerNode {
	return cluster.NodeFromEnv()
}
