// Package multiprocess — кластер с пулом из Parallelism одновременно
// выполняемых заданий на текущем хосте.
package multiprocess

import (
	"runtime"

	"github.com/shaiso/jobswarm/internal/cluster"
	"github.com/shaiso/jobswarm/internal/cluster/local"
)

// Name — тип кластера.
const Name = "multiprocess"

// New создаёт плагин. Parallelism по умолчанию — число CPU.
func New(opts cluster.Options) (cluster.Plugin, error) {
	n := opts.Parallelism
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return local.NewPlugin(Name, opts, n, false)
}
