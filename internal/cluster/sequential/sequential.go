// Package sequential — кластер, выполняющий задания по одному
// в порядке отправки на текущем хосте.
package sequential

import (
	"github.com/shaiso/jobswarm/internal/cluster"
	"github.com/shaiso/jobswarm/internal/cluster/local"
)

// Name — тип кластера.
const Name = "sequential"

// New создаёт плагин.
func New(opts cluster.Options) (cluster.Plugin, error) {
	return local.NewPlugin(Name, opts, 1, false)
}
