// Package plugins собирает реестр встроенных кластеров.
package plugins

import (
	"github.com/shaiso/jobswarm/internal/cluster"
	"github.com/shaiso/jobswarm/internal/cluster/dummy"
	"github.com/shaiso/jobswarm/internal/cluster/multiprocess"
	"github.com/shaiso/jobswarm/internal/cluster/sequential"
)

// DefaultRegistry создаёт реестр со всеми встроенными кластерами.
func DefaultRegistry() *cluster.Registry {
	return cluster.NewRegistry(
		cluster.Entry{Name: dummy.Name, Constructor: dummy.New},
		cluster.Entry{Name: sequential.Name, Constructor: sequential.New},
		cluster.Entry{Name: multiprocess.Name, Constructor: multiprocess.New},
	)
}
