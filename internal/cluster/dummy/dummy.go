// Package dummy — кластер, который не выполняет команды пользователя.
//
// Каждая отправка запускает worker node внутри процесса в режиме DryRun:
// попытка проходит RUNNING и сразу завершается DONE. Используется для
// проверки workflow без вычислений.
package dummy

import (
	"github.com/shaiso/jobswarm/internal/cluster"
	"github.com/shaiso/jobswarm/internal/cluster/local"
)

// Name — тип кластера.
const Name = "dummy"

// New создаёт плагин.
func New(opts cluster.Options) (cluster.Plugin, error) {
	return local.NewPlugin(Name, opts, 0, true)
}
