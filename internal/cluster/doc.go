// Package cluster описывает контракт плагина кластера.
//
// Плагин состоит из трёх частей:
//   - Queue — лимиты ресурсов очереди (проверка и приведение запроса)
//   - Distributor — отправка заданий, проверка liveness, итог завершения, terminate
//   - WorkerNode — сведения о среде worker node (distributor id, step id, потребление)
//
// Типы кластеров регистрируются в Registry при сборке приложения:
//
//	registry := plugins.DefaultRegistry() // dummy, sequential, multiprocess
//	plugin, err := registry.Build("sequential", cluster.Options{Launch: runner.Launch})
//
// Worker node запускается командой, собранной BuildCommand:
//
//	jobswarm worker-node --task-instance-id 42
//	jobswarm worker-node --array-id 3 --batch-id 7   # step id из JOBSWARM_ARRAY_STEP_ID
package cluster
