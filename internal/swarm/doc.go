// Package swarm планирует выполнение одного workflow run.
//
// Swarm отвечает за:
//   - Синхронизацию статусов tasks со store
//   - Продвижение фронта DAG: task готов, когда все upstream DONE
//   - Соблюдение потолков конкурентности workflow и arrays (0 — пауза)
//   - Проверку ресурсов по лимитам очереди и эскалацию после ошибки ресурсов
//   - Постановку tasks в очередь batch'ами (array + ресурсы + кластер)
//   - Определение итогового статуса run (DONE, ERROR, STOPPED, TERMINATED)
//
// Swarm только пишет QUEUED в store. Отправку в кластер выполняет distributor.
package swarm
