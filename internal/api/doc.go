// Package api содержит HTTP API jobswarm.
//
// Структура:
//   - handler.go         — Handler с DI (store, publisher событий, logger)
//   - routes.go          — регистрация маршрутов
//   - middleware.go      — middleware (logging, recovery, metrics)
//   - response.go        — унифицированные JSON-ответы и обработка ошибок
//   - dto.go             — request/response структуры
//   - worker_handler.go  — отчёты worker node: /task_instances, /batches
//   - run_handler.go     — операторские действия над runs: статус, потолок, resume
//   - task_handler.go    — arrays и сброс tasks
//
// Worker nodes ходят в API через cli.Client, который реализует workernode.Reporter.
package api
