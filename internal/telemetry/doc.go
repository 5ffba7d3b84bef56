// Package telemetry обеспечивает наблюдаемость системы.
//
// Включает:
//   - logging.go — structured logging через slog (+ ротация файла через lumberjack)
//   - metrics.go — Prometheus метрики swarm, distributor, reaper и API
//
// Все сервисы используют единый формат логирования
// и экспортируют метрики на /metrics endpoint.
package telemetry
