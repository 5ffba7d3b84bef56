// Package mq — события jobswarm в RabbitMQ.
//
// Структура:
//   - connection.go — соединение с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — exchanges, queues, bindings
//   - publisher.go  — публикация событий и уведомлений reaper
//   - consumer.go   — потребление (jobswarm-notifier)
//
// Типы сообщений:
//   - workflow_run.reaped   — reaper пожал потерянный run
//   - task_instance.status  — worker node сообщил новый статус попытки
//   - workflow_run.status   — swarm перевёл run в итоговый статус
//
// Exchanges:
//   - jobswarm.notifications — уведомления для людей (direct)
//   - jobswarm.events        — поток статусов (topic, key = тип сущности.статус)
//   - jobswarm.dlq           — dead letter queue
package mq
