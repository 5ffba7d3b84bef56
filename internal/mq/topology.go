package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — имя обменника.
type Exchange string

// Queue — имя очереди.
type Queue string

// RoutingKey — ключ маршрутизации.
type RoutingKey string

// Exchanges.
const (
	ExchangeNotifications Exchange = "jobswarm.notifications"
	ExchangeEvents        Exchange = "jobswarm.events"
	ExchangeDLQ           Exchange = "jobswarm.dlq"
)

// Queues.
const (
	QueueNotifications Queue = "notifications.reaper"
	QueueEventsAudit   Queue = "events.audit"
	QueueDLQ           Queue = "dlq.notifications"
)

// Routing keys.
const (
	RoutingKeyReaper RoutingKey = "reaper"
	RoutingKeyDLQ    RoutingKey = "notifications"

	// RoutingKeyAll — все события в topic exchange.
	RoutingKeyAll RoutingKey = "#"
)

// InstanceStatusKey — ключ события попытки: "task_instance.DONE".
func InstanceStatusKey(status string) RoutingKey {
	return RoutingKey("task_instance." + status)
}

// RunStatusKey — ключ события run: "workflow_run.ERROR".
func RunStatusKey(status string) RoutingKey {
	return RoutingKey("workflow_run." + status)
}

type exchangeDecl struct {
	name Exchange
	kind string
}

type queueDecl struct {
	name Queue
	args amqp.Table
}

type bindingDecl struct {
	queue      Queue
	routingKey RoutingKey
	exchange   Exchange
}

var (
	exchanges = []exchangeDecl{
		{ExchangeNotifications, amqp.ExchangeDirect},
		{ExchangeEvents, amqp.ExchangeTopic},
		{ExchangeDLQ, amqp.ExchangeDirect},
	}

	queues = []queueDecl{
		// уведомления повторяются один раз, затем уходят в DLQ
		{QueueNotifications, amqp.Table{
			"x-dead-letter-exchange":    string(ExchangeDLQ),
			"x-dead-letter-routing-key": string(RoutingKeyDLQ),
		}},
		// журнал статусов, ограничен по длине
		{QueueEventsAudit, amqp.Table{
			"x-max-length": int32(100000),
			"x-overflow":   "drop-head",
		}},
		{QueueDLQ, nil},
	}

	bindings = []bindingDecl{
		{QueueNotifications, RoutingKeyReaper, ExchangeNotifications},
		{QueueEventsAudit, RoutingKeyAll, ExchangeEvents},
		{QueueDLQ, RoutingKeyDLQ, ExchangeDLQ},
	}
)

// SetupTopology объявляет exchanges, queues и bindings. Идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		for _, ex := range exchanges {
			err := ch.ExchangeDeclare(
				string(ex.name), // name
				ex.kind,         // type
				true,            // durable
				false,           // auto-deleted
				false,           // internal
				false,           // no-wait
				nil,             // arguments
			)
			if err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex.name, err)
			}
		}

		for _, q := range queues {
			_, err := ch.QueueDeclare(
				string(q.name), // name
				true,           // durable
				false,          // delete when unused
				false,          // exclusive
				false,          // no-wait
				q.args,         // arguments
			)
			if err != nil {
				return fmt.Errorf("declare queue %s: %w", q.name, err)
			}
		}

		for _, b := range bindings {
			err := ch.QueueBind(
				string(b.queue),      // queue name
				string(b.routingKey), // routing key
				string(b.exchange),   // exchange
				false,                // no-wait
				nil,                  // arguments
			)
			if err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
			}
		}
		return nil
	})
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  jobswarm RabbitMQ topology:

    jobswarm.notifications (direct)
    └── notifications.reaper [routing: reaper]
            Consumer: jobswarm-notifier
            DLQ: dlq.notifications

    jobswarm.events (topic)
    └── events.audit [routing: #]

    jobswarm.dlq (direct)
    └── dlq.notifications [routing: notifications]
  `
}
