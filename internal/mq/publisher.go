package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/jobswarm/internal/domain"
	"github.com/shaiso/jobswarm/internal/reaper"
)

// MessageType — тип сообщения.
type MessageType string

// Типы сообщений.
const (
	MessageTypeRunReaped      MessageType = "workflow_run.reaped"
	MessageTypeInstanceStatus MessageType = "task_instance.status"
	MessageTypeRunStatus      MessageType = "workflow_run.status"
)

// Message — конверт сообщения.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage упаковывает payload в конверт с новым ID.
func NewMessage(msgType MessageType, payload any, ts time.Time) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Payload:   raw,
		Timestamp: ts,
	}, nil
}

// InstanceStatusPayload — новый статус попытки.
type InstanceStatusPayload struct {
	TaskInstanceID int64     `json:"task_instance_id"`
	TaskID         int64     `json:"task_id"`
	WorkflowRunID  int64     `json:"workflow_run_id"`
	Name           string    `json:"name"`
	Status         string    `json:"status"`
	StatusDate     time.Time `json:"status_date"`
	NodeName       string    `json:"node_name,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

// RunStatusPayload — новый статус run.
type RunStatusPayload struct {
	WorkflowRunID int64  `json:"workflow_run_id"`
	WorkflowID    int64  `json:"workflow_id"`
	Status        string `json:"status"`
}

// Publisher публикует события и уведомления.
//
// Реализует reaper.Notifier.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
	now    func() time.Time
}

var _ reaper.Notifier = (*Publisher)(nil)

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Publish публикует сообщение в exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),
			string(routingKey),
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Type:         string(msg.Type),
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)
		return nil
	})
}

// Notify публикует уведомление reaper.
// Потребитель: jobswarm-notifier.
func (p *Publisher) Notify(ctx context.Context, n reaper.Notification) error {
	msg, err := NewMessage(MessageTypeRunReaped, n, p.now())
	if err != nil {
		return err
	}
	return p.Publish(ctx, ExchangeNotifications, RoutingKeyReaper, msg)
}

// PublishInstanceStatus публикует новый статус попытки.
func (p *Publisher) PublishInstanceStatus(ctx context.Context, ti *domain.TaskInstance) error {
	msg, err := NewMessage(MessageTypeInstanceStatus, InstanceStatusPayload{
		TaskInstanceID: ti.ID,
		TaskID:         ti.TaskID,
		WorkflowRunID:  ti.WorkflowRunID,
		Name:           ti.Name,
		Status:         string(ti.Status),
		StatusDate:     ti.StatusDate,
		NodeName:       ti.NodeName,
		ErrorMessage:   ti.ErrorMessage,
	}, p.now())
	if err != nil {
		return err
	}
	return p.Publish(ctx, ExchangeEvents, InstanceStatusKey(string(ti.Status)), msg)
}

// PublishRunStatus публикует новый статус run.
func (p *Publisher) PublishRunStatus(ctx context.Context, run *domain.WorkflowRun) error {
	msg, err := NewMessage(MessageTypeRunStatus, RunStatusPayload{
		WorkflowRunID: run.ID,
		WorkflowID:    run.WorkflowID,
		Status:        string(run.Status),
	}, p.now())
	if err != nil {
		return err
	}
	return p.Publish(ctx, ExchangeEvents, RunStatusKey(string(run.Status)), msg)
}
