package mq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/jobswarm/internal/reaper"
)

func TestNewMessage_ParsePayload(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	n := reaper.Notification{Channel: "ops", Message: "run 7 reaped", WorkflowRunID: 7, Status: "ERROR"}

	msg, err := NewMessage(MessageTypeRunReaped, n, ts)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, ts, msg.Timestamp)

	// конверт переживает сериализацию, как при доставке
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	var got Message
	require.NoError(t, json.Unmarshal(body, &got))

	parsed, err := ParsePayload[reaper.Notification](&got)
	require.NoError(t, err)
	assert.Equal(t, n, parsed)
}

func TestParsePayload_Invalid(t *testing.T) {
	_, err := ParsePayload[RunStatusPayload](&Message{Type: MessageTypeRunStatus, Payload: json.RawMessage(`"x"`)})
	assert.Error(t, err)
}

func TestStatusKeys(t *testing.T) {
	assert.Equal(t, RoutingKey("task_instance.DONE"), InstanceStatusKey("DONE"))
	assert.Equal(t, RoutingKey("workflow_run.ERROR"), RunStatusKey("ERROR"))
}

func TestTopology_BindingsReferenceDeclared(t *testing.T) {
	declaredEx := make(map[Exchange]bool)
	for _, ex := range exchanges {
		declaredEx[ex.name] = true
	}
	declaredQ := make(map[Queue]bool)
	for _, q := range queues {
		declaredQ[q.name] = true
	}
	for _, b := range bindings {
		assert.True(t, declaredEx[b.exchange], "binding to undeclared exchange %s", b.exchange)
		assert.True(t, declaredQ[b.queue], "binding of undeclared queue %s", b.queue)
	}
}

func TestConsumer_Handle(t *testing.T) {
	msg, err := NewMessage(MessageTypeRunReaped, reaper.Notification{Message: "m"}, time.Now())
	require.NoError(t, err)
	body, err := json.Marshal(msg)
	require.NoError(t, err)

	failing := errors.New("webhook down")

	tests := []struct {
		name        string
		body        []byte
		redelivered bool
		handlerErr  error
		wantAck     bool
		wantRequeue bool
	}{
		{name: "handled", body: body, wantAck: true},
		{name: "first failure requeued", body: body, handlerErr: failing, wantRequeue: true},
		{name: "second failure dead-lettered", body: body, redelivered: true, handlerErr: failing},
		{name: "garbage dead-lettered", body: []byte("{not json")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen *Message
			c := NewConsumer(nil, nil, ConsumerConfig{
				Queue: QueueNotifications,
				Handler: func(_ context.Context, d *Delivery) error {
					seen = &d.Message
					return tt.handlerErr
				},
			})

			ack, requeue := c.handle(context.Background(), tt.body, tt.redelivered, amqp.Delivery{})
			assert.Equal(t, tt.wantAck, ack)
			assert.Equal(t, tt.wantRequeue, requeue)
			if tt.wantAck {
				require.NotNil(t, seen)
				assert.Equal(t, msg.ID, seen.ID)
			}
		})
	}
}

func TestNotificationHandler(t *testing.T) {
	var got []reaper.Notification
	handler := NotificationHandler(reaper.NotifierFunc(func(_ context.Context, n reaper.Notification) error {
		got = append(got, n)
		return nil
	}))

	reaped, err := NewMessage(MessageTypeRunReaped, reaper.Notification{Message: "lost", WorkflowRunID: 3}, time.Now())
	require.NoError(t, err)
	require.NoError(t, handler(context.Background(), &Delivery{Message: *reaped}))

	// чужие типы подтверждаются молча
	status, err := NewMessage(MessageTypeRunStatus, RunStatusPayload{WorkflowRunID: 3}, time.Now())
	require.NoError(t, err)
	require.NoError(t, handler(context.Background(), &Delivery{Message: *status}))

	require.Len(t, got, 1)
	assert.EqualValues(t, 3, got[0].WorkflowRunID)

	broken := &Delivery{Message: Message{Type: MessageTypeRunReaped, Payload: json.RawMessage(`[`)}}
	assert.Error(t, handler(context.Background(), broken))
}
