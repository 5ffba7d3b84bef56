package reaper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Notification — сообщение о пожатом run.
type Notification struct {
	Channel string `json:"channel"`
	Message string `json:"message"`

	WorkflowID    int64  `json:"workflow_id"`
	WorkflowRunID int64  `json:"workflow_run_id"`
	Status        string `json:"status"`
}

// Notifier доставляет уведомления. Доставка best-effort:
// ошибка логируется reaper'ом и не прерывает проход.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc адаптирует функцию к Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify вызывает f.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// LogNotifier пишет уведомления в лог.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify логирует уведомление на уровне Warn.
func (l LogNotifier) Notify(ctx context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, n.Message,
		"channel", n.Channel,
		"workflow_id", n.WorkflowID,
		"workflow_run_id", n.WorkflowRunID,
		"status", n.Status,
	)
	return nil
}

// Multi рассылает уведомление всем notifiers и объединяет их ошибки.
type Multi []Notifier

// Notify вызывает каждый notifier, даже если предыдущий вернул ошибку.
func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WebhookNotifier отправляет уведомление POST-запросом в чат webhook.
// Тело: {"channel": ..., "text": ...}.
type WebhookNotifier struct {
	URL    string
	Client *http.Client // default: таймаут 10s
}

type webhookBody struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

// Notify отправляет уведомление. Ответ не 2xx считается ошибкой.
func (w WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(webhookBody{Channel: n.Channel, Text: n.Message})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}
